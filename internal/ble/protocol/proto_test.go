package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalPayloadLayout(t *testing.T) {
	f := Frame{Action: ActionOutputAC, Type: MsgSetControl, Body: []byte(`{"oac":1}`)}
	got, err := f.MarshalPayload()
	require.NoError(t, err)
	assert.Equal(t, append([]byte{0x00, 0x04, 0x04, 0x09}, `{"oac":1}`...), got)
}

func TestMarshalPayloadEmptyBody(t *testing.T) {
	got, err := StatusQuery().MarshalPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xFC, 0x03, 0x00}, got)
}

func TestMarshalPayloadFragment(t *testing.T) {
	f := Frame{Action: ActionDeviceProperty, Type: MsgDeviceProperty, Body: []byte("ab"), Seq: 2, Total: 3}
	got, err := f.MarshalPayload()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x80, 0xFC, 0x03, 0x02, 0x00, 0x02, 0x00, 0x03, 'a', 'b'}, got)
}

func TestMarshalPayloadRejects(t *testing.T) {
	_, err := Frame{Body: make([]byte, MaxBody+1)}.MarshalPayload()
	assert.Error(t, err)
	_, err = Frame{Seq: 4, Total: 3}.MarshalPayload()
	assert.Error(t, err)
}

func TestUnmarshalPayloadErrors(t *testing.T) {
	for _, p := range [][]byte{
		nil,
		{0x00, 0xFC, 0x03},
		{0x80, 0xFC, 0x03, 0x00, 0x00, 0x01},
		{0x80, 0xFC, 0x03, 0x00, 0x00, 0x00, 0x00, 0x01},
		{0x80, 0xFC, 0x03, 0x00, 0x00, 0x03, 0x00, 0x02},
	} {
		_, err := UnmarshalPayload(p)
		assert.ErrorIs(t, err, ErrMalformed, "payload %x", p)
	}
}

func TestUnmarshalIgnoresLengthByte(t *testing.T) {
	f, err := UnmarshalPayload([]byte{0x00, 0xFC, 0x03, 0x10, 'x'})
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), f.Body)
}

func TestPayloadRoundTripEveryAction(t *testing.T) {
	for a := range actionNames {
		for _, f := range []Frame{
			{Action: a, Type: MsgSetControl, Body: []byte(`{"v":1}`)},
			{Action: a, Type: MsgQuery},
			{Action: a, Type: MsgDeviceProperty, Body: []byte(`{"v":2}`), Seq: 1, Total: 2},
		} {
			p, err := f.MarshalPayload()
			require.NoError(t, err)
			got, err := UnmarshalPayload(p)
			require.NoError(t, err)
			assert.Equal(t, f, got, "action %s", a)
		}
	}
}

func TestActionString(t *testing.T) {
	assert.Equal(t, "device-property", ActionDeviceProperty.String())
	assert.Equal(t, "action(200)", ActionID(200).String())
	assert.True(t, ActionOTAVersion.Known())
	assert.False(t, ActionID(250).Known())
}

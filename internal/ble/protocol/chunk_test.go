package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentFitsInOne(t *testing.T) {
	f := Frame{Action: ActionDeviceProperty, Body: []byte("short")}
	got := Fragment(f, 16)
	require.Len(t, got, 1)
	assert.False(t, got[0].Fragmented())
}

func TestFragmentSplits(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 5)
	parts := Fragment(Frame{Action: ActionDeviceProperty, Type: MsgDeviceProperty, Body: body}, 16)
	require.Len(t, parts, 4)
	for i, p := range parts {
		assert.Equal(t, uint16(i+1), p.Seq)
		assert.Equal(t, uint16(4), p.Total)
		assert.LessOrEqual(t, len(p.Body), 16)
	}
	assert.Len(t, parts[3].Body, 2)
}

func TestAssemblerInOrder(t *testing.T) {
	body := bytes.Repeat([]byte("abc"), 30)
	want := Frame{Action: ActionDeviceProperty, Type: MsgDeviceProperty, Body: body}

	var a Assembler
	parts := Fragment(want, 20)
	for i, p := range parts {
		got, done, err := a.Add(p)
		require.NoError(t, err)
		if i < len(parts)-1 {
			assert.False(t, done)
			continue
		}
		require.True(t, done)
		assert.Equal(t, want, got)
	}
	assert.Zero(t, a.Pending())
}

func TestAssemblerOutOfOrder(t *testing.T) {
	want := Frame{Action: ActionDeviceProperty, Type: MsgDeviceProperty, Body: []byte("0123456789abcdef")}
	parts := Fragment(want, 5)
	var a Assembler
	order := []int{3, 0, 2, 1}
	for i, idx := range order {
		got, done, err := a.Add(parts[idx])
		require.NoError(t, err)
		if i == len(order)-1 {
			require.True(t, done)
			assert.Equal(t, want, got)
		}
	}
}

func TestAssemblerRestartsOnNewResponse(t *testing.T) {
	var a Assembler
	_, done, err := a.Add(Frame{Action: ActionWifiList, Body: []byte("x"), Seq: 1, Total: 2})
	require.NoError(t, err)
	assert.False(t, done)

	parts := Fragment(Frame{Action: ActionDeviceProperty, Body: []byte("abcd")}, 2)
	_, _, err = a.Add(parts[0])
	require.NoError(t, err)
	assert.Equal(t, 1, a.Pending())
	got, done, err := a.Add(parts[1])
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []byte("abcd"), got.Body)
}

func TestAssemblerPassesSingleFrames(t *testing.T) {
	var a Assembler
	f := StatusQuery()
	got, done, err := a.Add(f)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, f, got)
}

func TestAssemblerRejectsBadSeq(t *testing.T) {
	var a Assembler
	_, _, err := a.Add(Frame{Seq: 3, Total: 2})
	assert.ErrorIs(t, err, ErrMalformed)
}

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseProperties(t *testing.T) {
	r := ParseResponse(Frame{
		Action: ActionDeviceProperty,
		Type:   MsgDeviceProperty,
		Body:   []byte(`{"rb":74,"bt":25.5,"wname":"home","cfg":{"a":1},"list":[1,2.5]}`),
	})
	require.False(t, r.Opaque())
	assert.Equal(t, int64(74), r.Props["rb"])
	assert.Equal(t, 25.5, r.Props["bt"])
	assert.Equal(t, "home", r.Props["wname"])
	assert.Equal(t, map[string]any{"a": int64(1)}, r.Props["cfg"])
	assert.Equal(t, []any{int64(1), 2.5}, r.Props["list"])

	v, ok := r.Props.Int("bt")
	assert.True(t, ok)
	assert.Equal(t, int64(25), v)
	_, ok = r.Props.Int("missing")
	assert.False(t, ok)
	s, ok := r.Props.Text("wname")
	assert.True(t, ok)
	assert.Equal(t, "home", s)
}

func TestParseResponseUnknownActionIsOpaque(t *testing.T) {
	r := ParseResponse(Frame{Action: ActionID(99), Body: []byte{0xDE, 0xAD}})
	assert.True(t, r.Opaque())
	assert.Equal(t, []byte{0xDE, 0xAD}, r.Raw)
	assert.Contains(t, r.String(), "dead")
}

func TestParseResponseNonJSONBody(t *testing.T) {
	r := ParseResponse(Frame{Action: ActionOTAVersion, Body: []byte{0x01, 0x02}})
	require.False(t, r.Opaque())
	assert.Equal(t, Properties{RawHexKey: "0102"}, r.Props)
}

func TestParseResponseEmptyBody(t *testing.T) {
	r := ParseResponse(Frame{Action: ActionOutputAC})
	require.False(t, r.Opaque())
	assert.Empty(t, r.Props)
}

func TestPropertiesMerge(t *testing.T) {
	p := Properties{"rb": int64(10), "op": int64(5)}
	p.Merge(Properties{"rb": int64(11), "ip": int64(3)})
	assert.Equal(t, Properties{"rb": int64(11), "op": int64(5), "ip": int64(3)}, p)
}

func TestTelemetryDefaults(t *testing.T) {
	tel := Properties{}.Telemetry()
	assert.Zero(t, tel)
	box := Properties{}.Box()
	assert.Zero(t, box)
}

func TestTelemetryFlagsRequireOne(t *testing.T) {
	tel := Properties{"oac": int64(2), "ups": true, "odc": "1"}.Telemetry()
	assert.False(t, tel.AC)
	assert.True(t, tel.UPS)
	assert.True(t, tel.DC)
}

func TestTelemetryFullPortableStatus(t *testing.T) {
	r := ParseResponse(Frame{
		Action: ActionDeviceProperty,
		Type:   MsgDeviceProperty,
		Body: []byte(`{"rb":74,"bt":251,"bls":1,"acov":2300,"acov1":2298,"acpss":1,"acpsp":300,` +
			`"oact":60,"odct":30,"odcut":15,"odcct":45,"pm":480,"pmb":120,"ast":5,"sltb":3,"en":1,` +
			`"csl":80,"cst":1320,"csc":1,"tt":45,"tp":55,"wss":2,"ta":0,"pal":1,"dt":1700000000,` +
			`"ss":3,"box":1,"pc":2,"wname":"home","wsig":-60}`),
	})
	tel := r.Props.Telemetry()

	assert.Equal(t, 74, tel.Battery)
	assert.InDelta(t, 25.1, tel.BatteryTemp, 1e-9)
	assert.InDelta(t, 230.0, tel.ACVoltage, 1e-9)
	assert.Equal(t, 2298, tel.ACVoltage1)
	assert.Equal(t, 1, tel.ACPowerState)
	assert.Equal(t, 300, tel.ACPowerLimit)
	assert.Equal(t, 60, tel.ACTimer)
	assert.Equal(t, 30, tel.DCTimer)
	assert.Equal(t, 15, tel.USBTimer)
	assert.Equal(t, 45, tel.CarTimer)
	assert.Equal(t, 480, tel.EnergySaving)
	assert.Equal(t, 120, tel.EnergySavingBattery)
	assert.Equal(t, 5, tel.AutoStandby)
	assert.Equal(t, 3, tel.ScreenTimeout)
	assert.True(t, tel.Enabled)
	assert.Equal(t, ChargeSchedule{Level: 80, Time: 1320, Cycle: 1}, tel.ChargeSchedule)
	assert.Equal(t, 45, tel.TempTrigger)
	assert.Equal(t, 55, tel.TempProtect)
	assert.Equal(t, 2, tel.WifiState)
	assert.Equal(t, 1, tel.PowerAlarm)
	assert.Equal(t, 1700000000, tel.DeviceTime)
	assert.Equal(t, 3, tel.SystemState)
	assert.Equal(t, 1, tel.BoxLinked)
	assert.Equal(t, 2, tel.PackCount)
	assert.Equal(t, "home", tel.WifiName)
	assert.Equal(t, -60, tel.WifiSignal)
}

func TestTelemetryFullBoxStatus(t *testing.T) {
	r := ParseResponse(Frame{
		Action: ActionDeviceProperty,
		Type:   MsgDeviceProperty,
		Body: []byte(`{"rb":88,"ip":100,"op":40,"ot":600,"ups":1,"en":1,"ds":1,"dh":6,"de":22,` +
			`"dg":1,"pss":2,"rc":4200,"dt":1700000000,"ddt":90,"ps":1,"pst":15}`),
	})
	want := BoxTelemetry{
		Battery:        88,
		InputPower:     100,
		OutputPower:    40,
		OutputTime:     600,
		UPS:            true,
		Enabled:        true,
		DischargeState: 1,
		DischargeHours: 6,
		DischargeEnd:   22,
		DischargeGrid:  1,
		PowerSupply:    2,
		RemainingCap:   4200,
		DeviceTime:     1700000000,
		DischargeTime:  90,
		PowerState:     1,
		PowerStateTime: 15,
	}
	assert.Equal(t, want, r.Props.Box())
}

package protocol

// Telemetry is the typed view of a portable station's property set. Fields
// without a unit in their comment are passed through in firmware units.
type Telemetry struct {
	Battery      int     // rb, percent
	BatteryTemp  float64 // bt, degrees Celsius
	BatteryState int     // bs
	BatteryLevel int     // bls

	InputPower    int     // ip, W
	OutputPower   int     // op, W
	ACInputPower  int     // acip, W
	DCInputPower  int     // cip, W
	ACOutputPower int     // acps, W
	ACVoltage     float64 // acov, V
	ACVoltage1    int     // acov1
	ACFrequency   int     // acohz, Hz
	ACPowerState  int     // acpss
	ACPowerLimit  int     // acpsp
	InputTime     int     // it, remaining time to full
	OutputTime    int     // ot, remaining runtime

	AC          bool // oac
	DC          bool // odc
	USB         bool // odcu
	Car         bool // odcc
	ACInput     bool // iac
	DCInput     bool // idc
	UPS         bool // ups
	SuperCharge bool // sfc
	Enabled     bool // en

	// Output auto-off timers.
	ACTimer  int // oact
	DCTimer  int // odct
	USBTimer int // odcut
	CarTimer int // odcct

	LightMode           int // lm
	ChargeMode          int // cs
	BatterySave         int // lps
	EnergySaving        int // pm, minutes
	EnergySavingBattery int // pmb
	AutoStandby         int // ast
	ScreenTimeout       int // sltb, minutes

	DischargeLimit int // dl, percent
	ChargeLimit    int // cl, percent
	BackupCapacity int // bc, percent

	ChargeSchedule ChargeSchedule

	ErrorCode   int // ec
	Alarm       int // ta
	PowerAlarm  int // pal
	TempTrigger int // tt
	TempProtect int // tp
	DeviceTime  int // dt
	SystemState int // ss
	BoxLinked   int // box
	PackCount   int // pc

	WifiName   string // wname
	WifiIP     string // wip
	MAC        string // mac
	WifiSignal int    // wsig
	WifiState  int    // wss
}

// ChargeSchedule is the scheduled charging window.
type ChargeSchedule struct {
	Level int // csl
	Time  int // cst
	Cycle int // csc
}

// BoxTelemetry is the typed view of a box unit's property set.
type BoxTelemetry struct {
	Battery        int  // rb, percent
	InputPower     int  // ip, W
	OutputPower    int  // op, W
	OutputTime     int  // ot
	UPS            bool // ups
	Enabled        bool // en
	DischargeState int  // ds
	DischargeHours int  // dh
	DischargeEnd   int  // de
	DischargeGrid  int  // dg
	PowerSupply    int  // pss
	RemainingCap   int  // rc
	DeviceTime     int  // dt
	DischargeTime  int  // ddt
	PowerState     int  // ps
	PowerStateTime int  // pst
}

func (p Properties) num(key string) int {
	v, _ := p.Int(key)
	return int(v)
}

func (p Properties) flag(key string) bool { return p.num(key) == 1 }

func (p Properties) tenths(key string) float64 {
	v, ok := p.Float(key)
	if !ok {
		return 0
	}
	return float64(int64(v)) / 10
}

func (p Properties) str(key string) string {
	s, _ := p.Text(key)
	return s
}

// Telemetry decodes the portable fields. Missing properties stay zero.
func (p Properties) Telemetry() Telemetry {
	return Telemetry{
		Battery:             p.num("rb"),
		BatteryTemp:         p.tenths("bt"),
		BatteryState:        p.num("bs"),
		BatteryLevel:        p.num("bls"),
		InputPower:          p.num("ip"),
		OutputPower:         p.num("op"),
		ACInputPower:        p.num("acip"),
		DCInputPower:        p.num("cip"),
		ACOutputPower:       p.num("acps"),
		ACVoltage:           p.tenths("acov"),
		ACVoltage1:          p.num("acov1"),
		ACFrequency:         p.num("acohz"),
		ACPowerState:        p.num("acpss"),
		ACPowerLimit:        p.num("acpsp"),
		InputTime:           p.num("it"),
		OutputTime:          p.num("ot"),
		AC:                  p.flag("oac"),
		DC:                  p.flag("odc"),
		USB:                 p.flag("odcu"),
		Car:                 p.flag("odcc"),
		ACInput:             p.flag("iac"),
		DCInput:             p.flag("idc"),
		UPS:                 p.flag("ups"),
		SuperCharge:         p.flag("sfc"),
		Enabled:             p.flag("en"),
		ACTimer:             p.num("oact"),
		DCTimer:             p.num("odct"),
		USBTimer:            p.num("odcut"),
		CarTimer:            p.num("odcct"),
		LightMode:           p.num("lm"),
		ChargeMode:          p.num("cs"),
		BatterySave:         p.num("lps"),
		EnergySaving:        p.num("pm"),
		EnergySavingBattery: p.num("pmb"),
		AutoStandby:         p.num("ast"),
		ScreenTimeout:       p.num("sltb"),
		DischargeLimit:      p.num("dl"),
		ChargeLimit:         p.num("cl"),
		BackupCapacity:      p.num("bc"),
		ChargeSchedule: ChargeSchedule{
			Level: p.num("csl"),
			Time:  p.num("cst"),
			Cycle: p.num("csc"),
		},
		ErrorCode:   p.num("ec"),
		Alarm:       p.num("ta"),
		PowerAlarm:  p.num("pal"),
		TempTrigger: p.num("tt"),
		TempProtect: p.num("tp"),
		DeviceTime:  p.num("dt"),
		SystemState: p.num("ss"),
		BoxLinked:   p.num("box"),
		PackCount:   p.num("pc"),
		WifiName:    p.str("wname"),
		WifiIP:      p.str("wip"),
		MAC:         p.str("mac"),
		WifiSignal:  p.num("wsig"),
		WifiState:   p.num("wss"),
	}
}

// Box decodes the box unit fields.
func (p Properties) Box() BoxTelemetry {
	return BoxTelemetry{
		Battery:        p.num("rb"),
		InputPower:     p.num("ip"),
		OutputPower:    p.num("op"),
		OutputTime:     p.num("ot"),
		UPS:            p.flag("ups"),
		Enabled:        p.flag("en"),
		DischargeState: p.num("ds"),
		DischargeHours: p.num("dh"),
		DischargeEnd:   p.num("de"),
		DischargeGrid:  p.num("dg"),
		PowerSupply:    p.num("pss"),
		RemainingCap:   p.num("rc"),
		DeviceTime:     p.num("dt"),
		DischargeTime:  p.num("ddt"),
		PowerState:     p.num("ps"),
		PowerStateTime: p.num("pst"),
	}
}

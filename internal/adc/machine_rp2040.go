//go:build tinygo && (rp2040 || rp2350)

package adc

import (
	"fmt"
	"machine"
)

// RP2040 ADC inputs: ADC0..ADC3 on GPIO26..29. Conversions are 12-bit and
// TinyGo scales them to the full 16-bit range.
var machinePins = map[int]machine.Pin{
	0: machine.ADC0,
	1: machine.ADC1,
	2: machine.ADC2,
	3: machine.ADC3,
}

// Machine is the on-chip ADC driven through TinyGo's machine package.
type Machine struct {
	adc machine.ADC
	cal Calibration
}

// OpenMachine configures the given ADC input for one-shot conversions.
func OpenMachine(channel int, cal Calibration) (*Machine, error) {
	pin, ok := machinePins[channel]
	if !ok {
		return nil, fmt.Errorf("adc: channel %d is not an ADC input", channel)
	}

	machine.InitADC()
	a := machine.ADC{Pin: pin}
	a.Configure(machine.ADCConfig{})

	return &Machine{adc: a, cal: cal}, nil
}

// Read performs one conversion.
func (m *Machine) Read() (uint16, error) {
	return m.cal.Apply(int64(m.adc.Get()))
}

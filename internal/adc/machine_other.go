//go:build !(tinygo && (rp2040 || rp2350))

package adc

// Machine is only available in TinyGo builds for RP2040-class targets.
type Machine struct{}

// OpenMachine reports ErrUnsupported outside TinyGo firmware builds.
func OpenMachine(channel int, cal Calibration) (*Machine, error) {
	return nil, ErrUnsupported
}

// Read reports ErrUnsupported.
func (m *Machine) Read() (uint16, error) {
	return 0, ErrUnsupported
}

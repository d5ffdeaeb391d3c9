package adc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultIIORoot is where the Linux kernel exposes Industrial I/O devices.
const DefaultIIORoot = "/sys/bus/iio/devices"

// IIO reads one voltage channel of a Linux Industrial I/O ADC through sysfs.
type IIO struct {
	path string
	file *os.File
	cal  Calibration
	buf  [32]byte
}

// OpenIIO opens in_voltage<channel>_raw of the given IIO device
// (for example "iio:device0"). device may also be an absolute directory.
//
// When cal.Scale is zero the kernel-provided scale (in_voltage<channel>_scale
// or in_voltage_scale) is used, so samples are reported in millivolts.
func OpenIIO(device string, channel int, cal Calibration) (*IIO, error) {
	dir := device
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(DefaultIIORoot, device)
	}

	path := filepath.Join(dir, fmt.Sprintf("in_voltage%d_raw", channel))
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ADC channel: %w", err)
	}

	if cal.Scale == 0 {
		scale, err := readIIOScale(dir, channel)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		cal.Scale = scale
	}

	return &IIO{path: path, file: f, cal: cal}, nil
}

func readIIOScale(dir string, channel int) (float64, error) {
	candidates := []string{
		filepath.Join(dir, fmt.Sprintf("in_voltage%d_scale", channel)),
		filepath.Join(dir, "in_voltage_scale"),
	}
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read ADC scale: %w", err)
		}
		scale, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ADC scale in %s: %w", p, err)
		}
		return scale, nil
	}
	return 1, nil
}

// Read performs one conversion. sysfs triggers a fresh conversion on every read
// from offset zero.
func (d *IIO) Read() (uint16, error) {
	n, err := d.file.ReadAt(d.buf[:], 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("failed to read %s: %w", d.path, err)
	}

	raw, err := strconv.ParseInt(strings.TrimSpace(string(d.buf[:n])), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid ADC reading from %s: %w", d.path, err)
	}
	return d.cal.Apply(raw)
}

// Close releases the sysfs file.
func (d *IIO) Close() error {
	return d.file.Close()
}

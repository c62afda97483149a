package vfd

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// ErrNoPort is returned by Detect when no candidate port is present.
var ErrNoPort = errors.New("no serial port found")

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
	IsUSB       bool
}

// Ports returns a list of available serial ports, with USB details when the
// platform enumerator provides them.
func Ports() ([]Port, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		result := make([]Port, 0, len(details))
		for _, d := range details {
			result = append(result, Port{
				Name:        d.Name,
				Description: describe(d),
				IsUSB:       d.IsUSB,
			})
		}
		return result, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(names))
	for _, name := range names {
		result = append(result, Port{Name: name, Description: name})
	}

	return result, nil
}

func describe(d *enumerator.PortDetails) string {
	if !d.IsUSB {
		return d.Name
	}
	desc := fmt.Sprintf("%s [USB %s:%s]", d.Name, d.VID, d.PID)
	if d.Product != "" {
		desc += " " + d.Product
	}
	if d.SerialNumber != "" {
		desc += " sn=" + d.SerialNumber
	}
	return desc
}

// Detect returns the enumerated port most likely to be the controller.
func Detect() (string, error) {
	ports, err := Ports()
	if err != nil {
		return "", err
	}
	return Pick(ports)
}

// Pick chooses the first port whose name looks like a USB/ACM/COM serial
// device, preferring ports reported as USB.
func Pick(ports []Port) (string, error) {
	var fallback string
	for _, p := range ports {
		if !candidate(p.Name) {
			continue
		}
		if p.IsUSB {
			return p.Name, nil
		}
		if fallback == "" {
			fallback = p.Name
		}
	}
	if fallback == "" {
		return "", ErrNoPort
	}
	return fallback, nil
}

func candidate(name string) bool {
	upper := strings.ToUpper(name)
	return strings.Contains(upper, "ACM") || strings.Contains(upper, "USB") || strings.Contains(upper, "COM")
}

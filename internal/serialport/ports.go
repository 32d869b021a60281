package serialport

import (
	"go.bug.st/serial/enumerator"
)

// Port holds details about a detected serial port. It is a snapshot;
// callers re-enumerate rather than caching across a flash attempt.
type Port struct {
	Name         string
	IsUSB        bool
	VID          string
	PID          string
	SerialNumber string
}

// List returns the serial ports currently present on the host. An empty
// result is not an error.
func List() ([]Port, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}

	var result []Port
	for _, p := range ports {
		result = append(result, Port{
			Name:         p.Name,
			IsUSB:        p.IsUSB,
			VID:          p.VID,
			PID:          p.PID,
			SerialNumber: p.SerialNumber,
		})
	}
	return result, nil
}

// Registry answers "is this port still plugged in" immediately before a
// flash launches, so an unplug between selection and start is caught
// without invoking the vendor tool.
type Registry struct {
	list func() ([]Port, error)
}

func NewRegistry() *Registry {
	return &Registry{list: List}
}

// NewRegistryWithLister builds a Registry over a custom enumeration
// function. Used by tests.
func NewRegistryWithLister(list func() ([]Port, error)) *Registry {
	return &Registry{list: list}
}

// Ports re-enumerates and returns the current snapshot.
func (r *Registry) Ports() ([]Port, error) {
	return r.list()
}

// Validate reports whether portID currently appears in the enumeration.
// Enumeration failure counts as not present.
func (r *Registry) Validate(portID string) bool {
	ports, err := r.list()
	if err != nil {
		return false
	}
	for _, p := range ports {
		if p.Name == portID {
			return true
		}
	}
	return false
}

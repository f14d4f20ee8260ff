package transport

import (
	"fmt"
	"sort"
)

// Factory creates a transport
type Factory func() (Transport, error)

var registeredTransports = map[string]Factory{}

// Register registers a transport factory under a name
func Register(name string, factory Factory) {
	registeredTransports[name] = factory
}

// New creates the transport registered under name
func New(name string) (Transport, error) {
	factory, ok := registeredTransports[name]
	if !ok {
		return nil, fmt.Errorf("unknown transport %q (available: %v)", name, Names())
	}
	return factory()
}

// Names returns the registered transport names
func Names() []string {
	names := make([]string, 0, len(registeredTransports))
	for name := range registeredTransports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

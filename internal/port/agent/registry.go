package agent

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates an Adapter from engine-specific options.
type Factory func(opts map[string]string) (Adapter, error)

var (
	regMu     sync.RWMutex
	factories = make(map[string]Factory)
)

// Register adds an adapter factory under the given engine id.
// Registering the same id twice panics: duplicate registration is a
// programming error caught at startup.
func Register(engineID string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := factories[engineID]; dup {
		panic("agent: duplicate adapter registration: " + engineID)
	}
	factories[engineID] = f
}

// New instantiates the adapter registered under engineID.
func New(engineID string, opts map[string]string) (Adapter, error) {
	regMu.RLock()
	f, ok := factories[engineID]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent: unknown engine %q", engineID)
	}
	return f(opts)
}

// Engines returns the sorted list of registered engine ids.
func Engines() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(factories))
	for id := range factories {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ResetForTest clears the registry. Only tests may call this.
func ResetForTest() {
	regMu.Lock()
	defer regMu.Unlock()
	factories = make(map[string]Factory)
}

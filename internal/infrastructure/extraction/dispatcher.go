package extraction

import (
	"fmt"
	"strings"
)

// Dispatcher maps a free-form supplier name to the extractor key that handles
// that supplier's document layout.
type Dispatcher struct {
	// registry maps extractor keys to the name fragments that select them
	registry map[string][]string
	order    []string
}

// NewDispatcher creates a dispatcher over an explicit registry. Keys are
// matched in insertion order so more specific fragments can shadow generic
// ones.
func NewDispatcher(registry map[string][]string, order []string) *Dispatcher {
	return &Dispatcher{registry: registry, order: order}
}

// DefaultDispatcher returns the built-in supplier registry
func DefaultDispatcher() *Dispatcher {
	order := []string{
		"ostrovit",
		"dynveo",
		"powerbody",
		"nutrimea",
		"bulk",
		"myprotein",
		"nutriforce",
	}
	return NewDispatcher(map[string][]string{
		"ostrovit":   {"ostrovit"},
		"dynveo":     {"dynveo"},
		"powerbody":  {"powerbody", "power body"},
		"nutrimea":   {"nutrimea"},
		"bulk":       {"bulk powders", "bulk"},
		"myprotein":  {"myprotein", "my protein"},
		"nutriforce": {"nutriforce"},
	}, order)
}

// Resolve returns the extractor key for a supplier name. Matching is
// case-insensitive substring search over the normalized name. An unknown
// supplier is an error the caller reports as a job failure, never a panic.
func (d *Dispatcher) Resolve(supplierName string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(supplierName))
	if normalized == "" {
		return "", fmt.Errorf("empty supplier name")
	}
	for _, key := range d.order {
		for _, fragment := range d.registry[key] {
			if strings.Contains(normalized, fragment) {
				return key, nil
			}
		}
	}
	return "", fmt.Errorf("no extractor registered for supplier %q", supplierName)
}

// Known returns the registered extractor keys in match order
func (d *Dispatcher) Known() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

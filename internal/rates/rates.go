package rates

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Table maps resource-class keys (e.g. "cpu", "gpu", "npu") to the number of
// credits one minute of usage costs. A Table is immutable after construction;
// per-request lookups never take a lock.
type Table struct {
	perMinute map[string]int
	fallback  int
}

// fileSchema is the on-disk YAML shape of a rate table.
type fileSchema struct {
	Rates        map[string]int `yaml:"rates"`
	FallbackRate int            `yaml:"fallback_rate"`
}

// New builds a Table from an explicit rate map. Unknown resource types fall
// back to the "cpu" entry when present, else to fallbackRate.
func New(perMinute map[string]int, fallbackRate int) *Table {
	m := make(map[string]int, len(perMinute))
	for k, v := range perMinute {
		m[k] = v
	}
	if fallbackRate <= 0 {
		fallbackRate = 1
	}
	return &Table{perMinute: m, fallback: fallbackRate}
}

// Load reads a rate table from a YAML file.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate table %s: %w", path, err)
	}
	var f fileSchema
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rate table %s: %w", path, err)
	}
	return New(f.Rates, f.FallbackRate), nil
}

// Rate returns credits-per-minute for the given resource type. Unrecognized
// types use the cpu rate when configured, otherwise the fallback rate, so an
// absent table entry is never an error.
func (t *Table) Rate(resourceType string) int {
	if r, ok := t.perMinute[resourceType]; ok {
		return r
	}
	if r, ok := t.perMinute["cpu"]; ok {
		return r
	}
	return t.fallback
}

// Cost returns the credit cost of running resourceType for the given number
// of whole minutes.
func (t *Table) Cost(resourceType string, minutes int) int {
	if minutes < 0 {
		minutes = 0
	}
	return t.Rate(resourceType) * minutes
}

// Map returns a copy of the configured rates for API responses.
func (t *Table) Map() map[string]int {
	m := make(map[string]int, len(t.perMinute))
	for k, v := range t.perMinute {
		m[k] = v
	}
	return m
}

// Keys returns the configured resource types in sorted order.
func (t *Table) Keys() []string {
	keys := make([]string, 0, len(t.perMinute))
	for k := range t.perMinute {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// BillableMinutes converts an elapsed duration into whole billable minutes.
// Partial minutes round up so the admission-time estimate for a duration is
// never lower than the settlement for the same duration, and every session
// bills at least one minute.
func BillableMinutes(elapsed time.Duration) int {
	if elapsed <= 0 {
		return 1
	}
	mins := int((elapsed + time.Minute - 1) / time.Minute)
	if mins < 1 {
		mins = 1
	}
	return mins
}

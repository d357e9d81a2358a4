// Package flags holds the boolean feature flags that alter routing. Flags
// come from the config file and are fixed for the life of an orchestrator.
package flags

import (
	"maps"
	"slices"

	"github.com/zjrosen/stepchat/internal/log"
)

const (
	// FlagManualNavigation stops handoffs from navigating the host. The
	// notice is still stored and the target's history is still refreshed.
	FlagManualNavigation = "manual-navigation"

	// FlagStrictRouting drops messages whose routing key backs no step
	// instead of filing them under step 0.
	FlagStrictRouting = "strict-routing"
)

var known = []string{FlagManualNavigation, FlagStrictRouting}

// Known returns every flag name the router understands, sorted.
func Known() []string {
	out := slices.Clone(known)
	slices.Sort(out)
	return out
}

// Unknown returns the names in m that are not known flags, sorted.
func Unknown(m map[string]bool) []string {
	var out []string
	for name := range m {
		if !slices.Contains(known, name) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// Registry is a read-only view of configured flags. The zero value and a
// nil *Registry report every flag as off.
type Registry struct {
	flags map[string]bool
}

// New copies m into a Registry.
func New(m map[string]bool) *Registry {
	r := &Registry{flags: maps.Clone(m)}
	if r.flags == nil {
		r.flags = make(map[string]bool)
	}
	log.Debug(log.CatConfig, "feature flags loaded", "enabled", r.enabledNames())
	return r
}

// Enabled reports whether name is on.
func (r *Registry) Enabled(name string) bool {
	if r == nil {
		return false
	}
	return r.flags[name]
}

// All returns a copy of every configured flag, known or not.
func (r *Registry) All() map[string]bool {
	if r == nil {
		return make(map[string]bool)
	}
	return maps.Clone(r.flags)
}

func (r *Registry) enabledNames() []string {
	var on []string
	for name, v := range r.flags {
		if v {
			on = append(on, name)
		}
	}
	slices.Sort(on)
	return on
}

package config

import (
	"reflect"
	"slices"
	"sort"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	SchedulerChanged bool

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.SchedulerChanged
}

// GraphChanged reports whether the dependency graph or per-agent resource
// tags need to be swapped into the engine.
func (d *ConfigDiff) GraphChanged() bool {
	return len(d.AgentsAdded) > 0 || len(d.AgentsRemoved) > 0 || len(d.AgentsChanged) > 0
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}
	sort.Strings(d.AgentsAdded)
	sort.Strings(d.AgentsRemoved)
	sort.Strings(d.AgentsChanged)

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		d.SchedulerChanged = true
	}

	// The lock table and listeners are built once at startup.
	if !slices.Equal(old.Engine.Resources, new.Engine.Resources) {
		d.NonReloadable = append(d.NonReloadable, "engine.resources")
	}
	if old.Engine.MaxWorkers != new.Engine.MaxWorkers {
		d.NonReloadable = append(d.NonReloadable, "engine.max_workers")
	}
	if old.Engine.LogPath != new.Engine.LogPath {
		d.NonReloadable = append(d.NonReloadable, "engine.log_path")
	}
	if !reflect.DeepEqual(old.Runner, new.Runner) {
		d.NonReloadable = append(d.NonReloadable, "runner")
	}
	if old.NATS != new.NATS {
		d.NonReloadable = append(d.NonReloadable, "nats")
	}
	if old.Store != new.Store {
		d.NonReloadable = append(d.NonReloadable, "store")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}
	if old.Telegram != new.Telegram {
		d.NonReloadable = append(d.NonReloadable, "telegram")
	}

	return d
}

package auditspool

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrUnknownDestination is returned for a destination name that is not configured.
var ErrUnknownDestination = errors.New("auditspool: unknown destination")

// AggregationMode selects when the spool files of a destination are processed.
type AggregationMode string

const (
	// ModeImmediate processes every spool file right after it is written.
	ModeImmediate AggregationMode = "immediate"
	// ModeBatched merges aggregatable events into one file per group and
	// leaves processing to the scheduler.
	ModeBatched AggregationMode = "batched"
)

// Destination is one remote audit collector together with its local spool
// directory.
type Destination struct {
	Name      string          `yaml:"name" json:"name"`
	Installed bool            `yaml:"installed" json:"installed"`
	Mode      AggregationMode `yaml:"mode" json:"mode"`
	SpoolDir  string          `yaml:"spoolDirectory,omitempty" json:"spoolDirectory,omitempty"` // defaults to <spool root>/<name>
	Hostname  string          `yaml:"hostname,omitempty" json:"hostname,omitempty"`             // local host name reported to this collector
	Suppress  []SuppressRule  `yaml:"suppress,omitempty" json:"suppress,omitempty"`
	RateLimit float64         `yaml:"rateLimit,omitempty" json:"rateLimit,omitempty"` // records per second, 0 = unlimited
	RateBurst int             `yaml:"rateBurst,omitempty" json:"rateBurst,omitempty"`
}

// Batched reports whether aggregatable events are merged for d.
func (d *Destination) Batched() bool { return d.Mode == ModeBatched }

// DefaultSpoolDir returns the spool directory used for a destination named
// name under root.
func DefaultSpoolDir(root, name string) string {
	return filepath.Join(root, strings.ReplaceAll(name, " ", "_"))
}

// prepareDestinations validates dests, fills in defaults and compiles the
// suppression rules. Every destination needs its own spool directory. The returned slice is a copy owned by the caller.
func prepareDestinations(root string, dests []Destination) ([]Destination, error) {
	out := make([]Destination, len(dests))
	seen := make(map[string]bool, len(dests))
	dirs := make(map[string]string, len(dests))
	for i, d := range dests {
		if d.Name == "" {
			return nil, fmt.Errorf("auditspool: destination %d has no name", i)
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("auditspool: duplicate destination %q", d.Name)
		}
		seen[d.Name] = true
		switch d.Mode {
		case "":
			d.Mode = ModeImmediate
		case ModeImmediate, ModeBatched:
		default:
			return nil, fmt.Errorf("auditspool: destination %q has invalid mode %q", d.Name, d.Mode)
		}
		if d.SpoolDir == "" {
			if root == "" {
				return nil, fmt.Errorf("auditspool: destination %q has no spool directory and no spool root is set", d.Name)
			}
			d.SpoolDir = DefaultSpoolDir(root, d.Name)
		}
		dir := filepath.Clean(d.SpoolDir)
		if other, ok := dirs[dir]; ok {
			return nil, fmt.Errorf("auditspool: destinations %q and %q share spool directory %s", other, d.Name, dir)
		}
		dirs[dir] = d.Name
		rules := make([]SuppressRule, len(d.Suppress))
		copy(rules, d.Suppress)
		for j := range rules {
			if err := rules[j].compile(); err != nil {
				return nil, fmt.Errorf("destination %q: %w", d.Name, err)
			}
		}
		d.Suppress = rules
		out[i] = d
	}
	return out, nil
}

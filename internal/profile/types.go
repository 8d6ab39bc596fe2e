// Package profile implements the experiment profile engine: strict YAML
// decoding, verification, the single-threaded priority scheduler, and action
// dispatch against units over HTTP and the bus.
package profile

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Action types.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionUpdate = "update"
	ActionLog    = "log"
	ActionRepeat = "repeat"
	ActionWhen   = "when"
)

// Priorities order simultaneous actions; lower fires first.
var Priorities = map[string]int{
	ActionStart:  0,
	ActionStop:   1,
	ActionPause:  2,
	ActionResume: 3,
	ActionUpdate: 4,
	ActionWhen:   5,
	ActionRepeat: 6,
	ActionLog:    10,
}

// TimeValue accepts either a bare number (hours) or a literal "<n><unit>"
// with unit in s/m/h/d.
type TimeValue struct {
	raw string
	set bool
}

// UnmarshalYAML accepts scalar nodes only.
func (t *TimeValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("op=profile.TimeValue: expected scalar: %w", domain.ErrInvalidArgument)
	}
	t.raw = node.Value
	t.set = true
	return nil
}

// MarshalYAML round-trips the literal.
func (t TimeValue) MarshalYAML() (any, error) { return t.raw, nil }

// IsSet reports whether a value was supplied.
func (t TimeValue) IsSet() bool { return t.set }

// Seconds converts the value via TimeToSeconds.
func (t TimeValue) Seconds() (float64, error) { return TimeToSeconds(t.raw) }

// TimeToSeconds converts a bare number (interpreted as hours) or a literal
// like "90s", "2m", "1.5h", "1d" into seconds. Embedded whitespace and
// negative values are rejected. Monotone in the numeric part for a fixed
// unit.
func TimeToSeconds(v string) (float64, error) {
	if v != strings.TrimSpace(v) || strings.ContainsAny(v, " \t") {
		return 0, fmt.Errorf("op=profile.TimeToSeconds value=%q: whitespace not allowed: %w", v, domain.ErrInvalidArgument)
	}
	if v == "" {
		return 0, fmt.Errorf("op=profile.TimeToSeconds: empty: %w", domain.ErrInvalidArgument)
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		if f < 0 {
			return 0, fmt.Errorf("op=profile.TimeToSeconds value=%q: negative: %w", v, domain.ErrInvalidArgument)
		}
		return f * 3600, nil
	}
	unit := v[len(v)-1]
	num, err := strconv.ParseFloat(v[:len(v)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("op=profile.TimeToSeconds value=%q: %w", v, domain.ErrInvalidArgument)
	}
	if num < 0 {
		return 0, fmt.Errorf("op=profile.TimeToSeconds value=%q: negative: %w", v, domain.ErrInvalidArgument)
	}
	switch unit {
	case 's':
		return num, nil
	case 'm':
		return num * 60, nil
	case 'h':
		return num * 3600, nil
	case 'd':
		return num * 86400, nil
	default:
		return 0, fmt.Errorf("op=profile.TimeToSeconds value=%q: unknown unit %q: %w", v, string(unit), domain.ErrInvalidArgument)
	}
}

// Action is the tagged action variant. Older profiles use
// hours_elapsed/repeat_every_hours/max_hours; newer ones t/every/max_time.
// Both forms are accepted; no third is invented.
type Action struct {
	Type string `yaml:"type"`

	HoursElapsed *float64  `yaml:"hours_elapsed,omitempty"`
	T            TimeValue `yaml:"t,omitempty"`

	If    string `yaml:"if,omitempty"`
	While string `yaml:"while,omitempty"`

	Options         map[string]any    `yaml:"options,omitempty"`
	Args            []string          `yaml:"args,omitempty"`
	ConfigOverrides map[string]string `yaml:"config_overrides,omitempty"`

	// When: the gating expression.
	Condition string `yaml:"condition,omitempty"`

	RepeatEveryHours *float64  `yaml:"repeat_every_hours,omitempty"`
	Every            TimeValue `yaml:"every,omitempty"`
	MaxHours         *float64  `yaml:"max_hours,omitempty"`
	MaxTime          TimeValue `yaml:"max_time,omitempty"`

	Actions []Action `yaml:"actions,omitempty"`
}

// DelaySeconds resolves hours_elapsed / t into seconds from profile start.
func (a Action) DelaySeconds() (float64, error) {
	if a.T.IsSet() {
		return a.T.Seconds()
	}
	if a.HoursElapsed != nil {
		if *a.HoursElapsed < 0 {
			return 0, fmt.Errorf("op=profile.DelaySeconds: negative hours_elapsed: %w", domain.ErrInvalidArgument)
		}
		return *a.HoursElapsed * 3600, nil
	}
	return 0, nil
}

// IntervalSeconds resolves repeat_every_hours / every.
func (a Action) IntervalSeconds() (float64, bool, error) {
	if a.Every.IsSet() {
		s, err := a.Every.Seconds()
		return s, true, err
	}
	if a.RepeatEveryHours != nil {
		if *a.RepeatEveryHours <= 0 {
			return 0, true, fmt.Errorf("op=profile.IntervalSeconds: non-positive interval: %w", domain.ErrInvalidArgument)
		}
		return *a.RepeatEveryHours * 3600, true, nil
	}
	return 0, false, nil
}

// MaxSeconds resolves max_hours / max_time.
func (a Action) MaxSeconds() (float64, bool, error) {
	if a.MaxTime.IsSet() {
		s, err := a.MaxTime.Seconds()
		return s, true, err
	}
	if a.MaxHours != nil {
		return *a.MaxHours * 3600, true, nil
	}
	return 0, false, nil
}

// Plugin is a required plugin with a version constraint (==, >=, <=).
type Plugin struct {
	Name              string `yaml:"name"`
	VersionConstraint string `yaml:"version"`
}

// JobSpec is the action list for one job.
type JobSpec struct {
	Actions []Action `yaml:"actions"`
}

// Common holds jobs applied to every assigned unit.
type Common struct {
	Jobs map[string]JobSpec `yaml:"jobs"`
}

// PioreactorSpec holds per-unit jobs and an optional label.
type PioreactorSpec struct {
	Label string             `yaml:"label,omitempty"`
	Jobs  map[string]JobSpec `yaml:"jobs"`
}

// Metadata is free-form profile description.
type Metadata struct {
	Author      string `yaml:"author,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Profile is a declarative experiment document.
type Profile struct {
	ExperimentProfileName string                    `yaml:"experiment_profile_name"`
	Metadata              Metadata                  `yaml:"metadata,omitempty"`
	Plugins               []Plugin                  `yaml:"plugins,omitempty"`
	Common                Common                    `yaml:"common,omitempty"`
	Pioreactors           map[string]PioreactorSpec `yaml:"pioreactors,omitempty"`
	Inputs                map[string]any            `yaml:"inputs,omitempty"`
}

// Decode reads a profile with unknown fields forbidden at every level.
func Decode(r io.Reader) (*Profile, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("op=profile.Decode: %w", err)
	}
	if p.ExperimentProfileName == "" {
		return nil, fmt.Errorf("op=profile.Decode: experiment_profile_name required: %w", domain.ErrInvalidArgument)
	}
	return &p, nil
}

// DecodeBytes decodes from memory.
func DecodeBytes(raw []byte) (*Profile, error) { return Decode(bytes.NewReader(raw)) }

// LoadFile reads and decodes a profile document.
func LoadFile(path string) (*Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("op=profile.LoadFile: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Package scenario runs YAML scripts of history operations against the
// in-memory model. Scripts drive the command line tool and double as
// readable end-to-end tests of the engine.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"modelhist/internal/config"
	"modelhist/internal/history"
)

// Script is a named sequence of steps over one or more streams.
type Script struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	History     config.HistoryConfig `yaml:"history"`
	Streams     []StreamSpec         `yaml:"streams"`
	Steps       []Step               `yaml:"steps"`
}

// StreamSpec declares a stream. The first stream is the one the script
// context starts on.
type StreamSpec struct {
	Name string `yaml:"name"`
	// Parts routes entities of these parts to the stream.
	Parts        []string `yaml:"parts,omitempty"`
	OwnsEntities bool     `yaml:"owns_entities,omitempty"`
	MaxStates    *int     `yaml:"max_states,omitempty"`
}

// Step is one operation. Which fields apply depends on Op.
type Step struct {
	Op     string `yaml:"op"`
	Stream string `yaml:"stream,omitempty"`

	// entity operations
	As     string            `yaml:"as,omitempty"`
	Target string            `yaml:"target,omitempty"`
	Kind   string            `yaml:"kind,omitempty"`
	Name   string            `yaml:"name,omitempty"`
	Part   string            `yaml:"part,omitempty"`
	Owner  string            `yaml:"owner,omitempty"`
	Attrs  map[string]string `yaml:"attrs,omitempty"`
	Unset  []string          `yaml:"unset,omitempty"`

	// state operations
	State         StateRef `yaml:"state,omitempty"`
	Keep          int      `yaml:"keep,omitempty"`
	Outcome       string   `yaml:"outcome,omitempty"`
	DeleteIfEmpty *bool    `yaml:"delete_if_empty,omitempty"`
	ClearAfter    bool     `yaml:"clear_after,omitempty"`
	Hide          bool     `yaml:"hide,omitempty"`

	Expect      *Expect `yaml:"expect,omitempty"`
	ExpectError string  `yaml:"expect_error,omitempty"`
}

// Expect lists assertions checked by an expect step. Unset fields are
// not checked.
type Expect struct {
	State    *history.StateID             `yaml:"state,omitempty"`
	States   *int                         `yaml:"states,omitempty"`
	Entities *int                         `yaml:"entities,omitempty"`
	Exists   []string                     `yaml:"exists,omitempty"`
	Missing  []string                     `yaml:"missing,omitempty"`
	Names    map[string]string            `yaml:"names,omitempty"`
	Attrs    map[string]map[string]string `yaml:"attrs,omitempty"`
	Merged   []history.StateID            `yaml:"merged,omitempty"`
	Pending  *bool                        `yaml:"pending,omitempty"`
	Depth    *int                         `yaml:"depth,omitempty"`
	Tags     map[string]history.Tag       `yaml:"tags,omitempty"`
}

// StateRef names a delta state by number or by the name given when it
// was noted.
type StateRef struct {
	raw string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *StateRef) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: state must be a number or a name", n.Line)
	}
	r.raw = n.Value
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (r StateRef) MarshalYAML() (any, error) {
	if id, ok := r.ID(); ok {
		return int64(id), nil
	}
	return r.raw, nil
}

// IsZero reports whether no state was given.
func (r StateRef) IsZero() bool { return r.raw == "" }

// ID returns the numeric state, if the reference is a number.
func (r StateRef) ID() (history.StateID, bool) {
	n, err := strconv.ParseInt(r.raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return history.StateID(n), true
}

func (r StateRef) String() string { return r.raw }

// Parse decodes a script, rejecting unknown fields.
func Parse(r io.Reader) (*Script, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var sc Script
	if err := dec.Decode(&sc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("scenario: empty script")
		}
		return nil, fmt.Errorf("scenario: decode: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// LoadFile reads and parses a script file.
func LoadFile(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	sc, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Name == "" {
		sc.Name = path
	}
	return sc, nil
}

// Validate checks stream declarations and step operations.
func (sc *Script) Validate() error {
	if len(sc.Streams) == 0 {
		sc.Streams = []StreamSpec{{Name: "main"}}
	}
	seen := make(map[string]bool)
	for i, s := range sc.Streams {
		if s.Name == "" {
			return fmt.Errorf("scenario: stream %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("scenario: duplicate stream %q", s.Name)
		}
		seen[s.Name] = true
	}
	for i, st := range sc.Steps {
		if _, ok := operations[st.Op]; !ok {
			return fmt.Errorf("scenario: step %d: unknown op %q", i+1, st.Op)
		}
		if st.Stream != "" && !seen[st.Stream] {
			return fmt.Errorf("scenario: step %d: unknown stream %q", i+1, st.Stream)
		}
		if st.Op == "expect" && st.Expect == nil {
			return fmt.Errorf("scenario: step %d: expect without assertions", i+1)
		}
	}
	return nil
}

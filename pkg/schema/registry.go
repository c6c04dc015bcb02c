// Package schema maps event names to their current payload schema and the
// migration chain from older versions. Payloads are JSON validated with
// JSON Schema; migrations upcast old payloads to the current version before
// validation or projection.
package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// Migration upcasts a payload from FromVersion to FromVersion+1. A non-nil
// Down marks the step bijective; Downgrade is available only through an
// all-bijective chain (used by round-trip tests).
type Migration struct {
	FromVersion int
	Up          func(payload []byte) ([]byte, error)
	Down        func(payload []byte) ([]byte, error)
}

type entry struct {
	base       string
	current    int
	compiled   *jsonschema.Schema
	migrations map[int]Migration // keyed by FromVersion
}

// Registry is written once at startup and read-only after Freeze.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register declares an event's current version, its JSON Schema document,
// and the migration chain from older versions. The chain must be contiguous:
// one migration per version in [1, current).
func (r *Registry) Register(base string, current int, schemaJSON string, migrations ...Migration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("schema: Register after Freeze")
	}
	if current < 1 {
		return apperr.ValidationFailed(fmt.Sprintf("schema %q: current version must be >= 1", base))
	}
	compiled, err := jsonschema.CompileString(base+".schema.json", schemaJSON)
	if err != nil {
		return apperr.Internal(fmt.Sprintf("compile schema for %q", base), err)
	}
	e := &entry{base: base, current: current, compiled: compiled, migrations: make(map[int]Migration)}
	for _, m := range migrations {
		if m.FromVersion < 1 || m.FromVersion >= current {
			return apperr.ValidationFailed(fmt.Sprintf("schema %q: migration from version %d out of range", base, m.FromVersion))
		}
		e.migrations[m.FromVersion] = m
	}
	for v := 1; v < current; v++ {
		if _, ok := e.migrations[v]; !ok {
			return apperr.ValidationFailed(fmt.Sprintf("schema %q: migration chain has a gap at version %d", base, v))
		}
	}
	r.entries[base] = e
	return nil
}

// Freeze makes the registry immutable. Further registration panics.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// CurrentVersion returns the registered current version for a base name.
func (r *Registry) CurrentVersion(base string) (int, error) {
	e, err := r.lookup(base)
	if err != nil {
		return 0, err
	}
	return e.current, nil
}

func (r *Registry) lookup(base string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[base]
	if !ok {
		return nil, apperr.NotFound("schema", base)
	}
	return e, nil
}

// Upgrade migrates a payload from its envelope version to the current one
// and returns the current event name alongside the migrated payload.
func (r *Registry) Upgrade(eventName string, payload []byte) (string, []byte, error) {
	base, version, err := envelope.ParseName(eventName)
	if err != nil {
		return "", nil, err
	}
	e, err := r.lookup(base)
	if err != nil {
		return "", nil, err
	}
	if version > e.current {
		return "", nil, apperr.ValidationFailed(fmt.Sprintf("event %q is newer than registered version %d", eventName, e.current))
	}
	for v := version; v < e.current; v++ {
		payload, err = e.migrations[v].Up(payload)
		if err != nil {
			return "", nil, apperr.Internal(fmt.Sprintf("migrate %s from v%d", base, v), err)
		}
	}
	return envelope.FormatName(base, e.current), payload, nil
}

// Downgrade reverses the chain down to toVersion. Only legal when every step
// in between is bijective; intended for round-trip law tests.
func (r *Registry) Downgrade(eventName string, payload []byte, toVersion int) (string, []byte, error) {
	base, version, err := envelope.ParseName(eventName)
	if err != nil {
		return "", nil, err
	}
	e, err := r.lookup(base)
	if err != nil {
		return "", nil, err
	}
	if toVersion < 1 || toVersion > version {
		return "", nil, apperr.ValidationFailed("downgrade target out of range")
	}
	for v := version - 1; v >= toVersion; v-- {
		m := e.migrations[v]
		if m.Down == nil {
			return "", nil, apperr.ValidationFailed(fmt.Sprintf("migration %s v%d is not bijective", base, v))
		}
		payload, err = m.Down(payload)
		if err != nil {
			return "", nil, apperr.Internal(fmt.Sprintf("downgrade %s to v%d", base, v), err)
		}
	}
	return envelope.FormatName(base, toVersion), payload, nil
}

// Validate upcasts the payload to the current version and checks it against
// the registered JSON Schema. Decode failures are permanent errors: the
// publisher routes them to DEAD, the projector to the poison queue.
func (r *Registry) Validate(eventName string, payload []byte) error {
	_, migrated, err := r.Upgrade(eventName, payload)
	if err != nil {
		return err
	}
	base, _, _ := envelope.ParseName(eventName)
	e, err := r.lookup(base)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(migrated, &doc); err != nil {
		return apperr.ValidationFailed(fmt.Sprintf("payload for %q is not valid JSON", eventName)).WithCause(err)
	}
	if err := e.compiled.Validate(doc); err != nil {
		return apperr.ValidationFailed(fmt.Sprintf("payload for %q fails schema", eventName)).WithCause(err)
	}
	return nil
}

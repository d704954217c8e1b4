package queue

import (
	"encoding/json"
	"fmt"
)

// ValidateFunc checks a raw payload for one job kind at submit time.
type ValidateFunc func(payload json.RawMessage) error

// Registry maps job kinds to payload validators. Kinds are registered once
// at process start, so no locking is needed. Dispatch on kind is
// exhaustive: an unregistered kind is rejected at Enqueue, never discovered
// by a worker probing a loose map.
type Registry struct {
	kinds map[string]ValidateFunc
}

func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]ValidateFunc)}
}

// Register adds a kind. Passing a nil validator accepts any payload.
func (r *Registry) Register(kind string, validate ValidateFunc) {
	r.kinds[kind] = validate
}

// Validate checks that the kind is registered and its payload passes the
// kind's validator.
func (r *Registry) Validate(kind string, payload json.RawMessage) error {
	validate, ok := r.kinds[kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if validate == nil {
		return nil
	}
	if err := validate(payload); err != nil {
		return fmt.Errorf("invalid payload for kind %q: %w", kind, err)
	}
	return nil
}

// Kinds returns the registered kind names.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.kinds))
	for k := range r.kinds {
		out = append(out, k)
	}
	return out
}

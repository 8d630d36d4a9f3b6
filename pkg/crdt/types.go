package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies a replicated data type on the wire.
type Kind string

const (
	KindGSet      Kind = "gset"
	KindORSet     Kind = "orset"
	KindLWW       Kind = "lww"
	KindPNCounter Kind = "pncounter"
	KindORMap     Kind = "ormap"
)

// Kinds lists every supported kind.
var Kinds = []Kind{KindGSet, KindORSet, KindLWW, KindPNCounter, KindORMap}

var (
	ErrUnknownKind  = errors.New("crdt: unknown kind")
	ErrKindMismatch = errors.New("crdt: kind mismatch")
	ErrBadState     = errors.New("crdt: malformed state")
)

// Type is implemented by every replicated data type in this package.
// Implementations are not safe for concurrent use; callers serialize access.
type Type interface {
	Kind() Kind
	// Value projects the current observable value.
	Value() any
	// State serializes the full mergeable state.
	State() (json.RawMessage, error)
	// LoadState replaces the local state with a serialized one.
	LoadState(raw json.RawMessage) error
	// MergeState decodes a serialized state of the same kind and merges it in.
	MergeState(raw json.RawMessage) (bool, error)

	sealed()
}

var constructors = map[Kind]func(nodeID string) Type{
	KindGSet:      func(string) Type { return NewGSet() },
	KindORSet:     func(n string) Type { return NewORSet(n) },
	KindLWW:       func(string) Type { return NewLWWRegister() },
	KindPNCounter: func(string) Type { return NewPNCounter() },
	KindORMap:     func(n string) Type { return NewORMap(n) },
}

// New constructs an empty instance of kind owned by nodeID.
func New(kind Kind, nodeID string) (Type, error) {
	ctor, ok := constructors[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return ctor(nodeID), nil
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	_, ok := constructors[k]
	return ok
}

func decodeState(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadState, err)
	}
	return nil
}

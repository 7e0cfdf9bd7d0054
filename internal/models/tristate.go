package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// TriState is a boolean that also remembers whether it was ever set.
// The zero value is Unset, which is distinct from False.
type TriState uint8

const (
	Unset TriState = iota
	False
	True
)

// TriOf converts a plain bool into a set TriState.
func TriOf(b bool) TriState {
	if b {
		return True
	}
	return False
}

// IsSet reports whether the value was ever written.
func (t TriState) IsSet() bool { return t != Unset }

// IsTrue reports whether the value is set and true.
func (t TriState) IsTrue() bool { return t == True }

func (t TriState) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "unset"
	}
}

// MarshalJSON encodes Unset as null so it can never be read back as false.
func (t TriState) MarshalJSON() ([]byte, error) {
	switch t {
	case Unset:
		return []byte("null"), nil
	case False:
		return []byte("false"), nil
	case True:
		return []byte("true"), nil
	default:
		return nil, fmt.Errorf("invalid tri-state value %d", uint8(t))
	}
}

// UnmarshalJSON accepts null, true and false.
func (t *TriState) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Unset
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("tri-state must be null, true or false: %w", err)
	}
	*t = TriOf(b)
	return nil
}

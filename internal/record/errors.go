package record

import (
	"fmt"
	"strings"
)

// UnknownKeyError reports an attempt to set a key outside the record's
// settable key set.
type UnknownKeyError struct {
	Key string
}

func (e *UnknownKeyError) Error() string {
	return fmt.Sprintf("record: unknown key %q", e.Key)
}

// MissingKeysError is returned by ReadyDict when required keys are
// absent. It reports every missing key at once, not just the first.
type MissingKeysError struct {
	Keys []string // sorted
}

func (e *MissingKeysError) Error() string {
	return fmt.Sprintf("record: missing required keys: %s", strings.Join(e.Keys, ", "))
}

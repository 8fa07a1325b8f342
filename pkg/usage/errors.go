package usage

import (
	"fmt"

	"golang.org/x/xerrors"
)

// ErrBackendUnavailable marks a transient failure of the count backend.
// Callers on the best-effort path skip the current sampling cycle when they
// see it.
var ErrBackendUnavailable = xerrors.New("count backend unavailable")

// SchemaError is returned when a persisted document or sample does not
// match its declared schema version.
type SchemaError struct {
	Version string
	Key     string
	Reason  string
}

func (e *SchemaError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("usage schema %q: %s", e.Version, e.Reason)
	}
	return fmt.Sprintf("usage schema %q: key %q: %s", e.Version, e.Key, e.Reason)
}

// SubscriptionDetailsError is returned when subscription details lack one of
// start, end or limit, or carry a value that cannot be interpreted.
type SubscriptionDetailsError struct {
	Key    string
	Reason string
}

func (e *SubscriptionDetailsError) Error() string {
	return fmt.Sprintf("subscription details: %s: %s", e.Key, e.Reason)
}

// Package services wraps the raw daemon bus in typed facades, one per
// backend service. Facades that cache pushed state expose Attach, which
// must be called again after a reconnect since subscriptions are scoped to
// the session.
package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/beacon-wallet/daemonbus/internal/bus"
)

// Session is the slice of the bus client the facades use.
type Session interface {
	Request(ctx context.Context, destination, command string, params any) (json.RawMessage, error)
	Subscribe(origin, command string, fn bus.Handler) func()
	SetFingerprint(fingerprint int)
	Fingerprint() int
}

func decode(data json.RawMessage, v any, what string) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s response: %w", what, err)
	}
	return nil
}

// AttachAll re-attaches every facade's subscriptions; call it from the
// reconnect restore hook.
func AttachAll(facades ...interface{ Attach() }) {
	for _, f := range facades {
		f.Attach()
	}
}

package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/tonimelisma/icloud-backup/internal/icloud"
)

// Authenticator re-establishes an expired remote session.
type Authenticator interface {
	Reauthenticate(ctx context.Context) error
}

var errNoAuthenticator = errors.New("sync: session expired and no authenticator configured")

// reauthKey is the single-flight key; there is one session per engine.
const reauthKey = "reauth"

// SessionGuard wraps remote calls so that a session expiry triggers one
// reauthentication shared by every concurrent caller, followed by a single
// retry of each failed call.
//
// A generation counter advances after each successful reauthentication. A
// caller whose call started before the latest generation retries without
// reauthenticating again, so callers that hit the expiry just after another
// caller's reauthentication finished do not trigger a second one.
type SessionGuard struct {
	auth   Authenticator
	logger *slog.Logger

	gen     atomic.Uint64
	reauths atomic.Int64
	flight  singleflight.Group
}

// NewSessionGuard creates a guard around auth.
func NewSessionGuard(auth Authenticator, logger *slog.Logger) *SessionGuard {
	return &SessionGuard{auth: auth, logger: logger}
}

// Do runs op. If op fails with icloud.ErrSessionExpired, the session is
// re-established and op is retried exactly once. Any other error is
// returned unchanged.
func (g *SessionGuard) Do(ctx context.Context, op func(ctx context.Context) error) error {
	seen := g.gen.Load()

	err := op(ctx)
	if err == nil || !errors.Is(err, icloud.ErrSessionExpired) {
		return err
	}

	if authErr := g.reauth(ctx, seen); authErr != nil {
		return authErr
	}

	return op(ctx)
}

// Reauths returns the number of completed reauthentications.
func (g *SessionGuard) Reauths() int {
	return int(g.reauths.Load())
}

func (g *SessionGuard) reauth(ctx context.Context, seen uint64) error {
	if g.gen.Load() != seen {
		return nil
	}

	if g.auth == nil {
		return errNoAuthenticator
	}

	_, err, _ := g.flight.Do(reauthKey, func() (any, error) {
		// A flight that finished between the check above and this call
		// already advanced the generation.
		if g.gen.Load() != seen {
			return nil, nil
		}

		g.logger.Info("session expired, re-authenticating")

		if err := g.auth.Reauthenticate(ctx); err != nil {
			g.logger.Error("re-authentication failed", slog.String("error", err.Error()))
			return nil, err
		}

		g.gen.Add(1)
		g.reauths.Add(1)

		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("sync: re-authenticating: %w", err)
	}

	return nil
}

// guardValue runs a value-returning remote call through g.
func guardValue[T any](ctx context.Context, g *SessionGuard, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T

	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}

		out = v

		return nil
	})

	return out, err
}

// Package audit binds the acting user to a context and stamps actor columns on
// every row the ORM writes within that context.
package audit

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var ErrMissingActor = errors.New("audit: actor user id is required")

// Actor identifies who is performing a mutation and why.
type Actor struct {
	UserID    string
	Username  string
	SessionID string
	Reason    string
}

type actorKey struct{}

// Stamps holds the actor columns shared by audited tables.
type Stamps struct {
	CreatedBy string `gorm:"column:created_by;size:64"`
	UpdatedBy string `gorm:"column:updated_by;size:64"`
}

// WithActor returns a child context carrying actor. Because the binding lives
// on the context it disappears with the scope on every exit path.
func WithActor(ctx context.Context, actor Actor) (context.Context, error) {
	actor.UserID = strings.TrimSpace(actor.UserID)
	if actor.UserID == "" {
		return ctx, ErrMissingActor
	}
	return context.WithValue(ctx, actorKey{}, actor), nil
}

// ActorFrom returns the actor bound to ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorKey{}).(Actor)
	return actor, ok
}

// Scope runs fn with actor bound. A binding failure is logged and fn still runs
// with the unbound context.
func Scope(ctx context.Context, actor Actor, logger *zap.Logger, fn func(ctx context.Context) error) error {
	scoped, err := WithActor(ctx, actor)
	if err != nil {
		if logger == nil {
			logger = zap.NewNop()
		}
		logger.Warn("audit context not set; continuing without actor",
			zap.String("reason", actor.Reason),
			zap.Error(err))
		return fn(ctx)
	}
	return fn(scoped)
}

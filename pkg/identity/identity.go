// Package identity supplies the owner on whose behalf orderings are read and
// written. The ordering engine trusts whatever owner it is given.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoOwner is returned when no owner can be determined.
var ErrNoOwner = errors.New("no owner identity")

// Identity resolves the owner for a request.
type Identity interface {
	Owner(ctx context.Context) (string, error)
}

// Func adapts a function to Identity.
type Func func(ctx context.Context) (string, error)

// Owner implements Identity.
func (f Func) Owner(ctx context.Context) (string, error) { return f(ctx) }

// Static always resolves to owner.
func Static(owner string) Identity {
	return Func(func(context.Context) (string, error) {
		if owner == "" {
			return "", ErrNoOwner
		}
		return owner, nil
	})
}

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying owner.
func WithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, ownerKey{}, owner)
}

// FromContext resolves the owner stored by WithOwner.
func FromContext() Identity {
	return Func(func(ctx context.Context) (string, error) {
		owner, _ := ctx.Value(ownerKey{}).(string)
		if owner == "" {
			return "", ErrNoOwner
		}
		return owner, nil
	})
}

// Env resolves the owner from the environment variable name. The variable is
// read on every call.
func Env(name string) Identity {
	return Func(func(context.Context) (string, error) {
		owner := strings.TrimSpace(os.Getenv(name))
		if owner == "" {
			return "", fmt.Errorf("%w: %s is not set", ErrNoOwner, name)
		}
		return owner, nil
	})
}

// Chain tries each identity in turn and returns the first owner found.
func Chain(ids ...Identity) Identity {
	return Func(func(ctx context.Context) (string, error) {
		for _, id := range ids {
			owner, err := id.Owner(ctx)
			if err == nil {
				return owner, nil
			}
			if !errors.Is(err, ErrNoOwner) {
				return "", err
			}
		}
		return "", ErrNoOwner
	})
}

package syncsession

import (
	"context"
	"time"
)

// DefaultAuthKey is the payload key under which Auth stores the logged in user.
const DefaultAuthKey = "current_user"

// Auth stores the authenticated user in a session. Every method runs its own
// guarded scope, so it must not be called while s is already acquired.
type Auth struct {
	Key string
}

func (a Auth) key() string {
	if a.Key == "" {
		return DefaultAuthKey
	}
	return a.Key
}

// Login records user in the session. A positive expiry overrides the
// manager TTL for this session from now on.
func (a Auth) Login(ctx context.Context, s *Session, user any, expiry time.Duration) error {
	return s.With(ctx, func(s *Session) error {
		s.Set(a.key(), user)
		if expiry > 0 {
			s.SetExpiry(expiry)
		}
		return nil
	})
}

// Logout removes the user from the session.
func (a Auth) Logout(ctx context.Context, s *Session) error {
	return s.With(ctx, func(s *Session) error {
		s.Delete(a.key())
		return nil
	})
}

// CurrentUser returns the logged in user, or nil.
func (a Auth) CurrentUser(ctx context.Context, s *Session) (any, error) {
	var user any
	err := s.With(ctx, func(s *Session) error {
		user, _ = s.Get(a.key())
		return nil
	})
	return user, err
}

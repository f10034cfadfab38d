package store

import (
	"context"
)

// Sessions adapts an AuthorStore to the auth.SessionSource interface used
// by token verification.
type Sessions struct {
	Authors AuthorStore
}

// AuthorSessions returns the author's current session and listed token
// sessions.
func (s Sessions) AuthorSessions(ctx context.Context, authorID string) (string, []string, error) {
	a, err := s.Authors.AuthorByID(ctx, authorID)
	if err != nil {
		return "", nil, err
	}
	tokenSessions := make([]string, len(a.Tokens))
	for i, d := range a.Tokens {
		tokenSessions[i] = d.TokenSession
	}
	return a.Session, tokenSessions, nil
}

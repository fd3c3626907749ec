package app

import (
	"context"

	"happyinline/cmd/internal/messaging"
)

// apiStore routes participant lookups through the directory so the redis cache
// serves the per-request membership checks.
type apiStore struct {
	messaging.Backend
	dir messaging.Directory
}

func (s apiStore) Participants(ctx context.Context, conversationID string) (messaging.Participants, error) {
	return s.dir.Participants(ctx, conversationID)
}

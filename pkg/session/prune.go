package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Prune deletes sessions that have not been written for longer than maxAge
// and returns their keys. Sessions holding a paused run are kept.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("max age must be positive")
	}

	keys, err := s.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	var deleted []string
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		info, err := s.Info(ctx, key)
		if err != nil {
			log.Warn().Str("session_key", key).Err(err).Msg("Failed to get session info")
			continue
		}
		if info.Paused || !info.LastModified.Before(cutoff) {
			continue
		}

		if err := s.Delete(ctx, key); err != nil {
			log.Error().Str("session_key", key).Err(err).Msg("Failed to delete session")
			continue
		}
		deleted = append(deleted, key)
		log.Debug().Str("session_key", key).Dur("age", s.now().Sub(info.LastModified)).Msg("Session pruned")
	}

	if len(deleted) > 0 {
		log.Info().Int("deleted", len(deleted)).Msg("Pruned old sessions")
	}
	return deleted, nil
}

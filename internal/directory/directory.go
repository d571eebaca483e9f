// Package directory looks up selectable people for draft participant roles.
package directory

import (
	"context"
	"log/slog"

	"github.com/Idosegev23/internalMettingLeaders/internal/store"
)

const defaultLimit = 20

type contactSource interface {
	SearchContacts(context.Context, string, int) ([]store.Contact, error)
}

// Service is the facade that tries Meilisearch first and falls back to
// Postgres.
type Service struct {
	meili  *Meili
	pg     contactSource
	logger *slog.Logger
}

// NewService creates a directory. meili may be nil if Meilisearch is not
// configured.
func NewService(meili *Meili, pg contactSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{meili: meili, pg: pg, logger: logger}
}

// Search matches q against english and hebrew names and email.
func (s *Service) Search(ctx context.Context, q string, limit int) ([]store.Contact, error) {
	if limit <= 0 || limit > 100 {
		limit = defaultLimit
	}
	if s.meili != nil && s.meili.Healthy() && q != "" {
		contacts, err := s.meili.Search(q, limit)
		if err == nil {
			return nonNil(contacts), nil
		}
		s.logger.Warn("directory: meilisearch error, falling back to postgres", "error", err)
	}

	contacts, err := s.pg.SearchContacts(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	return nonNil(contacts), nil
}

// ReindexFromPG pushes every contact in Postgres into Meilisearch.
func (s *Service) ReindexFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	contacts, err := s.pg.SearchContacts(ctx, "", reindexBatch)
	if err != nil {
		s.logger.Warn("directory: reindex load failed", "error", err)
		return
	}
	if err := s.meili.IndexContacts(contacts); err != nil {
		s.logger.Warn("directory: reindex contacts failed", "error", err)
		return
	}
	s.logger.Info("directory: contacts indexed", "count", len(contacts))
}

func nonNil(c []store.Contact) []store.Contact {
	if c == nil {
		return []store.Contact{}
	}
	return c
}

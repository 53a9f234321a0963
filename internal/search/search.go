// Package search provides claim full-text search: Meilisearch when
// configured and healthy, Postgres fallback otherwise.
package search

import (
	"context"

	"go.uber.org/zap"

	"vouch/api/internal/store"
)

// ClaimRecord is the data indexed per claim.
type ClaimRecord struct {
	ID        string `json:"id"`
	Issuer    string `json:"issuer"`
	ClaimType string `json:"claimType"`
	HandleID  string `json:"handleId"`
	Text      string `json:"text"`
}

// claimReader loads claims for search hits and runs the fallback query.
type claimReader interface {
	GetClaimByID(ctx context.Context, id string) (*store.Claim, error)
	SearchClaims(ctx context.Context, term string, limit int) ([]store.Claim, error)
}

// Service is the facade: Meilisearch first, Postgres fallback. meili may
// be nil when Meilisearch is not configured.
type Service struct {
	meili  *Meili
	store  claimReader
	logger *zap.Logger
}

func NewService(meili *Meili, claimStore claimReader, logger *zap.Logger) *Service {
	return &Service{meili: meili, store: claimStore, logger: logger}
}

// Search returns the claims matching term, most relevant first.
func (s *Service) Search(ctx context.Context, term string, limit int) ([]store.Claim, error) {
	if s.meili != nil && s.meili.Healthy() {
		ids, err := s.meili.Search(term, limit)
		if err == nil {
			return s.loadByID(ctx, ids)
		}
		s.logger.Warn("meilisearch failed, falling back to postgres", zap.Error(err))
	}
	return s.store.SearchClaims(ctx, term, limit)
}

// IndexClaim pushes a committed claim into the index, fire-and-forget.
func (s *Service) IndexClaim(c store.Claim) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	record := ClaimRecord{
		ID:        c.ID,
		Issuer:    c.Issuer,
		ClaimType: c.ClaimType,
		HandleID:  c.HandleID,
		Text:      c.ClaimBody,
	}
	go func() {
		if err := s.meili.IndexClaim(record); err != nil {
			s.logger.Warn("index claim failed", zap.String("claimId", c.ID), zap.Error(err))
		}
	}()
}

func (s *Service) loadByID(ctx context.Context, ids []string) ([]store.Claim, error) {
	out := make([]store.Claim, 0, len(ids))
	for _, id := range ids {
		claim, err := s.store.GetClaimByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			out = append(out, *claim)
		}
	}
	return out, nil
}

// Package tagging turns the current acquisition result into a tagged
// location and hands it to a tag store.
package tagging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/location-acquisition-service/internal/domain"
	"github.com/couchcryptid/location-acquisition-service/internal/observability"
)

// StateSource supplies the latest acquisition state.
type StateSource interface {
	Snapshot() domain.State
}

// Service tags the current best fix. A nil store keeps tags only in the
// returned value.
type Service struct {
	source    StateSource
	store     domain.TagStore
	storeName string
	metrics   *observability.Metrics
	logger    *slog.Logger
}

// NewService creates a tagging service. storeName labels metrics and logs.
func NewService(source StateSource, store domain.TagStore, storeName string, metrics *observability.Metrics, logger *slog.Logger) *Service {
	return &Service{
		source:    source,
		store:     store,
		storeName: storeName,
		metrics:   metrics,
		logger:    logger,
	}
}

// Tag builds a tagged location from the current state and saves it.
// It returns domain.ErrNoFix when no position has been acquired.
func (s *Service) Tag(ctx context.Context, req domain.TagRequest) (domain.TaggedLocation, error) {
	tag, err := domain.NewTaggedLocation(s.source.Snapshot(), req)
	if err != nil {
		return domain.TaggedLocation{}, err
	}
	if s.store == nil {
		s.logger.Info("location tagged", "id", tag.ID, "category", tag.Category, "store", s.storeName)
		return tag, nil
	}

	if err := s.store.Save(ctx, tag); err != nil {
		s.metrics.TagsSaved.WithLabelValues(s.storeName, "error").Inc()
		return domain.TaggedLocation{}, fmt.Errorf("save tag: %w", err)
	}
	s.metrics.TagsSaved.WithLabelValues(s.storeName, "success").Inc()
	s.logger.Info("location tagged", "id", tag.ID, "category", tag.Category, "store", s.storeName)
	return tag, nil
}

/**
 * @description
 * This file defines the `Repository` interface, the contract for the drop metadata
 * store. The download gate, the upload flow and the listing endpoints only talk to this
 * interface, so the JSON-file store, the PostgreSQL store and the caching decorator are
 * interchangeable.
 *
 * @dependencies
 * - context, errors, sort: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"sort"

	"github.com/instadrop/drop-service/internal/domain"
)

var (
	ErrDropNotFound  = errors.New("drop not found")
	ErrDuplicateDrop = errors.New("drop id already exists")
	ErrStoreClosed   = errors.New("metadata store closed")
)

// Repository defines the set of methods for reading and mutating drop metadata.
type Repository interface {
	// ListDrops returns every drop, newest first.
	ListDrops(ctx context.Context) ([]domain.Drop, error)
	FindDropByID(ctx context.Context, id string) (*domain.Drop, error)
	// ListDropsBySeller returns the drops whose seller wallet matches exactly, newest first.
	ListDropsBySeller(ctx context.Context, sellerWallet string) ([]domain.Drop, error)
	CreateDrop(ctx context.Context, drop *domain.Drop) error
	// IncrementDownloads adds one to the drop's download counter and returns the updated record.
	IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error)
	Stats(ctx context.Context) (*domain.Stats, error)
}

// sortNewestFirst orders drops by creation time, descending. Ties keep insertion order.
func sortNewestFirst(drops []domain.Drop) {
	sort.SliceStable(drops, func(i, j int) bool {
		return drops[i].CreatedAt.After(drops[j].CreatedAt)
	})
}

// computeStats aggregates counters over a full record set.
func computeStats(drops []domain.Drop) *domain.Stats {
	sellers := make(map[string]struct{}, len(drops))
	stats := &domain.Stats{TotalFiles: len(drops)}
	for _, d := range drops {
		stats.TotalDownloads += d.Downloads
		sellers[d.SellerWallet] = struct{}{}
	}
	stats.TotalSellers = len(sellers)
	return stats
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/instadrop/drop-service/internal/domain"
)

// CachedRepository keeps recently read drops in an LRU in front of another Repository.
// Writes go to the underlying store first and then refresh the cached entry. Listings
// always read through.
//
// Every write bumps a per-id generation. A read only fills the cache when no write to
// that id completed while it was fetching, and a write never replaces a cached entry
// with a lower download count.
type CachedRepository struct {
	next  Repository
	drops *lru.Cache[string, domain.Drop]

	mu          sync.Mutex
	generations map[string]uint64
}

// NewCachedRepository wraps next with an LRU holding up to size drops.
func NewCachedRepository(next Repository, size int) (*CachedRepository, error) {
	cache, err := lru.New[string, domain.Drop](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create drop cache: %w", err)
	}
	return &CachedRepository{next: next, drops: cache, generations: make(map[string]uint64)}, nil
}

func (c *CachedRepository) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	return c.next.ListDrops(ctx)
}

func (c *CachedRepository) FindDropByID(ctx context.Context, id string) (*domain.Drop, error) {
	if drop, ok := c.drops.Get(id); ok {
		return &drop, nil
	}

	c.mu.Lock()
	seen := c.generations[id]
	c.mu.Unlock()

	drop, err := c.next.FindDropByID(ctx, id)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generations[id] == seen {
		c.drops.Add(id, *drop)
	}
	c.mu.Unlock()
	return drop, nil
}

func (c *CachedRepository) ListDropsBySeller(ctx context.Context, sellerWallet string) ([]domain.Drop, error) {
	return c.next.ListDropsBySeller(ctx, sellerWallet)
}

func (c *CachedRepository) CreateDrop(ctx context.Context, drop *domain.Drop) error {
	if err := c.next.CreateDrop(ctx, drop); err != nil {
		return err
	}
	c.refresh(*drop)
	return nil
}

func (c *CachedRepository) IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error) {
	drop, err := c.next.IncrementDownloads(ctx, id)
	if err != nil {
		// The store may have reset or lost the record; don't keep serving a stale copy.
		if errors.Is(err, ErrDropNotFound) {
			c.mu.Lock()
			c.generations[id]++
			c.drops.Remove(id)
			c.mu.Unlock()
		}
		return nil, err
	}
	c.refresh(*drop)
	return drop, nil
}

func (c *CachedRepository) Stats(ctx context.Context) (*domain.Stats, error) {
	return c.next.Stats(ctx)
}

// refresh records a completed write. Overlapping increments can finish out of order,
// so an entry with more downloads is kept over the written one.
func (c *CachedRepository) refresh(drop domain.Drop) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[drop.ID]++
	if cached, ok := c.drops.Peek(drop.ID); ok && cached.Downloads > drop.Downloads {
		return
	}
	c.drops.Add(drop.ID, drop)
}

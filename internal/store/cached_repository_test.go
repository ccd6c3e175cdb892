package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/instadrop/drop-service/internal/domain"
)

type countingRepoStub struct {
	Repository

	drop      domain.Drop
	findCalls int
	missing   bool
}

func (s *countingRepoStub) FindDropByID(ctx context.Context, id string) (*domain.Drop, error) {
	s.findCalls++
	if s.missing {
		return nil, ErrDropNotFound
	}
	d := s.drop
	return &d, nil
}

func (s *countingRepoStub) IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error) {
	if s.missing {
		return nil, ErrDropNotFound
	}
	s.drop.Downloads++
	d := s.drop
	return &d, nil
}

func (s *countingRepoStub) CreateDrop(ctx context.Context, drop *domain.Drop) error {
	s.drop = *drop
	return nil
}

func TestCachedRepository_ServesRepeatReadsFromCache(t *testing.T) {
	stub := &countingRepoStub{drop: domain.Drop{ID: "abc", Price: 2}}
	repo, err := NewCachedRepository(stub, 8)
	if err != nil {
		t.Fatalf("NewCachedRepository returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := repo.FindDropByID(context.Background(), "abc"); err != nil {
			t.Fatalf("FindDropByID returned error: %v", err)
		}
	}
	if stub.findCalls != 1 {
		t.Fatalf("expected 1 underlying read, got %d", stub.findCalls)
	}
}

func TestCachedRepository_IncrementRefreshesCachedEntry(t *testing.T) {
	stub := &countingRepoStub{drop: domain.Drop{ID: "abc"}}
	repo, _ := NewCachedRepository(stub, 8)
	ctx := context.Background()

	if _, err := repo.FindDropByID(ctx, "abc"); err != nil {
		t.Fatalf("FindDropByID returned error: %v", err)
	}
	if _, err := repo.IncrementDownloads(ctx, "abc"); err != nil {
		t.Fatalf("IncrementDownloads returned error: %v", err)
	}

	drop, err := repo.FindDropByID(ctx, "abc")
	if err != nil {
		t.Fatalf("FindDropByID returned error: %v", err)
	}
	if drop.Downloads != 1 {
		t.Fatalf("expected cached drop to reflect the increment, got %d downloads", drop.Downloads)
	}
	if stub.findCalls != 1 {
		t.Fatalf("expected cache hit after write, got %d underlying reads", stub.findCalls)
	}
}

func TestCachedRepository_CreateDropPopulatesCache(t *testing.T) {
	stub := &countingRepoStub{}
	repo, _ := NewCachedRepository(stub, 8)
	ctx := context.Background()

	if err := repo.CreateDrop(ctx, &domain.Drop{ID: "fresh"}); err != nil {
		t.Fatalf("CreateDrop returned error: %v", err)
	}
	if _, err := repo.FindDropByID(ctx, "fresh"); err != nil {
		t.Fatalf("FindDropByID returned error: %v", err)
	}
	if stub.findCalls != 0 {
		t.Fatalf("expected created drop to be served from cache, got %d underlying reads", stub.findCalls)
	}
}

func TestCachedRepository_EvictsOnNotFoundIncrement(t *testing.T) {
	stub := &countingRepoStub{drop: domain.Drop{ID: "gone"}}
	repo, _ := NewCachedRepository(stub, 8)
	ctx := context.Background()

	_, _ = repo.FindDropByID(ctx, "gone")
	stub.missing = true

	if _, err := repo.IncrementDownloads(ctx, "gone"); !errors.Is(err, ErrDropNotFound) {
		t.Fatalf("expected ErrDropNotFound, got %v", err)
	}
	if _, err := repo.FindDropByID(ctx, "gone"); !errors.Is(err, ErrDropNotFound) {
		t.Fatalf("expected stale entry to be evicted, got %v", err)
	}
}

// slowRepoStub lets a test pause an underlying read or increment after it has taken
// its value but before it returns.
type slowRepoStub struct {
	Repository

	mu        sync.Mutex
	downloads int64

	holdFind      bool
	holdIncrement bool
	taken         chan struct{}
	release       chan struct{}
}

func newSlowRepoStub(downloads int64) *slowRepoStub {
	return &slowRepoStub{downloads: downloads, taken: make(chan struct{}, 1), release: make(chan struct{})}
}

func (s *slowRepoStub) FindDropByID(ctx context.Context, id string) (*domain.Drop, error) {
	s.mu.Lock()
	drop := domain.Drop{ID: id, Downloads: s.downloads}
	hold := s.holdFind
	s.holdFind = false
	s.mu.Unlock()
	if hold {
		s.taken <- struct{}{}
		<-s.release
	}
	return &drop, nil
}

func (s *slowRepoStub) IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error) {
	s.mu.Lock()
	s.downloads++
	drop := domain.Drop{ID: id, Downloads: s.downloads}
	hold := s.holdIncrement
	s.holdIncrement = false
	s.mu.Unlock()
	if hold {
		s.taken <- struct{}{}
		<-s.release
	}
	return &drop, nil
}

func TestCachedRepository_ReadRacingIncrementDoesNotCacheOldCount(t *testing.T) {
	stub := newSlowRepoStub(4)
	stub.holdFind = true
	repo, _ := NewCachedRepository(stub, 8)
	ctx := context.Background()

	done := make(chan *domain.Drop)
	go func() {
		drop, _ := repo.FindDropByID(ctx, "abc")
		done <- drop
	}()

	<-stub.taken
	if _, err := repo.IncrementDownloads(ctx, "abc"); err != nil {
		t.Fatalf("IncrementDownloads returned error: %v", err)
	}
	close(stub.release)
	if first := <-done; first.Downloads != 4 {
		t.Fatalf("expected the racing read to return its own value 4, got %d", first.Downloads)
	}

	drop, err := repo.FindDropByID(ctx, "abc")
	if err != nil {
		t.Fatalf("FindDropByID returned error: %v", err)
	}
	if drop.Downloads != 5 {
		t.Fatalf("stale cache: store=5 cache=%d", drop.Downloads)
	}
}

func TestCachedRepository_OutOfOrderIncrementsKeepHighestCount(t *testing.T) {
	stub := newSlowRepoStub(4)
	stub.holdIncrement = true
	repo, _ := NewCachedRepository(stub, 8)
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		_, _ = repo.IncrementDownloads(ctx, "abc")
		close(done)
	}()

	<-stub.taken
	if _, err := repo.IncrementDownloads(ctx, "abc"); err != nil {
		t.Fatalf("IncrementDownloads returned error: %v", err)
	}
	close(stub.release)
	<-done

	drop, err := repo.FindDropByID(ctx, "abc")
	if err != nil {
		t.Fatalf("FindDropByID returned error: %v", err)
	}
	if drop.Downloads != 6 {
		t.Fatalf("expected cache to keep 6 downloads, got %d", drop.Downloads)
	}
}

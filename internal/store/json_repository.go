/**
 * @description
 * This file provides the JSON-file implementation of the `Repository` interface. The
 * whole drop collection lives in one serialized array on disk (`db.json`), which keeps
 * the store dependency-free for single-node deployments.
 *
 * Key features:
 * - Every operation runs on one owning goroutine, so read-modify-write cycles such as
 *   IncrementDownloads are serialized and concurrent downloads never lose an update.
 * - Writes go to a temp file and are renamed into place.
 * - An unparseable collection is restored from the last backup snapshot, or reset to
 *   an empty collection when no usable backup exists.
 *
 * @dependencies
 * - encoding/json, os, path/filepath: Standard Go libraries.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/instadrop/drop-service/internal/domain"
)

const (
	collectionFileName = "db.json"
	backupFileName     = "db.json.bak"
)

// JSONFileRepository stores the drop collection as a single JSON file.
type JSONFileRepository struct {
	path       string
	backupPath string

	ops       chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewJSONFileRepository opens (or creates) the collection inside dataDir and starts the
// goroutine that owns it.
func NewJSONFileRepository(dataDir string) (*JSONFileRepository, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	r := &JSONFileRepository{
		path:       filepath.Join(dataDir, collectionFileName),
		backupPath: filepath.Join(dataDir, backupFileName),
		ops:        make(chan func()),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go r.run()

	// Surface permission problems at startup rather than on the first request.
	if err := r.do(context.Background(), func() error {
		_, err := r.load()
		return err
	}); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *JSONFileRepository) run() {
	defer close(r.done)
	for {
		select {
		case op := <-r.ops:
			op()
		case <-r.quit:
			return
		}
	}
}

// do hands fn to the owning goroutine and waits for its result. Once an operation has
// been accepted it always runs to completion, even if ctx is cancelled meanwhile.
func (r *JSONFileRepository) do(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	select {
	case r.ops <- func() { result <- fn() }:
	case <-r.quit:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

// Close stops the owning goroutine. Pending callers receive ErrStoreClosed.
func (r *JSONFileRepository) Close() {
	r.closeOnce.Do(func() {
		close(r.quit)
		<-r.done
	})
}

// ListDrops returns every drop, newest first.
func (r *JSONFileRepository) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	var drops []domain.Drop
	err := r.do(ctx, func() error {
		var err error
		drops, err = r.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	sortNewestFirst(drops)
	return drops, nil
}

// FindDropByID returns the drop with the given id or ErrDropNotFound.
func (r *JSONFileRepository) FindDropByID(ctx context.Context, id string) (*domain.Drop, error) {
	var found *domain.Drop
	err := r.do(ctx, func() error {
		drops, err := r.load()
		if err != nil {
			return err
		}
		if i := indexOf(drops, id); i >= 0 {
			found = &drops[i]
			return nil
		}
		return ErrDropNotFound
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// ListDropsBySeller returns the seller's drops, newest first.
func (r *JSONFileRepository) ListDropsBySeller(ctx context.Context, sellerWallet string) ([]domain.Drop, error) {
	drops, err := r.ListDrops(ctx)
	if err != nil {
		return nil, err
	}
	filtered := make([]domain.Drop, 0, len(drops))
	for _, d := range drops {
		if d.SellerWallet == sellerWallet {
			filtered = append(filtered, d)
		}
	}
	return filtered, nil
}

// CreateDrop appends a new record to the collection.
func (r *JSONFileRepository) CreateDrop(ctx context.Context, drop *domain.Drop) error {
	return r.do(ctx, func() error {
		drops, err := r.load()
		if err != nil {
			return err
		}
		if indexOf(drops, drop.ID) >= 0 {
			return ErrDuplicateDrop
		}
		drops = append(drops, *drop)
		return r.persist(r.path, drops)
	})
}

// IncrementDownloads reads the full collection, bumps one counter and writes it back.
func (r *JSONFileRepository) IncrementDownloads(ctx context.Context, id string) (*domain.Drop, error) {
	var updated domain.Drop
	err := r.do(ctx, func() error {
		drops, err := r.load()
		if err != nil {
			return err
		}
		i := indexOf(drops, id)
		if i < 0 {
			return ErrDropNotFound
		}
		drops[i].Downloads++
		if err := r.persist(r.path, drops); err != nil {
			return err
		}
		updated = drops[i]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Stats aggregates counters over the whole collection.
func (r *JSONFileRepository) Stats(ctx context.Context) (*domain.Stats, error) {
	drops, err := r.ListDrops(ctx)
	if err != nil {
		return nil, err
	}
	return computeStats(drops), nil
}

// Snapshot copies the current collection to the backup file used for corruption recovery.
func (r *JSONFileRepository) Snapshot(ctx context.Context) (int, error) {
	var count int
	err := r.do(ctx, func() error {
		drops, err := r.load()
		if err != nil {
			return err
		}
		count = len(drops)
		return r.persist(r.backupPath, drops)
	})
	return count, err
}

// load reads the collection from disk. Must only be called on the owning goroutine.
func (r *JSONFileRepository) load() ([]domain.Drop, error) {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, fs.ErrNotExist) {
		empty := []domain.Drop{}
		return empty, r.persist(r.path, empty)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata collection: %w", err)
	}

	drops, parseErr := decodeCollection(raw)
	if parseErr == nil {
		return drops, nil
	}

	log.Printf("level=error component=store msg=\"metadata collection corrupt\" path=%s err=%v", r.path, parseErr)
	quarantine := fmt.Sprintf("%s.corrupt-%d", r.path, time.Now().Unix())
	if err := os.WriteFile(quarantine, raw, 0o644); err != nil {
		log.Printf("level=warn component=store msg=\"failed to keep corrupt collection\" path=%s err=%v", quarantine, err)
	}
	if backupRaw, readErr := os.ReadFile(r.backupPath); readErr == nil {
		if backup, decodeErr := decodeCollection(backupRaw); decodeErr == nil {
			log.Printf("level=warn component=store msg=\"metadata collection restored from backup\" backup=%s drops=%d", r.backupPath, len(backup))
			return backup, r.persist(r.path, backup)
		}
	}

	log.Printf("level=error component=store msg=\"metadata collection reset to empty\" path=%s", r.path)
	empty := []domain.Drop{}
	return empty, r.persist(r.path, empty)
}

func (r *JSONFileRepository) persist(path string, drops []domain.Drop) error {
	body, err := json.MarshalIndent(drops, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode metadata collection: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write metadata collection: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata collection: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to write metadata collection: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace metadata collection: %w", err)
	}
	return nil
}

func decodeCollection(raw []byte) ([]domain.Drop, error) {
	var drops []domain.Drop
	if err := json.Unmarshal(raw, &drops); err != nil {
		return nil, err
	}
	if drops == nil {
		drops = []domain.Drop{}
	}
	return drops, nil
}

func indexOf(drops []domain.Drop, id string) int {
	for i := range drops {
		if drops[i].ID == id {
			return i
		}
	}
	return -1
}

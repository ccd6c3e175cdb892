package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/instadrop/drop-service/internal/domain"
	"github.com/instadrop/drop-service/internal/store"
)

// DefaultMaxUploadBytes is the artifact size limit when none is configured.
const DefaultMaxUploadBytes int64 = 500 * 1024 * 1024

var (
	ErrNoFile              = errors.New("no file uploaded")
	ErrSellerRequired      = errors.New("seller wallet address required")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrUnsupportedFileType = errors.New("file type not allowed")
)

// FileTooLargeError is returned when an upload exceeds the configured size limit.
type FileTooLargeError struct {
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return "file exceeds upload limit of " + e.LimitText()
}

// LimitText renders the limit for humans, e.g. "500 MiB".
func (e *FileTooLargeError) LimitText() string {
	return humanize.IBytes(uint64(max(e.Limit, 0)))
}

var allowedExtensions = map[string]struct{}{
	".pdf": {}, ".zip": {}, ".rar": {}, ".7z": {},
	".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".svg": {}, ".webp": {},
	".mp4": {}, ".mov": {}, ".avi": {}, ".mkv": {},
	".mp3": {}, ".wav": {}, ".flac": {}, ".ogg": {},
	".doc": {}, ".docx": {}, ".txt": {}, ".md": {},
	".html": {}, ".css": {}, ".js": {}, ".ts": {}, ".json": {}, ".xml": {},
	".psd": {}, ".ai": {}, ".sketch": {}, ".fig": {}, ".xd": {},
	".xlsx": {}, ".csv": {},
}

// AllowedExtension reports whether files named like name may be listed.
func AllowedExtension(name string) bool {
	_, ok := allowedExtensions[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ParsePrice parses a listing price. Free listings always cost zero.
func ParsePrice(raw string, isFree bool) (float64, error) {
	if isFree {
		return 0, nil
	}
	price, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(price) || math.IsInf(price, 0) || price < 0 {
		return 0, ErrInvalidPrice
	}
	return price, nil
}

// CreateDrop validates an upload, stores its artifact and lists it.
func (s *Service) CreateDrop(ctx context.Context, upload domain.DropUpload, content io.Reader) (*domain.Drop, error) {
	originalName := cleanOriginalName(upload.OriginalName)
	if content == nil || originalName == "" {
		return nil, ErrNoFile
	}
	sellerWallet := strings.TrimSpace(upload.SellerWallet)
	if sellerWallet == "" {
		return nil, ErrSellerRequired
	}
	price, err := ParsePrice(upload.Price, upload.IsFree)
	if err != nil {
		return nil, err
	}
	if !AllowedExtension(originalName) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFileType, strings.ToLower(filepath.Ext(originalName)))
	}
	if upload.Size > s.opts.MaxUploadBytes {
		return nil, &FileTooLargeError{Limit: s.opts.MaxUploadBytes}
	}

	mimeType := upload.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	now := s.now().UTC()
	// The id makes the key unique for same-name uploads in the same millisecond. It
	// stays in the key even if the listing has to pick another id below.
	id := newDropID()
	key := fmt.Sprintf("%d-%s-%s", now.UnixMilli(), id, originalName)

	if err := s.files.Save(ctx, key, content, upload.Size, mimeType); err != nil {
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	title := strings.TrimSpace(upload.Title)
	if title == "" {
		title = originalName
	}
	drop := &domain.Drop{
		ID:           id,
		Title:        title,
		Price:        price,
		IsFree:       upload.IsFree,
		SellerWallet: sellerWallet,
		Filename:     key,
		OriginalName: originalName,
		Size:         upload.Size,
		MimeType:     mimeType,
		Description:  upload.Description,
		Category:     upload.Category,
		CreatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		if attempt > 1 {
			drop.ID = newDropID()
		}
		err = s.repo.CreateDrop(ctx, drop)
		if err == nil {
			break
		}
		if !errors.Is(err, store.ErrDuplicateDrop) || attempt == maxIDGenerationTries {
			log.Printf("level=error component=drop_service msg=\"drop listing failed; artifact left unreferenced\" key=%s err=%v", key, err)
			return nil, fmt.Errorf("failed to list drop: %w", err)
		}
	}

	log.Printf("level=info component=drop_service msg=\"drop listed\" drop_id=%s seller=%s size=%s price=%g", drop.ID, shortWallet(sellerWallet), humanize.IBytes(uint64(max(drop.Size, 0))), drop.Price)
	s.publishCreated(*drop)
	return drop, nil
}

// newDropID derives a short, URL-safe id from a random UUID.
func newDropID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func cleanOriginalName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if name == "" {
		return ""
	}
	name = path.Base(name)
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func shortWallet(wallet string) string {
	if len(wallet) <= 10 {
		return wallet
	}
	return wallet[:10] + "..."
}

func (s *Service) publishCreated(drop domain.Drop) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		defer cancel()
		if err := s.eventProducer.PublishDropCreated(ctx, drop); err != nil {
			log.Printf("level=warn component=drop_service msg=\"drop created event publish failed\" drop_id=%s err=%v", drop.ID, err)
		}
	}()
}

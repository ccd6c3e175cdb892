/**
 * @description
 * This file contains the core business logic for the drop-service. The `Service`
 * struct is the download gate: it decides per request whether a drop's artifact may be
 * served, and it owns the listing and upload use cases around it.
 *
 * Key features:
 * - Free drops are served directly; priced drops require a transaction reference that
 *   the ledger verifier accepts.
 * - The download counter is incremented before the artifact is streamed, so an
 *   interrupted transfer still counts.
 * - Download and listing events are published to RabbitMQ on a best-effort basis.
 *
 * @dependencies
 * - context, errors, fmt, io, log, time: Standard Go libraries.
 * - internal/domain, internal/store, internal/storage: Domain models, metadata and artifacts.
 * - internal/ledger: Reference shortening for log lines.
 * - pkg/rabbitmq: For event publication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/instadrop/drop-service/internal/domain"
	"github.com/instadrop/drop-service/internal/ledger"
	"github.com/instadrop/drop-service/internal/store"
	"github.com/instadrop/drop-service/internal/storage"
	"github.com/instadrop/drop-service/pkg/rabbitmq"
)

const (
	DefaultCurrency           = "STX"
	DefaultMinReferenceLength = 10
	PaymentProtocol           = "x402"

	verifyRateLimitScope  = "verify"
	eventPublishTimeout   = 5 * time.Second
	maxIDGenerationTries  = 3
	verifyRateLimitWindow = time.Minute
)

var (
	ErrInvalidReference    = errors.New("invalid transaction reference format")
	ErrArtifactMissing     = errors.New("artifact missing from storage")
	ErrArtifactUnavailable = errors.New("artifact could not be opened")
)

// PaymentRequiredError is returned for priced drops requested without a transaction
// reference. It carries the challenge the caller needs to pay and retry.
type PaymentRequiredError struct {
	Challenge domain.PaymentChallenge
}

func (e *PaymentRequiredError) Error() string {
	return fmt.Sprintf("payment of %g %s to %s required", e.Challenge.Price, e.Challenge.Currency, e.Challenge.Recipient)
}

// VerificationFailedError is returned when the ledger verifier rejects a reference.
type VerificationFailedError struct {
	Reason string
}

func (e *VerificationFailedError) Error() string {
	return "payment verification failed: " + e.Reason
}

// RateLimitedError is returned when a client exceeds the verification attempt budget.
type RateLimitedError struct {
	RetryAfterSeconds int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("too many verification attempts, retry after %ds", e.RetryAfterSeconds)
}

// PaymentVerifier checks a transaction reference against a drop's payment terms.
type PaymentVerifier interface {
	Verify(ctx context.Context, reference, expectedRecipient string, expectedAmount float64) domain.Verdict
}

// VerificationRateLimiter counts verification attempts per client.
type VerificationRateLimiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// Options carries the gate's tunables.
type Options struct {
	Currency           string
	MinReferenceLength int
	MaxUploadBytes     int64
	// VerifyRateLimitPerMinute caps ledger verifications per client; zero disables the limit.
	VerifyRateLimitPerMinute int
}

// Download is an authorized artifact transfer. The caller must close Content.
type Download struct {
	Drop    domain.Drop
	Content io.ReadCloser
	Size    int64
}

// Service provides the core business logic for drops and downloads.
type Service struct {
	repo          store.Repository
	files         storage.FileStorage
	verifier      PaymentVerifier
	eventProducer rabbitmq.Publisher
	rateLimiter   VerificationRateLimiter
	opts          Options
	now           func() time.Time
}

// NewService creates a new drop service instance.
func NewService(repo store.Repository, files storage.FileStorage, verifier PaymentVerifier, producer rabbitmq.Publisher, opts Options) *Service {
	if strings.TrimSpace(opts.Currency) == "" {
		opts.Currency = DefaultCurrency
	}
	if opts.MinReferenceLength <= 0 {
		opts.MinReferenceLength = DefaultMinReferenceLength
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:          repo,
		files:         files,
		verifier:      verifier,
		eventProducer: producer,
		opts:          opts,
		now:           time.Now,
	}
}

// SetRateLimiter enables per-client limiting of ledger verifications.
func (s *Service) SetRateLimiter(limiter VerificationRateLimiter) {
	s.rateLimiter = limiter
}

// MaxUploadBytes returns the effective upload size limit.
func (s *Service) MaxUploadBytes() int64 {
	return s.opts.MaxUploadBytes
}

// ListDrops returns every drop, newest first.
func (s *Service) ListDrops(ctx context.Context) ([]domain.Drop, error) {
	return s.repo.ListDrops(ctx)
}

// GetDrop returns a single drop.
func (s *Service) GetDrop(ctx context.Context, id string) (*domain.Drop, error) {
	return s.repo.FindDropByID(ctx, id)
}

// ListSellerDrops returns the drops listed by one seller address, newest first.
func (s *Service) ListSellerDrops(ctx context.Context, sellerWallet string) ([]domain.Drop, error) {
	return s.repo.ListDropsBySeller(ctx, sellerWallet)
}

// Stats returns marketplace-wide counters.
func (s *Service) Stats(ctx context.Context) (*domain.Stats, error) {
	return s.repo.Stats(ctx)
}

// AuthorizeDownload runs the payment gate for one download request. On success the
// download counter has already been incremented and the returned Download holds an open
// reader over the artifact.
func (s *Service) AuthorizeDownload(ctx context.Context, id, reference, clientKey string) (*Download, error) {
	drop, err := s.repo.FindDropByID(ctx, id)
	if err != nil {
		return nil, err
	}

	outcome := domain.DownloadOutcomeFree
	var verdict domain.Verdict
	reference = strings.TrimSpace(reference)

	if drop.RequiresPayment() {
		if reference == "" {
			log.Printf("level=info component=download_gate outcome=payment_required drop_id=%s price=%g", drop.ID, drop.Price)
			return nil, &PaymentRequiredError{Challenge: s.challenge(drop)}
		}
		if len(reference) < s.opts.MinReferenceLength {
			return nil, ErrInvalidReference
		}
		if err := s.consumeVerifyBudget(ctx, clientKey); err != nil {
			return nil, err
		}

		verdict = s.verifier.Verify(ctx, reference, drop.SellerWallet, drop.Price)
		if !verdict.Valid {
			log.Printf("level=warn component=download_gate outcome=rejected drop_id=%s tx_ref=%s reason=%q", drop.ID, ledger.ShortRef(reference), verdict.Reason)
			return nil, &VerificationFailedError{Reason: verdict.Reason}
		}
		outcome = domain.DownloadOutcomeVerified
		if verdict.Skipped {
			outcome = domain.DownloadOutcomeSkipped
		}
	}

	exists, err := s.files.Exists(ctx, drop.Filename)
	if err != nil {
		log.Printf("level=error component=download_gate msg=\"artifact existence check failed\" drop_id=%s err=%v", drop.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrArtifactUnavailable, err)
	}
	if !exists {
		log.Printf("level=error component=download_gate msg=\"artifact missing\" drop_id=%s key=%s", drop.ID, drop.Filename)
		return nil, ErrArtifactMissing
	}

	updated, err := s.repo.IncrementDownloads(ctx, drop.ID)
	if err != nil {
		if errors.Is(err, store.ErrDropNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to record download: %w", err)
	}

	content, size, err := s.files.Open(ctx, updated.Filename)
	if err != nil {
		log.Printf("level=error component=download_gate msg=\"artifact open failed after authorization\" drop_id=%s err=%v", drop.ID, err)
		return nil, fmt.Errorf("%w: %v", ErrArtifactUnavailable, err)
	}

	log.Printf("level=info component=download_gate outcome=%s drop_id=%s downloads=%d", outcome, updated.ID, updated.Downloads)
	s.publishDownload(domain.DownloadEvent{
		DropID:         updated.ID,
		SellerWallet:   updated.SellerWallet,
		Price:          updated.Price,
		TransactionRef: reference,
		Outcome:        outcome,
		DownloadsAfter: updated.Downloads,
		VerifiedSender: verdict.Sender,
		VerifiedAmount: verdict.Amount,
		Timestamp:      s.now().UTC(),
	})

	return &Download{Drop: *updated, Content: content, Size: size}, nil
}

func (s *Service) challenge(drop *domain.Drop) domain.PaymentChallenge {
	return domain.PaymentChallenge{
		Success:   false,
		Error:     "Payment Required",
		Price:     drop.Price,
		Currency:  s.opts.Currency,
		Recipient: drop.SellerWallet,
		FileID:    drop.ID,
		Protocol:  PaymentProtocol,
	}
}

// consumeVerifyBudget charges one verification attempt to clientKey. Limiter errors
// are logged and the attempt is allowed.
func (s *Service) consumeVerifyBudget(ctx context.Context, clientKey string) error {
	limit := s.opts.VerifyRateLimitPerMinute
	if s.rateLimiter == nil || limit <= 0 || strings.TrimSpace(clientKey) == "" {
		return nil
	}
	count, retryAfter, err := s.rateLimiter.ConsumeRateLimit(ctx, verifyRateLimitScope, clientKey, limit, verifyRateLimitWindow)
	if err != nil {
		log.Printf("level=warn component=download_gate msg=\"rate limiter unavailable; allowing verification\" err=%v", err)
		return nil
	}
	if count > limit {
		log.Printf("level=warn component=download_gate outcome=rate_limited client=%s count=%d limit=%d", clientKey, count, limit)
		return &RateLimitedError{RetryAfterSeconds: retryAfter}
	}
	return nil
}

func (s *Service) publishDownload(event domain.DownloadEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), eventPublishTimeout)
		defer cancel()
		if err := s.eventProducer.PublishDownloadEvent(ctx, event); err != nil {
			log.Printf("level=warn component=download_gate msg=\"download event publish failed\" drop_id=%s err=%v", event.DropID, err)
		}
	}()
}

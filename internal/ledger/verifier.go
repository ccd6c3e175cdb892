/**
 * @description
 * This package decides whether a transaction reference pays for a drop. It queries the
 * ledger once per reference and turns the upstream transaction into a Verdict.
 *
 * Key features:
 * - Policy constants (amount tolerance, pending acceptance, behaviour when the ledger
 *   is unreachable) are configuration, not literals.
 * - Concurrent checks of the same reference share one upstream query.
 *
 * @dependencies
 * - golang.org/x/sync/singleflight: Coalesces duplicate in-flight ledger queries.
 * - pkg/stacksclient: The ledger query client.
 */

package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/instadrop/drop-service/internal/domain"
	"github.com/instadrop/drop-service/pkg/stacksclient"
	"golang.org/x/sync/singleflight"
)

// FailurePolicy controls what happens when the ledger cannot be queried.
type FailurePolicy string

const (
	FailOpen   FailurePolicy = "fail-open"
	FailClosed FailurePolicy = "fail-closed"
)

// Upstream transaction types and statuses.
const (
	TxTypeTokenTransfer = "token_transfer"
	TxStatusSuccess     = "success"
	TxStatusPending     = "pending"
)

// ParseFailurePolicy maps a configuration string onto a FailurePolicy.
func ParseFailurePolicy(raw string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case FailOpen:
		return FailOpen, nil
	case FailClosed:
		return FailClosed, nil
	default:
		return "", fmt.Errorf("unknown verification failure policy %q", raw)
	}
}

// Policy holds the security-relevant verification knobs.
type Policy struct {
	// AmountTolerance is the fraction of the expected amount a payment may fall short by.
	AmountTolerance float64
	AcceptPending   bool
	OnUnavailable   FailurePolicy
}

// DefaultPolicy mirrors the marketplace's historical behaviour.
func DefaultPolicy() Policy {
	return Policy{
		AmountTolerance: 0.01,
		AcceptPending:   true,
		OnUnavailable:   FailOpen,
	}
}

// TransactionFetcher looks a transaction up by reference.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, txID string) (*stacksclient.Transaction, error)
}

// Verifier checks transaction references against expected payment terms.
type Verifier struct {
	fetcher  TransactionFetcher
	policy   Policy
	inflight singleflight.Group
}

// NewVerifier creates a Verifier. Out-of-range tolerances are clamped to [0, 1).
func NewVerifier(fetcher TransactionFetcher, policy Policy) *Verifier {
	if policy.AmountTolerance < 0 {
		policy.AmountTolerance = 0
	}
	if policy.AmountTolerance >= 1 {
		policy.AmountTolerance = 0.99
	}
	if policy.OnUnavailable == "" {
		policy.OnUnavailable = FailOpen
	}
	return &Verifier{fetcher: fetcher, policy: policy}
}

// Policy returns the effective policy.
func (v *Verifier) Policy() Policy {
	return v.policy
}

// Verify checks that reference is a transfer of at least expectedAmount (whole units,
// minus the configured tolerance) to expectedRecipient.
func (v *Verifier) Verify(ctx context.Context, reference, expectedRecipient string, expectedAmount float64) domain.Verdict {
	tx, err := v.fetch(ctx, reference)
	if err != nil {
		if errors.Is(err, stacksclient.ErrTransactionNotFound) {
			return domain.Verdict{Valid: false, Reason: "transaction not found"}
		}
		return v.unavailable(reference, err)
	}

	if tx.TxType != TxTypeTokenTransfer {
		return domain.Verdict{Valid: false, Reason: "transaction is not a transfer", Status: tx.TxStatus}
	}

	if !v.statusAccepted(tx.TxStatus) {
		return domain.Verdict{Valid: false, Reason: fmt.Sprintf("transaction status: %s", tx.TxStatus), Status: tx.TxStatus}
	}

	recipient := tx.RecipientAddress()
	if recipient != expectedRecipient {
		return domain.Verdict{Valid: false, Reason: "recipient mismatch", Status: tx.TxStatus, Recipient: recipient}
	}

	paidMicro := tx.AmountMicro()
	expectedMicro := domain.MicroUnits(expectedAmount)
	if float64(paidMicro) < float64(expectedMicro)*(1-v.policy.AmountTolerance) {
		return domain.Verdict{
			Valid:     false,
			Reason:    fmt.Sprintf("payment amount too low: expected %g, got %g", expectedAmount, domain.WholeUnits(paidMicro)),
			Status:    tx.TxStatus,
			Recipient: recipient,
			Amount:    domain.WholeUnits(paidMicro),
		}
	}

	return domain.Verdict{
		Valid:     true,
		Status:    tx.TxStatus,
		Sender:    tx.SenderAddress,
		Recipient: recipient,
		Amount:    domain.WholeUnits(paidMicro),
	}
}

func (v *Verifier) fetch(ctx context.Context, reference string) (*stacksclient.Transaction, error) {
	// DoChan lets a caller whose context ends stop waiting without cancelling the shared query.
	ch := v.inflight.DoChan(reference, func() (interface{}, error) {
		return v.fetcher.GetTransaction(context.WithoutCancel(ctx), reference)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		tx, _ := res.Val.(*stacksclient.Transaction)
		if tx == nil {
			return nil, stacksclient.ErrTransactionNotFound
		}
		return tx, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", stacksclient.ErrLedgerUnavailable, ctx.Err())
	}
}

func (v *Verifier) statusAccepted(status string) bool {
	if status == TxStatusSuccess {
		return true
	}
	return v.policy.AcceptPending && status == TxStatusPending
}

func (v *Verifier) unavailable(reference string, cause error) domain.Verdict {
	if v.policy.OnUnavailable == FailClosed {
		log.Printf("level=warn component=ledger_verifier outcome=rejected policy=fail-closed tx_ref=%s err=%v", ShortRef(reference), cause)
		return domain.Verdict{Valid: false, Reason: "ledger unavailable, payment could not be verified"}
	}
	log.Printf("level=warn component=ledger_verifier outcome=skipped policy=fail-open tx_ref=%s msg=\"verification skipped; allowing download\" err=%v", ShortRef(reference), cause)
	return domain.Verdict{
		Valid:   true,
		Skipped: true,
		Reason:  "could not verify: ledger api unreachable, allowing download",
	}
}

// ShortRef trims a transaction reference for log lines.
func ShortRef(reference string) string {
	if len(reference) <= 16 {
		return reference
	}
	return reference[:16] + "..."
}

/**
 * @description
 * This file defines the core domain models for the drop-service. A drop is a single
 * sellable file listing; the remaining types describe the payment protocol around it
 * (verdicts, the 402 challenge) and the aggregates exposed by the API.
 *
 * @notes
 * - JSON field names follow the wire format already consumed by the web client
 *   (`sellerWallet`, `mimetype`, `timestamp`), so records written by older
 *   deployments keep loading.
 * - Prices are whole ledger units (STX). Ledger amounts are compared in micro-units,
 *   see MicroUnits.
 */

package domain

import (
	"math"
	"time"
)

// MicroUnitsPerUnit is the number of ledger micro-units in one whole unit (1 STX = 1,000,000 microSTX).
const MicroUnitsPerUnit = 1_000_000

// Drop is a sellable artifact together with its payment terms and download counter.
type Drop struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Price        float64   `json:"price"`
	IsFree       bool      `json:"isFree"`
	SellerWallet string    `json:"sellerWallet"`
	Filename     string    `json:"filename"` // storage key of the artifact
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimetype"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Downloads    int64     `json:"downloads"`
	CreatedAt    time.Time `json:"timestamp"`
}

// RequiresPayment reports whether the payment gate applies to this drop.
func (d *Drop) RequiresPayment() bool {
	return !d.IsFree && d.Price > 0
}

// Verdict is the outcome of checking one transaction reference against one drop's terms.
// It is never persisted.
type Verdict struct {
	Valid     bool    `json:"valid"`
	Reason    string  `json:"reason,omitempty"`
	Status    string  `json:"status,omitempty"`
	Sender    string  `json:"sender,omitempty"`
	Recipient string  `json:"recipient,omitempty"`
	Amount    float64 `json:"amount,omitempty"` // whole units
	// Skipped is set when the ledger could not be queried and the fail-open policy let
	// the request through without a real check.
	Skipped bool `json:"skipped,omitempty"`
}

// PaymentChallenge is the body of a 402 response. It carries everything a caller needs
// to pay and retry with the transaction reference attached.
type PaymentChallenge struct {
	Success   bool    `json:"success"`
	Error     string  `json:"error"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency"`
	Recipient string  `json:"recipient"`
	FileID    string  `json:"fileId"`
	Protocol  string  `json:"protocol"`
}

// Stats aggregates marketplace counters.
type Stats struct {
	TotalFiles     int   `json:"totalFiles"`
	TotalDownloads int64 `json:"totalDownloads"`
	TotalSellers   int   `json:"totalSellers"`
}

// DropUpload is the validated form payload of an upload request.
type DropUpload struct {
	Title        string
	Price        string
	IsFree       bool
	SellerWallet string
	Description  string
	Category     string
	OriginalName string
	Size         int64
	MimeType     string
}

// Download outcomes recorded on DownloadEvent.
const (
	DownloadOutcomeFree     = "free"
	DownloadOutcomeVerified = "verified"
	DownloadOutcomeSkipped  = "skipped"
)

// DownloadEvent is published after a download has been authorized and counted.
type DownloadEvent struct {
	DropID         string    `json:"drop_id"`
	SellerWallet   string    `json:"seller_wallet"`
	Price          float64   `json:"price"`
	TransactionRef string    `json:"transaction_ref,omitempty"`
	Outcome        string    `json:"outcome"`
	DownloadsAfter int64     `json:"downloads_after"`
	VerifiedSender string    `json:"verified_sender,omitempty"`
	VerifiedAmount float64   `json:"verified_amount,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// MicroUnits converts a whole-unit amount into ledger micro-units, rounding to the nearest unit.
func MicroUnits(amount float64) int64 {
	return int64(math.Round(amount * MicroUnitsPerUnit))
}

// WholeUnits converts ledger micro-units into whole units.
func WholeUnits(micro int64) float64 {
	return float64(micro) / MicroUnitsPerUnit
}

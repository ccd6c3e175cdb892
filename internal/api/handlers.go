/**
 * @description
 * This file contains the HTTP handlers for the drop-service API. Handlers translate
 * requests into service calls and map domain errors onto status codes. Every JSON
 * response uses the `{success, data}` / `{success, error}` envelope the web client
 * expects.
 *
 * @dependencies
 * - encoding/json, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For reading URL parameters.
 * - internal/app: The core service logic.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/instadrop/drop-service/internal/app"
	"github.com/instadrop/drop-service/internal/domain"
	"github.com/instadrop/drop-service/internal/store"
)

const (
	// PaymentReferenceHeader carries the transaction reference when it is not passed as ?txId=.
	PaymentReferenceHeader = "X-Payment-TxId"

	// multipartOverhead is the allowance on top of the artifact limit for form fields
	// and multipart boundaries.
	multipartOverhead  = 1 << 20
	multipartMemoryMax = 32 << 20
)

// DropHandlers holds the dependencies for the HTTP handlers.
type DropHandlers struct {
	service *app.Service
}

// NewDropHandlers creates a new instance of DropHandlers.
func NewDropHandlers(service *app.Service) *DropHandlers {
	return &DropHandlers{service: service}
}

type envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ListDropsHandler returns every drop, newest first.
func (h *DropHandlers) ListDropsHandler(w http.ResponseWriter, r *http.Request) {
	drops, err := h.service.ListDrops(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=list_drops err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load files")
		return
	}
	h.writeData(w, nonNil(drops))
}

// GetDropHandler returns a single drop.
func (h *DropHandlers) GetDropHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	drop, err := h.service.GetDrop(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrDropNotFound) {
			h.writeError(w, http.StatusNotFound, "File not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_drop drop_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load file")
		return
	}
	h.writeData(w, drop)
}

// ListSellerDropsHandler returns the drops listed by one seller address.
func (h *DropHandlers) ListSellerDropsHandler(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	drops, err := h.service.ListSellerDrops(r.Context(), address)
	if err != nil {
		log.Printf("level=error component=api endpoint=list_seller_drops err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load files")
		return
	}
	h.writeData(w, nonNil(drops))
}

// StatsHandler returns marketplace counters.
func (h *DropHandlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		log.Printf("level=error component=api endpoint=stats err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "Failed to load stats")
		return
	}
	h.writeData(w, stats)
}

// UploadHandler accepts a multipart upload and lists it as a new drop.
func (h *DropHandlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	limit := h.service.MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMemoryMax); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, http.StatusBadRequest, tooLargeMessage(&app.FileTooLargeError{Limit: limit}))
			return
		}
		if errors.Is(err, http.ErrNotMultipart) {
			h.writeError(w, http.StatusBadRequest, "No file uploaded")
			return
		}
		log.Printf("level=warn component=api endpoint=upload outcome=reject reason=invalid_form err=%v", err)
		h.writeError(w, http.StatusBadRequest, "Invalid upload form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "No file uploaded")
		return
	}
	defer file.Close()

	upload := domain.DropUpload{
		Title:        r.FormValue("title"),
		Price:        r.FormValue("price"),
		IsFree:       r.FormValue("isFree") == "true",
		SellerWallet: r.FormValue("sellerWallet"),
		Description:  r.FormValue("description"),
		Category:     r.FormValue("category"),
		OriginalName: header.Filename,
		Size:         header.Size,
		MimeType:     header.Header.Get("Content-Type"),
	}

	drop, err := h.service.CreateDrop(r.Context(), upload, file)
	if err != nil {
		var tooLarge *app.FileTooLargeError
		switch {
		case errors.Is(err, app.ErrNoFile):
			h.writeError(w, http.StatusBadRequest, "No file uploaded")
		case errors.Is(err, app.ErrSellerRequired):
			h.writeError(w, http.StatusBadRequest, "Seller wallet address required")
		case errors.Is(err, app.ErrInvalidPrice):
			h.writeError(w, http.StatusBadRequest, "Invalid price")
		case errors.Is(err, app.ErrUnsupportedFileType):
			h.writeError(w, http.StatusBadRequest, "File type is not allowed")
		case errors.As(err, &tooLarge):
			h.writeError(w, http.StatusBadRequest, tooLargeMessage(tooLarge))
		default:
			log.Printf("level=error component=api endpoint=upload err=%v", err)
			h.writeError(w, http.StatusInternalServerError, "Upload failed")
		}
		return
	}

	h.writeData(w, drop)
}

// DownloadHandler runs the payment gate and streams the artifact.
func (h *DropHandlers) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reference := strings.TrimSpace(r.URL.Query().Get("txId"))
	if reference == "" {
		reference = strings.TrimSpace(r.Header.Get(PaymentReferenceHeader))
	}

	download, err := h.service.AuthorizeDownload(r.Context(), id, reference, clientKey(r))
	if err != nil {
		h.writeDownloadError(w, id, err)
		return
	}
	defer download.Content.Close()

	contentType := download.Drop.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Length", strconv.FormatInt(download.Size, 10))
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", attachmentDisposition(download.Drop.OriginalName))
	w.WriteHeader(http.StatusOK)

	if written, err := io.Copy(w, download.Content); err != nil {
		log.Printf("level=warn component=api endpoint=download msg=\"transfer aborted\" drop_id=%s written=%d size=%d err=%v", id, written, download.Size, err)
	}
}

func (h *DropHandlers) writeDownloadError(w http.ResponseWriter, id string, err error) {
	var payErr *app.PaymentRequiredError
	var verErr *app.VerificationFailedError
	var rateErr *app.RateLimitedError

	switch {
	case errors.Is(err, store.ErrDropNotFound):
		h.writeError(w, http.StatusNotFound, "File not found")
	case errors.As(err, &payErr):
		h.writeJSON(w, http.StatusPaymentRequired, payErr.Challenge)
	case errors.Is(err, app.ErrInvalidReference):
		h.writeError(w, http.StatusBadRequest, "Invalid transaction ID format")
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many verification attempts. Please try again later.")
	case errors.As(err, &verErr):
		h.writeError(w, http.StatusForbidden, "Payment verification failed: "+verErr.Reason)
	case errors.Is(err, app.ErrArtifactMissing):
		h.writeError(w, http.StatusNotFound, "File not found on disk")
	default:
		log.Printf("level=error component=api endpoint=download drop_id=%s err=%v", id, err)
		h.writeError(w, http.StatusInternalServerError, "Download failed")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *DropHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Printf("level=error component=api msg=\"response encode failed\" err=%v", err)
		}
	}
}

func (h *DropHandlers) writeData(w http.ResponseWriter, data interface{}) {
	h.writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

// writeError is a helper for writing JSON error responses.
func (h *DropHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, envelope{Success: false, Error: message})
}

func tooLargeMessage(err *app.FileTooLargeError) string {
	return fmt.Sprintf("File too large. Maximum size is %s.", err.LimitText())
}

var dispositionEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", "", "\n", "")

func attachmentDisposition(name string) string {
	return fmt.Sprintf(`attachment; filename="%s"`, dispositionEscaper.Replace(name))
}

// nonNil keeps empty lists encoded as [] rather than null.
func nonNil(drops []domain.Drop) []domain.Drop {
	if drops == nil {
		return []domain.Drop{}
	}
	return drops
}

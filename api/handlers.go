/*
handlers.go - HTTP API handlers for the billing reconciliation engine

PURPOSE:
  Exposes the engine via REST. Handlers parse the request, hand it to
  billing.Engine and serialize the resulting line snapshot. They never touch
  the ledger directly.

ENDPOINTS:
  Documents:
    GET    /api/documents                                    List invoices
    POST   /api/documents                                    Upload invoice + lines

  Lines (prefix /api/lines/{customer}/{invoice}/{line}):
    GET    /                                                 Line snapshot
    GET    /transactions                                     Ledger, by seq
    POST   /recalculate                                      Recompute snapshot
    POST   /payments                                         Post a remittance
    POST   /advance                                          Queue/void submissions
    POST   /payee                                            Change current payee
    POST   /submissions                                      Record a sent claim
    POST   /submissions/void                                 Void an open claim

  Sweeps:
    POST   /api/sweeps/pending-submissions                   Advance many lines

ERROR HANDLING:
  Errors are returned as JSON with status from the billing error taxonomy:
  - 400: ValidationError
  - 404: NotFoundError
  - 409: DuplicatePaymentError (check number reused under another token)
  - 503: PersistenceError (retry with the same idempotency token)
  - 500: anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/billing"
	"github.com/warp/billing-engine/factory"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs beyond the engine: document intake, listing
// and reset for demos. Implemented by the memory, SQLite and Postgres stores.
type Store interface {
	billing.TxStore
	billing.DocumentWriter
	Documents(ctx context.Context) ([]billing.InvoiceKey, error)
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *billing.Engine
	Store     Store
	Documents *factory.DocumentFactory
	Log       zerolog.Logger

	mu              sync.Mutex
	currentScenario string
}

func NewHandler(engine *billing.Engine, store Store, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:    engine,
		Store:     store,
		Documents: factory.NewDocumentFactory(),
		Log:       log,
	}
}

const maxBodyBytes = 1 << 20

// =============================================================================
// DOCUMENTS
// =============================================================================

// ListDocuments returns every invoice key.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	keys, err := h.Store.Documents(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	dtos := make([]InvoiceKeyDTO, 0, len(keys))
	for _, k := range keys {
		dtos = append(dtos, InvoiceKeyDTO{CustomerID: k.CustomerID, InvoiceID: k.InvoiceID})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateDocument stores an invoice with its lines and computes each line's
// first snapshot.
func (h *Handler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	doc, lines, err := h.Documents.ParseDocument(body)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	dto, err := h.saveDocument(r.Context(), doc, lines)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dto)
}

func (h *Handler) saveDocument(ctx context.Context, doc billing.BillingDocument, lines []billing.BillingLine) (*DocumentDTO, error) {
	if err := h.Store.SaveDocument(ctx, doc); err != nil {
		return nil, err
	}
	dto := &DocumentDTO{CustomerID: doc.CustomerID, InvoiceID: doc.InvoiceID, Lines: []LineDTO{}}
	for _, line := range lines {
		if err := h.Store.SaveLine(ctx, line); err != nil {
			return nil, err
		}
		snap, err := h.Engine.Recalculate(ctx, line.Key)
		if err != nil {
			return nil, err
		}
		dto.Lines = append(dto.Lines, toLineDTO(*snap))
	}
	return dto, nil
}

// =============================================================================
// LINES
// =============================================================================

func lineKey(r *http.Request) billing.LineKey {
	return billing.LineKey{
		CustomerID: chi.URLParam(r, "customer"),
		InvoiceID:  chi.URLParam(r, "invoice"),
		LineID:     chi.URLParam(r, "line"),
	}
}

// GetLine returns the stored snapshot, computing it on first access.
func (h *Handler) GetLine(w http.ResponseWriter, r *http.Request) {
	key := lineKey(r)
	snap, err := h.Store.Snapshot(r.Context(), key)
	if err == nil && snap == nil {
		snap, err = h.Engine.Recalculate(r.Context(), key)
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*snap))
}

// GetTransactions returns the line's ledger in sequence order.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	key := lineKey(r)
	ctx := r.Context()
	if _, err := h.Store.Line(ctx, key); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	txs, err := h.Store.Load(ctx, key)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	billing.SortBySeq(txs)
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Engine.Recalculate(r.Context(), lineKey(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*snap))
}

// PostPayment ingests one remittance. Retrying with the same
// idempotency_token returns the current line without posting twice.
func (h *Handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req PostPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	in, err := req.toInstruction()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	snap, err := h.Engine.PostPayment(r.Context(), lineKey(r), in)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*snap))
}

func (h *Handler) AdvanceSubmission(w http.ResponseWriter, r *http.Request) {
	out, err := h.Engine.AdvanceSubmission(r.Context(), lineKey(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := AdvanceResponse{Voided: toTransactionDTOs(out.Voided), Line: toLineDTO(out.Snapshot)}
	if out.Submission != nil {
		dto := toTransactionDTO(*out.Submission)
		resp.Submission = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) ChangePayee(w http.ResponseWriter, r *http.Request) {
	var req ChangePayeeRequest
	if !decode(w, r, &req) {
		return
	}
	payer, err := billing.ParsePayer(req.Payer)
	if err != nil {
		h.writeDomainError(w, r, &billing.ValidationError{Field: "payer", Reason: err.Error()})
		return
	}

	snap, err := h.Engine.ChangePayee(r.Context(), lineKey(r), payer, req.Comment)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*snap))
}

func (h *Handler) RecordSubmission(w http.ResponseWriter, r *http.Request) {
	var req RecordSubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	payer, err := billing.ParsePayer(req.Payer)
	if err != nil {
		h.writeDomainError(w, r, &billing.ValidationError{Field: "payer", Reason: err.Error()})
		return
	}
	date, err := parseDate("date", req.Date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	snap, err := h.Engine.RecordSubmission(r.Context(), lineKey(r), payer, date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLineDTO(*snap))
}

func (h *Handler) VoidSubmission(w http.ResponseWriter, r *http.Request) {
	var req VoidSubmissionRequest
	if !decode(w, r, &req) {
		return
	}
	payer, err := billing.ParsePayer(req.Payer)
	if err != nil {
		h.writeDomainError(w, r, &billing.ValidationError{Field: "payer", Reason: err.Error()})
		return
	}

	snap, err := h.Engine.VoidSubmission(r.Context(), lineKey(r), payer, req.Comment)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLineDTO(*snap))
}

// =============================================================================
// SWEEPS
// =============================================================================

// SweepPendingSubmissions advances every line, or one invoice's lines. An
// empty body sweeps everything.
func (h *Handler) SweepPendingSubmissions(w http.ResponseWriter, r *http.Request) {
	var req SweepRequest
	if r.ContentLength != 0 {
		if !decode(w, r, &req) {
			return
		}
	}

	var invoice *billing.InvoiceKey
	if req.CustomerID != "" || req.InvoiceID != "" {
		if req.CustomerID == "" || req.InvoiceID == "" {
			h.writeDomainError(w, r, &billing.ValidationError{
				Field: "invoice_id", Reason: "customer_id and invoice_id go together",
			})
			return
		}
		invoice = &billing.InvoiceKey{CustomerID: req.CustomerID, InvoiceID: req.InvoiceID}
	}

	res, err := h.Engine.SweepPendingSubmissions(r.Context(), invoice)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepResponse(res))
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps the billing error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrValidation):
		return http.StatusBadRequest
	case billing.IsNotFound(err):
		return http.StatusNotFound
	case billing.IsConflict(err):
		return http.StatusConflict
	case billing.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.Log.Error().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, status, http.StatusText(status), err)
}

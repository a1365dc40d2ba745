/*
handlers.go - HTTP handlers for the cashless ledger

PURPOSE:
  Thin JSON glue over the domain packages. Handlers validate input shape,
  convert decimal amounts to cents, call the single domain entry point,
  and map typed ledger errors to precise HTTP status codes so terminal UIs
  can render exact failure reasons.

ERROR MAPPING:
  400  malformed request (bad JSON, bad amount string, unknown type)
  404  unknown account / transaction / tag / terminal
  409  concurrent modification (caller retries), tag already bound
  422  insufficient balance, limits, account state, currency mismatch
  500  divergence and anything unexpected
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/festkit/cashless/ledger"
	"github.com/festkit/cashless/tags"
	"github.com/festkit/cashless/terminal"
)

// Handler bundles the domain dependencies for the HTTP surface.
type Handler struct {
	Ledger     *ledger.Ledger
	Tags       *tags.Registry
	Terminals  *terminal.Manager
	Reconciler *terminal.Reconciler
}

func NewHandler(l *ledger.Ledger, t *tags.Registry, m *terminal.Manager) *Handler {
	return &Handler{
		Ledger:     l,
		Tags:       t,
		Terminals:  m,
		Reconciler: terminal.NewReconciler(m, l),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.OwnerID == "" || req.FestivalID == "" || req.Currency == "" {
		respondError(w, http.StatusBadRequest, "owner_id, festival_id and currency are required")
		return
	}
	account, err := h.Ledger.CreateAccount(r.Context(), req.OwnerID, req.FestivalID, req.Currency)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, accountDTO(account))
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Ledger.GetAccount(r.Context(), ledger.AccountID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountDTO(account))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	balance, err := h.Ledger.GetBalance(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Balance:   balance.Decimal().StringFixed(2),
		Currency:  balance.Currency,
		AsOf:      time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	from, to, err := parseRange(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	entries, err := h.Ledger.History(r.Context(), id, from, to)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(entries))
	for i := range entries {
		dtos = append(dtos, transactionDTO(&entries[i]))
	}
	respondJSON(w, http.StatusOK, dtos)
}

func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	err := h.Ledger.VerifyBalance(r.Context(), id)
	dto := VerifyDTO{AccountID: string(id), Consistent: err == nil}
	if err != nil {
		if !errors.Is(err, ledger.ErrLedgerDivergence) {
			h.respondLedgerError(w, err)
			return
		}
		dto.Error = err.Error()
		divergenceTotal.Inc()
	}
	respondJSON(w, http.StatusOK, dto)
}

func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := ledger.AccountID(chi.URLParam(r, "id"))
	if err := h.Ledger.SetStatus(r.Context(), id, ledger.AccountStatus(req.Status)); err != nil {
		h.respondLedgerError(w, err)
		return
	}
	account, err := h.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, accountDTO(account))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (h *Handler) ApplyTransaction(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(applyLatency)
	defer timer.ObserveDuration()

	var req ApplyTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domainReq, err := toDomainRequest(req, r.Header.Get("Idempotency-Key"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	tx, err := h.Ledger.Apply(r.Context(), domainReq)
	if err != nil {
		applyTotal.WithLabelValues(req.Type, "rejected").Inc()
		h.respondLedgerError(w, err)
		return
	}
	applyTotal.WithLabelValues(req.Type, "applied").Inc()
	respondJSON(w, http.StatusCreated, transactionDTO(tx))
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	amount, err := ledger.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	out, in, err := h.Ledger.Transfer(r.Context(),
		ledger.AccountID(req.FromAccountID), ledger.AccountID(req.ToAccountID),
		amount, r.Header.Get("Idempotency-Key"), req.Reason)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, TransferResponse{
		Out: transactionDTO(out),
		In:  transactionDTO(in),
	})
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	amount, err := ledger.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := h.Ledger.Refund(r.Context(), ledger.TransactionID(req.TransactionID),
		amount, r.Header.Get("Idempotency-Key"), req.Reason)
	if err != nil {
		h.respondLedgerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, transactionDTO(tx))
}

// =============================================================================
// TAGS
// =============================================================================

func (h *Handler) BindTag(w http.ResponseWriter, r *http.Request) {
	var req BindTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	h.Tags.Register(tags.TagID(req.TagID))
	if err := h.Tags.Bind(tags.TagID(req.TagID), ledger.AccountID(req.AccountID)); err != nil {
		h.respondTagError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ResolveTagDTO{TagID: req.TagID, AccountID: req.AccountID})
}

func (h *Handler) UnbindTag(w http.ResponseWriter, r *http.Request) {
	if err := h.Tags.Unbind(tags.TagID(chi.URLParam(r, "id"))); err != nil {
		h.respondTagError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ResolveTag(w http.ResponseWriter, r *http.Request) {
	tagID := tags.TagID(chi.URLParam(r, "id"))
	accountID, ok := h.Tags.Resolve(tagID)
	if !ok {
		respondError(w, http.StatusNotFound, "tag not active")
		return
	}
	respondJSON(w, http.StatusOK, ResolveTagDTO{TagID: string(tagID), AccountID: string(accountID)})
}

// =============================================================================
// TERMINALS
// =============================================================================

func (h *Handler) RegisterTerminal(w http.ResponseWriter, r *http.Request) {
	var req RegisterTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	t := h.Terminals.Register(ledger.TerminalID(req.ID), terminal.TerminalType(req.Type), req.VendorID)
	respondJSON(w, http.StatusCreated, terminalDTO(t))
}

func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	status, err := h.Terminals.Heartbeat(ledger.TerminalID(chi.URLParam(r, "id")))
	if err != nil {
		h.respondTerminalError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (h *Handler) GoOffline(w http.ResponseWriter, r *http.Request) {
	if err := h.Terminals.GoOffline(ledger.TerminalID(chi.URLParam(r, "id"))); err != nil {
		h.respondTerminalError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BufferIntent records an offline transaction intent on the terminal,
// snapshotting the last known balance on first touch of the account.
func (h *Handler) BufferIntent(w http.ResponseWriter, r *http.Request) {
	terminalID := ledger.TerminalID(chi.URLParam(r, "id"))
	var req BufferIntentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domainReq, err := toDomainRequest(req.ApplyTransactionRequest, req.IdempotencyKey)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if balance, err := h.Ledger.GetBalance(r.Context(), domainReq.AccountID); err == nil {
		_ = h.Terminals.SnapshotBalance(terminalID, domainReq.AccountID, balance)
	}
	intent, err := h.Terminals.BufferIntent(terminalID, domainReq)
	if err != nil {
		h.respondTerminalError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"intent_id":       intent.ID,
		"idempotency_key": intent.Request.IdempotencyKey,
	})
}

func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reconciler.Reconcile(r.Context(), ledger.TerminalID(chi.URLParam(r, "id")))
	if err != nil {
		if report == nil {
			h.respondTerminalError(w, err)
			return
		}
		// Replay finished but a touched account diverged: surface the
		// report alongside the failure.
		if errors.Is(err, ledger.ErrLedgerDivergence) {
			divergenceTotal.Inc()
		}
		reconcileConflicts.Add(float64(report.Conflicts))
		respondJSON(w, http.StatusInternalServerError, reportDTO(report))
		return
	}
	reconcileConflicts.Add(float64(report.Conflicts))
	respondJSON(w, http.StatusOK, reportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func toDomainRequest(req ApplyTransactionRequest, idempotencyKey string) (ledger.TransactionRequest, error) {
	amount, err := ledger.ParseMoney(req.Amount, req.Currency)
	if err != nil {
		return ledger.TransactionRequest{}, err
	}
	return ledger.TransactionRequest{
		AccountID:      ledger.AccountID(req.AccountID),
		Type:           ledger.TransactionType(req.Type),
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		TerminalID:     ledger.TerminalID(req.TerminalID),
		Counterparty:   req.Counterparty,
		ReferenceID:    ledger.TransactionID(req.ReferenceID),
		Reason:         req.Reason,
		CreatedBy:      req.CreatedBy,
	}, nil
}

func parseRange(r *http.Request) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if v := r.URL.Query().Get("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, errors.New("invalid 'from' timestamp")
		}
	}
	if v := r.URL.Query().Get("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			return from, to, errors.New("invalid 'to' timestamp")
		}
	}
	return from, to, nil
}

func (h *Handler) respondLedgerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConcurrentModification):
		respondError(w, http.StatusConflict, err.Error())
	case ledger.IsConsistencyFailure(err):
		respondError(w, http.StatusInternalServerError, err.Error())
	case ledger.IsClientError(err):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) respondTagError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tags.ErrTagNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tags.ErrAlreadyBound), errors.Is(err, tags.ErrAccountHasActiveTag):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, tags.ErrTagUnusable):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) respondTerminalError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, terminal.ErrTerminalNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, terminal.ErrTerminalDisabled), errors.Is(err, terminal.ErrTerminalOnline):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.respondLedgerError(w, err)
	}
}

func respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, map[string]string{"error": msg})
}

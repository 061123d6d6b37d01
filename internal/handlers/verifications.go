package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/go-chi/chi/v5"
)

// verificationView is the JSON shape of a ledger row
type verificationView struct {
	ID            string      `json:"id"`
	Source        string      `json:"source"`
	MessageID     string      `json:"messageId,omitempty"`
	Subject       string      `json:"subject,omitempty"`
	Sender        string      `json:"sender,omitempty"`
	EthAddress    string      `json:"ethAddress"`
	SigningDomain string      `json:"signingDomain,omitempty"`
	Selector      string      `json:"selector,omitempty"`
	Algo          string      `json:"algo,omitempty"`
	Outputs       dkim.Output `json:"outputs"`
	Commitment    string      `json:"commitment"`
	CreatedAt     *time.Time  `json:"createdAt,omitempty"`
	Snippet       string      `json:"snippet,omitempty"`
}

func newVerificationView(v *db.Verification) verificationView {
	view := verificationView{
		ID:            v.ID,
		Source:        v.Source,
		MessageID:     v.MessageID,
		Subject:       v.Subject,
		Sender:        v.Sender,
		EthAddress:    v.EthAddress,
		SigningDomain: v.SigningDomain,
		Selector:      v.Selector,
		Algo:          v.Algo,
		Outputs:       v.Output,
		Commitment:    v.Commitment,
	}
	if v.CreatedAt.Valid {
		t := v.CreatedAt.Time.UTC()
		view.CreatedAt = &t
	}
	return view
}

type listResponse struct {
	Items  []verificationView `json:"items"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// ListVerifications returns ledger rows, newest first
func (h *Handlers) ListVerifications(w http.ResponseWriter, r *http.Request) {
	limit, offset := parseLimit(r)

	vs, err := h.db.ListVerifications(limit, offset)
	if err != nil {
		h.logger.Error("failed to list verifications", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load verifications")
		return
	}
	total, err := h.db.CountVerifications()
	if err != nil {
		h.logger.Error("failed to count verifications", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load verifications")
		return
	}

	items := make([]verificationView, len(vs))
	for i, v := range vs {
		items[i] = newVerificationView(v)
	}
	h.writeJSON(w, http.StatusOK, listResponse{Items: items, Total: total, Limit: limit, Offset: offset})
}

// GetVerification returns one ledger row by id. Receipt ids and ledger ids
// are the same.
func (h *Handlers) GetVerification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	v, err := h.db.GetVerification(id)
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "verification not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load verification", "id", id, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load verification")
		return
	}

	h.writeJSON(w, http.StatusOK, newVerificationView(v))
}

// Search handles full-text search over the ledger
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	limit, offset := parseLimit(r)

	results, err := h.db.SearchVerifications(query, limit, offset)
	if err != nil {
		h.logger.Error("search failed", "query", query, "error", err)
		h.writeError(w, http.StatusInternalServerError, "search failed")
		return
	}

	items := make([]verificationView, len(results))
	for i, res := range results {
		items[i] = newVerificationView(&res.Verification)
		items[i].Snippet = res.Snippet
	}
	h.writeJSON(w, http.StatusOK, items)
}

type statsResponse struct {
	Total          int        `json:"total"`
	Proven         int        `json:"proven"`
	DistinctClaims int        `json:"distinctClaims"`
	LastCreatedAt  *time.Time `json:"lastCreatedAt,omitempty"`
	LastBatchAt    string     `json:"lastBatchAt,omitempty"`
	LastBatchDir   string     `json:"lastBatchDir,omitempty"`
}

// Stats returns ledger totals
func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.db.GetStats()
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to load stats")
		return
	}

	resp := statsResponse{Total: stats.Total, Proven: stats.Proven, DistinctClaims: stats.DistinctClaims}
	if stats.LastCreatedAt.Valid {
		t := stats.LastCreatedAt.Time.UTC()
		resp.LastCreatedAt = &t
	}
	if resp.LastBatchAt, err = h.db.GetSetting(db.SettingLastBatchAt); err == nil {
		resp.LastBatchDir, err = h.db.GetSetting(db.SettingLastBatchDir)
	}
	if err != nil {
		h.logger.Warn("failed to load batch settings", "error", err)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

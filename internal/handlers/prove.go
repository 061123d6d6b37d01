package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/events"
	"github.com/felo/mailclaim/internal/metrics"
	"github.com/felo/mailclaim/internal/parser"
	"github.com/felo/mailclaim/internal/proof"
)

// ReceiptFilename is the download name of a receipt returned by Prove
const ReceiptFilename = "proof-with-io.json"

// Ledger sources for rows written by the HTTP API
const (
	SourceProve    = "prove"
	SourceEvaluate = "evaluate"
)

// ProveRequest is the body of POST /prove
type ProveRequest struct {
	Email      string `json:"email"`
	EthAddress string `json:"ethAddress"`
}

// Prove extracts a DKIM record from a raw email, evaluates it and returns
// the receipt as a downloadable JSON file
func (h *Handlers) Prove(w http.ResponseWriter, r *http.Request) {
	var req ProveRequest
	if status, err := decodeJSON(r, &req); err != nil {
		h.writeError(w, status, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		h.writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	env, err := parser.ParseEnvelope(strings.NewReader(req.Email))
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: "email"})
		return
	}

	if h.extractor == nil {
		h.writeError(w, http.StatusServiceUnavailable, "email extraction is not configured")
		return
	}
	rec, err := h.extractor.Extract(r.Context(), []byte(req.Email))
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "failed to extract DKIM record: "+err.Error())
		return
	}

	h.prove(w, r, SourceProve, rec, req.EthAddress, env, true)
}

// Evaluate runs the verifier on a record supplied directly, skipping the
// extractor
func (h *Handlers) Evaluate(w http.ResponseWriter, r *http.Request) {
	req, err := proof.ReadRequest(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		var malformed *dkim.MalformedInputError
		switch {
		case errors.As(err, &tooLarge):
			h.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.As(err, &malformed):
			h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: malformed.Field})
		default:
			h.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		}
		return
	}

	h.prove(w, r, SourceEvaluate, req.DKIM, req.EthAddress, nil, false)
}

// prove evaluates rec, records it in the ledger and writes the receipt
func (h *Handlers) prove(w http.ResponseWriter, r *http.Request, source string, rec *dkim.Record, address string, env *parser.Envelope, download bool) {
	start := time.Now()
	receipt, out, err := h.prover.Prove(r.Context(), rec, address)
	if err != nil {
		var malformed *dkim.MalformedInputError
		if errors.As(err, &malformed) {
			h.metrics.ObserveEvaluation(metrics.ResultMalformed, nil, time.Since(start).Seconds())
			h.metrics.IncReceipts("prove", metrics.ResultMalformed)
			h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: malformed.Field})
			return
		}
		h.logger.Error("failed to prove record", "source", source, "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to prove record")
		return
	}

	result := metrics.EvaluationResult(out.ClaimProven)
	h.metrics.ObserveEvaluation(result, out.FailedChecks(), time.Since(start).Seconds())
	h.metrics.IncReceipts("prove", result)

	v := db.NewVerification(receipt.ID, source, rec, out, address, receipt.Commitment)
	if env != nil {
		v.MessageID = env.MessageID
		v.Subject = env.Subject
		if v.Sender == "" {
			v.Sender = env.Sender
		}
	}
	// The receipt stands on its own; a ledger failure is logged, not returned
	if err := h.db.InsertVerification(v); err != nil {
		h.logger.Error("failed to record verification", "id", v.ID, "error", err)
	} else if err := h.publisher.Publish(r.Context(), events.FromVerification(v)); err != nil {
		h.logger.Warn("failed to publish event", "id", v.ID, "error", err)
	}

	h.logger.Info("record evaluated",
		"id", receipt.ID, "source", source, "claim", out.ExtractedClaim,
		"proven", out.ClaimProven, "failed", out.FailedChecks())

	var buf bytes.Buffer
	if err := proof.WriteReceipt(&buf, receipt); err != nil {
		h.logger.Error("failed to encode receipt", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to encode receipt")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if download {
		w.Header().Set("Content-Disposition", `attachment; filename="`+ReceiptFilename+`"`)
	}
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// Verify checks a receipt and reports the claim it commits to
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	receipt, err := proof.ReadReceipt(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		h.writeError(w, http.StatusBadRequest, "invalid receipt: "+err.Error())
		return
	}

	result, err := proof.Verify(receipt)
	if err != nil {
		h.metrics.IncReceipts("verify", "rejected")
		field := "publicValues"
		if errors.Is(err, proof.ErrUnknownEngine) {
			field = "engine"
		}
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error(), Field: field})
		return
	}

	if result.ProofValid {
		h.metrics.IncReceipts("verify", "valid")
	} else {
		h.metrics.IncReceipts("verify", "invalid")
	}
	h.writeJSON(w, http.StatusOK, result)
}

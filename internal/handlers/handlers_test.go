package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/felo/mailclaim/internal/batch"
	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/dkim"
	"github.com/felo/mailclaim/internal/dkim/dkimtest"
	"github.com/felo/mailclaim/internal/events"
	"github.com/felo/mailclaim/internal/logger"
	"github.com/felo/mailclaim/internal/proof"
	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "0x71C7656EC7ab88b098defB751B7401B5f6d8976F"

const testEmail = "DKIM-Signature: v=1; a=rsa-sha256; d=x.com; s=dkim-201406; h=to:subject:from; bh=x; b=y\r\n" +
	"From: X <info@x.com>\r\n" +
	"To: victim@example.com\r\n" +
	"Subject: Password reset request\r\n" +
	"Message-ID: <reset-1@x.com>\r\n" +
	"\r\n" +
	"This email was meant for @alice\r\n"

// fakeExtractor returns a fixed record or error
type fakeExtractor struct {
	rec   *dkim.Record
	err   error
	calls int
}

func (f *fakeExtractor) Extract(ctx context.Context, email []byte) (*dkim.Record, error) {
	f.calls++
	return f.rec, f.err
}

type testEnv struct {
	h      *Handlers
	db     *db.DB
	ext    *fakeExtractor
	pub    *events.MemoryPublisher
	router chi.Router
}

func setupHandlers(t *testing.T) *testEnv {
	t.Helper()

	database := db.SetupTestDB(t)
	t.Cleanup(func() { db.CleanupTestDB(t, database) })

	v, err := dkim.NewVerifier(dkim.DefaultPolicy())
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Batch.Dir = t.TempDir()
	cfg.Batch.Concurrency = 2

	env := &testEnv{
		db:  database,
		ext: &fakeExtractor{rec: dkimtest.ProvenRecord(t)},
		pub: &events.MemoryPublisher{},
	}
	env.h = New(Deps{
		DB:        database,
		Config:    cfg,
		Prover:    proof.NewLocalProver(v),
		Extractor: env.ext,
		Publisher: env.pub,
		Logger:    logger.NewNopLogger(),
	})

	r := chi.NewRouter()
	r.Post("/prove", env.h.Prove)
	r.Post("/evaluate", env.h.Evaluate)
	r.Post("/verify", env.h.Verify)
	r.Post("/batch", env.h.StartBatch)
	r.Get("/batch", env.h.BatchStatus)
	r.Get("/batch/events", env.h.BatchEvents)
	r.Get("/verifications", env.h.ListVerifications)
	r.Get("/verifications/{id}", env.h.GetVerification)
	r.Get("/search", env.h.Search)
	r.Get("/stats", env.h.Stats)
	r.Get("/healthz", env.h.Healthz)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestProve(t *testing.T) {
	env := setupHandlers(t)

	w := env.do(t, http.MethodPost, "/prove", ProveRequest{Email: testEmail, EthAddress: testAddress})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, `attachment; filename="proof-with-io.json"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, 1, env.ext.calls)

	receipt, err := proof.ReadReceipt(w.Body)
	require.NoError(t, err)
	result, err := proof.Verify(receipt)
	require.NoError(t, err)
	assert.True(t, result.ProofValid)
	assert.Equal(t, "@alice", result.TwitterHandle)
	assert.Equal(t, testAddress, result.EthAddress)

	// The receipt id is the ledger id
	v, err := env.db.GetVerification(receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceProve, v.Source)
	assert.Equal(t, "<reset-1@x.com>", v.MessageID)
	assert.Equal(t, "Password reset request", v.Subject)
	assert.Equal(t, "info@x.com", v.Sender)
	assert.Equal(t, receipt.Commitment, v.Commitment)

	require.Len(t, env.pub.Events(), 1)
	assert.Equal(t, receipt.ID, env.pub.Events()[0].ID)
}

func TestProve_BadRequests(t *testing.T) {
	tests := []struct {
		name      string
		body      interface{}
		wantCode  int
		wantField string
	}{
		{name: "invalid JSON", body: "{", wantCode: http.StatusBadRequest},
		{name: "empty email", body: ProveRequest{EthAddress: testAddress}, wantCode: http.StatusBadRequest},
		{
			name:      "no DKIM signature",
			body:      ProveRequest{Email: "From: info@x.com\r\nSubject: hi\r\n\r\nbody\r\n"},
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "email",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandlers(t)
			w := env.do(t, http.MethodPost, "/prove", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantField, decodeError(t, w).Field)
			assert.Zero(t, env.ext.calls)
		})
	}
}

func TestProve_ExtractorFailure(t *testing.T) {
	env := setupHandlers(t)
	env.ext.err = errors.New("node exited 1")

	w := env.do(t, http.MethodPost, "/prove", ProveRequest{Email: testEmail, EthAddress: testAddress})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, decodeError(t, w).Error, "node exited 1")

	count, err := env.db.CountVerifications()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestProve_NoExtractor(t *testing.T) {
	env := setupHandlers(t)
	env.h.extractor = nil

	w := env.do(t, http.MethodPost, "/prove", ProveRequest{Email: testEmail, EthAddress: testAddress})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestProve_MalformedExtractedRecord(t *testing.T) {
	env := setupHandlers(t)
	env.ext.rec.PublicKey = "not a key"

	w := env.do(t, http.MethodPost, "/prove", ProveRequest{Email: testEmail, EthAddress: testAddress})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "publicKey", decodeError(t, w).Field)
	assert.Empty(t, env.pub.Events())
}

func TestEvaluate(t *testing.T) {
	env := setupHandlers(t)

	w := env.do(t, http.MethodPost, "/evaluate", proof.Request{DKIM: dkimtest.UnprovenRecord(t), EthAddress: testAddress})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Disposition"))

	receipt, err := proof.ReadReceipt(w.Body)
	require.NoError(t, err)
	result, err := proof.Verify(receipt)
	require.NoError(t, err)
	assert.False(t, result.ProofValid)
	assert.False(t, result.Outputs.SubjectMarkerVerified)

	v, err := env.db.GetVerification(receipt.ID)
	require.NoError(t, err)
	assert.Equal(t, SourceEvaluate, v.Source)
	assert.False(t, v.ClaimProven)
}

func TestEvaluate_BadRequests(t *testing.T) {
	badSig := dkimtest.ProvenRecord(t)
	badSig.Signature = "%%%"

	tests := []struct {
		name      string
		body      interface{}
		wantCode  int
		wantField string
	}{
		{name: "invalid JSON", body: "not json", wantCode: http.StatusBadRequest},
		{name: "missing dkim", body: `{"ethAddress":"0x1"}`, wantCode: http.StatusUnprocessableEntity, wantField: "dkim"},
		{
			name:      "undecodable signature",
			body:      proof.Request{DKIM: badSig, EthAddress: testAddress},
			wantCode:  http.StatusUnprocessableEntity,
			wantField: "signature",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupHandlers(t)
			w := env.do(t, http.MethodPost, "/evaluate", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantField, decodeError(t, w).Field)
		})
	}
}

func proveReceipt(t *testing.T, env *testEnv) *proof.Receipt {
	t.Helper()
	w := env.do(t, http.MethodPost, "/evaluate", proof.Request{DKIM: dkimtest.ProvenRecord(t), EthAddress: testAddress})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	receipt, err := proof.ReadReceipt(w.Body)
	require.NoError(t, err)
	return receipt
}

func TestVerify(t *testing.T) {
	env := setupHandlers(t)
	receipt := proveReceipt(t, env)

	w := env.do(t, http.MethodPost, "/verify", receipt)
	require.Equal(t, http.StatusOK, w.Code)

	var result proof.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.ProofValid)
	assert.Equal(t, "@alice", result.TwitterHandle)
	assert.Equal(t, testAddress, result.EthAddress)
}

func TestVerify_TamperedCommitment(t *testing.T) {
	env := setupHandlers(t)
	receipt := proveReceipt(t, env)
	receipt.Commitment = strings.Repeat("0", 64)

	w := env.do(t, http.MethodPost, "/verify", receipt)
	require.Equal(t, http.StatusOK, w.Code)

	var result proof.VerificationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.False(t, result.ProofValid)
}

func TestVerify_Rejected(t *testing.T) {
	env := setupHandlers(t)

	unknown := proveReceipt(t, env)
	unknown.Engine = "sp1"

	truncated := proveReceipt(t, env)
	truncated.PublicValues = truncated.PublicValues[:3]

	tests := []struct {
		name      string
		body      interface{}
		wantCode  int
		wantField string
	}{
		{name: "invalid JSON", body: "[", wantCode: http.StatusBadRequest},
		{name: "unknown engine", body: unknown, wantCode: http.StatusUnprocessableEntity, wantField: "engine"},
		{name: "truncated public values", body: truncated, wantCode: http.StatusUnprocessableEntity, wantField: "publicValues"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/verify", tt.body)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantField, decodeError(t, w).Field)
		})
	}
}

func TestListAndGetVerifications(t *testing.T) {
	env := setupHandlers(t)
	now := time.Now().UTC()
	inserted := db.InsertTestVerifications(t, env.db, []*db.Verification{
		db.CreateTestVerificationAt("a.json", "@alice", testAddress, now.Add(-2*time.Hour)),
		db.CreateTestVerificationAt("b.json", "", testAddress, now.Add(-time.Hour)),
		db.CreateTestVerificationAt("c.json", "@carol", testAddress, now),
	})

	w := env.do(t, http.MethodGet, "/verifications?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var list listResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 3, list.Total)
	assert.Equal(t, 2, list.Limit)
	require.Len(t, list.Items, 2)
	assert.Equal(t, "c.json", list.Items[0].Source)
	assert.Equal(t, "b.json", list.Items[1].Source)

	w = env.do(t, http.MethodGet, "/verifications/"+inserted[0].ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var view verificationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, "@alice", view.Outputs.ExtractedClaim)
	assert.True(t, view.Outputs.ClaimProven)
	require.NotNil(t, view.CreatedAt)

	w = env.do(t, http.MethodGet, "/verifications/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSearch(t *testing.T) {
	env := setupHandlers(t)
	db.InsertTestVerifications(t, env.db, []*db.Verification{
		db.CreateTestVerification("a.json", "@alice", testAddress),
		db.CreateTestVerification("b.json", "@bob", "0xB0B"),
	})

	w := env.do(t, http.MethodGet, "/search?q=alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var items []verificationView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, "a.json", items[0].Source)
	assert.Contains(t, items[0].Snippet, "[")
}

func TestStats(t *testing.T) {
	env := setupHandlers(t)

	w := env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &empty))
	assert.Zero(t, empty.Total)
	assert.Nil(t, empty.LastCreatedAt)

	db.InsertTestVerifications(t, env.db, []*db.Verification{
		db.CreateTestVerification("a.json", "@alice", testAddress),
		db.CreateTestVerification("b.json", "@alice", "0xB0B"),
		db.CreateTestVerification("c.json", "", testAddress),
	})

	w = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Proven)
	assert.Equal(t, 1, stats.DistinctClaims)
	assert.NotNil(t, stats.LastCreatedAt)
}

func TestHealthz(t *testing.T) {
	env := setupHandlers(t)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"", defaultLimit, 0},
		{"limit=10&offset=20", 10, 20},
		{"limit=-1&offset=-5", defaultLimit, 0},
		{"limit=100000", maxLimit, 0},
		{"limit=abc", defaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
			limit, offset := parseLimit(req)
			assert.Equal(t, tt.wantLimit, limit)
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func writeRecord(t *testing.T, dir, name string, rec *dkim.Record) {
	t.Helper()
	data, err := json.Marshal(proof.Request{DKIM: rec, EthAddress: testAddress})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

func TestBatch(t *testing.T) {
	env := setupHandlers(t)
	writeRecord(t, env.h.cfg.Batch.Dir, "proven.json", dkimtest.ProvenRecord(t))
	writeRecord(t, env.h.cfg.Batch.Dir, "unproven.json", dkimtest.UnprovenRecord(t))

	w := env.do(t, http.MethodPost, "/batch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	var status batchStatus
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/batch", nil)
		if w.Code != http.StatusOK {
			return false
		}
		status = batchStatus{}
		return json.Unmarshal(w.Body.Bytes(), &status) == nil && !status.Running && status.Result != nil
	}, 5*time.Second, 10*time.Millisecond)

	assert.Empty(t, status.Error)
	assert.Equal(t, 2, status.Total)
	assert.Equal(t, 2, status.Current)
	assert.Equal(t, 1, status.Result.Proven)
	assert.Equal(t, 1, status.Result.NotProven)
	assert.NotNil(t, status.FinishedAt)
	assert.Len(t, env.pub.Events(), 2)

	w = env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, env.h.cfg.Batch.Dir, stats.LastBatchDir)
	assert.NotEmpty(t, stats.LastBatchAt)

	// A finished run reports its final state and closes the stream
	w = env.do(t, http.MethodGet, "/batch/events", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "event: progress\ndata: "))
	assert.Contains(t, w.Body.String(), `"proven":1`)

	// Records already in the ledger are skipped on the next run
	w = env.do(t, http.MethodPost, "/batch", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Eventually(t, func() bool {
		env.h.batch.mu.RLock()
		defer env.h.batch.mu.RUnlock()
		return !env.h.batch.running && env.h.batch.result != nil
	}, 5*time.Second, 10*time.Millisecond)
	env.h.batch.mu.RLock()
	assert.Equal(t, 2, env.h.batch.result.Skipped)
	env.h.batch.mu.RUnlock()
}

func TestBatch_AlreadyRunning(t *testing.T) {
	env := setupHandlers(t)

	env.h.batch.mu.Lock()
	env.h.batch.running = true
	env.h.batch.mu.Unlock()

	w := env.do(t, http.MethodPost, "/batch", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestBatchEvents_FinalEventReachesSlowClient(t *testing.T) {
	env := setupHandlers(t)
	bp := env.h.batch

	bp.mu.Lock()
	bp.running = true
	bp.total = 100
	bp.done = make(chan struct{})
	bp.mu.Unlock()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/batch/events", nil)
	finished := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, req)
		close(finished)
	}()

	require.Eventually(t, func() bool {
		bp.mu.RLock()
		defer bp.mu.RUnlock()
		return len(bp.clients) == 1
	}, 5*time.Second, 5*time.Millisecond)

	// More progress than the client buffer holds
	for i := 0; i < 50; i++ {
		bp.broadcast("progress")
	}
	bp.finish(&batch.Result{TotalFound: 100, Proven: 3}, nil)

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the run finished")
	}

	body := w.Body.String()
	assert.Contains(t, body, "event: complete\n")
	assert.Contains(t, body, `"proven":3`)
	assert.Empty(t, bp.clients)
}

func TestBatchEvents_FailedRunEndsWithError(t *testing.T) {
	env := setupHandlers(t)
	bp := env.h.batch

	bp.mu.Lock()
	bp.running = true
	bp.done = make(chan struct{})
	bp.mu.Unlock()

	w := httptest.NewRecorder()
	finished := make(chan struct{})
	go func() {
		env.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/batch/events", nil))
		close(finished)
	}()

	require.Eventually(t, func() bool {
		bp.mu.RLock()
		defer bp.mu.RUnlock()
		return len(bp.clients) == 1
	}, 5*time.Second, 5*time.Millisecond)

	bp.finish(nil, errors.New("failed to scan for files: no such directory"))

	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not end after the run failed")
	}
	assert.Contains(t, w.Body.String(), "event: error\n")
	assert.Contains(t, w.Body.String(), "no such directory")
}

func TestBatch_Broadcast(t *testing.T) {
	bp := newBatchProgress()
	ch := make(chan progressEvent, 1)
	bp.clients = append(bp.clients, ch)

	bp.mu.Lock()
	bp.running = true
	bp.current = 1
	bp.total = 3
	bp.mu.Unlock()

	bp.broadcast("progress")
	ev := <-ch
	assert.Equal(t, "progress", ev.Type)
	status := ev.Data.(batchStatus)
	assert.Equal(t, 1, status.Current)
	assert.Equal(t, 3, status.Total)

	// A full client is skipped rather than blocking
	ch <- ev
	bp.broadcast("progress")
	assert.Len(t, ch, 1)

	bp.removeClient(ch)
	assert.Empty(t, bp.clients)
}

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/felo/mailclaim/internal/batch"
	json "github.com/goccy/go-json"
)

// batchProgress holds the state of the current background batch run
type batchProgress struct {
	mu          sync.RWMutex
	running     bool
	current     int
	total       int
	currentFile string
	result      *batch.Result
	err         error
	startedAt   time.Time
	finishedAt  time.Time
	done        chan struct{} // closed when the current run ends
	clients     []chan progressEvent
}

// progressEvent is one server-sent event
type progressEvent struct {
	Type string      `json:"type"` // "progress", "complete", "error"
	Data interface{} `json:"data"`
}

type batchStatus struct {
	Running     bool          `json:"running"`
	Current     int           `json:"current"`
	Total       int           `json:"total"`
	CurrentFile string        `json:"currentFile,omitempty"`
	Result      *batch.Result `json:"result,omitempty"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	FinishedAt  *time.Time    `json:"finishedAt,omitempty"`
}

func newBatchProgress() *batchProgress {
	return &batchProgress{clients: make([]chan progressEvent, 0)}
}

// snapshot must be called with mu held
func (bp *batchProgress) snapshot() batchStatus {
	s := batchStatus{
		Running:     bp.running,
		Current:     bp.current,
		Total:       bp.total,
		CurrentFile: bp.currentFile,
		Result:      bp.result,
	}
	if bp.err != nil {
		s.Error = bp.err.Error()
	}
	if !bp.startedAt.IsZero() {
		t := bp.startedAt
		s.StartedAt = &t
	}
	if !bp.finishedAt.IsZero() {
		t := bp.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// StartBatch starts verifying the configured records directory in the
// background. Only one run at a time is allowed.
func (h *Handlers) StartBatch(w http.ResponseWriter, r *http.Request) {
	bp := h.batch

	bp.mu.Lock()
	if bp.running {
		bp.mu.Unlock()
		h.writeError(w, http.StatusConflict, "batch already in progress")
		return
	}

	// Reset progress state
	bp.running = true
	bp.current = 0
	bp.total = 0
	bp.currentFile = ""
	bp.result = nil
	bp.err = nil
	bp.startedAt = time.Now().UTC()
	bp.finishedAt = time.Time{}
	bp.done = make(chan struct{})
	bp.mu.Unlock()

	runner := batch.NewRunner(h.db, h.cfg.Batch.Dir, h.prover, h.logger).
		WithPublisher(h.publisher).
		WithMetrics(h.metrics)
	if h.cfg.Batch.Concurrency > 0 {
		runner = runner.WithConcurrency(h.cfg.Batch.Concurrency)
	}

	// The run outlives the request
	go func() {
		result, err := runner.VerifyWithProgress(context.Background(), func(current, total int, filePath string) {
			bp.mu.Lock()
			bp.current = current
			bp.total = total
			bp.currentFile = filePath
			bp.mu.Unlock()

			bp.broadcast("progress")
		})

		if err != nil {
			h.logger.Error("batch run failed", "error", err)
		}
		bp.finish(result, err)
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "dir": h.cfg.Batch.Dir})
}

// finish records the outcome of the current run and releases every client
// waiting for it
func (bp *batchProgress) finish(result *batch.Result, err error) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.running = false
	bp.finishedAt = time.Now().UTC()
	bp.result = result
	bp.err = err
	if bp.done != nil {
		close(bp.done)
		bp.done = nil
	}
}

// terminalEvent returns the final event of a finished run
func (bp *batchProgress) terminalEvent() progressEvent {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	status := bp.snapshot()
	if status.Error != "" {
		return progressEvent{Type: "error", Data: status}
	}
	return progressEvent{Type: "complete", Data: status}
}

// BatchStatus returns the state of the current or last batch run
func (h *Handlers) BatchStatus(w http.ResponseWriter, r *http.Request) {
	h.batch.mu.RLock()
	status := h.batch.snapshot()
	h.batch.mu.RUnlock()

	h.writeJSON(w, http.StatusOK, status)
}

// BatchEvents streams batch progress as Server-Sent Events
func (h *Handlers) BatchEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	bp := h.batch
	clientChan := make(chan progressEvent, 10)

	// Register client and send the current state
	bp.mu.Lock()
	bp.clients = append(bp.clients, clientChan)
	initial := bp.snapshot()
	done := bp.done
	bp.mu.Unlock()

	defer bp.removeClient(clientChan)

	h.sendSSE(w, flusher, "progress", initial)
	if !initial.Running {
		return
	}

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-clientChan:
			h.sendSSE(w, flusher, event.Type, event.Data)
		case <-done:
			// Progress events may be dropped for slow clients, the final
			// one never is
			final := bp.terminalEvent()
			h.sendSSE(w, flusher, final.Type, final.Data)
			return
		}
	}
}

func (bp *batchProgress) removeClient(ch chan progressEvent) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for i, c := range bp.clients {
		if c == ch {
			bp.clients = append(bp.clients[:i], bp.clients[i+1:]...)
			return
		}
	}
}

// broadcast sends the current state to all connected clients. Clients that
// are behind miss the event.
func (bp *batchProgress) broadcast(eventType string) {
	bp.mu.RLock()
	defer bp.mu.RUnlock()

	event := progressEvent{Type: eventType, Data: bp.snapshot()}
	for _, client := range bp.clients {
		select {
		case client <- event:
		default:
			// Client channel full, skip
		}
	}
}

// sendSSE sends an SSE message to the client
func (h *Handlers) sendSSE(w http.ResponseWriter, flusher http.Flusher, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
	flusher.Flush()
}

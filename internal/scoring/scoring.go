// Package scoring reports feedback scores to an external collector.
// Reporting is fire-and-forget: a slow or unavailable collector must
// never block or fail the feedback update that triggered it.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"
)

// Reporter delivers a numeric score for a subject.
type Reporter interface {
	Report(subjectID string, score int)
}

// Nop discards all scores.
type Nop struct{}

// Report does nothing.
func (Nop) Report(string, int) {}

const (
	defaultQueueSize      = 256
	defaultRequestTimeout = 5 * time.Second
)

type event struct {
	SubjectID string `json:"subject_id"`
	Score     int    `json:"score"`
}

// HTTPReporter posts scores as JSON to a collector endpoint from a single
// background worker. The queue is bounded; overflow drops the event with
// a warning rather than applying backpressure to the caller.
type HTTPReporter struct {
	endpoint string
	client   *http.Client
	queue    chan event
	done     chan struct{}
}

// NewHTTPReporter creates a reporter and starts its delivery worker.
func NewHTTPReporter(endpoint string) *HTTPReporter {
	r := &HTTPReporter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: defaultRequestTimeout},
		queue:    make(chan event, defaultQueueSize),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// Report enqueues a score for delivery. Never blocks.
func (r *HTTPReporter) Report(subjectID string, score int) {
	select {
	case r.queue <- event{SubjectID: subjectID, Score: score}:
	default:
		slog.Warn("Score queue full, dropping event", "subject_id", subjectID, "score", score)
	}
}

// Close stops the delivery worker after draining queued events.
func (r *HTTPReporter) Close() {
	close(r.queue)
	<-r.done
}

func (r *HTTPReporter) run() {
	defer close(r.done)
	for ev := range r.queue {
		r.deliver(ev)
	}
}

func (r *HTTPReporter) deliver(ev event) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Warn("Failed to encode score event", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		slog.Warn("Failed to build score request", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		slog.Warn("Score delivery failed", "subject_id", ev.SubjectID, "error", err)
		return
	}
	if err := resp.Body.Close(); err != nil {
		slog.Debug("Failed to close score response body", "error", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		slog.Warn("Score collector rejected event",
			"subject_id", ev.SubjectID,
			"status", strconv.Itoa(resp.StatusCode))
	}
}

package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/ngome/internal/config"
)

// AnomalyDetector watches the refusal rate using sliding windows.
// A sustained spike in refused submissions usually means someone is
// probing the validator, which is worth a log line even when every
// individual refusal is working as intended.
type AnomalyDetector struct {
	mu       sync.Mutex
	refused  map[string]*slidingWindow
	accepted map[string]*slidingWindow
	cfg      *config.AnomalyConfig
	logger   *slog.Logger
}

type slidingWindow struct {
	entries []windowEntry
	window  time.Duration
}

type windowEntry struct {
	timestamp time.Time
	value     float64
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		refused:  make(map[string]*slidingWindow),
		accepted: make(map[string]*slidingWindow),
		cfg:      cfg,
		logger:   logger,
	}
}

func (a *AnomalyDetector) windowDuration() time.Duration {
	secs := a.cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}

// RecordRefusal records a submission refused by the validator.
func (a *AnomalyDetector) RecordRefusal(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.refused, operation)
	w.add(1)
	a.checkRefusalRate(operation)
}

// RecordAccepted records a submission that passed validation.
func (a *AnomalyDetector) RecordAccepted(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.getOrCreateWindow(a.accepted, operation)
	w.add(1)
}

// checkRefusalRate checks if the refusal rate exceeds the configured threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) checkRefusalRate(operation string) {
	threshold := a.cfg.RefusalRateThreshold
	if threshold <= 0 {
		return
	}

	refused := a.getOrCreateWindow(a.refused, operation).sum()
	accepted := a.getOrCreateWindow(a.accepted, operation).sum()
	total := refused + accepted

	if total < 5 {
		return // Not enough data.
	}

	rate := refused / total
	if rate > threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high refusal rate",
			slog.String("operation", operation),
			slog.Float64("refusal_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Float64("refused", refused),
			slog.Float64("total", total),
		)
	}
}

func (a *AnomalyDetector) getOrCreateWindow(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.windowDuration()}
		m[key] = w
	}
	return w
}

// add appends a value and prunes expired entries.
func (w *slidingWindow) add(value float64) {
	now := time.Now()
	w.entries = append(w.entries, windowEntry{timestamp: now, value: value})
	w.prune(now)
}

// sum returns the total value within the window.
func (w *slidingWindow) sum() float64 {
	w.prune(time.Now())
	var total float64
	for _, e := range w.entries {
		total += e.value
	}
	return total
}

// prune removes entries older than the window duration.
func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && w.entries[i].timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.entries = w.entries[i:]
	}
}

// Package monitoring records per-send events to a JSONL file.
//
// DESIGN: One JSON object per line, appended immediately after each send so
// the file is truthful in real time. Recording is best-effort: telemetry
// never blocks or fails a send.
package monitoring

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TelemetryConfig controls the tracker.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	LogPath     string `yaml:"log_path"`
	LogToStdout bool   `yaml:"log_to_stdout"`
}

// SendEvent is one completed (or failed) send through the gateway.
type SendEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id"`
	SessionID    string    `json:"session_id"`
	AgentID      string    `json:"agent_id,omitempty"`
	VendorUsed   string    `json:"vendor_used,omitempty"`
	FallbackUsed bool      `json:"fallback_used"`
	Attempts     int       `json:"attempts"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	CostUsd      float64   `json:"cost_usd"`
	LatencyMs    int64     `json:"latency_ms"`
	Replayed     bool      `json:"replayed"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"`
}

// Tracker appends send events to a JSONL file.
type Tracker struct {
	config    TelemetryConfig
	logPath   string
	sendCount int
	mu        sync.Mutex
}

// NewTracker creates a tracker, ensuring the log directory exists.
func NewTracker(cfg TelemetryConfig) (*Tracker, error) {
	t := &Tracker{config: cfg}
	if !cfg.Enabled || cfg.LogPath == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogPath), 0750); err != nil {
		return nil, err
	}
	t.logPath = cfg.LogPath
	return t, nil
}

// appendJSONL appends a single JSON object as a line to the file.
func appendJSONL(path string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	_, err = f.Write(data)
	return err
}

// RecordSend records one send event.
func (t *Tracker) RecordSend(event *SendEvent) {
	if t == nil || !t.config.Enabled {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.config.LogToStdout {
		reqID := event.RequestID
		if len(reqID) > 8 {
			reqID = reqID[:8]
		}
		log.Info().
			Str("request_id", reqID).
			Str("vendor", event.VendorUsed).
			Int("attempts", event.Attempts).
			Float64("cost_usd", event.CostUsd).
			Bool("success", event.Success).
			Msg("telemetry")
	}

	if t.logPath != "" {
		if err := appendJSONL(t.logPath, event); err != nil {
			log.Error().Err(err).Str("path", t.logPath).Msg("telemetry: failed to write send event")
		} else {
			t.sendCount++
		}
	}
}

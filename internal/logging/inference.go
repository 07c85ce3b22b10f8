package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// InferenceLog is one completed (or failed) inference, as recorded by the
// accounting logger and the store batcher.
type InferenceLog struct {
	Timestamp        time.Time `json:"timestamp"`
	RunID            string    `json:"run_id"`
	RequestID        string    `json:"request_id"`
	TraceID          string    `json:"trace_id,omitempty"`
	TenantID         string    `json:"tenant_id"`
	Model            string    `json:"model"`
	ProviderID       string    `json:"provider_id,omitempty"`
	RunnerKind       string    `json:"runner_kind,omitempty"`
	State            string    `json:"state"`
	FinishReason     string    `json:"finish_reason,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	FirstChunkMs     int64     `json:"first_chunk_ms,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Attempts         int       `json:"attempts"`
	WarmHit          bool      `json:"warm_hit,omitempty"`
	Streamed         bool      `json:"streamed,omitempty"`
	ErrType          string    `json:"err_type,omitempty"`
	Error            string    `json:"error,omitempty"`
}

// Logger records per-inference accounting lines to the console and,
// optionally, a JSON-lines file and a downstream sink.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	file    *os.File
	console bool
	sink    func(*InferenceLog)
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the process-wide inference logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput appends JSON lines to path in addition to console output.
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// SetConsole enables or disables the human-readable console line.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// SetSink forwards every entry to fn after local output. The daemon
// points this at the store batcher; fn must not block.
func (l *Logger) SetSink(fn func(*InferenceLog)) {
	l.mu.Lock()
	l.sink = fn
	l.mu.Unlock()
}

// Log writes one accounting entry. The timestamp is stamped here.
func (l *Logger) Log(entry *InferenceLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	if l.console {
		status := "✓"
		if entry.State != "COMPLETED" {
			status = "✗"
		}
		warm := ""
		if entry.WarmHit {
			warm = " [warm]"
		}
		stream := ""
		if entry.Streamed {
			stream = " [stream]"
		}
		retry := ""
		if entry.Attempts > 1 {
			retry = fmt.Sprintf(" [attempts:%d]", entry.Attempts)
		}
		fmt.Printf("[infer] %s %s %s→%s %dms %dtok%s%s%s\n",
			status, entry.RunID, entry.Model, entry.ProviderID,
			entry.DurationMs, entry.CompletionTokens, warm, stream, retry)
		if entry.Error != "" {
			fmt.Printf("[infer]   error: %s\n", entry.Error)
		}
	}

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}

	if l.sink != nil {
		l.sink(entry)
	}
}

// Close closes the JSON-lines file if one is open.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

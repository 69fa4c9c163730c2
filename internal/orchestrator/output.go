package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Per-session filesystem layout under the output base directory:
//
//	outputs/<sanitized_topic>/
//	  topic.txt     session metadata
//	  output.txt    one unique attribute per line, append-only
//	  metrics.json  sync counters
//	  state.json    session status
//
// The folder is removed and recreated at session start (overwrite
// semantics). Only the orchestrator writes here.

// SanitizeTopic maps a topic to its folder name: alphanumerics and
// whitespace kept, lowercased, whitespace runs collapsed to underscores.
func SanitizeTopic(topic string) string {
	var kept strings.Builder
	for _, r := range topic {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == ' ' || r == '\t' || r == '\n' {
			kept.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(strings.ToLower(kept.String())), "_")
}

// outputWriter persists one session's attributes and metadata. Queue is
// called by the owner task; Flush runs on a writer goroutine the owner
// spawns, so the mutex covers the handoff.
type outputWriter struct {
	dir    string
	folder string

	mu           sync.Mutex
	pending      []string
	totalWritten int
	totalSyncs   int
}

// newOutputWriter creates the topic folder (overwriting any prior run) and
// seeds the metadata files.
func newOutputWriter(baseDir, topic string, producerCount int) (*outputWriter, error) {
	folder := SanitizeTopic(topic)
	if folder == "" {
		folder = "topic"
	}
	dir := filepath.Join(baseDir, folder)

	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("orchestrator: clear topic folder: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("orchestrator: create topic folder: %w", err)
	}

	now := time.Now().UTC()
	topicMeta := fmt.Sprintf("Topic: %s\nStart Time: %d UTC\nProducer Count: %d\nFolder: %s\nCreated: %s\n",
		topic, now.Unix(), producerCount, folder, now.Format("2006-01-02 15:04:05"))
	if err := os.WriteFile(filepath.Join(dir, "topic.txt"), []byte(topicMeta), 0o644); err != nil {
		return nil, fmt.Errorf("orchestrator: write topic.txt: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "output.txt"), nil, 0o644); err != nil {
		return nil, fmt.Errorf("orchestrator: create output.txt: %w", err)
	}
	for _, name := range []string{"metrics.json", "state.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			return nil, fmt.Errorf("orchestrator: create %s: %w", name, err)
		}
	}

	return &outputWriter{dir: dir, folder: folder}, nil
}

// Dir returns the topic folder path.
func (w *outputWriter) Dir() string { return w.dir }

// Queue buffers attributes for the next flush.
func (w *outputWriter) Queue(attrs []string) {
	if len(attrs) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, attrs...)
	w.mu.Unlock()
}

// Flush appends pending attributes to output.txt and refreshes the metadata
// files. A flush with nothing pending still updates state.json's timestamp.
func (w *outputWriter) Flush(status string) error {
	w.mu.Lock()
	pending := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(pending) > 0 {
		f, err := os.OpenFile(filepath.Join(w.dir, "output.txt"), os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			w.requeue(pending)
			return fmt.Errorf("orchestrator: open output.txt: %w", err)
		}
		var b strings.Builder
		for _, attr := range pending {
			b.WriteString(attr)
			b.WriteByte('\n')
		}
		if _, err := f.WriteString(b.String()); err != nil {
			_ = f.Close()
			w.requeue(pending)
			return fmt.Errorf("orchestrator: append output.txt: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("orchestrator: close output.txt: %w", err)
		}
	}

	w.mu.Lock()
	w.totalWritten += len(pending)
	w.totalSyncs++
	metrics := map[string]any{
		"last_sync_utc":       time.Now().UTC().Format("2006-01-02 15:04:05"),
		"last_sync_timestamp": time.Now().Unix(),
		"attributes_written":  w.totalWritten,
		"total_syncs":         w.totalSyncs,
	}
	state := map[string]any{
		"current_folder": w.folder,
		"last_updated":   time.Now().Unix(),
		"status":         status,
	}
	w.mu.Unlock()

	if err := writeJSON(filepath.Join(w.dir, "metrics.json"), metrics); err != nil {
		return err
	}
	return writeJSON(filepath.Join(w.dir, "state.json"), state)
}

func (w *outputWriter) requeue(pending []string) {
	w.mu.Lock()
	w.pending = append(pending, w.pending...)
	w.mu.Unlock()
}

// TotalWritten returns the number of attributes flushed to disk.
func (w *outputWriter) TotalWritten() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalWritten
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("orchestrator: encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("orchestrator: write %s: %w", filepath.Base(path), err)
	}
	return nil
}

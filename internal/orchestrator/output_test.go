package orchestrator

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeTopic(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"French Cheeses", "french_cheeses"},
		{"rock & roll bands!", "rock_roll_bands"},
		{"  spaced   out  ", "spaced_out"},
		{"MixedCASE123", "mixedcase123"},
		{"!!!", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SanitizeTopic(tt.in), "topic %q", tt.in)
	}
}

func TestNewOutputWriterCreatesLayout(t *testing.T) {
	base := t.TempDir()
	w, err := newOutputWriter(base, "National Parks", 3)
	require.NoError(t, err)

	dir := filepath.Join(base, "national_parks")
	assert.Equal(t, dir, w.Dir())

	topicMeta, err := os.ReadFile(filepath.Join(dir, "topic.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(topicMeta), "Topic: National Parks")
	assert.Contains(t, string(topicMeta), "Producer Count: 3")
	assert.Contains(t, string(topicMeta), "Folder: national_parks")

	output, err := os.ReadFile(filepath.Join(dir, "output.txt"))
	require.NoError(t, err)
	assert.Empty(t, output)

	for _, name := range []string{"metrics.json", "state.json"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.JSONEq(t, "{}", string(data))
	}
}

func TestNewOutputWriterOverwritesPriorRun(t *testing.T) {
	base := t.TempDir()
	dir := filepath.Join(base, "topic")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output.txt"), []byte("stale\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover.txt"), []byte("junk"), 0o644))

	_, err := newOutputWriter(base, "Topic", 1)
	require.NoError(t, err)

	output, err := os.ReadFile(filepath.Join(dir, "output.txt"))
	require.NoError(t, err)
	assert.Empty(t, output)
	_, err = os.Stat(filepath.Join(dir, "leftover.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestFlushAppendsAndUpdatesMetadata(t *testing.T) {
	base := t.TempDir()
	w, err := newOutputWriter(base, "fruits", 1)
	require.NoError(t, err)

	w.Queue([]string{"apple", "banana"})
	require.NoError(t, w.Flush("active"))
	w.Queue([]string{"cherry"})
	require.NoError(t, w.Flush("active"))

	output, err := os.ReadFile(filepath.Join(w.Dir(), "output.txt"))
	require.NoError(t, err)
	assert.Equal(t, []string{"apple", "banana", "cherry"}, nonEmptyLines(string(output)))
	assert.Equal(t, 3, w.TotalWritten())

	var metrics map[string]any
	data, err := os.ReadFile(filepath.Join(w.Dir(), "metrics.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &metrics))
	assert.EqualValues(t, 3, metrics["attributes_written"])
	assert.EqualValues(t, 2, metrics["total_syncs"])

	var state map[string]any
	data, err = os.ReadFile(filepath.Join(w.Dir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "active", state["status"])
	assert.Equal(t, "fruits", state["current_folder"])
}

func TestFlushWithNothingPending(t *testing.T) {
	base := t.TempDir()
	w, err := newOutputWriter(base, "empty", 1)
	require.NoError(t, err)

	require.NoError(t, w.Flush("completed"))

	var state map[string]any
	data, err := os.ReadFile(filepath.Join(w.Dir(), "state.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "completed", state["status"])
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

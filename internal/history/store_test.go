package history

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crawlkit/scraperd/internal/scraper"
)

func writeRun(t *testing.T, store *Store, jobID, token string, status scraper.RunStatus) {
	t.Helper()
	opts := Options{AutosaveInterval: time.Hour, FallbackDir: filepath.Join(store.BaseDir(), "..", "fb")}
	l := Open(jobID, token, "manual", scraper.JobConfig{ID: jobID}, store.RunPath(jobID, token), opts)
	l.Complete(status == scraper.RunStatusCompleted, "test run")
}

// TestRunPathConvention pins the on-disk layout.
func TestRunPathConvention(t *testing.T) {
	t.Parallel()

	store := NewStore("/var/lib/scraperd", "", nil)
	require.Equal(t,
		filepath.Join("/var/lib/scraperd", "job-a", "run_history_01abc.json"),
		store.RunPath("job-a", "01abc"),
	)
	// Identity segments are sanitized for path safety.
	require.Equal(t,
		filepath.Join("/var/lib/scraperd", "job_b", "run_history_01abc.json"),
		store.RunPath("job/b", "01abc"),
	)
}

// TestReadRoundTrip persists a run via the ledger and reads it back.
func TestReadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "fb"), nil)
	writeRun(t, store, "job-a", "01aaa", scraper.RunStatusCompleted)

	doc, err := store.Read("job-a", "01aaa")
	require.NoError(t, err)
	require.Equal(t, "job-a", doc.JobID)
	require.Equal(t, "01aaa", doc.RunToken)
	require.Equal(t, scraper.RunStatusCompleted, doc.Status)

	// Second read is served from cache and stays consistent.
	again, err := store.Read("job-a", "01aaa")
	require.NoError(t, err)
	require.Equal(t, doc, again)
}

// TestReadMissing returns ErrNotFound for unknown runs.
func TestReadMissing(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "fb"), nil)
	_, err := store.Read("job-a", "01zzz")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Latest("job-a")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestLatestPicksNewestToken relies on tokens being lexically sortable.
func TestLatestPicksNewestToken(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "fb"), nil)

	older := NewRunToken(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := NewRunToken(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	writeRun(t, store, "job-a", older, scraper.RunStatusFailed)
	writeRun(t, store, "job-a", newer, scraper.RunStatusCompleted)

	tokens, err := store.ListTokens("job-a")
	require.NoError(t, err)
	require.Equal(t, []string{older, newer}, tokens)

	latest, err := store.Latest("job-a")
	require.NoError(t, err)
	require.Equal(t, newer, latest.RunToken)
	require.Equal(t, scraper.RunStatusCompleted, latest.Status)
}

// writeFallbackRun persists a terminal document only under the fallback tree,
// as the ledger does after a primary write failure.
func writeFallbackRun(t *testing.T, store *Store, jobID, token string) {
	t.Helper()
	now := time.Now().UTC()
	doc := RunHistory{
		JobID:     jobID,
		RunToken:  token,
		StartTime: now,
		EndTime:   &now,
		Status:    scraper.RunStatusCompleted,
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(store.FallbackDir(), jobID, "run_history_"+token+".json")
	require.NoError(t, writeAtomic(path, data))
}

// TestLatestSeesFallbackOnlyRuns: a run whose document never reached the
// primary tree must still be found by the default retrieval path.
func TestLatestSeesFallbackOnlyRuns(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "fb"), nil)

	older := NewRunToken(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	newer := NewRunToken(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	writeRun(t, store, "job-a", older, scraper.RunStatusCompleted)
	writeFallbackRun(t, store, "job-a", newer)

	tokens, err := store.ListTokens("job-a")
	require.NoError(t, err)
	require.Equal(t, []string{older, newer}, tokens)

	latest, err := store.Latest("job-a")
	require.NoError(t, err)
	require.Equal(t, newer, latest.RunToken)
	require.Equal(t, scraper.RunStatusCompleted, latest.Status)
}

// TestListTokensDeduplicatesAcrossTrees: a token present in both trees is
// listed once, and the primary copy wins on read.
func TestListTokensDeduplicatesAcrossTrees(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store := NewStore(dir, filepath.Join(dir, "fb"), nil)

	token := NewRunToken(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	writeRun(t, store, "job-a", token, scraper.RunStatusFailed)
	writeFallbackRun(t, store, "job-a", token)

	tokens, err := store.ListTokens("job-a")
	require.NoError(t, err)
	require.Equal(t, []string{token}, tokens)

	doc, err := store.Read("job-a", token)
	require.NoError(t, err)
	require.Equal(t, scraper.RunStatusFailed, doc.Status)
}

// TestRunTokensAreMonotonic pins the wall-clock ordering property of tokens.
func TestRunTokensAreMonotonic(t *testing.T) {
	t.Parallel()

	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	prev := NewRunToken(t0)
	for i := 1; i <= 10; i++ {
		next := NewRunToken(t0.Add(time.Duration(i) * time.Second))
		require.Greater(t, next, prev)
		prev = next
	}
}

package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/crawlkit/scraperd/internal/scraper"
)

// ErrNotFound is returned when no persisted history matches the query.
var ErrNotFound = errors.New("run history not found")

const (
	historyPrefix = "run_history_"
	historySuffix = ".json"

	cacheTTL     = 30 * time.Second
	cacheSweep   = 5 * time.Minute
	terminalTTL  = 10 * time.Minute
	cacheKeySep  = "/"
	maxListLimit = 500
)

// Store resolves on-disk paths for run histories and reads persisted
// documents. Reads of recently requested documents are served from a TTL
// cache to keep status polling cheap.
type Store struct {
	baseDir     string
	fallbackDir string
	cache       *gocache.Cache
	logger      *zap.Logger
}

// NewStore creates a Store rooted at baseDir. fallbackDir is the secondary
// location consulted when a document is missing from the primary tree; pass
// "" for the default under os.TempDir().
func NewStore(baseDir, fallbackDir string, logger *zap.Logger) *Store {
	if fallbackDir == "" {
		fallbackDir = filepath.Join(os.TempDir(), fallbackSubdir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		baseDir:     baseDir,
		fallbackDir: fallbackDir,
		cache:       gocache.New(cacheTTL, cacheSweep),
		logger:      logger,
	}
}

// BaseDir returns the primary history directory.
func (s *Store) BaseDir() string { return s.baseDir }

// FallbackDir returns the secondary history directory.
func (s *Store) FallbackDir() string { return s.fallbackDir }

// RunPath returns the primary path for one run's document:
// {baseDir}/{job}/run_history_{token}.json.
func (s *Store) RunPath(jobID, runToken string) string {
	return filepath.Join(s.baseDir, sanitizeSegment(jobID), historyPrefix+runToken+historySuffix)
}

// fallbackRunPath mirrors RunPath under the fallback tree, which uses the
// same per-job layout.
func (s *Store) fallbackRunPath(jobID, runToken string) string {
	return filepath.Join(s.fallbackDir, sanitizeSegment(jobID), historyPrefix+runToken+historySuffix)
}

// Read loads the persisted document for one run, consulting the primary path
// first and the fallback location second.
func (s *Store) Read(jobID, runToken string) (RunHistory, error) {
	key := sanitizeSegment(jobID) + cacheKeySep + runToken
	if cached, ok := s.cache.Get(key); ok {
		return cached.(RunHistory), nil
	}

	doc, err := s.readFile(s.RunPath(jobID, runToken))
	if errors.Is(err, os.ErrNotExist) {
		doc, err = s.readFile(s.fallbackRunPath(jobID, runToken))
	}
	if errors.Is(err, os.ErrNotExist) {
		return RunHistory{}, fmt.Errorf("job %s run %s: %w", jobID, runToken, ErrNotFound)
	}
	if err != nil {
		return RunHistory{}, err
	}

	ttl := cacheTTL
	if doc.Status != "" && doc.Status != scraper.RunStatusRunning {
		// Terminal documents never change on disk; cache them longer.
		ttl = terminalTTL
	}
	s.cache.Set(key, doc, ttl)
	return doc, nil
}

// Latest returns the most recent persisted run for a job. Run tokens are
// wall-clock-derived and lexically sortable, so the newest token wins.
func (s *Store) Latest(jobID string) (RunHistory, error) {
	tokens, err := s.ListTokens(jobID)
	if err != nil {
		return RunHistory{}, err
	}
	if len(tokens) == 0 {
		return RunHistory{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return s.Read(jobID, tokens[len(tokens)-1])
}

// ListTokens returns the run tokens persisted for a job in ascending
// (oldest-first) order, capped at maxListLimit. Both the primary and the
// fallback tree are scanned, so runs that only survived in the fallback
// location stay reachable.
func (s *Store) ListTokens(jobID string) ([]string, error) {
	seg := sanitizeSegment(jobID)
	primary, err := tokensInDir(filepath.Join(s.baseDir, seg))
	if err != nil {
		return nil, err
	}
	fallback, err := tokensInDir(filepath.Join(s.fallbackDir, seg))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(primary)+len(fallback))
	var tokens []string
	for _, tok := range append(primary, fallback...) {
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)
	if len(tokens) > maxListLimit {
		tokens = tokens[len(tokens)-maxListLimit:]
	}
	return tokens, nil
}

func tokensInDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list run histories %s: %w", dir, err)
	}
	var tokens []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, historyPrefix) || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		tokens = append(tokens, strings.TrimSuffix(strings.TrimPrefix(name, historyPrefix), historySuffix))
	}
	return tokens, nil
}

func (s *Store) readFile(path string) (RunHistory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunHistory{}, err
	}
	var doc RunHistory
	if err := json.Unmarshal(data, &doc); err != nil {
		return RunHistory{}, fmt.Errorf("decode run history %s: %w", path, err)
	}
	return doc, nil
}

// sanitizeSegment keeps job identities safe to use as directory names.
func sanitizeSegment(value string) string {
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, ch := range value {
		isLower := ch >= 'a' && ch <= 'z'
		isUpper := ch >= 'A' && ch <= 'Z'
		isDigit := ch >= '0' && ch <= '9'
		if isLower || isUpper || isDigit || ch == '-' || ch == '_' || ch == '.' {
			b.WriteRune(ch)
			continue
		}
		b.WriteByte('_')
	}
	result := strings.Trim(b.String(), "._")
	if result == "" {
		return "unknown"
	}
	return result
}

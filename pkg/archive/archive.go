// Package archive keeps a per-session memory of synthesized answers and
// facts as append-only NDJSON files, and serves recall queries over them
// with substring matching and recency scoring.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry kinds.
const (
	KindAnswer = "answer"
	KindFact   = "fact"
)

// scanBufferMax bounds a single NDJSON line on load.
const scanBufferMax = 4 << 20

// Entry is one archived memory.
type Entry struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId,omitempty"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Match is a scored recall hit.
type Match struct {
	Entry
	Score float64 `json:"score"`
}

// Store persists one archive per session at
// <root>/sessions/<sessionID>/archive.ndjson. Files are append-only; reads
// go through an LRU cache invalidated by the session's next append.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	cache *lru.Cache[string, []Entry]
}

// NewStore builds a store rooted at root with the given read-cache capacity
// (128 when <= 0).
func NewStore(root string, cacheSize int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.New[string, []Entry](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("archive cache: %w", err)
	}
	return &Store{
		root:   root,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
		cache:  cache,
	}, nil
}

// sessionLock returns the mutex serializing writes to one session's file.
func (s *Store) sessionLock(sessionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "archive.ndjson")
}

// Append adds an entry to the session's archive. ID and CreatedAt are filled
// when unset.
func (s *Store) Append(sessionID string, e Entry) error {
	if sessionID == "" {
		return fmt.Errorf("archive: session id is required")
	}
	if e.Content == "" {
		return fmt.Errorf("archive: content is required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Kind == "" {
		e.Kind = KindFact
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	path := s.path(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal archive entry: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append archive entry: %w", err)
	}

	s.cache.Remove(sessionID)
	s.logger.Debug("archive entry appended",
		slog.String("session_id", sessionID),
		slog.String("kind", e.Kind))
	return nil
}

// AppendAnswer archives a run's synthesized answer.
func (s *Store) AppendAnswer(sessionID, runID, answer string) error {
	return s.Append(sessionID, Entry{RunID: runID, Kind: KindAnswer, Content: answer})
}

// Load returns every entry of a session's archive in append order. A missing
// file is an empty archive, not an error.
func (s *Store) Load(sessionID string) ([]Entry, error) {
	if entries, ok := s.cache.Get(sessionID); ok {
		return entries, nil
	}

	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	file, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), scanBufferMax)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn tail line from a crashed writer; keep what parsed.
			s.logger.Warn("skipping corrupt archive line",
				slog.String("session_id", sessionID),
				slog.Any("error", err))
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}

	s.cache.Add(sessionID, entries)
	return entries, nil
}

// Recall returns the session's entries matching query, best first, capped at
// limit. Matching is case-insensitive substring; ties between matches break
// toward recency.
func (s *Store) Recall(sessionID, query string, limit int) ([]Match, error) {
	entries, err := s.Load(sessionID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}

	q := strings.ToLower(strings.TrimSpace(query))
	now := time.Now().UTC()

	var matches []Match
	for _, e := range entries {
		score := scoreEntry(e, q, now)
		if score <= 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// scoreEntry combines match quality and recency. An empty query matches
// everything on recency alone; half-life for the recency component is one
// day.
func scoreEntry(e Entry, query string, now time.Time) float64 {
	content := strings.ToLower(e.Content)

	var quality float64
	switch {
	case query == "":
		quality = 0.1
	case strings.Contains(content, query):
		quality = 1.0
	default:
		// Partial credit for individual query words.
		words := strings.Fields(query)
		if len(words) == 0 {
			return 0
		}
		hit := 0
		for _, w := range words {
			if strings.Contains(content, w) {
				hit++
			}
		}
		if hit == 0 {
			return 0
		}
		quality = 0.5 * float64(hit) / float64(len(words))
	}

	age := now.Sub(e.CreatedAt)
	if age < 0 {
		age = 0
	}
	recency := 1.0 / (1.0 + age.Hours()/24)
	return quality + 0.25*recency
}

// Package trace persists ground-truth tool traces as NDJSON files and
// provides the recorder that builds them around tool execution.
package trace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/models"
)

var (
	// ErrTraceNotFound is returned when no trace exists for a reference.
	ErrTraceNotFound = errors.New("trace not found")
	// ErrTraceCompleted is returned for writes to a completed trace.
	ErrTraceCompleted = errors.New("trace already completed")
)

// scanBufferMax bounds a single NDJSON line on load. Outputs are truncated
// upstream, so lines stay far below this.
const scanBufferMax = 16 << 20

// Store persists one NDJSON file per trace under
// <root>/sessions/<sessionID>/traces/<traceID>.ndjson. Line 1 is the trace
// header; each following line is an invocation record. Files are append-only:
// "mutate in place" is implemented by appending a newer record for the same
// invocation ID, and the last record wins on load.
type Store struct {
	root   string
	logger *slog.Logger

	mu      sync.Mutex
	writers map[string]*traceWriter
}

type traceWriter struct {
	mu        sync.Mutex
	header    models.ToolTrace
	path      string
	file      *os.File
	completed bool
}

// NewStore builds a store rooted at root.
func NewStore(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root:    root,
		logger:  logger,
		writers: make(map[string]*traceWriter),
	}
}

// Create opens a new trace for one specialist execution and returns its ID.
func (s *Store) Create(sessionID, specialistID string) (string, error) {
	traceID := uuid.New().String()
	dir := filepath.Join(s.root, "sessions", sessionID, "traces")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create trace directory: %w", err)
	}
	path := filepath.Join(dir, traceID+".ndjson")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("create trace file: %w", err)
	}

	w := &traceWriter{
		header: models.ToolTrace{
			TraceID:      traceID,
			SessionID:    sessionID,
			SpecialistID: specialistID,
			CreatedAt:    time.Now().UTC(),
		},
		path: path,
		file: file,
	}
	if err := w.writeLine(w.header); err != nil {
		_ = file.Close()
		return "", fmt.Errorf("write trace header: %w", err)
	}

	s.mu.Lock()
	s.writers[traceID] = w
	s.mu.Unlock()

	s.logger.Debug("trace created",
		slog.String("trace_id", traceID),
		slog.String("session_id", sessionID),
		slog.String("specialist_id", specialistID))
	return traceID, nil
}

// Append records a new invocation.
func (s *Store) Append(traceID string, inv models.ToolInvocation) error {
	return s.write(traceID, inv)
}

// Update finalizes a previously appended invocation. The newer record
// supersedes the placeholder on load.
func (s *Store) Update(traceID string, inv models.ToolInvocation) error {
	return s.write(traceID, inv)
}

func (s *Store) write(traceID string, inv models.ToolInvocation) error {
	w, err := s.writer(traceID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return fmt.Errorf("write invocation to trace %s: %w", traceID, ErrTraceCompleted)
	}
	if err := w.writeLine(inv); err != nil {
		return fmt.Errorf("write invocation to trace %s: %w", traceID, err)
	}
	return nil
}

// Complete seals a trace. Subsequent Append/Update calls fail with
// ErrTraceCompleted.
func (s *Store) Complete(traceID string) error {
	w, err := s.writer(traceID)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.completed {
		return fmt.Errorf("complete trace %s: %w", traceID, ErrTraceCompleted)
	}

	now := time.Now().UTC()
	w.header.CompletedAt = &now
	if err := w.writeLine(w.header); err != nil {
		return fmt.Errorf("write trace completion: %w", err)
	}
	w.completed = true
	file := w.file
	w.file = nil
	if err := file.Close(); err != nil {
		return fmt.Errorf("close trace file: %w", err)
	}
	return nil
}

// Load reads a trace by its opaque reference ("trace:<id>"; a bare ID is
// accepted). Works for open and completed traces, including traces written
// by an earlier process.
func (s *Store) Load(ref string) (*models.ToolTrace, error) {
	traceID := models.ParseTraceRef(ref)
	if traceID == "" {
		traceID = ref
	}
	path, err := s.findPath(traceID)
	if err != nil {
		return nil, err
	}
	return readTraceFile(path)
}

// Delete removes a trace and its file.
func (s *Store) Delete(traceID string) error {
	s.mu.Lock()
	w, open := s.writers[traceID]
	delete(s.writers, traceID)
	s.mu.Unlock()

	var path string
	if open {
		w.mu.Lock()
		if w.file != nil {
			_ = w.file.Close()
			w.file = nil
		}
		path = w.path
		w.mu.Unlock()
	} else {
		var err error
		path, err = s.globPath(traceID)
		if err != nil {
			return err
		}
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete trace file: %w", err)
	}
	return nil
}

// GetBySession loads every trace recorded for a session, oldest first.
func (s *Store) GetBySession(sessionID string) ([]*models.ToolTrace, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "sessions", sessionID, "traces", "*.ndjson"))
	if err != nil {
		return nil, fmt.Errorf("scan session traces: %w", err)
	}
	traces := make([]*models.ToolTrace, 0, len(matches))
	for _, path := range matches {
		t, err := readTraceFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable trace file",
				slog.String("path", path), slog.Any("error", err))
			continue
		}
		traces = append(traces, t)
	}
	sort.Slice(traces, func(i, j int) bool { return traces[i].CreatedAt.Before(traces[j].CreatedAt) })
	return traces, nil
}

func (s *Store) writer(traceID string) (*traceWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.writers[traceID]
	if !ok {
		return nil, fmt.Errorf("trace %s: %w", traceID, ErrTraceNotFound)
	}
	return w, nil
}

func (s *Store) findPath(traceID string) (string, error) {
	s.mu.Lock()
	w, ok := s.writers[traceID]
	s.mu.Unlock()
	if ok {
		return w.path, nil
	}
	return s.globPath(traceID)
}

func (s *Store) globPath(traceID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(s.root, "sessions", "*", "traces", traceID+".ndjson"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("trace %s: %w", traceID, ErrTraceNotFound)
	}
	return matches[0], nil
}

func (w *traceWriter) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.file.Write(data)
	return err
}

// recordProbe distinguishes header lines from invocation lines.
type recordProbe struct {
	InvocationID string `json:"invocation_id"`
	TraceID      string `json:"trace_id"`
}

func readTraceFile(path string) (*models.ToolTrace, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTraceNotFound
		}
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), scanBufferMax)

	var header *models.ToolTrace
	byID := make(map[string]*models.ToolInvocation)
	var order []string

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var probe recordProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			return nil, fmt.Errorf("malformed trace record: %w", err)
		}
		switch {
		case probe.InvocationID != "":
			var inv models.ToolInvocation
			if err := json.Unmarshal(line, &inv); err != nil {
				return nil, fmt.Errorf("malformed invocation record: %w", err)
			}
			if _, seen := byID[inv.InvocationID]; !seen {
				order = append(order, inv.InvocationID)
			}
			byID[inv.InvocationID] = &inv
		case probe.TraceID != "":
			var t models.ToolTrace
			if err := json.Unmarshal(line, &t); err != nil {
				return nil, fmt.Errorf("malformed trace header: %w", err)
			}
			header = &t
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace file: %w", err)
	}
	if header == nil {
		return nil, fmt.Errorf("trace file %s has no header", filepath.Base(path))
	}

	header.Invocations = make([]models.ToolInvocation, 0, len(order))
	for _, id := range order {
		header.Invocations = append(header.Invocations, *byID[id])
	}
	return header, nil
}

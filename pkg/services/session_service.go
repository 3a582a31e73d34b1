package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/casey/pkg/models"
)

// SessionService persists sessions. Turns are not stored; they are assembled
// from the event log on demand.
type SessionService struct {
	db *sql.DB
}

// NewSessionService creates a new SessionService over the shared pool.
func NewSessionService(db *sql.DB) *SessionService {
	return &SessionService{db: db}
}

// CreateSession creates a session. A missing SessionID is assigned a fresh
// UUID; an existing one returns ErrAlreadyExists.
func (s *SessionService) CreateSession(httpCtx context.Context, req models.CreateSessionRequest) (*models.Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.New().String()
	}

	metadata, err := marshalMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var created, lastActivity time.Time
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sessions (id, metadata) VALUES ($1, $2)
		RETURNING created_at, last_activity_at`,
		id, metadata,
	).Scan(&created, &lastActivity)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert session: %w", err)
	}

	return &models.Session{
		ID:             id,
		CreatedAt:      created,
		LastActivityAt: lastActivity,
		Metadata:       req.Metadata,
		Turns:          []models.Turn{},
	}, nil
}

// EnsureSession creates the session if it does not exist and bumps its
// activity time if it does. Run submission calls it for caller-supplied
// session IDs.
func (s *SessionService) EnsureSession(httpCtx context.Context, sessionID string) error {
	if sessionID == "" {
		return NewValidationError("session_id", "required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET last_activity_at = now()`,
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("ensure session: %w", err)
	}
	return nil
}

// GetSession loads one session. Turns are left empty for the caller to
// assemble.
func (s *SessionService) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var (
		sess     models.Session
		metadata []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, last_activity_at, metadata FROM sessions WHERE id = $1`,
		sessionID,
	).Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if err := unmarshalMetadata(metadata, &sess.Metadata); err != nil {
		return nil, err
	}
	sess.Turns = []models.Turn{}
	return &sess, nil
}

// ListSessions returns sessions by most recent activity.
func (s *SessionService) ListSessions(ctx context.Context, limit, offset int) (*models.SessionListResponse, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, last_activity_at, metadata FROM sessions
		ORDER BY last_activity_at DESC
		LIMIT $1 OFFSET $2`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		var (
			sess     models.Session
			metadata []byte
		)
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.LastActivityAt, &metadata); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		if err := unmarshalMetadata(metadata, &sess.Metadata); err != nil {
			return nil, err
		}
		sess.Turns = []models.Turn{}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	return &models.SessionListResponse{
		Sessions:   sessions,
		TotalCount: total,
		Limit:      limit,
		Offset:     offset,
	}, nil
}

// TouchSession bumps the activity time. Missing sessions are not an error;
// activity tracking is best-effort.
func (s *SessionService) TouchSession(httpCtx context.Context, sessionID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET last_activity_at = now() WHERE id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// DeleteInactiveBefore removes sessions idle since before the cutoff. Run
// rows cascade; event rows are cleaned separately by the event service.
func (s *SessionService) DeleteInactiveBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE last_activity_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete inactive sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte(`{}`), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal session metadata: %w", err)
	}
	return data, nil
}

func unmarshalMetadata(data []byte, into *map[string]any) error {
	if len(data) == 0 || string(data) == `{}` {
		return nil
	}
	if err := json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("unmarshal session metadata: %w", err)
	}
	return nil
}

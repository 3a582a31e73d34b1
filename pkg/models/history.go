package models

import "time"

// FileOperation is the kind of filesystem mutation a snapshot records.
type FileOperation string

const (
	FileOpWrite  FileOperation = "write"
	FileOpPatch  FileOperation = "patch"
	FileOpDelete FileOperation = "delete"
)

// FileState captures one side of a file mutation.
type FileState struct {
	Content string `json:"content"`
	Hash    string `json:"hash"`
	Size    int64  `json:"size"`
}

// FileChange is an append-only snapshot of one filesystem mutation.
// Before is absent iff the file was newly created.
type FileChange struct {
	ChangeID  string            `json:"change_id"`
	SessionID string            `json:"session_id"`
	AgentID   string            `json:"agent_id"`
	FilePath  string            `json:"file_path"`
	Operation FileOperation     `json:"operation"`
	Timestamp time.Time         `json:"timestamp"`
	Before    *FileState        `json:"before,omitempty"`
	After     *FileState        `json:"after,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

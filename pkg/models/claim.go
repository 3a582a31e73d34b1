package models

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent returns the hex SHA-256 of content. File snapshots, tool
// evidence and claim verification all hash with this so digests compare.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ClaimKind discriminates the claim union.
type ClaimKind string

const (
	ClaimFileWrite       ClaimKind = "file-write"
	ClaimFileEdit        ClaimKind = "file-edit"
	ClaimFileDelete      ClaimKind = "file-delete"
	ClaimCommandExecuted ClaimKind = "command-executed"
	ClaimCodeInserted    ClaimKind = "code-inserted"
)

// Anchor locates an edit by its surrounding snippets (3-5 lines before and
// after the change). Anchors survive later edits where line numbers do not.
type Anchor struct {
	BeforeSnippet string `json:"before_snippet,omitempty"`
	AfterSnippet  string `json:"after_snippet,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
}

// Claim is an explicit, verifiable statement by a worker about a side effect
// it performed. Fields are populated according to Kind:
//
//	file-write:       FilePath, ContentHash
//	file-edit:        FilePath, Anchor, EditedRegion (optional)
//	file-delete:      FilePath
//	command-executed: Command, ExitCode
//	code-inserted:    FilePath, Anchor
type Claim struct {
	Kind         ClaimKind `json:"kind"`
	FilePath     string    `json:"file_path,omitempty"`
	ContentHash  string    `json:"content_hash,omitempty"`
	Anchor       *Anchor   `json:"anchor,omitempty"`
	EditedRegion string    `json:"edited_region,omitempty"`
	Command      string    `json:"command,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
}

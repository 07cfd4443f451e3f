package cache

import (
	"encoding/json"
	"time"
)

// Placeholder marks a file whose content has not been fetched yet. The
// dashboard renders it as a loading state; Merge treats it (and the empty
// string) as value-free.
const Placeholder = "__loading__"

func isPlaceholder(s string) bool {
	return s == "" || s == Placeholder
}

// FileNode is one node of a repository file listing.
type FileNode struct {
	Path string `json:"path"`
	Type string `json:"type"` // "file" or "dir"
	Size int64  `json:"size,omitempty"`
}

// ChatMessage is one persisted turn of the per-repository chat.
type ChatMessage struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// JobMeta is the durable subset of a job's tracked state.
type JobMeta struct {
	ID           string          `json:"id,omitempty"`
	State        string          `json:"state,omitempty"`
	Progress     float64         `json:"progress,omitempty"`
	Message      string          `json:"message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	LastPolledAt time.Time       `json:"last_polled_at"`
}

// Entry is the durable snapshot of one repository's analysis state, keyed
// by source URL. File tree and contents are sparse: slow or partial
// fetches leave gaps that later merges fill in.
type Entry struct {
	SourceURL    string            `json:"source_url"`
	Job          JobMeta           `json:"job"`
	FileTree     []FileNode        `json:"file_tree,omitempty"`
	FileContents map[string]string `json:"file_contents,omitempty"`
	ChatHistory  []ChatMessage     `json:"chat_history,omitempty"`
	SavedAt      time.Time         `json:"saved_at"`
}

// Clone returns a deep copy so callers can hand entries across goroutines
// without sharing maps or slices.
func (e Entry) Clone() Entry {
	out := e
	if e.Job.Result != nil {
		out.Job.Result = append(json.RawMessage(nil), e.Job.Result...)
	}
	if e.FileTree != nil {
		out.FileTree = append([]FileNode(nil), e.FileTree...)
	}
	if e.FileContents != nil {
		out.FileContents = make(map[string]string, len(e.FileContents))
		for k, v := range e.FileContents {
			out.FileContents[k] = v
		}
	}
	if e.ChatHistory != nil {
		out.ChatHistory = append([]ChatMessage(nil), e.ChatHistory...)
	}
	return out
}

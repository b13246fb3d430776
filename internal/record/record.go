// Package record defines the data model shared by the capture pipeline,
// the store, and the delivery layer: file-change events, AI prompts,
// terminal commands, and the change-feed envelope that carries them.
package record

import (
	"time"
)

// Kind discriminates record types both on the wire (JSON "kind" string)
// and in the log file (kind byte).
type Kind uint8

const (
	// KindFileAdd is a newly observed file.
	KindFileAdd Kind = 1
	// KindFileChange is a modification to a known file.
	KindFileChange Kind = 2
	// KindFileDelete is a file removal.
	KindFileDelete Kind = 3
	// KindPrompt is an AI interaction record pushed by the IDE integration.
	KindPrompt Kind = 4
	// KindTerminal is a shell command record.
	KindTerminal Kind = 5
	// KindPromptLink is an internal record that grows a prompt's
	// linked_event_ids. It is folded into prompt state by readers and is
	// never served as a standalone record.
	KindPromptLink Kind = 6
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFileAdd:
		return "file_add"
	case KindFileChange:
		return "file_change"
	case KindFileDelete:
		return "file_delete"
	case KindPrompt:
		return "prompt"
	case KindTerminal:
		return "terminal"
	case KindPromptLink:
		return "prompt_link"
	default:
		return "unknown"
	}
}

// ParseKind maps a wire name back to a Kind. Unknown names return zero.
func ParseKind(s string) Kind {
	switch s {
	case "file_add":
		return KindFileAdd
	case "file_change":
		return KindFileChange
	case "file_delete":
		return KindFileDelete
	case "prompt":
		return KindPrompt
	case "terminal":
		return KindTerminal
	case "prompt_link":
		return KindPromptLink
	default:
		return 0
	}
}

// IsFileKind reports whether k is one of the file-change kinds.
func (k Kind) IsFileKind() bool {
	return k == KindFileAdd || k == KindFileChange || k == KindFileDelete
}

// WorkspaceUnknown is the workspace value for paths that resolve to no
// project root.
const WorkspaceUnknown = "unknown"

// Details is the structured payload of an Event. Counts are pointers so
// that "not computable" (nil) is distinct from zero.
type Details struct {
	CharsAdded     *int64 `json:"chars_added,omitempty"`
	CharsDeleted   *int64 `json:"chars_deleted,omitempty"`
	SizeBytes      *int64 `json:"size_bytes,omitempty"`
	Language       string `json:"language,omitempty"`
	ContentPreview string `json:"content_preview,omitempty"`

	// Extra preserves unknown payload fields verbatim so that
	// re-serialization is lossless.
	Extra ExtraFields `json:"-"`
}

// Event is a single observed file change. Created by the enrichment
// stage, appended once to the store, never mutated.
type Event struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"-"`
	Path       string  `json:"path"`
	Workspace  string  `json:"workspace"`
	Timestamp  int64   `json:"timestamp"`   // logical, unix nanoseconds, assigned at append
	CapturedAt int64   `json:"captured_at"` // wall clock at capture, unix nanoseconds
	Details    Details `json:"details"`
}

// PromptMode categorizes how a prompt was issued.
type PromptMode string

const (
	ModeAuto    PromptMode = "auto"
	ModeManual  PromptMode = "manual"
	ModeUnknown PromptMode = "unknown"
)

// Prompt is an AI interaction supplied by the IDE integration. Once a
// prompt is sealed its LinkedEventIDs are stable; until then they may
// only grow, guarded by compare-and-set on Version.
type Prompt struct {
	ID             string      `json:"id"`
	Text           string      `json:"text"`
	Response       string      `json:"response,omitempty"`
	Model          string      `json:"model,omitempty"`
	Mode           PromptMode  `json:"mode,omitempty"`
	Workspace      string      `json:"workspace,omitempty"`
	Timestamp      int64       `json:"timestamp"`
	SessionID      string      `json:"session_id,omitempty"`
	LinkedEventIDs []string    `json:"linked_event_ids,omitempty"`
	Version        int64       `json:"version"`

	// ContextUsage is an opaque numeric supplied by upstream payloads.
	// Its meaning is inconsistent across sources; the core only averages
	// non-null values.
	ContextUsage *float64 `json:"context_usage,omitempty"`

	Extra ExtraFields `json:"-"`
}

// TerminalCommand is a shell command observation. Fanned out like events
// but never enriched with diff data and never linked to prompts.
type TerminalCommand struct {
	ID        string `json:"id"`
	Command   string `json:"command"`
	CWD       string `json:"cwd,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	Timestamp int64  `json:"timestamp"`
	SessionID string `json:"session_id,omitempty"`

	Extra ExtraFields `json:"-"`
}

// PromptLink grows a prompt's linked event set. Version is the prompt
// version this link was computed against; the store applies it only when
// the materialized version still matches (compare-and-set).
type PromptLink struct {
	PromptID  string   `json:"prompt_id"`
	Version   int64    `json:"version"`
	EventIDs  []string `json:"event_ids"`
	Timestamp int64    `json:"timestamp"`
}

// Envelope is the unit of the change feed: a record plus its cursor.
type Envelope struct {
	Cursor  uint64 `json:"cursor"`
	Kind    Kind   `json:"-"`
	Payload []byte `json:"payload"` // JSON encoding of the record
}

// Timestamp extracts the logical timestamp of the enveloped record
// without fully decoding it. Returns zero on malformed payloads.
func (e Envelope) Time() time.Time {
	var probe struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := jsonUnmarshal(e.Payload, &probe); err != nil {
		return time.Time{}
	}
	return time.Unix(0, probe.Timestamp)
}

// Workspace is a derived view over observed paths.
type Workspace struct {
	Root       string `json:"root"`
	Name       string `json:"name"`
	EventCount int64  `json:"event_count"`
	FirstSeen  int64  `json:"first_seen"`
	LastSeen   int64  `json:"last_seen"`
}

// Session is a derived grouping of records: either an explicit
// session_id chain or a synthetic chain separated by no more than the
// configured gap.
type Session struct {
	ID          string `json:"id"`
	Synthetic   bool   `json:"synthetic"`
	Workspace   string `json:"workspace,omitempty"`
	Start       int64  `json:"start"`
	End         int64  `json:"end"`
	RecordCount int64  `json:"record_count"`
}

package broker

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var (
	// ErrInvalidTask marks a broker response that decoded but lacks a task id or workflow.
	ErrInvalidTask = errors.New("invalid task")
	// ErrInvalidResult is returned by ReportResult before any request is sent.
	ErrInvalidResult = errors.New("invalid result")
)

// Task is one unit of work handed out by the broker.
type Task struct {
	ID       string
	Workflow json.RawMessage
	// CreatedAt is passed through to the upload metadata verbatim.
	CreatedAt string
}

// Meta is attached to every upload request as query parameters.
type Meta struct {
	TaskID    string
	CreateAt  string
	StartAt   int64 // unix seconds
	EndAt     int64 // unix seconds
	ImagesIdx string
}

// Outputs is the view of produced files the upload needs: node ids in order,
// and for each node its local file paths.
type Outputs interface {
	Nodes() []string
	Files(node string) []string
}

type UploadEntry struct {
	Success bool   `json:"success"`
	File    string `json:"file"`
	Error   string `json:"error,omitempty"`
}

// UploadReport holds one entry per file, keyed by node id, in upload order.
type UploadReport map[string][]UploadEntry

// OK reports whether every entry of every node succeeded.
func (r UploadReport) OK() bool {
	for _, entries := range r {
		for _, e := range entries {
			if !e.Success {
				return false
			}
		}
	}
	return true
}

// Counts returns the number of successful and failed entries.
func (r UploadReport) Counts() (ok, failed int) {
	for _, entries := range r {
		for _, e := range entries {
			if e.Success {
				ok++
			} else {
				failed++
			}
		}
	}
	return ok, failed
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Result is the optional completion record posted to /result.
type Result struct {
	TaskID      string    `json:"task_id"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// rawTask mirrors the broker's /get body. task_id may be a string or a number.
type rawTask struct {
	TaskID    json.RawMessage `json:"task_id"`
	Workflow  json.RawMessage `json:"workflow"`
	CreateAt  json.RawMessage `json:"create_at"`
	CreatedAt json.RawMessage `json:"created_at"`
}

// scalarString renders a JSON string or number as text. Anything else is "".
func scalarString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// emptyJSON reports whether raw is absent or a falsy JSON value
// (null, {}, [], "", false, 0).
func emptyJSON(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return true
	}
	switch x := v.(type) {
	case nil:
		return true
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	}
	return false
}


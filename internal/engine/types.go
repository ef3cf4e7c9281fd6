package engine

import (
	"encoding/json"
	"errors"
)

var (
	// ErrInvalidWorkflow wraps every workflow rejection by Validate.
	ErrInvalidWorkflow = errors.New("invalid workflow")
	// ErrValidationUnavailable is returned by Validate when the engine's node
	// catalog could not be fetched; the workflow itself was not judged.
	ErrValidationUnavailable = errors.New("workflow validation unavailable")
	// ErrNoPromptID is returned by Submit when the engine accepted the request
	// but did not assign a prompt id.
	ErrNoPromptID = errors.New("no prompt_id in response")
	// ErrAwaitTimeout is returned by Await when no completion arrived in time.
	ErrAwaitTimeout = errors.New("timed out waiting for completion")
)

type QueueStatus struct {
	Remaining int
}

// Handle identifies a submitted workflow.
type Handle struct {
	PromptID   string
	Number     int
	NodeErrors json.RawMessage
}

// NodeOutput lists the artifacts of one node. URLs[i] and Files[i] refer to the same file.
type NodeOutput struct {
	URLs  []string `json:"urls"`
	Files []string `json:"files"`
}

// OutputSet maps node ids to their outputs, keeping the order in which
// nodes first reported.
type OutputSet struct {
	order []string
	nodes map[string]*NodeOutput
}

func NewOutputSet() *OutputSet {
	return &OutputSet{nodes: map[string]*NodeOutput{}}
}

// Add appends one artifact to node.
func (o *OutputSet) Add(node, url, file string) {
	n, ok := o.nodes[node]
	if !ok {
		n = &NodeOutput{}
		o.nodes[node] = n
		o.order = append(o.order, node)
	}
	n.URLs = append(n.URLs, url)
	n.Files = append(n.Files, file)
}

func (o *OutputSet) Nodes() []string {
	if o == nil {
		return nil
	}
	return append([]string(nil), o.order...)
}

func (o *OutputSet) Files(node string) []string {
	if o == nil {
		return nil
	}
	if n, ok := o.nodes[node]; ok {
		return n.Files
	}
	return nil
}

func (o *OutputSet) URLs(node string) []string {
	if o == nil {
		return nil
	}
	if n, ok := o.nodes[node]; ok {
		return n.URLs
	}
	return nil
}

// FileCount is the total number of artifacts across nodes.
func (o *OutputSet) FileCount() int {
	if o == nil {
		return 0
	}
	total := 0
	for _, n := range o.nodes {
		total += len(n.Files)
	}
	return total
}

func (o *OutputSet) MarshalJSON() ([]byte, error) {
	if o == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(o.nodes)
}

// Event is one text message from the engine's event channel.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	EventExecuting = "executing"
	EventExecuted  = "executed"
)

type executingData struct {
	Node     json.RawMessage `json:"node"`
	PromptID string          `json:"prompt_id"`
}

type executedData struct {
	Node     string `json:"node"`
	PromptID string `json:"prompt_id"`
	Output   *struct {
		Images []imageRef `json:"images"`
	} `json:"output"`
}

type imageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

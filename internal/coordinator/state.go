package coordinator

import (
	"time"

	"fogworker/internal/schedule"
)

// State is the step a cycle is in.
type State string

const (
	StateIdle       State = "idle"
	StateGateCheck  State = "gate_check"
	StateQueueCheck State = "queue_check"
	StateFetch      State = "fetch"
	StateValidate   State = "validate"
	StateSubmit     State = "submit"
	StateAwait      State = "await"
	StateUpload     State = "upload"
)

// Outcome is how a cycle ended.
type Outcome string

const (
	OutcomeDisabled          Outcome = "disabled"
	OutcomeOutsideWindow     Outcome = "outside_window"
	OutcomeEngineUnavailable Outcome = "engine_unavailable"
	OutcomeEngineBusy        Outcome = "engine_busy"
	OutcomeNoTask            Outcome = "no_task"
	OutcomeFailed            Outcome = "failed"
	OutcomeCompleted         Outcome = "completed"
)

// Report modes for the /result endpoint.
const (
	ReportNone   = "none"
	ReportFailed = "failed"
	ReportAll    = "all"
)

// Settings is the per-cycle view of the configuration.
type Settings struct {
	Enabled          bool
	BrokerURL        string
	Schedule         []schedule.Window
	ValidateWorkflow bool
	AwaitTimeout     time.Duration
	ReportResult     string
}

// Status is what the status endpoint exposes.
type Status struct {
	Enabled         bool              `json:"enabled"`
	SchedulerActive bool              `json:"scheduler_active"`
	CurrentTask     *string           `json:"current_task"`
	PromptID        string            `json:"prompt_id,omitempty"`
	Schedule        []schedule.Window `json:"schedule"`
	State           State             `json:"state"`
	LastOutcome     Outcome           `json:"last_outcome,omitempty"`
	LastCycleAt     *time.Time        `json:"last_cycle_at,omitempty"`
}

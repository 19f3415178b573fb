package schema

// Event type constants for the engine event log.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunPaused    = "run_paused"
	EventRunResumed   = "run_resumed"
	EventRunCancelled = "run_cancelled"

	EventNodeStarted   = "node_started"
	EventNodeCompleted = "node_completed"
	EventNodeFailed    = "node_failed"
	EventNodeSkipped   = "node_skipped"
	EventNodeRetrying  = "node_retrying"
	EventNodeProgress  = "node_progress"

	EventTriggerIngested = "trigger_ingested"
	EventTriggerDeduped  = "trigger_deduped"
	EventTriggerClaimed  = "trigger_claimed"
	EventTriggerFinished = "trigger_finished"

	EventConversationCreated  = "conversation_created"
	EventConversationResolved = "conversation_resolved"
	EventConversationTimedOut = "conversation_timed_out"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status cannot change again.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus represents the terminal outcome of one node execution record.
// StepResults are append-only: there is no non-terminal step status.
type StepStatus string

const (
	StepStatusSuccess StepStatus = "success"
	StepStatusError   StepStatus = "error"
	StepStatusSkipped StepStatus = "skipped"
)

// TaskStatus represents the lifecycle state of an ingested trigger task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// ConversationStatus represents the state of a HITL conversation.
type ConversationStatus string

const (
	ConversationWaiting  ConversationStatus = "waiting"
	ConversationResolved ConversationStatus = "resolved"
	ConversationTimedOut ConversationStatus = "timed_out"
)

// Timeout actions applied when a HITL conversation expires unanswered.
const (
	TimeoutActionResume = "resume" // resume the run with the node's default variables
	TimeoutActionFail   = "fail"   // fail the run at the HITL node
)

package bus

import (
	"fmt"
	"time"
)

// Task points the relay worker at a forwarded document and the name it
// should carry when re-uploaded. Tasks are passed by value and never mutated.
type Task struct {
	ID                 string    `json:"id"`
	RelayChatID        int64     `json:"relay_chat_id"`
	RelayMessageID     int       `json:"relay_message_id"`
	DesiredFilename    string    `json:"desired_filename"`
	RequesterChatID    int64     `json:"requester_chat_id,omitempty"`
	RequesterMessageID int       `json:"requester_message_id,omitempty"`
	EnqueuedAt         time.Time `json:"enqueued_at"`
}

func (t Task) String() string {
	return fmt.Sprintf("task %s (chat=%d msg=%d name=%q)", t.ID, t.RelayChatID, t.RelayMessageID, t.DesiredFilename)
}

type Stage string

const (
	StageResolve  Stage = "resolve"
	StageFetch    Stage = "fetch"
	StageValidate Stage = "validate"
	StageDownload Stage = "download"
	StageRename   Stage = "rename"
	StageUpload   Stage = "upload"
	StageCleanup  Stage = "cleanup"
	StageDone     Stage = "done"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeAbandoned Outcome = "abandoned"
)

// Result describes how far a Task got. Stage is the last stage attempted;
// on abandonment it is the stage that failed.
type Result struct {
	Task       Task
	Outcome    Outcome
	Stage      Stage
	Err        error
	FinalName  string
	StagedPath string
	SizeBytes  int64
	StartedAt  time.Time
	Duration   time.Duration
}

func (r Result) Completed() bool {
	return r.Outcome == OutcomeCompleted
}

package domain

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTypeTextExtraction JobType = "text_extraction"
	JobTypeAIAnalysis     JobType = "ai_analysis"
	JobTypeCategorization JobType = "categorization"
	JobTypeWorkflow       JobType = "workflow"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeTextExtraction, JobTypeAIAnalysis, JobTypeCategorization, JobTypeWorkflow:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one persisted unit of asynchronous work.
type Job struct {
	ID              int64
	JobID           string
	Type            JobType
	Status          JobStatus
	Progress        float64
	Input           map[string]any
	Output          map[string]any
	ErrorMessage    string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	DocumentID      *int64
	WorkflowID      *int64
	UserID          int64
	Attempts        int
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CanTransition encodes pending -> running -> {completed|failed}. A running job
// may be re-entered by a retry, and pending/running may fail via cancel.
func (j *Job) CanTransition(to JobStatus) bool {
	switch j.Status {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return to == JobStatusRunning || to == JobStatusCompleted || to == JobStatusFailed
	case JobStatusFailed:
		// retry of a failed attempt, never of a cancellation
		return to == JobStatusRunning && !j.Cancelled()
	}
	return false
}

// Cancelled reports whether the job was stopped by an explicit cancel.
func (j *Job) Cancelled() bool {
	return j.Status == JobStatusFailed && j.ErrorMessage == CancelledMessage
}

// SetProgress moves progress forward only, clamped to [0,100].
func (j *Job) SetProgress(value float64) bool {
	value = ClampProgress(value)
	if value <= j.Progress {
		return false
	}
	j.Progress = value
	return true
}

// Finish records the terminal status. Duration is only derived when the job
// was started.
func (j *Job) Finish(status JobStatus, now time.Time) {
	j.Status = status
	completed := now
	j.CompletedAt = &completed
	j.DurationSeconds = nil
	if j.StartedAt != nil {
		duration := completed.Sub(*j.StartedAt).Seconds()
		if duration < 0 {
			duration = 0
		}
		j.DurationSeconds = &duration
	}
	if status == JobStatusCompleted {
		j.Progress = 100
		j.ErrorMessage = ""
	}
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	clone.Input = cloneMap(j.Input)
	clone.Output = cloneMap(j.Output)
	clone.StartedAt = cloneTime(j.StartedAt)
	clone.CompletedAt = cloneTime(j.CompletedAt)
	if j.DurationSeconds != nil {
		duration := *j.DurationSeconds
		clone.DurationSeconds = &duration
	}
	clone.DocumentID = cloneInt64(j.DocumentID)
	clone.WorkflowID = cloneInt64(j.WorkflowID)
	return &clone
}

// ClampProgress bounds a progress value to [0,100].
func ClampProgress(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

type JobListFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
}

// JobStatusCounts aggregates jobs for the system status report.
type JobStatusCounts struct {
	Total           int
	Pending         int
	Running         int
	Completed       int
	Failed          int
	AvgDurationSecs float64
	Recent24h       int
}

type Task string

const (
	TaskJob          Task = "job"
	TaskWorkflow     Task = "workflow"
	TaskWorkflowStep Task = "workflow_step"
)

// TaskMessage is the transport format sent to queue backends.
type TaskMessage struct {
	Task        Task      `json:"task"`
	JobID       int64     `json:"job_id,omitempty"`
	WorkflowID  int64     `json:"workflow_id,omitempty"`
	StepID      string    `json:"step_id,omitempty"`
	Attempt     int       `json:"attempt"`
	RequestedAt time.Time `json:"requested_at"`
}

func cloneMap(value map[string]any) map[string]any {
	if value == nil {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		clone := make(map[string]any, len(value))
		for key, item := range value {
			clone[key] = item
		}
		return clone
	}
	var clone map[string]any
	_ = json.Unmarshal(encoded, &clone)
	return clone
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

func cloneInt64(value *int64) *int64 {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}

// Int64Ptr returns a pointer to value.
func Int64Ptr(value int64) *int64 {
	return &value
}

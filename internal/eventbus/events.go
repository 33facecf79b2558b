package eventbus

import "storypipe/internal/domain"

const (
	TaskSubmitted = "task.submitted"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	// ScheduleFired is published when the daily scheduler submits a batch.
	ScheduleFired = "schedule.fired"
)

// TaskEvent is the payload of the task.* events.
type TaskEvent struct {
	ID      string
	Kind    domain.TaskKind
	Status  domain.TaskStatus
	Message string
}

// ScheduleEvent is the payload of ScheduleFired.
type ScheduleEvent struct {
	TaskID   string
	Date     string
	Accounts []string
}

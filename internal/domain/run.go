package domain

import "time"

type RunStatus string

const (
	RunRunning  RunStatus = "RUNNING"
	RunFinished RunStatus = "FINISHED"
	RunFailed   RunStatus = "FAILED"
)

// Run is a tracked pipeline invocation.
type Run struct {
	ID           string
	Name         string
	ExperimentID string
	Params       map[string]string
	Status       RunStatus
	StartTime    time.Time
	EndTime      time.Time
}

package worker

import "context"

type JobType string

const (
	Calculate JobType = "calculate"
	Ingest    JobType = "ingest"
	Stop      JobType = "stop"
)

// Job is a unit of work scheduled fairly across owners.
type Job struct {
	Type      JobType
	OwnerID   string
	SessionID string
	Run       func(ctx context.Context)
	// Discard is called instead of Run when the dispatcher stops before the job reaches a worker.
	Discard func(err error)
}

package domain

// JobStatus is the lifecycle state of an enrichment job
type JobStatus string

// Job status constants
const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ActiveJobStatuses are the statuses reported by the active-jobs query.
var ActiveJobStatuses = []JobStatus{JobStatusQueued, JobStatusRunning}

// IsActive reports whether the job may still make progress.
func (s JobStatus) IsActive() bool {
	return s == JobStatusQueued || s == JobStatusRunning
}

// IsTerminal reports whether the job can never change status again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// CanTransitionTo enforces queued -> running -> {completed, failed, cancelled}.
// A queued job may also be cancelled before it starts.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case JobStatusQueued:
		return next == JobStatusRunning || next == JobStatusCancelled
	case JobStatusRunning:
		return next == JobStatusCompleted || next == JobStatusFailed || next == JobStatusCancelled
	default:
		return false
	}
}

// ItemStatus is the per-SKU outcome of a job item
type ItemStatus string

// Item status constants
const (
	ItemStatusPending    ItemStatus = "pending"
	ItemStatusResolved   ItemStatus = "resolved"
	ItemStatusUnresolved ItemStatus = "unresolved"
	ItemStatusError      ItemStatus = "error"
)

// IsTerminal reports whether the item has been processed.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusResolved || s == ItemStatusUnresolved || s == ItemStatusError
}

// Valid reports whether s is a known item status.
func (s ItemStatus) Valid() bool {
	return s == ItemStatusPending || s.IsTerminal()
}

// JobTypeTargetedEnrichment is the only job type the merger runs.
const JobTypeTargetedEnrichment = "targeted_enrichment"

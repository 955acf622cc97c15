// Package event defines the normalized representation of Phabricator
// activity that the rest of the pipeline operates on.
package event

// ObjectType identifies the kind of Phabricator object a firehose
// delivery refers to, as tagged by the webhook payload.
type ObjectType string

const (
	ObjectTask    ObjectType = "TASK"
	ObjectDiff    ObjectType = "DREV"
	ObjectCommit  ObjectType = "CMIT"
	ObjectProject ObjectType = "PROJ"
	ObjectRepo    ObjectType = "REPO"
)

// Kind is the closed set of notification-relevant event variants.
type Kind string

const (
	TaskCreated          Kind = "task-created"
	TaskCommented        Kind = "task-commented"
	TaskClaimed          Kind = "task-claimed"
	TaskAssigned         Kind = "task-assigned"
	TaskStatusChanged    Kind = "task-status-changed"
	TaskPriorityChanged  Kind = "task-priority-changed"
	DiffCreated          Kind = "diff-created"
	DiffCommented        Kind = "diff-commented"
	DiffUpdated          Kind = "diff-updated"
	DiffAbandoned        Kind = "diff-abandoned"
	DiffReclaimed        Kind = "diff-reclaimed"
	DiffAccepted         Kind = "diff-accepted"
	DiffChangesRequested Kind = "diff-changes-requested"
	DiffCommandeered     Kind = "diff-commandeered"
	CommitCommented      Kind = "commit-commented"
	ProjectCreated       Kind = "project-created"
	RepoCreated          Kind = "repo-created"
)

// Event is one normalized activity event. Kind determines which of the
// optional fields are populated.
type Event struct {
	Kind       Kind
	AuthorPHID string
	// ObjectPHID is the subject of the event: the task, revision,
	// commit, project, or repository the transaction was recorded on.
	ObjectPHID string

	// Comment carries the raw comment body for *-commented kinds.
	Comment string
	// Old and New carry verbatim values for status/priority changes.
	Old string
	New string
	// AssigneePHID carries the new owner for task-assigned; empty
	// means the task was unassigned.
	AssigneePHID string
	// Repo is the owning repository name for diff and commit events,
	// used by the router's per-repository channel rule.
	Repo string
}

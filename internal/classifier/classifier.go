// Package classifier turns raw Phabricator transactions into
// normalized events, dispatching on object type and transaction type.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notiphier/notiphier/internal/event"
	"github.com/notiphier/notiphier/internal/logger"
	"github.com/notiphier/notiphier/internal/phabricator"
)

// TransactionSource supplies raw transactions and repository metadata.
// *phabricator.Client satisfies it.
type TransactionSource interface {
	Transactions(ctx context.Context, objectPHID string, txPHIDs []string) ([]phabricator.Transaction, error)
	Repository(ctx context.Context, phid string) (phabricator.Repository, error)
	RepositoryFor(ctx context.Context, phid string) (string, error)
}

// handlerFunc maps one raw transaction to zero or more events. repo is
// the owning repository name, resolved only for diff and commit
// objects.
type handlerFunc func(log *slog.Logger, tx phabricator.Transaction, repo string) []event.Event

// Classifier classifies firehose deliveries into normalized events.
type Classifier struct {
	source   TransactionSource
	handlers map[event.ObjectType]handlerFunc
}

// New creates a classifier backed by the given transaction source.
func New(source TransactionSource) *Classifier {
	return &Classifier{
		source: source,
		handlers: map[event.ObjectType]handlerFunc{
			event.ObjectTask:    classifyTask,
			event.ObjectDiff:    classifyDiff,
			event.ObjectCommit:  classifyCommit,
			event.ObjectProject: classifyProject,
			event.ObjectRepo:    classifyRepo,
		},
	}
}

// Classify fetches the transactions recorded on objectPHID (restricted
// to txPHIDs) and maps them to events, preserving input order. Object
// types without transaction introspection upstream yield zero events,
// as do unrecognized object or transaction types.
func (c *Classifier) Classify(ctx context.Context, objectType event.ObjectType, objectPHID string, txPHIDs []string) ([]event.Event, error) {
	log := logger.FromContext(ctx)

	handler, ok := c.handlers[objectType]
	if !ok {
		log.Warn("unrecognized object type",
			slog.String("object_type", string(objectType)),
			slog.String("object_phid", objectPHID),
		)
		return nil, nil
	}

	txs, err := c.source.Transactions(ctx, objectPHID, txPHIDs)
	if err != nil {
		if errors.Is(err, phabricator.ErrUnsupported) {
			log.Debug("transactions unsupported for object type",
				slog.String("object_type", string(objectType)),
			)
			return nil, nil
		}
		return nil, err
	}

	repo := ""
	if objectType == event.ObjectDiff || objectType == event.ObjectCommit {
		repo, err = c.repositoryName(ctx, objectPHID)
		if err != nil {
			return nil, err
		}
	}

	var events []event.Event
	for _, tx := range txs {
		events = append(events, handler(log, tx, repo)...)
	}
	return events, nil
}

func (c *Classifier) repositoryName(ctx context.Context, objectPHID string) (string, error) {
	repoPHID, err := c.source.RepositoryFor(ctx, objectPHID)
	if err != nil {
		return "", fmt.Errorf("resolve repository for %s: %w", objectPHID, err)
	}
	if repoPHID == "" {
		return "", nil
	}
	repo, err := c.source.Repository(ctx, repoPHID)
	if err != nil {
		return "", fmt.Errorf("resolve repository %s: %w", repoPHID, err)
	}
	return repo.Name, nil
}

func classifyTask(log *slog.Logger, tx phabricator.Transaction, _ string) []event.Event {
	base := event.Event{AuthorPHID: tx.AuthorPHID, ObjectPHID: tx.ObjectPHID}

	switch tx.Type {
	case "create":
		base.Kind = event.TaskCreated
		return []event.Event{base}

	case "comment":
		return commentEvents(event.TaskCommented, tx)

	case "owner":
		var fields struct {
			New string `json:"new"`
		}
		if !decodeFields(log, tx, &fields) {
			return nil
		}
		if fields.New == tx.AuthorPHID {
			base.Kind = event.TaskClaimed
			return []event.Event{base}
		}
		base.Kind = event.TaskAssigned
		base.AssigneePHID = fields.New
		return []event.Event{base}

	case "status":
		var fields struct {
			Old string `json:"old"`
			New string `json:"new"`
		}
		if !decodeFields(log, tx, &fields) {
			return nil
		}
		base.Kind = event.TaskStatusChanged
		base.Old = fields.Old
		base.New = fields.New
		return []event.Event{base}

	case "priority":
		// Priority values are nested objects; only the display
		// name is notification-relevant.
		var fields struct {
			Old struct {
				Name string `json:"name"`
			} `json:"old"`
			New struct {
				Name string `json:"name"`
			} `json:"new"`
		}
		if !decodeFields(log, tx, &fields) {
			return nil
		}
		base.Kind = event.TaskPriorityChanged
		base.Old = fields.Old.Name
		base.New = fields.New.Name
		return []event.Event{base}
	}

	logIgnored(log, tx)
	return nil
}

func classifyDiff(log *slog.Logger, tx phabricator.Transaction, repo string) []event.Event {
	base := event.Event{AuthorPHID: tx.AuthorPHID, ObjectPHID: tx.ObjectPHID, Repo: repo}

	switch tx.Type {
	case "create":
		base.Kind = event.DiffCreated
	case "comment", "inline":
		events := commentEvents(event.DiffCommented, tx)
		for i := range events {
			events[i].Repo = repo
		}
		return events
	case "update":
		base.Kind = event.DiffUpdated
	case "abandon":
		base.Kind = event.DiffAbandoned
	case "reclaim":
		base.Kind = event.DiffReclaimed
	case "accept":
		base.Kind = event.DiffAccepted
	case "request-changes":
		base.Kind = event.DiffChangesRequested
	case "commandeer":
		base.Kind = event.DiffCommandeered
	default:
		logIgnored(log, tx)
		return nil
	}
	return []event.Event{base}
}

func classifyCommit(log *slog.Logger, tx phabricator.Transaction, repo string) []event.Event {
	if tx.Type == "comment" {
		events := commentEvents(event.CommitCommented, tx)
		for i := range events {
			events[i].Repo = repo
		}
		return events
	}
	logIgnored(log, tx)
	return nil
}

func classifyProject(log *slog.Logger, tx phabricator.Transaction, _ string) []event.Event {
	if tx.Type == "create" {
		return []event.Event{{
			Kind:       event.ProjectCreated,
			AuthorPHID: tx.AuthorPHID,
			ObjectPHID: tx.ObjectPHID,
		}}
	}
	logIgnored(log, tx)
	return nil
}

func classifyRepo(log *slog.Logger, tx phabricator.Transaction, _ string) []event.Event {
	if tx.Type == "create" {
		return []event.Event{{
			Kind:       event.RepoCreated,
			AuthorPHID: tx.AuthorPHID,
			ObjectPHID: tx.ObjectPHID,
		}}
	}
	logIgnored(log, tx)
	return nil
}

// commentEvents emits one event per surviving comment; removed
// comments never notify.
func commentEvents(kind event.Kind, tx phabricator.Transaction) []event.Event {
	var events []event.Event
	for _, comment := range tx.Comments {
		if comment.Removed {
			continue
		}
		events = append(events, event.Event{
			Kind:       kind,
			AuthorPHID: tx.AuthorPHID,
			ObjectPHID: tx.ObjectPHID,
			Comment:    comment.Content.Raw,
		})
	}
	return events
}

func decodeFields(log *slog.Logger, tx phabricator.Transaction, out any) bool {
	if err := json.Unmarshal(tx.Fields, out); err != nil {
		log.Warn("skipping transaction with malformed fields",
			slog.String("transaction_type", tx.Type),
			slog.String("object_phid", tx.ObjectPHID),
			slog.Any("error", err),
		)
		return false
	}
	return true
}

// logIgnored traces transaction types we deliberately do not notify
// on; this is steady-state noise, not an error.
func logIgnored(log *slog.Logger, tx phabricator.Transaction) {
	log.Debug("no notification for transaction type",
		slog.String("transaction_type", tx.Type),
		slog.String("object_phid", tx.ObjectPHID),
	)
}

// Package renderer turns normalized events into Slack-ready message
// text: link resolution, mention substitution, and self-notification
// suppression.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/notiphier/notiphier/internal/directory"
	"github.com/notiphier/notiphier/internal/event"
	"github.com/notiphier/notiphier/internal/logger"
)

// Attachment colors per message family. WelcomeColor and ErrorColor
// are used by the startup banner and diagnostic reports.
const (
	WelcomeColor = "#28D7E5"
	ErrorColor   = "#D00000"

	colorCreated   = "#36A64F"
	colorComment   = "#439FE0"
	colorOwnership = "#FFA500"
	colorChange    = "#FFD700"
	colorAccepted  = "#36A64F"
	colorRejected  = "#E01E5A"
	colorAbandoned = "#D00000"
)

// ErrNoTemplate marks an event kind with no message template; the
// event is dropped, not failed.
var ErrNoTemplate = errors.New("no template for event kind")

// UnknownIdentityError reports an author or owner PHID that is missing
// from the merged directory. It is unrecoverable for the delivery that
// produced it: a notification must never reference an unknown author.
type UnknownIdentityError struct {
	Key string
}

func (e *UnknownIdentityError) Error() string {
	return fmt.Sprintf("unknown identity %q", e.Key)
}

// ObjectResolver supplies object links and owners from Phabricator.
// *phabricator.Client satisfies it.
type ObjectResolver interface {
	Link(ctx context.Context, phid string) (string, error)
	Owner(ctx context.Context, phid string) (string, error)
}

// DirectorySource yields the current identity snapshot.
type DirectorySource interface {
	Current() *directory.Directory
}

// Message is one rendered notification before routing.
type Message struct {
	Text  string
	Color string
}

// template fixes the per-kind rendering rules. notifyOwner kinds
// prefix the owner's mention unless the owner is the acting user.
type template struct {
	notifyOwner bool
	color       string
}

var templates = map[event.Kind]template{
	event.TaskCreated:          {color: colorCreated},
	event.TaskCommented:        {notifyOwner: true, color: colorComment},
	event.TaskClaimed:          {color: colorOwnership},
	event.TaskAssigned:         {color: colorOwnership},
	event.TaskStatusChanged:    {notifyOwner: true, color: colorChange},
	event.TaskPriorityChanged:  {notifyOwner: true, color: colorChange},
	event.DiffCreated:          {color: colorCreated},
	event.DiffCommented:        {notifyOwner: true, color: colorComment},
	event.DiffUpdated:          {notifyOwner: true, color: colorChange},
	event.DiffAbandoned:        {notifyOwner: true, color: colorAbandoned},
	event.DiffReclaimed:        {notifyOwner: true, color: colorOwnership},
	event.DiffAccepted:         {notifyOwner: true, color: colorAccepted},
	event.DiffChangesRequested: {notifyOwner: true, color: colorRejected},
	event.DiffCommandeered:     {notifyOwner: true, color: colorOwnership},
	event.CommitCommented:      {color: colorComment},
	event.ProjectCreated:       {color: colorCreated},
	event.RepoCreated:          {color: colorCreated},
}

// Renderer renders normalized events into messages.
type Renderer struct {
	objects ObjectResolver
	dir     DirectorySource
}

// New creates a renderer over the given object resolver and directory.
func New(objects ObjectResolver, dir DirectorySource) *Renderer {
	return &Renderer{objects: objects, dir: dir}
}

// Render produces the message for ev. Kinds without a template return
// ErrNoTemplate; an author or owner missing from the directory returns
// *UnknownIdentityError.
func (r *Renderer) Render(ctx context.Context, ev event.Event) (Message, error) {
	log := logger.FromContext(ctx)

	tmpl, ok := templates[ev.Kind]
	if !ok {
		log.Warn("dropping event without template", slog.String("kind", string(ev.Kind)))
		return Message{}, ErrNoTemplate
	}

	dir := r.dir.Current()
	author, found := dir.Lookup(ev.AuthorPHID)
	if !found {
		return Message{}, &UnknownIdentityError{Key: ev.AuthorPHID}
	}

	link, err := r.objects.Link(ctx, ev.ObjectPHID)
	if err != nil {
		return Message{}, fmt.Errorf("resolve link for %s: %w", ev.ObjectPHID, err)
	}

	prefix := ""
	if tmpl.notifyOwner {
		prefix, err = r.ownerPrefix(ctx, dir, ev, author)
		if err != nil {
			return Message{}, err
		}
	}

	text, err := renderText(dir, ev, prefix, author.Username, link)
	if err != nil {
		return Message{}, err
	}
	return Message{Text: text, Color: tmpl.color}, nil
}

// ownerPrefix resolves the subject's owner and returns its mention
// followed by a space, or an empty string when the acting user is the
// owner: a user is never pinged about their own action. Identity
// comparison is by PHID, never by name.
func (r *Renderer) ownerPrefix(ctx context.Context, dir *directory.Directory, ev event.Event, author directory.Identity) (string, error) {
	ownerPHID, err := r.objects.Owner(ctx, ev.ObjectPHID)
	if err != nil {
		return "", fmt.Errorf("resolve owner for %s: %w", ev.ObjectPHID, err)
	}
	if ownerPHID == "" {
		return "", nil
	}
	owner, found := dir.Lookup(ownerPHID)
	if !found {
		return "", &UnknownIdentityError{Key: ownerPHID}
	}
	if owner.PHID == author.PHID {
		return "", nil
	}
	return dir.Mention(owner.PHID) + " ", nil
}

func renderText(dir *directory.Directory, ev event.Event, prefix, author, link string) (string, error) {
	switch ev.Kind {
	case event.TaskCreated:
		return fmt.Sprintf("User %s created task %s", author, link), nil
	case event.TaskCommented:
		comment := RewriteMentions(ev.Comment, dir.Mention)
		return fmt.Sprintf("%sUser %s commented on task %s with: %s", prefix, author, link, comment), nil
	case event.TaskClaimed:
		return fmt.Sprintf("User %s claimed task %s", author, link), nil
	case event.TaskAssigned:
		assignee := "nobody"
		if ev.AssigneePHID != "" {
			assignee = dir.Mention(ev.AssigneePHID)
		}
		return fmt.Sprintf("User %s assigned %s to task %s", author, assignee, link), nil
	case event.TaskStatusChanged:
		return fmt.Sprintf("%sUser %s changed the status of task %s from %s to %s", prefix, author, link, ev.Old, ev.New), nil
	case event.TaskPriorityChanged:
		return fmt.Sprintf("%sUser %s changed the priority of task %s from %s to %s", prefix, author, link, ev.Old, ev.New), nil
	case event.DiffCreated:
		return fmt.Sprintf("User %s created diff %s", author, link), nil
	case event.DiffCommented:
		comment := RewriteMentions(ev.Comment, dir.Mention)
		return fmt.Sprintf("%sUser %s commented on diff %s with: %s", prefix, author, link, comment), nil
	case event.DiffUpdated:
		return fmt.Sprintf("%sUser %s updated diff %s", prefix, author, link), nil
	case event.DiffAbandoned:
		return fmt.Sprintf("%sUser %s abandoned diff %s", prefix, author, link), nil
	case event.DiffReclaimed:
		return fmt.Sprintf("%sUser %s reclaimed diff %s", prefix, author, link), nil
	case event.DiffAccepted:
		return fmt.Sprintf("%sUser %s accepted diff %s", prefix, author, link), nil
	case event.DiffChangesRequested:
		return fmt.Sprintf("%sUser %s requested changes to diff %s", prefix, author, link), nil
	case event.DiffCommandeered:
		return fmt.Sprintf("%sUser %s commandeered diff %s", prefix, author, link), nil
	case event.CommitCommented:
		comment := RewriteMentions(ev.Comment, dir.Mention)
		return fmt.Sprintf("User %s commented on commit %s with: %s", author, link, comment), nil
	case event.ProjectCreated:
		return fmt.Sprintf("User %s created project %s", author, link), nil
	case event.RepoCreated:
		return fmt.Sprintf("User %s created repository %s", author, link), nil
	}
	return "", ErrNoTemplate
}

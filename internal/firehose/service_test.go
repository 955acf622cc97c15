package firehose

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notiphier/notiphier/internal/classifier"
	"github.com/notiphier/notiphier/internal/directory"
	"github.com/notiphier/notiphier/internal/phabricator"
	"github.com/notiphier/notiphier/internal/renderer"
	"github.com/notiphier/notiphier/internal/routing"
	"github.com/notiphier/notiphier/internal/slack"
)

type fakeUpstream struct {
	txs     []phabricator.Transaction
	txErr   error
	links   map[string]string
	owners  map[string]string
	repoFor map[string]string
	repos   map[string]phabricator.Repository
}

func (f *fakeUpstream) Transactions(_ context.Context, _ string, _ []string) ([]phabricator.Transaction, error) {
	return f.txs, f.txErr
}

func (f *fakeUpstream) Repository(_ context.Context, phid string) (phabricator.Repository, error) {
	return f.repos[phid], nil
}

func (f *fakeUpstream) RepositoryFor(_ context.Context, phid string) (string, error) {
	return f.repoFor[phid], nil
}

func (f *fakeUpstream) Link(_ context.Context, phid string) (string, error) {
	return f.links[phid], nil
}

func (f *fakeUpstream) Owner(_ context.Context, phid string) (string, error) {
	return f.owners[phid], nil
}

type staticDir struct {
	d *directory.Directory
}

func (s staticDir) Current() *directory.Directory { return s.d }

type sent struct {
	channel string
	text    string
	color   string
}

type recordingSender struct {
	sent    []sent
	sendErr error
}

func (r *recordingSender) SendMessage(_ context.Context, channel, text, color string) error {
	r.sent = append(r.sent, sent{channel: channel, text: text, color: color})
	return r.sendErr
}

func testDirectory() *directory.Directory {
	return directory.Build(nil,
		[]phabricator.User{
			{PHID: "PHID-USER-alice", Username: "alice", RealName: "Alice Adams"},
			{PHID: "PHID-USER-bob", Username: "bob", RealName: "Bob Brown"},
		},
		[]slack.ChatUser{
			{ID: "S1", DisplayName: "Alice Adams"},
			{ID: "S2", DisplayName: "Bob Brown"},
		},
	)
}

func testService(upstream *fakeUpstream, sender *recordingSender, repoChannels map[string]string) *Service {
	return NewService(
		classifier.New(upstream),
		renderer.New(upstream, staticDir{d: testDirectory()}),
		routing.New("#phabricator", repoChannels),
		sender,
	)
}

func payload(objectType, objectPHID string, txPHIDs ...string) Payload {
	var p Payload
	p.Object.Type = objectType
	p.Object.PHID = objectPHID
	for _, phid := range txPHIDs {
		p.Transactions = append(p.Transactions, struct {
			PHID string `json:"phid"`
		}{PHID: phid})
	}
	return p
}

func TestHandleTaskCreated(t *testing.T) {
	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{
			{Type: "create", AuthorPHID: "PHID-USER-alice", ObjectPHID: "PHID-TASK-1"},
		},
		links: map[string]string{"PHID-TASK-1": "<https://phab.example.com/T1|T1>: Fix login"},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1"), nil)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "#phabricator", sender.sent[0].channel)
	assert.Equal(t, "User alice created task <https://phab.example.com/T1|T1>: Fix login", sender.sent[0].text)
	assert.Equal(t, "#36A64F", sender.sent[0].color)
}

func TestHandleSelfCommentOnDiff(t *testing.T) {
	tx := phabricator.Transaction{Type: "comment", AuthorPHID: "PHID-USER-bob", ObjectPHID: "PHID-DREV-1"}
	tx.Comments = []phabricator.Comment{{}, {}}
	tx.Comments[0].Content.Raw = "looks fine now"
	tx.Comments[1].Removed = true
	tx.Comments[1].Content.Raw = "deleted draft"

	upstream := &fakeUpstream{
		txs:    []phabricator.Transaction{tx},
		links:  map[string]string{"PHID-DREV-1": "<https://phab.example.com/D1|D1>: Retry queue"},
		owners: map[string]string{"PHID-DREV-1": "PHID-USER-bob"},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("DREV", "PHID-DREV-1", "PHID-XACT-1"), nil)

	// One message for the surviving comment, and no owner mention when
	// the author comments on their own diff.
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "User bob commented on diff <https://phab.example.com/D1|D1>: Retry queue with: looks fine now", sender.sent[0].text)
}

func TestHandleTaskClaimed(t *testing.T) {
	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{{
			Type:       "owner",
			AuthorPHID: "PHID-USER-alice",
			ObjectPHID: "PHID-TASK-1",
			Fields:     json.RawMessage(`{"old":"","new":"PHID-USER-alice"}`),
		}},
		links: map[string]string{"PHID-TASK-1": "<https://phab.example.com/T1|T1>: Fix login"},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1"), nil)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "User alice claimed task <https://phab.example.com/T1|T1>: Fix login", sender.sent[0].text)
}

func TestHandleDiffRoutedToRepoChannel(t *testing.T) {
	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{
			{Type: "create", AuthorPHID: "PHID-USER-alice", ObjectPHID: "PHID-DREV-2"},
		},
		links:   map[string]string{"PHID-DREV-2": "<https://phab.example.com/D2|D2>: Cut release"},
		repoFor: map[string]string{"PHID-DREV-2": "PHID-REPO-1"},
		repos:   map[string]phabricator.Repository{"PHID-REPO-1": {ID: 1, Name: "release-repo"}},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, map[string]string{"release-repo": "#release"})

	svc.Handle(context.Background(), payload("DREV", "PHID-DREV-2", "PHID-XACT-1"), nil)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "#phabricator", sender.sent[0].channel)
	assert.Equal(t, "#release", sender.sent[1].channel)
	assert.Equal(t, sender.sent[0].text, sender.sent[1].text)
}

func TestHandleUnknownAuthorSendsDiagnostic(t *testing.T) {
	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{
			{Type: "create", AuthorPHID: "PHID-USER-ghost", ObjectPHID: "PHID-TASK-1"},
		},
		links: map[string]string{"PHID-TASK-1": "<https://phab.example.com/T1|T1>: Fix login"},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	raw := []byte(`{"object":{"type":"TASK","phid":"PHID-TASK-1"}}`)
	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1"), raw)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "#phabricator", sender.sent[0].channel)
	assert.Equal(t, renderer.ErrorColor, sender.sent[0].color)
	assert.Contains(t, sender.sent[0].text, "could not process a delivery")
	assert.Contains(t, sender.sent[0].text, `unknown identity "PHID-USER-ghost"`)
	assert.Contains(t, sender.sent[0].text, string(raw))
}

func TestHandleMultipleEventsInOrder(t *testing.T) {
	comment := phabricator.Transaction{Type: "comment", AuthorPHID: "PHID-USER-bob", ObjectPHID: "PHID-TASK-1"}
	comment.Comments = []phabricator.Comment{{}}
	comment.Comments[0].Content.Raw = "on it"

	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{
			{Type: "create", AuthorPHID: "PHID-USER-alice", ObjectPHID: "PHID-TASK-1"},
			comment,
		},
		links:  map[string]string{"PHID-TASK-1": "T1"},
		owners: map[string]string{"PHID-TASK-1": "PHID-USER-alice"},
	}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1", "PHID-XACT-2"), nil)

	require.Len(t, sender.sent, 2)
	assert.Equal(t, "User alice created task T1", sender.sent[0].text)
	assert.Equal(t, "<@S1> User bob commented on task T1 with: on it", sender.sent[1].text)
}

func TestHandleClassifierErrorSendsDiagnostic(t *testing.T) {
	upstream := &fakeUpstream{txErr: errors.New("conduit unreachable")}
	sender := &recordingSender{}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1"), []byte("{}"))

	require.Len(t, sender.sent, 1)
	assert.Equal(t, renderer.ErrorColor, sender.sent[0].color)
	assert.Contains(t, sender.sent[0].text, "conduit unreachable")
}

func TestHandleSendFailureContinues(t *testing.T) {
	comment := phabricator.Transaction{Type: "comment", AuthorPHID: "PHID-USER-bob", ObjectPHID: "PHID-TASK-1"}
	comment.Comments = []phabricator.Comment{{}}
	comment.Comments[0].Content.Raw = "on it"

	upstream := &fakeUpstream{
		txs: []phabricator.Transaction{
			{Type: "create", AuthorPHID: "PHID-USER-alice", ObjectPHID: "PHID-TASK-1"},
			comment,
		},
		links:  map[string]string{"PHID-TASK-1": "T1"},
		owners: map[string]string{"PHID-TASK-1": "PHID-USER-alice"},
	}
	sender := &recordingSender{sendErr: errors.New("slack 500")}
	svc := testService(upstream, sender, nil)

	svc.Handle(context.Background(), payload("TASK", "PHID-TASK-1", "PHID-XACT-1", "PHID-XACT-2"), nil)

	// Both sends are attempted despite the first failing.
	assert.Len(t, sender.sent, 2)
}

func TestWelcome(t *testing.T) {
	sender := &recordingSender{}
	svc := testService(&fakeUpstream{}, sender, nil)

	require.NoError(t, svc.Welcome(context.Background()))
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "#phabricator", sender.sent[0].channel)
	assert.Equal(t, "Notiphier started running.", sender.sent[0].text)
	assert.Equal(t, renderer.WelcomeColor, sender.sent[0].color)
}

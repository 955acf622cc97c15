// Package phabricator implements the Conduit API client used to fetch
// users, transactions, and object metadata from a Phabricator install.
package phabricator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnsupported marks a Conduit method that the remote install does
// not implement for the requested object type. Callers treat it as an
// empty result.
var ErrUnsupported = errors.New("conduit method not implemented")

// Client talks to a Phabricator install through the Conduit API.
// It is safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	logger  *slog.Logger
	http    *http.Client
}

// NewClient builds a Conduit client for the given install and verifies
// connectivity with conduit.ping. A failed ping is returned as an
// error so startup can abort.
func NewClient(ctx context.Context, log *slog.Logger, baseURL, token string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("phabricator: base url is required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("phabricator: api token is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  log.With(slog.String("client", "phabricator")),
		http: &http.Client{
			Timeout: timeout,
		},
	}
	if err := c.call(ctx, "conduit.ping", map[string]any{}, nil); err != nil {
		return nil, fmt.Errorf("phabricator: ping %s: %w", c.baseURL, err)
	}
	return c, nil
}

// BaseURL returns the install's base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Users fetches the full user directory, keeping only active human
// accounts: type USER, not disabled, not a bot.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	c.logger.Info("fetching user directory")

	var result searchResult
	if err := c.call(ctx, "user.search", map[string]any{}, &result); err != nil {
		return nil, fmt.Errorf("user.search: %w", err)
	}

	users := make([]User, 0, len(result.Data))
	for _, record := range result.Data {
		if record.Type != "USER" {
			continue
		}
		var fields userFields
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return nil, fmt.Errorf("user.search: decode fields for %s: %w", record.PHID, err)
		}
		if hasRole(fields.Roles, "disabled") || hasRole(fields.Roles, "bot") {
			continue
		}
		users = append(users, User{
			PHID:     record.PHID,
			Username: fields.Username,
			RealName: fields.RealName,
		})
	}
	return users, nil
}

// Transactions fetches the raw transactions recorded on objectPHID,
// restricted to txPHIDs. Installs that do not implement
// transaction.search for the object's type surface ErrUnsupported.
func (c *Client) Transactions(ctx context.Context, objectPHID string, txPHIDs []string) ([]Transaction, error) {
	params := map[string]any{
		"objectIdentifier": objectPHID,
		"constraints": map[string]any{
			"phids": txPHIDs,
		},
	}
	var result transactionResult
	if err := c.call(ctx, "transaction.search", params, &result); err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, ErrUnsupported
		}
		return nil, fmt.Errorf("transaction.search %s: %w", objectPHID, err)
	}
	return result.Data, nil
}

// Link returns a Slack-formatted link to the object behind phid. The
// id's type prefix determines the link shape. An empty string means
// the type has no linkable page.
func (c *Client) Link(ctx context.Context, phid string) (string, error) {
	switch {
	case strings.HasPrefix(phid, "PHID-TASK-"):
		record, err := c.searchOne(ctx, "maniphest.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("maniphest.search: decode fields: %w", err)
		}
		return fmt.Sprintf("<%s/T%d|T%d>: %s", c.baseURL, record.ID, record.ID, fields.Name), nil

	case strings.HasPrefix(phid, "PHID-DREV-"):
		record, err := c.searchOne(ctx, "differential.revision.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			Title string `json:"title"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("differential.revision.search: decode fields: %w", err)
		}
		return fmt.Sprintf("<%s/D%d|D%d>: %s", c.baseURL, record.ID, record.ID, fields.Title), nil

	case strings.HasPrefix(phid, "PHID-PROJ-"):
		record, err := c.searchOne(ctx, "project.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("project.search: decode fields: %w", err)
		}
		return fmt.Sprintf("<%s/project/view/%d|%s>", c.baseURL, record.ID, fields.Name), nil

	case strings.HasPrefix(phid, "PHID-REPO-"):
		repo, err := c.Repository(ctx, phid)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<%s/source/%d|%s>", c.baseURL, repo.ID, repo.Name), nil

	case strings.HasPrefix(phid, "PHID-CMIT-"):
		commit, err := c.commit(ctx, phid)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("<%s|%s>", commit.URI, commit.Summary), nil
	}

	return "", nil
}

// Owner returns the PHID of a task's owner or a revision's author.
// Other object types have no owner and return an empty string.
func (c *Client) Owner(ctx context.Context, phid string) (string, error) {
	switch {
	case strings.HasPrefix(phid, "PHID-TASK-"):
		record, err := c.searchOne(ctx, "maniphest.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			OwnerPHID string `json:"ownerPHID"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("maniphest.search: decode fields: %w", err)
		}
		return fields.OwnerPHID, nil

	case strings.HasPrefix(phid, "PHID-DREV-"):
		record, err := c.searchOne(ctx, "differential.revision.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			AuthorPHID string `json:"authorPHID"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("differential.revision.search: decode fields: %w", err)
		}
		return fields.AuthorPHID, nil
	}

	return "", nil
}

// Repository fetches a repository's id and name by PHID.
func (c *Client) Repository(ctx context.Context, phid string) (Repository, error) {
	record, err := c.searchOne(ctx, "diffusion.repository.search", phid)
	if err != nil {
		return Repository{}, err
	}
	var fields struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(record.Fields, &fields); err != nil {
		return Repository{}, fmt.Errorf("diffusion.repository.search: decode fields: %w", err)
	}
	return Repository{ID: record.ID, Name: fields.Name}, nil
}

// RepositoryFor returns the PHID of the repository a revision or
// commit belongs to, or an empty string for other object types.
func (c *Client) RepositoryFor(ctx context.Context, phid string) (string, error) {
	switch {
	case strings.HasPrefix(phid, "PHID-DREV-"):
		record, err := c.searchOne(ctx, "differential.revision.search", phid)
		if err != nil {
			return "", err
		}
		var fields struct {
			RepositoryPHID string `json:"repositoryPHID"`
		}
		if err := json.Unmarshal(record.Fields, &fields); err != nil {
			return "", fmt.Errorf("differential.revision.search: decode fields: %w", err)
		}
		return fields.RepositoryPHID, nil

	case strings.HasPrefix(phid, "PHID-CMIT-"):
		commit, err := c.commit(ctx, phid)
		if err != nil {
			return "", err
		}
		return commit.RepositoryPHID, nil
	}

	return "", nil
}

func (c *Client) commit(ctx context.Context, phid string) (commitRecord, error) {
	params := map[string]any{
		"phids": []string{phid},
	}
	var result commitResult
	if err := c.call(ctx, "diffusion.querycommits", params, &result); err != nil {
		return commitRecord{}, fmt.Errorf("diffusion.querycommits: %w", err)
	}
	record, ok := result.Data[phid]
	if !ok {
		return commitRecord{}, fmt.Errorf("diffusion.querycommits: commit %s not found", phid)
	}
	return record, nil
}

func (c *Client) searchOne(ctx context.Context, method, phid string) (searchRecord, error) {
	params := map[string]any{
		"constraints": map[string]any{
			"phids": []string{phid},
		},
	}
	var result searchResult
	if err := c.call(ctx, method, params, &result); err != nil {
		return searchRecord{}, fmt.Errorf("%s: %w", method, err)
	}
	if len(result.Data) == 0 {
		return searchRecord{}, fmt.Errorf("%s: object %s not found", method, phid)
	}
	return result.Data[0], nil
}

// call performs one Conduit request. Conduit takes a form-encoded
// "params" value holding a JSON document that includes the API token
// under __conduit__, and replies with a {result, error_code,
// error_info} envelope.
func (c *Client) call(ctx context.Context, method string, params map[string]any, out any) error {
	body := make(map[string]any, len(params)+1)
	for k, v := range params {
		body[k] = v
	}
	body["__conduit__"] = map[string]string{"token": c.token}

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}

	form := url.Values{}
	form.Set("params", string(encoded))
	form.Set("output", "json")

	endpoint := c.baseURL + "/api/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", method, resp.StatusCode)
	}

	var envelope conduitEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%s: decode envelope: %w", method, err)
	}
	if envelope.ErrorCode != "" {
		if strings.Contains(envelope.ErrorInfo, "not implemented") {
			c.logger.Debug("conduit method unsupported",
				slog.String("method", method),
				slog.String("error_info", envelope.ErrorInfo),
			)
			return ErrUnsupported
		}
		return fmt.Errorf("%s: conduit error %s: %s", method, envelope.ErrorCode, envelope.ErrorInfo)
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

func hasRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

package phabricator

import "encoding/json"

// User is one active human Phabricator account from user.search.
type User struct {
	PHID     string
	Username string
	RealName string
}

// Transaction is one raw transaction.search record. Fields is left
// undecoded because its shape depends on Type; the classifier extracts
// what it needs per transaction type.
type Transaction struct {
	Type       string          `json:"type"`
	AuthorPHID string          `json:"authorPHID"`
	ObjectPHID string          `json:"objectPHID"`
	Fields     json.RawMessage `json:"fields"`
	Comments   []Comment       `json:"comments"`
}

// Comment is one comment attached to a transaction. Removed marks a
// soft-deleted comment that must never produce a notification.
type Comment struct {
	Removed bool `json:"removed"`
	Content struct {
		Raw string `json:"raw"`
	} `json:"content"`
}

// Repository identifies a hosted repository.
type Repository struct {
	ID   int
	Name string
}

type conduitEnvelope struct {
	Result    json.RawMessage `json:"result"`
	ErrorCode string          `json:"error_code"`
	ErrorInfo string          `json:"error_info"`
}

type searchResult struct {
	Data []searchRecord `json:"data"`
}

type searchRecord struct {
	ID     int             `json:"id"`
	PHID   string          `json:"phid"`
	Type   string          `json:"type"`
	Fields json.RawMessage `json:"fields"`
}

type userFields struct {
	Username string   `json:"username"`
	RealName string   `json:"realName"`
	Roles    []string `json:"roles"`
}

type transactionResult struct {
	Data []Transaction `json:"data"`
}

type commitResult struct {
	Data map[string]commitRecord `json:"data"`
}

type commitRecord struct {
	Summary        string `json:"summary"`
	URI            string `json:"uri"`
	RepositoryPHID string `json:"repositoryPHID"`
}

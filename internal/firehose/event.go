package firehose

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Event kinds emitted by Jetstream.
const (
	KindCommit   = "commit"
	KindAccount  = "account"
	KindIdentity = "identity"
)

// Commit operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Event is the raw JSON structure from Jetstream. Exactly one of Commit,
// Account, or Identity is set for a recognized kind; events matching none of
// the known shapes are still delivered so the router can skip them.
type Event struct {
	DID    string `json:"did"`
	TimeUS int64  `json:"time_us"`
	Kind   string `json:"kind"`

	// Handle is set on bare handle-update events that carry no commit
	// payload, only {did, handle}.
	Handle string `json:"handle,omitempty"`

	Commit   *Commit   `json:"commit,omitempty"`
	Account  *Account  `json:"account,omitempty"`
	Identity *Identity `json:"identity,omitempty"`
}

// Commit is the raw commit data from Jetstream. Record is kept undecoded;
// each normalizer parses only the collection shape it owns.
type Commit struct {
	Rev        string          `json:"rev,omitempty"`
	Operation  string          `json:"operation,omitempty"`
	Collection string          `json:"collection,omitempty"`
	RKey       string          `json:"rkey,omitempty"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

// Account is the raw account-status payload.
type Account struct {
	Active bool   `json:"active"`
	DID    string `json:"did"`
	Seq    int64  `json:"seq"`
	Status string `json:"status,omitempty"`
	Time   string `json:"time"`
}

// Identity is the raw identity payload carrying handle changes.
type Identity struct {
	DID    string `json:"did"`
	Handle string `json:"handle,omitempty"`
	Seq    int64  `json:"seq"`
	Time   string `json:"time"`
}

// URI composes the canonical AT-URI for a commit's record.
func (e *Event) URI() string {
	if e.Commit == nil {
		return ""
	}
	return fmt.Sprintf("at://%s/%s/%s", e.DID, e.Commit.Collection, e.Commit.RKey)
}

// parseEvent decodes a frame. Only malformed JSON is an error; a well-formed
// frame of an unrecognized shape decodes to an Event with no DID or time_us
// and the read loop skips it silently.
func parseEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &event, nil
}

package types

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/driftsync/driftsync/internal/clock"
)

// MutationType enumerates the kinds of outbox mutations.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// ActionStatus is the outbox state machine position of a mutation.
type ActionStatus string

const (
	StatusPending ActionStatus = "pending"
	StatusSyncing ActionStatus = "syncing"
	StatusDone    ActionStatus = "done"
	StatusFailed  ActionStatus = "failed"
)

// Mutation is the atomic unit exchanged between replicas. It lives in the
// outbox_actions collection until drained.
type Mutation struct {
	ID         string                 `json:"id"`
	Type       MutationType           `json:"type"`
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"documentId"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Timestamp  int64                  `json:"timestamp"`
	Status     ActionStatus           `json:"status"`
	RetryCount int                    `json:"retryCount"`
	Error      string                 `json:"error,omitempty"`
}

// NewMutationID combines wall clock milliseconds with a random suffix so IDs
// remain unique across replicas without coordination.
func NewMutationID() string {
	return fmt.Sprintf("%d-%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}

// Document carries the metadata the core reads off every stored document.
// User fields stay in the raw map; this view is extracted on demand.
type Document struct {
	ID        string `json:"id"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
	UpdatedBy string `json:"updatedBy,omitempty"`
	Deleted   bool   `json:"deleted,omitempty"`
	Rev       string `json:"_rev,omitempty"`
}

// DocumentMeta extracts the metadata view from a raw document map.
func DocumentMeta(doc map[string]interface{}) Document {
	var d Document
	if doc == nil {
		return d
	}
	d.ID, _ = doc["id"].(string)
	d.CreatedAt, _ = doc["createdAt"].(string)
	d.UpdatedAt, _ = doc["updatedAt"].(string)
	d.UpdatedBy, _ = doc["updatedBy"].(string)
	d.Deleted, _ = doc["deleted"].(bool)
	d.Rev, _ = doc["_rev"].(string)
	return d
}

// MetadataKeys are document fields owned by the engine rather than the user.
// They are skipped by field-level conflict resolution.
var MetadataKeys = map[string]bool{
	"id":        true,
	"_rev":      true,
	"_vector":   true,
	"_version":  true,
	"_crdt":     true,
	"createdAt": true,
	"updatedAt": true,
	"updatedBy": true,
	"deleted":   true,
}

// PushRequest is the body of POST /api/sync/push.
type PushRequest struct {
	Actions     []Mutation        `json:"actions"`
	VectorClock clock.VectorClock `json:"vectorClock,omitempty"`
	ClientID    string            `json:"clientId,omitempty"`
}

// PushFailure reports a per-action apply error.
type PushFailure struct {
	ActionID string `json:"actionId"`
	Error    string `json:"error"`
}

// PushResponse is the reply of POST /api/sync/push.
type PushResponse struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []PushFailure `json:"failed"`
}

// ChangeItem is one committed mutation surfaced by the pull path and the
// realtime broadcaster.
type ChangeItem struct {
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"documentId"`
	Document   map[string]interface{} `json:"document"`
	Timestamp  int64                  `json:"timestamp"`
	Seq        uint64                 `json:"seq"`
	Deleted    bool                   `json:"deleted,omitempty"`
}

// PullResponse is the reply of GET /api/sync/pull.
type PullResponse struct {
	Items             []ChangeItem      `json:"items"`
	Since             uint64            `json:"since"`
	HasMore           bool              `json:"hasMore"`
	ServerVectorClock clock.VectorClock `json:"serverVectorClock,omitempty"`
}

// SyncMetadata is the singleton cursor record persisted per client after a
// successful pull.
type SyncMetadata struct {
	ID          string            `json:"id"`
	LastSyncAt  int64             `json:"lastSyncAt"`
	LastSeq     uint64            `json:"lastSeq"`
	VectorClock clock.VectorClock `json:"vectorClock,omitempty"`
}

// CRDTState is the transport envelope for a full CRDT document state.
type CRDTState struct {
	StateVector []byte `json:"stateVector"`
	FullUpdate  []byte `json:"fullUpdate"`
	DocumentID  string `json:"documentId"`
	Collection  string `json:"collection"`
}

// CRDTUpdate is the transport envelope for an incremental CRDT delta.
type CRDTUpdate struct {
	Update     []byte `json:"update"`
	DocumentID string `json:"documentId"`
	Collection string `json:"collection"`
	Origin     string `json:"origin,omitempty"`
}

// StreamMessageType strings for the realtime channel protocol.
type StreamMessageType string

const (
	MsgSubscribe StreamMessageType = "subscribe"
	MsgConnected StreamMessageType = "connected"
	MsgChange    StreamMessageType = "change"
	MsgError     StreamMessageType = "error"
)

// StreamMessage is the envelope exchanged over WS /api/stream.
type StreamMessage struct {
	Type        StreamMessageType `json:"type"`
	Collections []string          `json:"collections,omitempty"`
	Data        *ChangeItem       `json:"data,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// ApplyResult is the reply of POST /api/applier/apply.
type ApplyResult struct {
	Success    bool   `json:"success"`
	DocumentID string `json:"documentId"`
	Rev        string `json:"rev,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NowISO is the timestamp format stored on documents.
func NowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseISO parses a document timestamp, returning the zero time on failure.
func ParseISO(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

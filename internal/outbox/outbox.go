// Package outbox is the durable, ordered queue of local mutations pending
// synchronization. Actions live in the store's outbox_actions collection and
// move through pending → syncing → done|failed; failed actions retry with
// exponential backoff until the retry cap.
package outbox

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/stream"
	"github.com/driftsync/driftsync/internal/types"
)

const collection = "outbox_actions"

// RetryPolicy controls backoff between failed attempts.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	CleanupAge   time.Duration
}

// DefaultRetryPolicy matches the protocol defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     60 * time.Second,
		CleanupAge:   24 * time.Hour,
	}
}

// Delay returns the backoff before retry attempt retryCount:
// min(initialDelay × multiplier^retryCount, maxDelay).
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	d := float64(p.InitialDelay)
	for i := 0; i < retryCount; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Outbox is single-writer within the process; state transitions serialize on
// the queue mutex on top of the store's per-document discipline.
type Outbox struct {
	store  store.Store
	policy RetryPolicy
	logger *zap.Logger

	mu        sync.Mutex
	destroyed bool
	watcher   *stream.Publisher[[]types.Mutation]

	now func() time.Time
}

// New opens the outbox over a store. Indexes on status and timestamp back
// the drain and retry queries.
func New(s store.Store, policy RetryPolicy, logger *zap.Logger) *Outbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	_ = s.CreateIndex(collection, "by_status", []string{"status"})
	_ = s.CreateIndex(collection, "by_timestamp", []string{"timestamp"})

	return &Outbox{
		store:   s,
		policy:  policy,
		logger:  logger,
		watcher: stream.NewPublisher[[]types.Mutation](),
		now:     time.Now,
	}
}

// Enqueue inserts a pending action. The write lands only in the local
// collection; draining is the sync engine's job.
func (o *Outbox) Enqueue(kind types.MutationType, coll, docID string, data map[string]interface{}) (*types.Mutation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return nil, types.ErrQueueDestroyed
	}

	action := types.Mutation{
		ID:         types.NewMutationID(),
		Type:       kind,
		Collection: coll,
		DocumentID: docID,
		Data:       data,
		Timestamp:  o.now().UnixMilli(),
		Status:     types.StatusPending,
	}

	if _, err := o.store.Insert(collection, toDoc(action)); err != nil {
		return nil, err
	}

	o.logger.Debug("action enqueued",
		zap.String("action_id", action.ID),
		zap.String("collection", coll),
		zap.String("document_id", docID))

	o.notifyLocked()
	return &action, nil
}

// GetPending returns up to limit pending actions in timestamp ASC order —
// the drain order for a push batch. limit <= 0 means all.
func (o *Outbox) GetPending(limit int) ([]types.Mutation, error) {
	actions, err := o.GetByStatus(types.StatusPending)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(actions) > limit {
		actions = actions[:limit]
	}
	return actions, nil
}

// GetByStatus returns all actions in a given state, timestamp ASC.
func (o *Outbox) GetByStatus(status types.ActionStatus) ([]types.Mutation, error) {
	docs, err := o.store.Find(collection, map[string]interface{}{"status": string(status)})
	if err != nil {
		return nil, err
	}
	return sortedActions(docs), nil
}

// GetRetryable returns failed actions whose backoff window has elapsed and
// whose retry budget is not exhausted.
func (o *Outbox) GetRetryable() ([]types.Mutation, error) {
	failed, err := o.GetByStatus(types.StatusFailed)
	if err != nil {
		return nil, err
	}

	now := o.now().UnixMilli()
	var out []types.Mutation
	for _, a := range failed {
		if a.RetryCount >= o.policy.MaxRetries {
			continue
		}
		// timestamp was reset at the failure transition; retryCount was
		// incremented by the same transition, so the elapsed backoff window
		// is the one for the attempt that just failed.
		attempt := a.RetryCount - 1
		if attempt < 0 {
			attempt = 0
		}
		if now >= a.Timestamp+o.policy.Delay(attempt).Milliseconds() {
			out = append(out, a)
		}
	}
	return out, nil
}

// UpdateStatus enforces the action state machine. Transitions to failed
// increment the retry counter and record the error message.
func (o *Outbox) UpdateStatus(id string, status types.ActionStatus, errMsg string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.destroyed {
		return types.ErrQueueDestroyed
	}

	doc, err := o.store.Get(collection, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return fmt.Errorf("action %s: %w", id, types.ErrDocumentNotFound)
	}
	current := fromDoc(doc)

	if !validTransition(current.Status, status) {
		return &types.ProtocolError{
			Reason: fmt.Sprintf("invalid outbox transition %s -> %s for action %s", current.Status, status, id),
		}
	}

	patch := map[string]interface{}{"status": string(status)}
	switch status {
	case types.StatusFailed:
		patch["retryCount"] = current.RetryCount + 1
		patch["error"] = errMsg
		patch["timestamp"] = o.now().UnixMilli()
	case types.StatusDone:
		patch["error"] = nil
	}

	if _, err := o.store.Patch(collection, id, patch); err != nil {
		return err
	}
	o.notifyLocked()
	return nil
}

// MarkSyncing moves an action into the in-flight state.
func (o *Outbox) MarkSyncing(id string) error { return o.UpdateStatus(id, types.StatusSyncing, "") }

// MarkDone finishes an action; it becomes eligible for cleanup.
func (o *Outbox) MarkDone(id string) error { return o.UpdateStatus(id, types.StatusDone, "") }

// MarkFailed records a failure, bumping the retry counter.
func (o *Outbox) MarkFailed(id string, errMsg string) error {
	return o.UpdateStatus(id, types.StatusFailed, errMsg)
}

// Requeue moves a failed action back to pending for another attempt.
func (o *Outbox) Requeue(id string) error { return o.UpdateStatus(id, types.StatusPending, "") }

// CalculateRetryDelay exposes the backoff schedule.
func (o *Outbox) CalculateRetryDelay(retryCount int) time.Duration {
	return o.policy.Delay(retryCount)
}

// Recover reverts syncing actions to pending. Run at process start so
// actions stranded by a crash mid-push become drainable again.
func (o *Outbox) Recover() (int, error) {
	stranded, err := o.GetByStatus(types.StatusSyncing)
	if err != nil {
		return 0, err
	}
	for _, a := range stranded {
		if err := o.UpdateStatus(a.ID, types.StatusPending, ""); err != nil {
			return 0, err
		}
	}
	if len(stranded) > 0 {
		o.logger.Info("recovered stranded actions", zap.Int("count", len(stranded)))
	}
	return len(stranded), nil
}

// Cleanup removes done actions older than the cutoff (default 24h).
func (o *Outbox) Cleanup(olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = o.policy.CleanupAge
	}
	done, err := o.GetByStatus(types.StatusDone)
	if err != nil {
		return 0, err
	}

	cutoff := o.now().Add(-olderThan).UnixMilli()
	removed := 0
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, a := range done {
		if a.Timestamp <= cutoff {
			if err := o.store.Remove(collection, a.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	if removed > 0 {
		o.notifyLocked()
	}
	return removed, nil
}

// PendingCount reports the queue depth shown in sync state.
func (o *Outbox) PendingCount() int {
	pending, err := o.GetPending(0)
	if err != nil {
		return 0
	}
	return len(pending)
}

// Observe returns a restartable stream of queue snapshots, emitted on every
// change.
func (o *Outbox) Observe() *stream.Subscription[[]types.Mutation] {
	sub := o.watcher.Subscribe()
	o.mu.Lock()
	o.notifyLocked()
	o.mu.Unlock()
	return sub
}

// Clear drops all actions. Operator use only.
func (o *Outbox) Clear() error {
	docs, err := o.store.All(collection)
	if err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, d := range docs {
		if id, ok := d["id"].(string); ok {
			if err := o.store.Remove(collection, id); err != nil {
				return err
			}
		}
	}
	o.notifyLocked()
	return nil
}

// Destroy completes the observer stream and rejects further writes.
func (o *Outbox) Destroy() {
	o.mu.Lock()
	o.destroyed = true
	o.mu.Unlock()
	o.watcher.Close()
}

// notifyLocked publishes the current snapshot. Callers hold o.mu.
func (o *Outbox) notifyLocked() {
	docs, err := o.store.All(collection)
	if err != nil {
		return
	}
	o.watcher.Publish(sortedActions(docs))
}

func validTransition(from, to types.ActionStatus) bool {
	switch from {
	case types.StatusPending:
		return to == types.StatusSyncing
	case types.StatusSyncing:
		return to == types.StatusDone || to == types.StatusFailed || to == types.StatusPending
	case types.StatusFailed:
		return to == types.StatusPending
	default:
		return false
	}
}

func sortedActions(docs []map[string]interface{}) []types.Mutation {
	actions := make([]types.Mutation, 0, len(docs))
	for _, d := range docs {
		actions = append(actions, fromDoc(d))
	}
	sort.SliceStable(actions, func(i, j int) bool {
		if actions[i].Timestamp == actions[j].Timestamp {
			return actions[i].ID < actions[j].ID
		}
		return actions[i].Timestamp < actions[j].Timestamp
	})
	return actions
}

func toDoc(a types.Mutation) map[string]interface{} {
	data, _ := json.Marshal(a)
	var doc map[string]interface{}
	_ = json.Unmarshal(data, &doc)
	return doc
}

func fromDoc(doc map[string]interface{}) types.Mutation {
	data, _ := json.Marshal(doc)
	var a types.Mutation
	_ = json.Unmarshal(data, &a)
	return a
}

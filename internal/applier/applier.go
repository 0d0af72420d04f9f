// Package applier translates received mutations into store operations on the
// gateway: creates, merges and soft deletes, with a bulk path that falls
// back to per-item application so error reporting stays granular.
package applier

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/crdt"
	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/tracing"
	"github.com/driftsync/driftsync/internal/types"
)

// Notifier receives every committed change; the realtime broadcaster
// implements it. A nil notifier is valid.
type Notifier interface {
	BroadcastChange(item types.ChangeItem)
}

// Applier commits mutations to the durable store.
type Applier struct {
	store    store.Store
	notifier Notifier
	metrics  *monitoring.Metrics
	logger   *zap.Logger
}

// New returns an applier over the gateway store.
func New(s store.Store, notifier Notifier, metrics *monitoring.Metrics, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{store: s, notifier: notifier, metrics: metrics, logger: logger}
}

// Apply commits a single mutation.
func (a *Applier) Apply(ctx context.Context, m types.Mutation) types.ApplyResult {
	_, span := tracing.StartSpan(ctx, "applier.apply")
	defer span.End()

	doc, err := a.applyOne(m)
	if err != nil {
		return types.ApplyResult{Success: false, DocumentID: m.DocumentID, Error: err.Error()}
	}

	a.notify(m, doc)
	rev, _ := doc["_rev"].(string)
	return types.ApplyResult{Success: true, DocumentID: m.DocumentID, Rev: rev}
}

// ApplyBatch commits a batch, grouped by collection. Creates attempt the
// bulk path first; a failed bulk falls back to per-item application so each
// action gets its own verdict.
func (a *Applier) ApplyBatch(ctx context.Context, actions []types.Mutation) types.PushResponse {
	ctx, span := tracing.StartSpan(ctx, "applier.apply_batch")
	defer span.End()

	resp := types.PushResponse{Succeeded: []string{}, Failed: []types.PushFailure{}}

	if a.metrics != nil {
		defer func() {
			a.metrics.AppliedActions.Add(float64(len(resp.Succeeded)))
		}()
	}

	// group by collection preserving arrival order within each group
	groups := make(map[string][]types.Mutation)
	var order []string
	for _, m := range actions {
		if _, seen := groups[m.Collection]; !seen {
			order = append(order, m.Collection)
		}
		groups[m.Collection] = append(groups[m.Collection], m)
	}

	for _, coll := range order {
		group := groups[coll]
		if bulk := a.tryBulkCreate(coll, group); bulk != nil {
			resp.Succeeded = append(resp.Succeeded, bulk.Succeeded...)
			resp.Failed = append(resp.Failed, bulk.Failed...)
			continue
		}
		for _, m := range group {
			result := a.Apply(ctx, m)
			if result.Success {
				resp.Succeeded = append(resp.Succeeded, m.ID)
			} else {
				resp.Failed = append(resp.Failed, types.PushFailure{ActionID: m.ID, Error: result.Error})
			}
		}
	}

	return resp
}

// tryBulkCreate handles the homogeneous all-creates case in one store
// round trip. Returns nil when the group is mixed or any precondition fails,
// sending the caller down the per-item path.
func (a *Applier) tryBulkCreate(collection string, group []types.Mutation) *types.PushResponse {
	docs := make([]map[string]interface{}, 0, len(group))
	for _, m := range group {
		if m.Type != types.MutationCreate {
			return nil
		}
		existing, err := a.store.Get(collection, m.DocumentID)
		if err != nil || (existing != nil && !types.DocumentMeta(existing).Deleted) {
			return nil
		}
		docs = append(docs, a.createDoc(m))
	}

	results, errs := a.store.BulkInsert(collection, docs)
	resp := &types.PushResponse{Succeeded: []string{}, Failed: []types.PushFailure{}}
	for i, m := range group {
		if errs[i] != nil {
			resp.Failed = append(resp.Failed, types.PushFailure{ActionID: m.ID, Error: errs[i].Error()})
			continue
		}
		resp.Succeeded = append(resp.Succeeded, m.ID)
		a.notify(m, results[i])
	}
	return resp
}

func (a *Applier) applyOne(m types.Mutation) (map[string]interface{}, error) {
	switch m.Type {
	case types.MutationCreate:
		return a.create(m)
	case types.MutationUpdate:
		return a.update(m)
	case types.MutationDelete:
		return a.softDelete(m)
	default:
		return nil, &types.ProtocolError{Reason: fmt.Sprintf("unknown mutation type %q", m.Type)}
	}
}

func (a *Applier) create(m types.Mutation) (map[string]interface{}, error) {
	existing, err := a.store.Get(m.Collection, m.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !types.DocumentMeta(existing).Deleted {
		return nil, fmt.Errorf("%s/%s: %w", m.Collection, m.DocumentID, types.ErrDocumentExists)
	}
	return a.store.Insert(m.Collection, a.createDoc(m))
}

func (a *Applier) createDoc(m types.Mutation) map[string]interface{} {
	doc := make(map[string]interface{}, len(m.Data)+4)
	for k, v := range m.Data {
		doc[k] = v
	}
	doc["id"] = m.DocumentID
	now := types.NowISO()
	doc["createdAt"] = now
	doc["updatedAt"] = now
	doc["deleted"] = false
	return doc
}

func (a *Applier) update(m types.Mutation) (map[string]interface{}, error) {
	existing, err := a.store.Get(m.Collection, m.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%s/%s: %w", m.Collection, m.DocumentID, types.ErrDocumentNotFound)
	}

	patch := make(map[string]interface{}, len(m.Data)+1)
	for k, v := range m.Data {
		if k == "id" || k == "_rev" || k == "createdAt" {
			continue
		}
		if k == crdt.FieldKey {
			// serialized CRDT state accumulates: a client that has not seen
			// another client's edits must not clobber them here
			patch[k] = a.mergeStateField(m.Collection, m.DocumentID, existing[k], v)
			continue
		}
		patch[k] = v
	}
	patch["updatedAt"] = types.NowISO()
	return a.store.Patch(m.Collection, m.DocumentID, patch)
}

// mergeStateField unions the stored and incoming serialized CRDT states.
// One-sided or undecodable values pass through unchanged.
func (a *Applier) mergeStateField(collection, docID string, existingVal, incomingVal interface{}) interface{} {
	existing, eok := crdt.StateFromField(existingVal, collection, docID)
	incoming, iok := crdt.StateFromField(incomingVal, collection, docID)
	if !eok || !iok {
		if iok {
			return incomingVal
		}
		return existingVal
	}

	mgr := crdt.NewManager("server", a.logger)
	defer mgr.Destroy()
	if err := mgr.ApplyState(*existing); err != nil {
		return incomingVal
	}
	if err := mgr.ApplyState(*incoming); err != nil {
		return existingVal
	}
	merged, err := mgr.GetState(collection, docID)
	if err != nil {
		return incomingVal
	}
	return crdt.StateToField(merged)
}

func (a *Applier) softDelete(m types.Mutation) (map[string]interface{}, error) {
	existing, err := a.store.Get(m.Collection, m.DocumentID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%s/%s: %w", m.Collection, m.DocumentID, types.ErrDocumentNotFound)
	}
	return a.store.Patch(m.Collection, m.DocumentID, map[string]interface{}{
		"deleted":   true,
		"updatedAt": types.NowISO(),
	})
}

func (a *Applier) notify(m types.Mutation, doc map[string]interface{}) {
	if a.notifier == nil {
		return
	}
	a.notifier.BroadcastChange(types.ChangeItem{
		Collection: m.Collection,
		DocumentID: m.DocumentID,
		Document:   doc,
		Timestamp:  m.Timestamp,
		Seq:        a.store.LastSeq(),
		Deleted:    m.Type == types.MutationDelete,
	})
}

// GetDocument serves the applier document endpoint: tombstones read as
// missing.
func (a *Applier) GetDocument(collection, id string) (map[string]interface{}, error) {
	doc, err := a.store.Get(collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || types.DocumentMeta(doc).Deleted {
		return nil, types.ErrDocumentNotFound
	}
	return doc, nil
}

// IsNotFound reports whether err is the applier's missing-document verdict.
func IsNotFound(err error) bool { return errors.Is(err, types.ErrDocumentNotFound) }

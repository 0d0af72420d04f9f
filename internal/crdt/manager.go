package crdt

import (
	"sync"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/types"
)

// OriginRemote tags updates ingested from another replica so local-change
// observers never re-broadcast them.
const OriginRemote = "remote"

// LocalChangeFunc observes updates authored by this replica.
type LocalChangeFunc func(update types.CRDTUpdate)

// Manager owns the in-memory CRDT documents of one replica, keyed by
// collection:documentId. Lifetime runs from first field access to an
// explicit DeleteDocument or Destroy.
type Manager struct {
	replicaID string
	logger    *zap.Logger

	mu            sync.Mutex
	docs          map[string]*Document
	onLocalChange LocalChangeFunc
	destroyed     bool
}

// NewManager returns a manager for the given replica.
func NewManager(replicaID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		replicaID: replicaID,
		logger:    logger,
		docs:      make(map[string]*Document),
	}
}

// ReplicaID returns the replica this manager writes as.
func (m *Manager) ReplicaID() string { return m.replicaID }

// OnLocalChange registers the observer invoked for every locally-authored
// update. Remote applies never trigger it; that is what prevents echo
// storms between the realtime channel and the outbox.
func (m *Manager) OnLocalChange(fn LocalChangeFunc) {
	m.mu.Lock()
	m.onLocalChange = fn
	m.mu.Unlock()
}

func docKey(collection, docID string) string { return collection + ":" + docID }

func (m *Manager) docLocked(collection, docID string) *Document {
	key := docKey(collection, docID)
	doc, ok := m.docs[key]
	if !ok {
		doc = NewDocument(m.replicaID)
		m.docs[key] = doc
	}
	return doc
}

// SetField writes one field transactionally and notifies local observers.
func (m *Manager) SetField(collection, docID, field string, value interface{}) error {
	return m.SetFields(collection, docID, map[string]interface{}{field: value})
}

// SetFields writes several fields in a single transaction.
func (m *Manager) SetFields(collection, docID string, fields map[string]interface{}) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return types.ErrEngineDestroyed
	}
	doc := m.docLocked(collection, docID)
	ops := doc.SetAll(fields)
	fn := m.onLocalChange
	m.mu.Unlock()

	if fn == nil || len(ops) == 0 {
		return nil
	}
	payload, err := encodeOps(ops)
	if err != nil {
		return err
	}
	fn(types.CRDTUpdate{
		Update:     payload,
		DocumentID: docID,
		Collection: collection,
		Origin:     m.replicaID,
	})
	return nil
}

// GetField returns one field of the materialized snapshot.
func (m *Manager) GetField(collection, docID, field string) interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docLocked(collection, docID).Get(field)
}

// GetData materializes the document as a plain mapping.
func (m *Manager) GetData(collection, docID string) map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docLocked(collection, docID).Data()
}

// GetState serializes the current state: the causal summary plus a byte
// blob sufficient to rebuild the document from scratch.
func (m *Manager) GetState(collection, docID string) (*types.CRDTState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.docLocked(collection, docID)
	sv, err := doc.StateVector()
	if err != nil {
		return nil, err
	}
	full, err := doc.FullUpdate()
	if err != nil {
		return nil, err
	}
	return &types.CRDTState{
		StateVector: sv,
		FullUpdate:  full,
		DocumentID:  docID,
		Collection:  collection,
	}, nil
}

// GetIncrementalUpdate returns the minimal delta a peer at sinceStateVector
// needs; nil yields the full update.
func (m *Manager) GetIncrementalUpdate(collection, docID string, sinceStateVector []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docLocked(collection, docID).IncrementalUpdate(sinceStateVector)
}

// ApplyUpdate ingests a remote incremental update. The document is left
// unchanged when the payload is corrupt.
func (m *Manager) ApplyUpdate(update types.CRDTUpdate) error {
	ops, err := decodeOps(update.Update)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return types.ErrEngineDestroyed
	}
	m.docLocked(update.Collection, update.DocumentID).ApplyOps(ops)
	return nil
}

// ApplyState ingests a remote full state.
func (m *Manager) ApplyState(state types.CRDTState) error {
	return m.ApplyUpdate(types.CRDTUpdate{
		Update:     state.FullUpdate,
		DocumentID: state.DocumentID,
		Collection: state.Collection,
		Origin:     OriginRemote,
	})
}

// Merge ingests a remote state and returns the resulting merged state.
func (m *Manager) Merge(collection, docID string, remote types.CRDTState) (*types.CRDTState, error) {
	remote.Collection = collection
	remote.DocumentID = docID
	if err := m.ApplyState(remote); err != nil {
		return nil, err
	}
	return m.GetState(collection, docID)
}

// Tracked reports whether a document currently holds in-memory state.
func (m *Manager) Tracked(collection, docID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docKey(collection, docID)]
	return ok && len(doc.regs) > 0
}

// Seed loads a stored plain document into the manager when the document is
// not tracked yet: from its embedded serialized state when one rides along,
// else by projecting the user fields. Seeding never notifies local
// observers.
func (m *Manager) Seed(collection, docID string, stored map[string]interface{}) error {
	if m.Tracked(collection, docID) {
		return nil
	}

	if state, ok := StateFromField(stored[FieldKey], collection, docID); ok {
		return m.ApplyState(*state)
	}

	fields := make(map[string]interface{})
	for k, v := range stored {
		if types.MetadataKeys[k] {
			continue
		}
		fields[k] = v
	}
	if len(fields) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.destroyed {
		return types.ErrEngineDestroyed
	}
	m.docLocked(collection, docID).SetAll(fields)
	return nil
}

// DeleteDocument releases the in-memory document.
func (m *Manager) DeleteDocument(collection, docID string) {
	m.mu.Lock()
	delete(m.docs, docKey(collection, docID))
	m.mu.Unlock()
}

// Destroy releases every document and detaches the observer.
func (m *Manager) Destroy() {
	m.mu.Lock()
	m.destroyed = true
	m.docs = make(map[string]*Document)
	m.onLocalChange = nil
	m.mu.Unlock()
}

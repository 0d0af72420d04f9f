// Package driftsync is the public client: a local-first replica whose writes
// land in the local store and outbox immediately, with a background engine
// reconciling against the gateway.
package driftsync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/codec"
	"github.com/driftsync/driftsync/internal/config"
	"github.com/driftsync/driftsync/internal/crdt"
	"github.com/driftsync/driftsync/internal/netmon"
	"github.com/driftsync/driftsync/internal/outbox"
	"github.com/driftsync/driftsync/internal/realtime"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/stream"
	"github.com/driftsync/driftsync/internal/syncer"
	"github.com/driftsync/driftsync/internal/types"
)

// Options configures a client replica.
type Options struct {
	DataDir string
	Client  config.ClientOptions
	Logger  *zap.Logger
}

// DB is one local-first replica.
type DB struct {
	store    *store.FileStore
	outbox   *outbox.Outbox
	monitor  *netmon.Monitor
	engine   *syncer.Engine
	crdt     *crdt.Manager
	rt       *realtime.Client
	strategy syncer.Strategy
	logger   *zap.Logger
}

// New opens a replica: store, outbox (with crash recovery), network monitor,
// sync engine and, when enabled, the realtime channel. The component graph
// is wired here once; no late references.
func New(ctx context.Context, opts Options) (*DB, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("DataDir cannot be empty")
	}
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clientOpts := opts.Client
	defaults := config.DefaultClientOptions()
	if clientOpts.Sync.BatchSize == 0 {
		clientOpts.Sync.BatchSize = defaults.Sync.BatchSize
	}
	if clientOpts.Sync.Interval == 0 {
		clientOpts.Sync.Interval = defaults.Sync.Interval
	}
	if clientOpts.Sync.ConflictResolution == "" {
		clientOpts.Sync.ConflictResolution = defaults.Sync.ConflictResolution
	}
	if clientOpts.Outbox.MaxRetries == 0 {
		clientOpts.Outbox = defaults.Outbox
	}

	fs, err := store.NewFileStore(opts.DataDir)
	if err != nil {
		return nil, err
	}

	policy := outbox.DefaultRetryPolicy()
	policy.MaxRetries = clientOpts.Outbox.MaxRetries
	if clientOpts.Outbox.RetryDelay > 0 {
		policy.InitialDelay = clientOpts.Outbox.RetryDelay
	}
	if clientOpts.Outbox.RetryBackoffMultiplier > 0 {
		policy.Multiplier = clientOpts.Outbox.RetryBackoffMultiplier
	}
	if clientOpts.Outbox.MaxRetryDelay > 0 {
		policy.MaxDelay = clientOpts.Outbox.MaxRetryDelay
	}
	ob := outbox.New(fs, policy, logger)
	if _, err := ob.Recover(); err != nil {
		fs.Close()
		return nil, err
	}

	db := &DB{
		store:    fs,
		outbox:   ob,
		strategy: syncer.Strategy(clientOpts.Sync.ConflictResolution),
		logger:   logger,
	}

	clientID := clientOpts.Sync.ClientID
	if clientID == "" {
		clientID = types.NewMutationID()
	}
	db.crdt = crdt.NewManager(clientID, logger)

	if clientOpts.Sync.Enabled && clientOpts.Sync.URL != "" {
		db.monitor = netmon.New(netmon.DefaultConfig(clientOpts.Sync.URL+"/api/sync/status"), logger)
		db.monitor.Init()

		engineCfg := syncer.Config{
			URL:       clientOpts.Sync.URL,
			Interval:  clientOpts.Sync.Interval,
			BatchSize: clientOpts.Sync.BatchSize,
			Headers:   clientOpts.Sync.Headers,
			Strategy:  syncer.Strategy(clientOpts.Sync.ConflictResolution),
			Codec: codec.Options{
				UseBinary:        true,
				UseCompression:   clientOpts.Sync.EnableCompression,
				CompressionLevel: clientOpts.Sync.CompressionLevel,
			},
			ClientID: clientID,
		}
		db.engine = syncer.New(engineCfg, fs, ob, db.monitor, db.crdt, nil, logger)
		db.engine.Start()

		if clientOpts.Sync.EnableWebSocket {
			wsURL := clientOpts.Sync.WebSocketURL
			if wsURL == "" {
				wsURL = toWebSocketURL(clientOpts.Sync.URL) + "/api/stream"
			}
			db.rt = realtime.NewClient(wsURL, nil, func(item types.ChangeItem) {
				// single-item pull through the regular conflict path
				if err := db.engine.ApplyRemoteChange(item); err != nil {
					logger.Warn("realtime apply failed",
						zap.String("document_id", item.DocumentID),
						zap.Error(err))
				}
			}, nil, logger)
			db.rt.Connect()
		}
	}

	return db, nil
}

func toWebSocketURL(httpURL string) string {
	switch {
	case len(httpURL) > 8 && httpURL[:8] == "https://":
		return "wss://" + httpURL[8:]
	case len(httpURL) > 7 && httpURL[:7] == "http://":
		return "ws://" + httpURL[7:]
	default:
		return httpURL
	}
}

// Collection returns a handle for one document collection.
func (d *DB) Collection(name string) *Collection {
	if name == "" {
		panic("collection name cannot be empty")
	}
	return &Collection{db: d, name: name}
}

// Sync runs one attempt immediately (or joins the one in flight).
func (d *DB) Sync(ctx context.Context) error {
	if d.engine == nil {
		return fmt.Errorf("sync is not enabled")
	}
	return d.engine.Sync(ctx)
}

// SyncState snapshots the engine state.
func (d *DB) SyncState() syncer.State {
	if d.engine == nil {
		return syncer.State{}
	}
	return d.engine.GetState()
}

// OnSyncStateChange subscribes to engine state transitions.
func (d *DB) OnSyncStateChange() *stream.Subscription[syncer.State] {
	if d.engine == nil {
		p := stream.NewPublisher[syncer.State]()
		p.Close()
		return p.Subscribe()
	}
	return d.engine.OnStateChange()
}

// Outbox exposes the queue for observation and operator actions.
func (d *DB) Outbox() *outbox.Outbox { return d.outbox }

// CRDT exposes the per-document CRDT manager of this replica.
func (d *DB) CRDT() *crdt.Manager { return d.crdt }

// Store exposes the underlying typed store for advanced usage.
func (d *DB) Store() store.Store { return d.store }

// Close releases every component: realtime channel, engine, monitor, CRDT
// docs, outbox stream and the store.
func (d *DB) Close() error {
	if d.rt != nil {
		d.rt.Destroy()
	}
	if d.engine != nil {
		d.engine.Destroy()
	}
	if d.monitor != nil {
		d.monitor.Destroy()
	}
	d.crdt.Destroy()
	d.outbox.Destroy()
	return d.store.Close()
}

// Collection is the write path of one collection: local replica first, then
// the outbox, never blocking on the network.
type Collection struct {
	db   *DB
	name string
}

// Insert writes a document locally and enqueues the create. Under the crdt
// strategy the fields are also projected into the replica's CRDT document
// and its serialized state rides along in the stored and pushed copies.
func (c *Collection) Insert(ctx context.Context, doc map[string]interface{}) (map[string]interface{}, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context cannot be nil")
	}
	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("document must contain a non-empty 'id' field")
	}

	stored := make(map[string]interface{}, len(doc)+4)
	for k, v := range doc {
		stored[k] = v
	}
	now := types.NowISO()
	stored["createdAt"] = now
	stored["updatedAt"] = now
	stored["deleted"] = false

	pushed := doc
	if c.db.strategy == syncer.StrategyCRDT {
		stateField, err := c.db.projectCRDT(c.name, id, nil, doc)
		if err != nil {
			return nil, err
		}
		stored[crdt.FieldKey] = stateField
		pushed = withStateField(doc, stateField)
	}

	inserted, err := c.db.store.Insert(c.name, stored)
	if err != nil {
		return nil, err
	}
	if _, err := c.db.outbox.Enqueue(types.MutationCreate, c.name, id, pushed); err != nil {
		return nil, err
	}
	return inserted, nil
}

// Update patches a document locally and enqueues the update.
func (c *Collection) Update(id string, partial map[string]interface{}) (map[string]interface{}, error) {
	patch := make(map[string]interface{}, len(partial)+2)
	for k, v := range partial {
		patch[k] = v
	}
	patch["updatedAt"] = types.NowISO()

	pushed := partial
	if c.db.strategy == syncer.StrategyCRDT {
		base, err := c.db.store.Get(c.name, id)
		if err != nil {
			return nil, err
		}
		stateField, err := c.db.projectCRDT(c.name, id, base, partial)
		if err != nil {
			return nil, err
		}
		patch[crdt.FieldKey] = stateField
		pushed = withStateField(partial, stateField)
	}

	updated, err := c.db.store.Patch(c.name, id, patch)
	if err != nil {
		return nil, err
	}
	if _, err := c.db.outbox.Enqueue(types.MutationUpdate, c.name, id, pushed); err != nil {
		return nil, err
	}
	return updated, nil
}

// Delete tombstones a document locally and enqueues the delete. The
// in-memory CRDT document is released; the tombstone itself keeps the
// delete visible to pull receivers.
func (c *Collection) Delete(id string) error {
	if _, err := c.db.store.Patch(c.name, id, map[string]interface{}{
		"deleted":   true,
		"updatedAt": types.NowISO(),
	}); err != nil {
		return err
	}
	if c.db.strategy == syncer.StrategyCRDT {
		c.db.crdt.DeleteDocument(c.name, id)
	}
	_, err := c.db.outbox.Enqueue(types.MutationDelete, c.name, id, nil)
	return err
}

// projectCRDT runs one local write through the CRDT document: seed from the
// stored copy when untracked, apply the changed fields, and return the
// serialized state field for the stored and pushed copies.
func (d *DB) projectCRDT(collection, id string, base, changes map[string]interface{}) (map[string]interface{}, error) {
	if base != nil {
		if err := d.crdt.Seed(collection, id, base); err != nil {
			return nil, err
		}
	}

	fields := make(map[string]interface{}, len(changes))
	for k, v := range changes {
		if types.MetadataKeys[k] {
			continue
		}
		fields[k] = v
	}
	if len(fields) > 0 {
		if err := d.crdt.SetFields(collection, id, fields); err != nil {
			return nil, err
		}
	}

	state, err := d.crdt.GetState(collection, id)
	if err != nil {
		return nil, err
	}
	return crdt.StateToField(state), nil
}

// withStateField copies a payload with the serialized CRDT state attached.
func withStateField(payload, stateField map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out[crdt.FieldKey] = stateField
	return out
}

// Find returns the document, nil when missing or tombstoned.
func (c *Collection) Find(id string) (map[string]interface{}, error) {
	doc, err := c.db.store.Get(c.name, id)
	if err != nil {
		return nil, err
	}
	if doc == nil || types.DocumentMeta(doc).Deleted {
		return nil, nil
	}
	return doc, nil
}

// FindAll returns every live document.
func (c *Collection) FindAll() ([]map[string]interface{}, error) {
	return c.db.store.Find(c.name, map[string]interface{}{
		"deleted": map[string]interface{}{"$ne": true},
	})
}

// Query evaluates a Mango-style selector over the collection.
func (c *Collection) Query(selector map[string]interface{}) ([]map[string]interface{}, error) {
	return c.db.store.Find(c.name, selector)
}

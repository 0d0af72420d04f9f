// Package syncer orchestrates the replica ↔ gateway protocol: drain the
// outbox into compressed push batches, pull the server change feed from the
// stored cursor, resolve conflicts per strategy, and persist the cursor
// atomically with a successful pull. One attempt is in flight at a time;
// concurrent Sync callers share its result.
package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/arbiter"
	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/codec"
	"github.com/driftsync/driftsync/internal/crdt"
	"github.com/driftsync/driftsync/internal/monitoring"
	"github.com/driftsync/driftsync/internal/netmon"
	"github.com/driftsync/driftsync/internal/outbox"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/stream"
	"github.com/driftsync/driftsync/internal/tracing"
	"github.com/driftsync/driftsync/internal/types"
)

// Strategy selects how pulled documents reconcile against local edits.
type Strategy string

const (
	StrategyLWW  Strategy = "lww"
	StrategyCRDT Strategy = "crdt"
)

// Config tunes one engine.
type Config struct {
	URL       string
	Interval  time.Duration
	BatchSize int
	Headers   map[string]string
	Strategy  Strategy
	Codec     codec.Options
	ClientID  string
}

// DefaultConfig applies the protocol defaults.
func DefaultConfig(url string) Config {
	return Config{
		URL:       url,
		Interval:  60 * time.Second,
		BatchSize: 100,
		Strategy:  StrategyLWW,
		Codec:     codec.DefaultOptions(),
	}
}

// State is the observable sync state.
type State struct {
	LastSyncAt   int64             `json:"lastSyncAt"`
	IsSyncing    bool              `json:"isSyncing"`
	PendingCount int               `json:"pendingCount"`
	Error        string            `json:"error,omitempty"`
	VectorClock  clock.VectorClock `json:"vectorClock,omitempty"`
}

// phase makes the attempt's control flow an explicit machine, so the
// suspension and recovery points stay visible.
type phase int

const (
	phaseIdle phase = iota
	phaseDraining
	phasePushing
	phasePulling
	phaseCleaning
)

const metadataID = "sync_metadata"

// Engine drives sync for one replica.
type Engine struct {
	cfg     Config
	store   store.Store
	outbox  *outbox.Outbox
	monitor *netmon.Monitor
	arbiter *arbiter.Arbiter
	crdt    *crdt.Manager
	codec   *codec.Codec
	http    *http.Client
	metrics *monitoring.Metrics
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	inflight    *attempt
	state       State
	vclock      clock.VectorClock
	phase       phase
	isDestroyed bool

	watcher *stream.Publisher[State]
}

// attempt is one in-flight sync whose result is shared by every caller that
// arrived while it ran.
type attempt struct {
	done chan struct{}
	err  error
}

// New wires an engine. The arbiter runs over the local store so pulled
// documents go through the same conflict path as a server-side resolve.
// crdtMgr is the replica's document manager, required for the crdt
// strategy; a nil manager degrades that strategy to field merge.
func New(cfg Config, s store.Store, ob *outbox.Outbox, mon *netmon.Monitor, crdtMgr *crdt.Manager, metrics *monitoring.Metrics, logger *zap.Logger) *Engine {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLWW
	}
	if cfg.ClientID == "" {
		cfg.ClientID = types.NewMutationID()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:     cfg,
		store:   s,
		outbox:  ob,
		monitor: mon,
		arbiter: arbiter.New(s, logger),
		crdt:    crdtMgr,
		codec:   codec.New(cfg.Codec),
		http:    &http.Client{Timeout: 30 * time.Second},
		metrics: metrics,
		logger:  logger.With(zap.String("client_id", cfg.ClientID)),
		ctx:     ctx,
		cancel:  cancel,
		watcher: stream.NewPublisher[State](),
	}
	e.loadMetadata()
	return e
}

// ClientID returns the replica identity used on the wire.
func (e *Engine) ClientID() string { return e.cfg.ClientID }

// Start launches the periodic loop and the online-transition trigger.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()

	if e.monitor != nil {
		e.wg.Add(1)
		go e.watchConnectivity()
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if e.monitor != nil && !e.monitor.IsOnline() {
				continue
			}
			_ = e.Sync(e.ctx)
		}
	}
}

func (e *Engine) watchConnectivity() {
	defer e.wg.Done()
	sub := e.monitor.Status()
	defer sub.Cancel()

	for {
		select {
		case <-e.ctx.Done():
			return
		case online, ok := <-sub.C:
			if !ok {
				return
			}
			if online {
				e.logger.Info("back online, triggering sync")
				go e.Sync(e.ctx)
			}
		}
	}
}

// Sync runs one attempt, or joins the attempt already in flight.
func (e *Engine) Sync(ctx context.Context) error {
	e.mu.Lock()
	if e.isDestroyed {
		e.mu.Unlock()
		return types.ErrEngineDestroyed
	}
	if e.monitor != nil && !e.monitor.IsOnline() {
		e.mu.Unlock()
		return types.ErrOffline
	}
	if a := e.inflight; a != nil {
		e.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	e.inflight = a
	e.mu.Unlock()

	go func() {
		a.err = e.runAttempt()
		e.mu.Lock()
		e.inflight = nil
		e.mu.Unlock()
		close(a.done)
	}()

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runAttempt steps through the attempt machine:
// Idle → Draining → Pushing → Pulling → Cleaning → Idle.
func (e *Engine) runAttempt() error {
	ctx, span := tracing.StartSpan(e.ctx, "syncer.attempt")
	defer span.End()

	start := time.Now()
	if e.metrics != nil {
		e.metrics.SyncAttempts.Inc()
		defer func() { e.metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()
	}

	e.setSyncing(true)
	var firstErr error

	for _, step := range []struct {
		phase phase
		run   func(context.Context) error
	}{
		{phaseDraining, e.requeueRetryable},
		{phasePushing, e.push},
		{phasePulling, e.pull},
		{phaseCleaning, e.cleanup},
	} {
		e.setPhase(step.phase)
		if err := step.run(ctx); err != nil {
			firstErr = err
			break
		}
		if e.ctx.Err() != nil {
			firstErr = e.ctx.Err()
			break
		}
	}
	e.setPhase(phaseIdle)

	e.mu.Lock()
	e.state.IsSyncing = false
	if firstErr != nil {
		e.state.Error = firstErr.Error()
	} else {
		e.state.Error = ""
		e.state.LastSyncAt = time.Now().UnixMilli()
	}
	e.state.PendingCount = e.outbox.PendingCount()
	if e.metrics != nil {
		e.metrics.OutboxDepth.Set(float64(e.state.PendingCount))
	}
	e.publishLocked()
	e.mu.Unlock()

	if firstErr != nil {
		if e.metrics != nil {
			e.metrics.SyncFailures.Inc()
		}
		e.logger.Warn("sync attempt failed", zap.Error(firstErr))
	}
	return firstErr
}

// requeueRetryable moves failed actions whose backoff elapsed back to
// pending so the push phase picks them up.
func (e *Engine) requeueRetryable(context.Context) error {
	retryable, err := e.outbox.GetRetryable()
	if err != nil {
		return err
	}
	for _, a := range retryable {
		if err := e.outbox.Requeue(a.ID); err != nil {
			return err
		}
	}
	return nil
}

// push drains one batch. A transport failure marks every attempted action
// failed so it can retry; per-action verdicts come from the server reply.
func (e *Engine) push(ctx context.Context) error {
	batch, err := e.outbox.GetPending(e.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	for _, a := range batch {
		if err := e.outbox.MarkSyncing(a.ID); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.vclock = clock.Increment(e.vclock, e.cfg.ClientID)
	vclock := clock.Clone(e.vclock)
	e.mu.Unlock()

	req := types.PushRequest{Actions: batch, VectorClock: vclock, ClientID: e.cfg.ClientID}
	var resp types.PushResponse
	if err := e.post(ctx, e.cfg.URL+"/api/sync/push", &req, &resp); err != nil {
		for _, a := range batch {
			_ = e.outbox.MarkFailed(a.ID, err.Error())
		}
		return err
	}

	failed := make(map[string]string, len(resp.Failed))
	for _, f := range resp.Failed {
		failed[f.ActionID] = f.Error
	}
	succeeded := make(map[string]bool, len(resp.Succeeded))
	for _, id := range resp.Succeeded {
		succeeded[id] = true
	}

	for _, a := range batch {
		switch {
		case succeeded[a.ID]:
			_ = e.outbox.MarkDone(a.ID)
		case failed[a.ID] != "":
			_ = e.outbox.MarkFailed(a.ID, failed[a.ID])
		default:
			_ = e.outbox.MarkFailed(a.ID, "not acknowledged by server")
		}
	}

	if e.metrics != nil {
		e.metrics.PushedActions.Add(float64(len(resp.Succeeded)))
		e.metrics.CompressionRatio.Observe(e.codec.Stats().CompressionRatio())
	}
	e.logger.Debug("push complete",
		zap.Int("succeeded", len(resp.Succeeded)),
		zap.Int("failed", len(resp.Failed)))
	return nil
}

// pull fetches changes since the stored cursor and applies them in arrival
// order. The cursor and clock persist only after everything applied.
func (e *Engine) pull(ctx context.Context) error {
	meta := e.readMetadata()

	q := url.Values{}
	q.Set("since", strconv.FormatUint(meta.LastSeq, 10))
	q.Set("limit", strconv.Itoa(e.cfg.BatchSize))
	q.Set("clientId", e.cfg.ClientID)
	if len(e.vclock) > 0 {
		if vcJSON, err := encodeClock(e.vclock); err == nil {
			q.Set("vectorClock", vcJSON)
		}
	}

	var resp types.PullResponse
	if err := e.get(ctx, e.cfg.URL+"/api/sync/pull?"+q.Encode(), &resp); err != nil {
		return err
	}

	for _, item := range resp.Items {
		if err := e.ApplyRemoteChange(item); err != nil {
			return err
		}
	}

	e.mu.Lock()
	if resp.ServerVectorClock != nil {
		e.vclock = clock.Merge(e.vclock, resp.ServerVectorClock, e.cfg.ClientID)
	}
	vclock := clock.Clone(e.vclock)
	e.state.VectorClock = vclock
	e.mu.Unlock()

	// cursor and clock land atomically in one metadata write
	_, err := e.store.Insert("sync_metadata", map[string]interface{}{
		"id":          metadataID,
		"lastSyncAt":  time.Now().UnixMilli(),
		"lastSeq":     resp.Since,
		"vectorClock": clockToDoc(vclock),
	})
	if err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.PulledChanges.Add(float64(len(resp.Items)))
	}
	return nil
}

func (e *Engine) cleanup(context.Context) error {
	_, err := e.outbox.Cleanup(0)
	return err
}

// ApplyRemoteChange upserts one pulled (or pushed-over-websocket) document
// into the local replica through the conflict path.
func (e *Engine) ApplyRemoteChange(item types.ChangeItem) error {
	if item.Document == nil {
		return nil
	}

	local, err := e.store.Get(item.Collection, item.DocumentID)
	if err != nil {
		return err
	}
	if local == nil {
		_, err := e.store.Insert(item.Collection, item.Document)
		return err
	}

	merged := e.resolve(local, item)
	_, err = e.store.Insert(item.Collection, merged)
	return err
}

// resolve picks the document to keep when a pulled change lands on a local
// copy. LWW trusts the newer updatedAt with server tie-break; the CRDT
// strategy merges field-wise so concurrent local edits survive.
func (e *Engine) resolve(local map[string]interface{}, item types.ChangeItem) map[string]interface{} {
	in := arbiter.Input{
		DocumentID: item.DocumentID,
		Collection: item.Collection,
		ClientData: local,
		ServerData: item.Document,
		ClientID:   e.cfg.ClientID,
	}

	var merged map[string]interface{}
	switch e.cfg.Strategy {
	case StrategyCRDT:
		if out := e.resolveCRDT(local, item); out != nil {
			merged = out
			if e.metrics != nil {
				e.metrics.ConflictsResolved.WithLabelValues(string(StrategyCRDT)).Inc()
			}
			break
		}
		// the remote copy carried no serialized CRDT state (or this engine
		// has no manager): fall back to field merge, reported as such
		res := e.arbiter.ResolveFieldMerge(in)
		if !res.Resolved {
			merged = item.Document
		} else {
			merged = res.Data
		}
		if e.metrics != nil && len(res.Conflict) > 0 {
			e.metrics.ConflictsResolved.WithLabelValues("field-merge").Add(float64(len(res.Conflict)))
		}
	default:
		res := e.arbiter.ResolveLWW(in)
		// keep the winner's own timestamps: re-stamping a pulled document
		// would make the local copy look newer than the server forever
		if res.Resolved && res.Winner == "client" {
			merged = local
			if e.metrics != nil {
				e.metrics.ConflictsResolved.WithLabelValues(string(StrategyLWW)).Inc()
			}
		} else {
			merged = item.Document
		}
	}

	// the store handle of the local copy is preserved on update
	out := make(map[string]interface{}, len(merged)+1)
	for k, v := range merged {
		out[k] = v
	}
	if rev, ok := local["_rev"]; ok {
		out["_rev"] = rev
	}
	return out
}

// resolveCRDT merges a pulled document through the replica's per-document
// CRDT state machine: seed the local copy, apply the remote serialized
// state, materialize the convergent snapshot. Returns nil when the remote
// copy carries no usable state, sending the caller down the fallback path.
func (e *Engine) resolveCRDT(local map[string]interface{}, item types.ChangeItem) map[string]interface{} {
	if e.crdt == nil {
		return nil
	}
	remoteState, ok := crdt.StateFromField(item.Document[crdt.FieldKey], item.Collection, item.DocumentID)
	if !ok {
		return nil
	}

	if err := e.crdt.Seed(item.Collection, item.DocumentID, local); err != nil {
		e.logger.Warn("crdt seed failed",
			zap.String("document_id", item.DocumentID), zap.Error(err))
		return nil
	}
	if err := e.crdt.ApplyUpdate(types.CRDTUpdate{
		Update:     remoteState.FullUpdate,
		DocumentID: item.DocumentID,
		Collection: item.Collection,
		Origin:     crdt.OriginRemote,
	}); err != nil {
		// corrupt state never mutates the document; let the fallback decide
		e.logger.Warn("crdt apply failed",
			zap.String("document_id", item.DocumentID), zap.Error(err))
		return nil
	}

	mergedState, err := e.crdt.GetState(item.Collection, item.DocumentID)
	if err != nil {
		return nil
	}

	out := e.crdt.GetData(item.Collection, item.DocumentID)
	out["id"] = item.DocumentID
	out[crdt.FieldKey] = crdt.StateToField(mergedState)

	localMeta := types.DocumentMeta(local)
	remoteMeta := types.DocumentMeta(item.Document)
	if localMeta.CreatedAt != "" {
		out["createdAt"] = localMeta.CreatedAt
	} else if remoteMeta.CreatedAt != "" {
		out["createdAt"] = remoteMeta.CreatedAt
	}
	if remoteMeta.UpdatedAt > localMeta.UpdatedAt {
		out["updatedAt"] = remoteMeta.UpdatedAt
	} else if localMeta.UpdatedAt != "" {
		out["updatedAt"] = localMeta.UpdatedAt
	}
	// tombstones are sticky across merges
	out["deleted"] = localMeta.Deleted || remoteMeta.Deleted
	return out
}

// GetState snapshots the observable state.
func (e *Engine) GetState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	s.PendingCount = e.outbox.PendingCount()
	s.VectorClock = clock.Clone(e.vclock)
	return s
}

// OnStateChange subscribes to state transitions.
func (e *Engine) OnStateChange() *stream.Subscription[State] {
	return e.watcher.Subscribe()
}

// Destroy cancels timers, aborts in-flight requests, and completes the
// state stream.
func (e *Engine) Destroy() {
	e.mu.Lock()
	if e.isDestroyed {
		e.mu.Unlock()
		return
	}
	e.isDestroyed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.watcher.Close()
}

func (e *Engine) setSyncing(v bool) {
	e.mu.Lock()
	e.state.IsSyncing = v
	e.state.PendingCount = e.outbox.PendingCount()
	e.publishLocked()
	e.mu.Unlock()
}

func (e *Engine) setPhase(p phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Engine) publishLocked() {
	s := e.state
	s.VectorClock = clock.Clone(e.vclock)
	e.watcher.Publish(s)
}

func (e *Engine) loadMetadata() {
	meta := e.readMetadata()
	e.mu.Lock()
	e.vclock = meta.VectorClock
	if e.vclock == nil {
		e.vclock = clock.NewVectorClock()
	}
	e.state.LastSyncAt = meta.LastSyncAt
	e.state.VectorClock = clock.Clone(e.vclock)
	e.mu.Unlock()
}

func (e *Engine) readMetadata() types.SyncMetadata {
	meta := types.SyncMetadata{ID: metadataID}
	doc, err := e.store.Get("sync_metadata", metadataID)
	if err != nil || doc == nil {
		return meta
	}
	if v, ok := doc["lastSyncAt"].(float64); ok {
		meta.LastSyncAt = int64(v)
	}
	if v, ok := doc["lastSeq"].(float64); ok {
		meta.LastSeq = uint64(v)
	}
	if raw, ok := doc["vectorClock"].(map[string]interface{}); ok {
		meta.VectorClock = clock.NewVectorClock()
		for k, v := range raw {
			if f, ok := v.(float64); ok {
				meta.VectorClock[k] = uint64(f)
			}
		}
	}
	return meta
}

// post sends a codec-encoded request and decodes the reply.
func (e *Engine) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := e.codec.Encode(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", e.codec.ContentType())
	if e.codec.Compressed() {
		req.Header.Set(codec.CompressionHeader, codec.CompressionValue)
	}
	req.Header.Set("Accept", e.codec.ContentType())
	e.setHeaders(req)

	return e.do(req, out)
}

func (e *Engine) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", e.codec.ContentType())
	e.setHeaders(req)
	return e.do(req, out)
}

func (e *Engine) setHeaders(req *http.Request) {
	req.Header.Set("X-Client-Id", e.cfg.ClientID)
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func (e *Engine) do(req *http.Request, out interface{}) error {
	resp, err := e.http.Do(req)
	if err != nil {
		return &types.NetworkError{Op: req.Method + " " + req.URL.Path, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return &types.NetworkError{Op: "read response", Cause: err}
	}
	if resp.StatusCode >= 400 {
		return &types.ProtocolError{Reason: fmt.Sprintf("%s returned %d: %s", req.URL.Path, resp.StatusCode, truncate(data, 256))}
	}
	if out == nil {
		return nil
	}
	return e.codec.Decode(data, out)
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

func encodeClock(vc clock.VectorClock) (string, error) {
	data, err := json.Marshal(map[string]uint64(vc))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func clockToDoc(vc clock.VectorClock) map[string]interface{} {
	out := make(map[string]interface{}, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Package arbiter detects conflicts between a client and server copy of a
// document and resolves them: whole-document LWW, field-level LWW,
// field-level timestamp merge, or CRDT merge. The arbiter is pure given its
// inputs; when the server copy is absent it fetches it from the store.
package arbiter

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/crdt"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/types"
)

// conflictWindow is the slack allowed between updatedAt stamps before two
// writes count as divergent.
const conflictWindow = time.Second

// Input feeds conflict detection and the non-CRDT strategies.
type Input struct {
	DocumentID    string                 `json:"documentId"`
	Collection    string                 `json:"collection"`
	ClientVersion string                 `json:"clientVersion,omitempty"`
	ServerVersion string                 `json:"serverVersion,omitempty"`
	ClientData    map[string]interface{} `json:"clientData"`
	ServerData    map[string]interface{} `json:"serverData,omitempty"`
	ClientID      string                 `json:"clientId,omitempty"`
}

// CheckResult is the reply of the conflict check endpoint.
type CheckResult struct {
	HasConflict     bool   `json:"hasConflict"`
	DocumentID      string `json:"documentId"`
	ClientVersion   string `json:"clientVersion,omitempty"`
	ServerVersion   string `json:"serverVersion,omitempty"`
	ConflictDetails string `json:"conflictDetails,omitempty"`
}

// Resolution is the outcome of whole-document LWW.
type Resolution struct {
	Resolved bool                   `json:"resolved"`
	Winner   string                 `json:"winner"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// FieldConflict records one resolved divergence for audit.
type FieldConflict struct {
	Field       string      `json:"field"`
	ClientValue interface{} `json:"clientValue"`
	ServerValue interface{} `json:"serverValue"`
	Winner      string      `json:"winner"`
}

// MergeResolution is the outcome of the field strategies.
type MergeResolution struct {
	Resolved bool                   `json:"resolved"`
	Winner   string                 `json:"winner"`
	Data     map[string]interface{} `json:"data,omitempty"`
	Conflict []FieldConflict        `json:"conflict"`
	Reason   string                 `json:"reason,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

// CRDTResolution is the outcome of the CRDT strategy.
type CRDTResolution struct {
	Resolved    bool             `json:"resolved"`
	MergedState *types.CRDTState `json:"mergedState,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// ServerReplicaID is the replica identity the gateway writes vector clock
// entries under.
const ServerReplicaID = "server"

// Arbiter resolves conflicts for one gateway. The CRDT state cache is owned
// per instance and passed explicitly to route handlers, never global.
type Arbiter struct {
	store  store.Store
	logger *zap.Logger

	cacheMu sync.Mutex
	cache   map[string]*types.CRDTState
}

// New returns an arbiter over the gateway store.
func New(s store.Store, logger *zap.Logger) *Arbiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Arbiter{store: s, logger: logger, cache: make(map[string]*types.CRDTState)}
}

// serverDoc returns the server copy, fetching it when the input omitted it.
// The bool reports whether a fetch was attempted and failed.
func (a *Arbiter) serverDoc(in Input) (map[string]interface{}, bool) {
	if in.ServerData != nil {
		return in.ServerData, false
	}
	doc, err := a.store.Get(in.Collection, in.DocumentID)
	if err != nil {
		a.logger.Warn("server document fetch failed",
			zap.String("collection", in.Collection),
			zap.String("document_id", in.DocumentID),
			zap.Error(err))
		return nil, true
	}
	return doc, false
}

// Check detects divergence without resolving it. Vector clocks win when both
// sides carry them; otherwise updatedAt distance decides.
func (a *Arbiter) Check(in Input) CheckResult {
	out := CheckResult{
		DocumentID:    in.DocumentID,
		ClientVersion: in.ClientVersion,
		ServerVersion: in.ServerVersion,
	}

	server, fetchFailed := a.serverDoc(in)
	if fetchFailed {
		out.HasConflict = true
		out.ConflictDetails = "server document unavailable"
		return out
	}
	if server == nil {
		// new on client: nothing to conflict with
		return out
	}

	hasConflict, details := detect(in.ClientData, server)
	out.HasConflict = hasConflict
	out.ConflictDetails = details
	return out
}

func detect(client, server map[string]interface{}) (bool, string) {
	cv := vectorOf(client)
	sv := vectorOf(server)
	if cv != nil && sv != nil {
		known := cv[ServerReplicaID]
		own := sv[ServerReplicaID]
		if known < own {
			return true, fmt.Sprintf("client has seen server clock %d, server is at %d", known, own)
		}
		return false, ""
	}

	ct := types.ParseISO(types.DocumentMeta(client).UpdatedAt)
	st := types.ParseISO(types.DocumentMeta(server).UpdatedAt)
	diff := ct.Sub(st)
	if diff < 0 {
		diff = -diff
	}
	if diff > conflictWindow {
		return true, fmt.Sprintf("updatedAt diverges by %s", diff)
	}
	return false, ""
}

func vectorOf(doc map[string]interface{}) clock.VectorClock {
	raw, ok := doc["_vector"].(map[string]interface{})
	if !ok {
		return nil
	}
	vc := clock.NewVectorClock()
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			vc[k] = uint64(n)
		case int64:
			vc[k] = uint64(n)
		case uint64:
			vc[k] = n
		}
	}
	return vc
}

// ResolveLWW picks the side with the greater updatedAt; ties go to the
// server.
func (a *Arbiter) ResolveLWW(in Input) Resolution {
	server, fetchFailed := a.serverDoc(in)
	if fetchFailed {
		return Resolution{Resolved: false, Winner: "server", Reason: "server document unavailable"}
	}
	if server == nil {
		return Resolution{
			Resolved: true,
			Winner:   "client",
			Data:     a.stamp(in.ClientData, in.ClientID),
			Reason:   "no server copy exists",
		}
	}

	ct := types.ParseISO(types.DocumentMeta(in.ClientData).UpdatedAt)
	st := types.ParseISO(types.DocumentMeta(server).UpdatedAt)

	switch {
	case ct.After(st):
		return Resolution{
			Resolved: true,
			Winner:   "client",
			Data:     a.stamp(in.ClientData, in.ClientID),
			Reason:   "client updatedAt is newer",
		}
	case st.After(ct):
		return Resolution{
			Resolved: true,
			Winner:   "server",
			Data:     a.stamp(server, in.ClientID),
			Reason:   "server updatedAt is newer",
		}
	default:
		return Resolution{
			Resolved: true,
			Winner:   "server",
			Data:     a.stamp(server, in.ClientID),
			Reason:   "updatedAt tie-breaker: server wins",
		}
	}
}

// ResolveFieldMerge starts from the server copy and merges field by field:
// one-sided fields copy over; two-sided divergences go to the newer
// field-level timestamp, falling back to the document updatedAt. Only real
// divergences land in the conflict list.
func (a *Arbiter) ResolveFieldMerge(in Input) MergeResolution {
	server, fetchFailed := a.serverDoc(in)
	if fetchFailed {
		return MergeResolution{Resolved: false, Winner: "server", Conflict: []FieldConflict{}, Reason: "server document unavailable"}
	}
	if server == nil {
		server = map[string]interface{}{}
	}

	merged := copyDoc(server)
	conflicts := make([]FieldConflict, 0)

	for _, field := range unionFields(in.ClientData, server) {
		cv, cok := in.ClientData[field]
		sv, sok := server[field]

		switch {
		case cok && !sok:
			merged[field] = cv
		case sok && !cok:
			// already present in merged
		case !equalValues(cv, sv):
			winner := "server"
			if fieldTime(in.ClientData, field).After(fieldTime(server, field)) {
				winner = "client"
				merged[field] = cv
			}
			conflicts = append(conflicts, FieldConflict{
				Field: field, ClientValue: cv, ServerValue: sv, Winner: winner,
			})
		}
	}

	return MergeResolution{
		Resolved: true,
		Winner:   "merged",
		Data:     a.stamp(merged, in.ClientID),
		Conflict: conflicts,
		Reason:   fmt.Sprintf("field merge resolved %d divergent fields", len(conflicts)),
	}
}

// ResolveFieldLWW is the simpler variant: when both sides carry a field the
// client value is preferred, and each divergence is counted once.
func (a *Arbiter) ResolveFieldLWW(in Input) MergeResolution {
	server, fetchFailed := a.serverDoc(in)
	if fetchFailed {
		return MergeResolution{Resolved: false, Winner: "server", Conflict: []FieldConflict{}, Reason: "server document unavailable"}
	}
	if server == nil {
		server = map[string]interface{}{}
	}

	merged := copyDoc(server)
	conflicts := make([]FieldConflict, 0)

	for _, field := range unionFields(in.ClientData, server) {
		cv, cok := in.ClientData[field]
		sv, sok := server[field]

		switch {
		case cok && !sok:
			merged[field] = cv
		case sok && !cok:
			// keep server value
		case !equalValues(cv, sv):
			merged[field] = cv
			conflicts = append(conflicts, FieldConflict{
				Field: field, ClientValue: cv, ServerValue: sv, Winner: "client",
			})
		}
	}

	return MergeResolution{
		Resolved: true,
		Winner:   "merged",
		Data:     a.stamp(merged, in.ClientID),
		Conflict: conflicts,
		Reason:   fmt.Sprintf("field-level LWW resolved %d divergent fields", len(conflicts)),
	}
}

// CRDTInput feeds the CRDT strategy.
type CRDTInput struct {
	DocumentID  string           `json:"documentId"`
	Collection  string           `json:"collection"`
	ClientState types.CRDTState  `json:"clientState"`
	ServerState *types.CRDTState `json:"serverState,omitempty"`
}

// ResolveCRDT constructs a merge document, applies the client's update and
// the server's (cached) state, and returns the merged result. Convergence
// comes from the CRDT construction itself; no tie-breaking is needed.
func (a *Arbiter) ResolveCRDT(in CRDTInput) CRDTResolution {
	mgr := crdt.NewManager(ServerReplicaID, a.logger)
	defer mgr.Destroy()

	client := in.ClientState
	client.Collection = in.Collection
	client.DocumentID = in.DocumentID
	if err := mgr.ApplyState(client); err != nil {
		return CRDTResolution{Resolved: false, Error: err.Error()}
	}

	serverState := in.ServerState
	if serverState == nil {
		serverState = a.CacheGet(in.Collection, in.DocumentID)
	}
	if serverState != nil {
		ss := *serverState
		ss.Collection = in.Collection
		ss.DocumentID = in.DocumentID
		if err := mgr.ApplyState(ss); err != nil {
			return CRDTResolution{Resolved: false, Error: err.Error()}
		}
	}

	merged, err := mgr.GetState(in.Collection, in.DocumentID)
	if err != nil {
		return CRDTResolution{Resolved: false, Error: err.Error()}
	}

	a.CacheSet(in.Collection, in.DocumentID, merged)
	return CRDTResolution{Resolved: true, MergedState: merged}
}

// CacheGet returns the cached server-side CRDT state, or nil.
func (a *Arbiter) CacheGet(collection, docID string) *types.CRDTState {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	return a.cache[collection+":"+docID]
}

// CacheSet stores the server-side CRDT state for a document.
func (a *Arbiter) CacheSet(collection, docID string, state *types.CRDTState) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cache[collection+":"+docID] = state
}

// CacheDelete drops one cached document state.
func (a *Arbiter) CacheDelete(collection, docID string) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	delete(a.cache, collection+":"+docID)
}

// CacheClear drops the whole cache. Test hook.
func (a *Arbiter) CacheClear() {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	a.cache = make(map[string]*types.CRDTState)
}

// stamp refreshes the resolution metadata on the winning document.
func (a *Arbiter) stamp(doc map[string]interface{}, clientID string) map[string]interface{} {
	out := copyDoc(doc)
	out["updatedAt"] = types.NowISO()
	if clientID != "" {
		out["updatedBy"] = clientID
	} else {
		out["updatedBy"] = "merged"
	}
	return out
}

// fieldTime returns the per-field timestamp when the document carries one,
// else the document-level updatedAt.
func fieldTime(doc map[string]interface{}, field string) time.Time {
	if ft, ok := doc["_fieldTimestamps"].(map[string]interface{}); ok {
		if s, ok := ft[field].(string); ok {
			if t := types.ParseISO(s); !t.IsZero() {
				return t
			}
		}
	}
	return types.ParseISO(types.DocumentMeta(doc).UpdatedAt)
}

// unionFields lists user fields present on either side, metadata excluded,
// in a stable order.
func unionFields(client, server map[string]interface{}) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(m map[string]interface{}) {
		for k := range m {
			if types.MetadataKeys[k] || k == "_fieldTimestamps" || seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, k)
		}
	}
	add(server)
	add(client)
	sort.Strings(out)
	return out
}

func equalValues(a, b interface{}) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func copyDoc(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// Package store is the durable, schema-typed collection store behind every
// replica: file-per-document persistence, Mango-style selectors, secondary
// value indexes and a monotonic change feed consumed by the pull path and the
// realtime broadcaster.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftsync/driftsync/internal/types"
)

// Store is the persistence contract the core components program against.
type Store interface {
	Insert(collection string, doc map[string]interface{}) (map[string]interface{}, error)
	BulkInsert(collection string, docs []map[string]interface{}) ([]map[string]interface{}, []error)
	Get(collection, id string) (map[string]interface{}, error)
	FindOne(collection, field string, value interface{}) (map[string]interface{}, error)
	Find(collection string, selector map[string]interface{}) ([]map[string]interface{}, error)
	All(collection string) ([]map[string]interface{}, error)
	Patch(collection, id string, partial map[string]interface{}) (map[string]interface{}, error)
	SoftDelete(collection, id string) (map[string]interface{}, error)
	Remove(collection, id string) error
	Changes(since uint64, collection string, limit int) ([]types.ChangeItem, uint64, bool, error)
	LastSeq() uint64
	Info(collection string) (CollectionInfo, error)
	CreateIndex(collection, name string, fields []string) error
	QueryIndex(collection, name string, value interface{}) ([]string, error)
	Close() error
}

// CollectionInfo summarizes a collection for the info endpoint.
type CollectionInfo struct {
	Collection string `json:"collection"`
	DocCount   int    `json:"doc_count"`
	UpdateSeq  uint64 `json:"update_seq"`
	SizeBytes  int64  `json:"size_bytes"`
}

// internalCollections never surface on the change feed; they are bookkeeping
// local to one replica.
var internalCollections = map[string]bool{
	"outbox_actions":  true,
	"sync_metadata":   true,
	"upload_sessions": true,
	"crdt_state":      true,
}

type feedEntry struct {
	Seq        uint64 `json:"seq"`
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Deleted    bool   `json:"deleted,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// FileStore implements Store using a file per document plus an append-only
// change log, the way the storage engine keeps collections on disk.
type FileStore struct {
	baseDir      string
	indexManager *IndexManager

	mu      sync.RWMutex
	seq     uint64
	feed    []feedEntry
	feedMax int
	logFile *os.File
}

// maximum feed entries retained in memory; the log file keeps full history.
const defaultFeedMax = 10000

// NewFileStore opens (or creates) a store rooted at baseDir and replays the
// change log so the feed cursor survives restarts.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, &types.StoreError{Op: "open", Cause: err}
	}

	fs := &FileStore{
		baseDir:      baseDir,
		indexManager: NewIndexManager(),
		feedMax:      defaultFeedMax,
	}

	if err := fs.replayLog(); err != nil {
		return nil, err
	}

	logPath := filepath.Join(baseDir, "changes.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, &types.StoreError{Op: "open", Cause: err}
	}
	fs.logFile = f

	return fs, nil
}

func (fs *FileStore) replayLog() error {
	logPath := filepath.Join(fs.baseDir, "changes.log")
	f, err := os.Open(logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &types.StoreError{Op: "replay", Cause: err}
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e feedEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		fs.feed = append(fs.feed, e)
		if e.Seq > fs.seq {
			fs.seq = e.Seq
		}
	}
	if len(fs.feed) > fs.feedMax {
		fs.feed = fs.feed[len(fs.feed)-fs.feedMax:]
	}
	return nil
}

func (fs *FileStore) collectionDir(collection string) string {
	return filepath.Join(fs.baseDir, collection)
}

func (fs *FileStore) docPath(collection, id string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(id)
	return filepath.Join(fs.collectionDir(collection), safe+".json")
}

// Insert writes a new document. The document must carry a string "id"; a
// fresh _rev is assigned. Inserting over an existing id replaces it (upsert),
// matching the bulk path's semantics.
func (fs *FileStore) Insert(collection string, doc map[string]interface{}) (map[string]interface{}, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.insertLocked(collection, doc)
}

func (fs *FileStore) insertLocked(collection string, doc map[string]interface{}) (map[string]interface{}, error) {
	id, ok := doc["id"].(string)
	if !ok || id == "" {
		return nil, &types.StoreError{Op: "insert", Cause: fmt.Errorf("document must contain a non-empty 'id'")}
	}

	stored := deepCopy(doc)
	stored["_rev"] = nextRev(stored["_rev"])

	if err := os.MkdirAll(fs.collectionDir(collection), 0755); err != nil {
		return nil, &types.StoreError{Op: "insert", Cause: err}
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, &types.StoreError{Op: "insert", Cause: err}
	}
	if err := os.WriteFile(fs.docPath(collection, id), data, 0644); err != nil {
		return nil, &types.StoreError{Op: "insert", Cause: err}
	}

	fs.indexManager.Put(collection, stored)
	deleted, _ := stored["deleted"].(bool)
	fs.commitLocked(collection, id, deleted)
	return deepCopy(stored), nil
}

// BulkInsert upserts a batch in one pass, reporting per-item errors
// positionally. A nil error slice entry means that item landed.
func (fs *FileStore) BulkInsert(collection string, docs []map[string]interface{}) ([]map[string]interface{}, []error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	results := make([]map[string]interface{}, len(docs))
	errs := make([]error, len(docs))
	for i, doc := range docs {
		results[i], errs[i] = fs.insertLocked(collection, doc)
	}
	return results, errs
}

// Get returns the document or (nil, nil) when missing.
func (fs *FileStore) Get(collection, id string) (map[string]interface{}, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.getLocked(collection, id)
}

func (fs *FileStore) getLocked(collection, id string) (map[string]interface{}, error) {
	data, err := os.ReadFile(fs.docPath(collection, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &types.StoreError{Op: "get", Cause: err}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &types.StoreError{Op: "get", Cause: err}
	}
	return doc, nil
}

// FindOne returns the first document whose field equals value, or nil.
func (fs *FileStore) FindOne(collection, field string, value interface{}) (map[string]interface{}, error) {
	if field == "id" {
		if id, ok := value.(string); ok {
			return fs.Get(collection, id)
		}
	}

	docs, err := fs.Find(collection, map[string]interface{}{field: value})
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Find evaluates a Mango-style selector: field: value for equality, or
// field: {"$op": operand} with $eq, $ne, $gt, $gte, $lt, $lte, $exists.
func (fs *FileStore) Find(collection string, selector map[string]interface{}) ([]map[string]interface{}, error) {
	docs, err := fs.All(collection)
	if err != nil {
		return nil, err
	}

	var out []map[string]interface{}
	for _, doc := range docs {
		if matchSelector(doc, selector) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// All returns every document of a collection, tombstones included.
func (fs *FileStore) All(collection string) ([]map[string]interface{}, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := fs.collectionDir(collection)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []map[string]interface{}{}, nil
		}
		return nil, &types.StoreError{Op: "all", Cause: err}
	}

	docs := make([]map[string]interface{}, 0, len(files))
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if err := json.Unmarshal(data, &doc); err != nil {
			continue
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// Patch merges partial over the stored document, preserving the version
// handle discipline: the caller gets a fresh _rev back.
func (fs *FileStore) Patch(collection, id string, partial map[string]interface{}) (map[string]interface{}, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	doc, err := fs.getLocked(collection, id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, types.ErrDocumentNotFound
	}

	for k, v := range partial {
		if v == nil {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	return fs.insertLocked(collection, doc)
}

// SoftDelete tombstones a document: deleted=true, the record stays visible to
// the change feed so pull receivers observe the delete.
func (fs *FileStore) SoftDelete(collection, id string) (map[string]interface{}, error) {
	return fs.Patch(collection, id, map[string]interface{}{"deleted": true})
}

// Remove hard-deletes a document. Used only for replica-local bookkeeping
// (outbox cleanup, expired upload sessions); never for synced collections.
func (fs *FileStore) Remove(collection, id string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.docPath(collection, id)); err != nil && !os.IsNotExist(err) {
		return &types.StoreError{Op: "remove", Cause: err}
	}
	fs.indexManager.Delete(collection, id)
	return nil
}

// Changes returns feed entries with seq > since, oldest first. Internal
// collections never appear. An empty collection filter matches everything.
func (fs *FileStore) Changes(since uint64, collection string, limit int) ([]types.ChangeItem, uint64, bool, error) {
	fs.mu.RLock()
	entries := make([]feedEntry, 0, limit)
	hasMore := false
	for _, e := range fs.feed {
		if e.Seq <= since || internalCollections[e.Collection] {
			continue
		}
		if collection != "" && e.Collection != collection {
			continue
		}
		if limit > 0 && len(entries) >= limit {
			hasMore = true
			break
		}
		entries = append(entries, e)
	}
	last := fs.seq
	fs.mu.RUnlock()

	items := make([]types.ChangeItem, 0, len(entries))
	newSince := since
	for _, e := range entries {
		doc, err := fs.Get(e.Collection, e.ID)
		if err != nil {
			return nil, since, false, err
		}
		items = append(items, types.ChangeItem{
			Collection: e.Collection,
			DocumentID: e.ID,
			Document:   doc,
			Timestamp:  e.Timestamp,
			Seq:        e.Seq,
			Deleted:    e.Deleted,
		})
		newSince = e.Seq
	}
	if len(entries) == 0 {
		newSince = last
	}
	return items, newSince, hasMore, nil
}

// LastSeq returns the current change feed cursor.
func (fs *FileStore) LastSeq() uint64 {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.seq
}

// Info summarizes a collection.
func (fs *FileStore) Info(collection string) (CollectionInfo, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	info := CollectionInfo{Collection: collection, UpdateSeq: fs.seq}
	dir := fs.collectionDir(collection)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, &types.StoreError{Op: "info", Cause: err}
	}
	for _, f := range files {
		if filepath.Ext(f.Name()) != ".json" {
			continue
		}
		info.DocCount++
		if fi, err := f.Info(); err == nil {
			info.SizeBytes += fi.Size()
		}
	}
	return info, nil
}

// CreateIndex registers a value index maintained on every write.
func (fs *FileStore) CreateIndex(collection, name string, fields []string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.indexManager.CreateIndex(collection, name, fields); err != nil {
		return err
	}

	// backfill from existing documents
	dir := fs.collectionDir(collection)
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, file.Name()))
		if err != nil {
			continue
		}
		var doc map[string]interface{}
		if json.Unmarshal(data, &doc) == nil {
			fs.indexManager.Put(collection, doc)
		}
	}
	return nil
}

// QueryIndex returns document IDs matching an indexed value.
func (fs *FileStore) QueryIndex(collection, name string, value interface{}) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.indexManager.Query(collection, name, value)
}

// Close flushes and releases the change log.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.logFile != nil {
		err := fs.logFile.Close()
		fs.logFile = nil
		return err
	}
	return nil
}

// commitLocked appends a change feed record. Callers hold fs.mu.
func (fs *FileStore) commitLocked(collection, id string, deleted bool) {
	fs.seq++
	e := feedEntry{
		Seq:        fs.seq,
		Collection: collection,
		ID:         id,
		Deleted:    deleted,
		Timestamp:  time.Now().UnixMilli(),
	}
	fs.feed = append(fs.feed, e)
	if len(fs.feed) > fs.feedMax {
		fs.feed = fs.feed[len(fs.feed)-fs.feedMax:]
	}
	if fs.logFile != nil {
		if data, err := json.Marshal(e); err == nil {
			fmt.Fprintf(fs.logFile, "%s\n", data)
		}
	}
}

// nextRev bumps an opaque CouchDB-style version handle.
func nextRev(prev interface{}) string {
	gen := 0
	if s, ok := prev.(string); ok {
		if i := strings.IndexByte(s, '-'); i > 0 {
			if n, err := strconv.Atoi(s[:i]); err == nil {
				gen = n
			}
		}
	}
	return fmt.Sprintf("%d-%s", gen+1, uuid.NewString()[:8])
}

func matchSelector(doc, selector map[string]interface{}) bool {
	for field, cond := range selector {
		val, present := doc[field]
		if ops, ok := cond.(map[string]interface{}); ok {
			for op, operand := range ops {
				if !matchOp(val, present, op, operand) {
					return false
				}
			}
			continue
		}
		if !present || !looseEqual(val, cond) {
			return false
		}
	}
	return true
}

func matchOp(val interface{}, present bool, op string, operand interface{}) bool {
	switch op {
	case "$eq":
		return present && looseEqual(val, operand)
	case "$ne":
		return !present || !looseEqual(val, operand)
	case "$exists":
		want, _ := operand.(bool)
		return present == want
	case "$gt", "$gte", "$lt", "$lte":
		a, aok := asFloat(val)
		b, bok := asFloat(operand)
		if !present || !aok || !bok {
			// fall back to string comparison for timestamps
			as, asok := val.(string)
			bs, bsok := operand.(string)
			if !present || !asok || !bsok {
				return false
			}
			switch op {
			case "$gt":
				return as > bs
			case "$gte":
				return as >= bs
			case "$lt":
				return as < bs
			default:
				return as <= bs
			}
		}
		switch op {
		case "$gt":
			return a > b
		case "$gte":
			return a >= b
		case "$lt":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

// looseEqual compares across the numeric types JSON decoding produces.
func looseEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// deepCopy clones a document so callers and storage never share references.
func deepCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case map[string]interface{}:
			out[k] = deepCopy(val)
		case []interface{}:
			out[k] = deepCopySlice(val)
		default:
			out[k] = val
		}
	}
	return out
}

func deepCopySlice(s []interface{}) []interface{} {
	if s == nil {
		return nil
	}
	out := make([]interface{}, len(s))
	for i, e := range s {
		switch v := e.(type) {
		case map[string]interface{}:
			out[i] = deepCopy(v)
		case []interface{}:
			out[i] = deepCopySlice(v)
		default:
			out[i] = v
		}
	}
	return out
}

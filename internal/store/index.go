package store

import (
	"fmt"
	"sync"
)

// ValueIndex maps a rendered field value to the document IDs carrying it.
type ValueIndex struct {
	Name       string
	Collection string
	Fields     []string

	data  map[string]map[string]bool // rendered value -> set of documentIDs
	byDoc map[string]string          // documentID -> rendered value
}

// IndexManager maintains secondary value indexes for a store. Keys are
// collection:name, matching how the storage engine addresses its indexes.
type IndexManager struct {
	mu      sync.RWMutex
	indexes map[string]*ValueIndex
}

// NewIndexManager returns an empty manager.
func NewIndexManager() *IndexManager {
	return &IndexManager{indexes: make(map[string]*ValueIndex)}
}

// CreateIndex registers an index over one or more fields.
func (im *IndexManager) CreateIndex(collection, name string, fields []string) error {
	key := collection + ":" + name

	im.mu.Lock()
	defer im.mu.Unlock()

	if _, exists := im.indexes[key]; exists {
		return fmt.Errorf("index %s already exists", key)
	}
	im.indexes[key] = &ValueIndex{
		Name:       name,
		Collection: collection,
		Fields:     fields,
		data:       make(map[string]map[string]bool),
		byDoc:      make(map[string]string),
	}
	return nil
}

// Put indexes (or re-indexes) a document across all matching indexes.
func (im *IndexManager) Put(collection string, doc map[string]interface{}) {
	id, ok := doc["id"].(string)
	if !ok {
		return
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	for _, idx := range im.indexes {
		if idx.Collection != collection {
			continue
		}
		if prev, ok := idx.byDoc[id]; ok {
			delete(idx.data[prev], id)
		}
		rendered := renderKey(doc, idx.Fields)
		if idx.data[rendered] == nil {
			idx.data[rendered] = make(map[string]bool)
		}
		idx.data[rendered][id] = true
		idx.byDoc[id] = rendered
	}
}

// Delete drops a document from all indexes of its collection.
func (im *IndexManager) Delete(collection, id string) {
	im.mu.Lock()
	defer im.mu.Unlock()

	for _, idx := range im.indexes {
		if idx.Collection != collection {
			continue
		}
		if prev, ok := idx.byDoc[id]; ok {
			delete(idx.data[prev], id)
			delete(idx.byDoc, id)
		}
	}
}

// Query returns the IDs of documents whose indexed fields render to value.
// For multi-field indexes pass a slice with one entry per field.
func (im *IndexManager) Query(collection, name string, value interface{}) ([]string, error) {
	key := collection + ":" + name

	im.mu.RLock()
	defer im.mu.RUnlock()

	idx, ok := im.indexes[key]
	if !ok {
		return nil, fmt.Errorf("index %s does not exist", key)
	}

	var rendered string
	if vals, ok := value.([]interface{}); ok {
		doc := make(map[string]interface{}, len(idx.Fields))
		for i, f := range idx.Fields {
			if i < len(vals) {
				doc[f] = vals[i]
			}
		}
		rendered = renderKey(doc, idx.Fields)
	} else if len(idx.Fields) == 1 {
		rendered = renderKey(map[string]interface{}{idx.Fields[0]: value}, idx.Fields)
	} else {
		return nil, fmt.Errorf("index %s spans %d fields, got a single value", key, len(idx.Fields))
	}

	set := idx.data[rendered]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

func renderKey(doc map[string]interface{}, fields []string) string {
	key := ""
	for i, f := range fields {
		if i > 0 {
			key += "\x00"
		}
		if v, ok := doc[f]; ok {
			if f, isNum := asFloat(v); isNum {
				key += fmt.Sprintf("%v", f)
			} else {
				key += fmt.Sprintf("%v", v)
			}
		}
	}
	return key
}

// Package crdt tracks per-document field state as a conflict-free replicated
// data type. Every field is a register written under a unique dot (counter +
// replica id); last writer by dot wins, never by wall clock. Nested maps
// decompose into per-leaf registers and arrays into ordered element
// registers, so concurrent edits to different fields always both survive a
// merge.
package crdt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/types"
)

// Dot identifies a single write. Comparison is total: counter first, replica
// id as the tie break, which is what makes register merges deterministic.
type Dot struct {
	Counter uint64 `msgpack:"c" json:"c"`
	Replica string `msgpack:"r" json:"r"`
}

// After reports whether d wins against other.
func (d Dot) After(other Dot) bool {
	if d.Counter != other.Counter {
		return d.Counter > other.Counter
	}
	return d.Replica > other.Replica
}

// pathSep joins path segments into register keys; seqPrefix marks sequence
// element segments.
const (
	pathSep   = "\x1f"
	seqPrefix = "#"
)

type register struct {
	Dot     Dot
	Value   interface{}
	Deleted bool
}

// wireOp is the encoded form of one register.
type wireOp struct {
	Path    []string    `msgpack:"p"`
	Counter uint64      `msgpack:"c"`
	Replica string      `msgpack:"r"`
	Value   interface{} `msgpack:"v,omitempty"`
	Deleted bool        `msgpack:"d,omitempty"`
}

type wireUpdate struct {
	Ops []wireOp `msgpack:"ops"`
}

// Document is the in-memory CRDT state for one (collection, documentId).
// Not safe for concurrent use; the Manager serializes access.
type Document struct {
	replicaID string
	counter   uint64
	seen      clock.VectorClock
	regs      map[string]*register
}

// NewDocument returns an empty document owned by replicaID.
func NewDocument(replicaID string) *Document {
	return &Document{
		replicaID: replicaID,
		seen:      clock.NewVectorClock(),
		regs:      make(map[string]*register),
	}
}

func (d *Document) nextDot() Dot {
	d.counter++
	if d.counter > d.seen[d.replicaID] {
		d.seen[d.replicaID] = d.counter
	}
	return Dot{Counter: d.counter, Replica: d.replicaID}
}

func (d *Document) observe(dot Dot) {
	if dot.Counter > d.seen[dot.Replica] {
		d.seen[dot.Replica] = dot.Counter
	}
	if dot.Replica == d.replicaID && dot.Counter > d.counter {
		d.counter = dot.Counter
	}
}

// Set writes one top-level field as a single transaction and returns the ops
// it produced. A nil value deletes the field.
func (d *Document) Set(field string, value interface{}) []wireOp {
	return d.SetAll(map[string]interface{}{field: value})
}

// SetAll writes several fields in one transaction.
func (d *Document) SetAll(fields map[string]interface{}) []wireOp {
	var ops []wireOp
	for field, value := range fields {
		ops = append(ops, d.write([]string{field}, value)...)
	}
	return ops
}

// write decomposes value into leaf registers below path, tombstoning
// observed leaves the new value no longer covers.
func (d *Document) write(path []string, value interface{}) []wireOp {
	var ops []wireOp

	switch v := value.(type) {
	case nil:
		ops = append(ops, d.tombstoneSubtree(path)...)
		ops = append(ops, d.applyLocal(path, nil, true))
	case map[string]interface{}:
		covered := make(map[string]bool, len(v))
		for k := range v {
			covered[k] = true
		}
		// drop observed children the new map does not carry
		for _, childSeg := range d.childSegments(path) {
			if !covered[childSeg] && !strings.HasPrefix(childSeg, seqPrefix) {
				ops = append(ops, d.tombstoneSubtree(append(append([]string{}, path...), childSeg))...)
				ops = append(ops, d.applyLocal(append(append([]string{}, path...), childSeg), nil, true))
			}
		}
		// a scalar previously at this path loses to the newer subtree
		for k, child := range v {
			ops = append(ops, d.write(append(append([]string{}, path...), k), child)...)
		}
	case []interface{}:
		// observed-remove: tombstone every element this replica can see,
		// then insert the new elements under fresh dots. Concurrent inserts
		// from other replicas survive because their dots are unseen here.
		for _, childSeg := range d.childSegments(path) {
			if strings.HasPrefix(childSeg, seqPrefix) {
				ops = append(ops, d.applyLocal(append(append([]string{}, path...), childSeg), nil, true))
			}
		}
		for _, elem := range v {
			dot := d.peekDot()
			seg := elemSegment(dot)
			ops = append(ops, d.write(append(append([]string{}, path...), seg), elem)...)
		}
	default:
		ops = append(ops, d.applyLocal(path, v, false))
	}
	return ops
}

// peekDot returns the dot the next applyLocal call will be assigned.
func (d *Document) peekDot() Dot {
	return Dot{Counter: d.counter + 1, Replica: d.replicaID}
}

func (d *Document) applyLocal(path []string, value interface{}, deleted bool) wireOp {
	dot := d.nextDot()
	key := strings.Join(path, pathSep)
	d.regs[key] = &register{Dot: dot, Value: value, Deleted: deleted}
	return wireOp{Path: path, Counter: dot.Counter, Replica: dot.Replica, Value: value, Deleted: deleted}
}

func (d *Document) tombstoneSubtree(path []string) []wireOp {
	prefix := strings.Join(path, pathSep) + pathSep
	var ops []wireOp
	for key, reg := range d.regs {
		if strings.HasPrefix(key, prefix) && !reg.Deleted {
			op := d.applyLocal(strings.Split(key, pathSep), nil, true)
			ops = append(ops, op)
		}
	}
	return ops
}

func (d *Document) childSegments(path []string) []string {
	prefix := ""
	if len(path) > 0 {
		prefix = strings.Join(path, pathSep) + pathSep
	}
	segs := make(map[string]bool)
	for key, reg := range d.regs {
		if reg.Deleted || !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.Index(rest, pathSep); i >= 0 {
			segs[rest[:i]] = true
		} else if rest != "" {
			segs[rest] = true
		}
	}
	out := make([]string, 0, len(segs))
	for s := range segs {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ApplyOps merges remote ops into the document. A register only moves when
// the incoming dot wins, which makes application idempotent and order
// independent.
func (d *Document) ApplyOps(ops []wireOp) {
	for _, op := range ops {
		dot := Dot{Counter: op.Counter, Replica: op.Replica}
		key := strings.Join(op.Path, pathSep)
		existing, ok := d.regs[key]
		if !ok || dot.After(existing.Dot) {
			d.regs[key] = &register{Dot: dot, Value: op.Value, Deleted: op.Deleted}
		}
		d.observe(dot)
	}
}

// StateVector encodes the causal summary of everything this document has
// observed.
func (d *Document) StateVector() ([]byte, error) {
	data, err := msgpack.Marshal(map[string]uint64(d.seen))
	if err != nil {
		return nil, &types.SerializationError{Cause: err}
	}
	return data, nil
}

// FullUpdate encodes every register, tombstones included, sufficient to
// reconstruct the document from scratch.
func (d *Document) FullUpdate() ([]byte, error) {
	return encodeOps(d.allOps())
}

// IncrementalUpdate encodes the registers the holder of sinceVector has not
// observed. A nil sinceVector yields the full update.
func (d *Document) IncrementalUpdate(sinceVector []byte) ([]byte, error) {
	if len(sinceVector) == 0 {
		return d.FullUpdate()
	}
	var since map[string]uint64
	if err := msgpack.Unmarshal(sinceVector, &since); err != nil {
		return nil, &types.CRDTDecodeError{Cause: err}
	}

	var ops []wireOp
	for _, op := range d.allOps() {
		if op.Counter > since[op.Replica] {
			ops = append(ops, op)
		}
	}
	return encodeOps(ops)
}

func (d *Document) allOps() []wireOp {
	keys := make([]string, 0, len(d.regs))
	for k := range d.regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ops := make([]wireOp, 0, len(keys))
	for _, k := range keys {
		reg := d.regs[k]
		ops = append(ops, wireOp{
			Path:    strings.Split(k, pathSep),
			Counter: reg.Dot.Counter,
			Replica: reg.Dot.Replica,
			Value:   reg.Value,
			Deleted: reg.Deleted,
		})
	}
	return ops
}

// Data materializes the current snapshot as a plain mapping, hiding all
// internal CRDT bookkeeping.
func (d *Document) Data() map[string]interface{} {
	root := newTreeNode()
	for key, reg := range d.regs {
		root.insert(strings.Split(key, pathSep), reg)
	}
	out, _ := root.materialize()
	m, ok := out.(map[string]interface{})
	if !ok || m == nil {
		return map[string]interface{}{}
	}
	return m
}

// Get returns one top-level field from the snapshot.
func (d *Document) Get(field string) interface{} {
	return d.Data()[field]
}

func encodeOps(ops []wireOp) ([]byte, error) {
	data, err := msgpack.Marshal(wireUpdate{Ops: ops})
	if err != nil {
		return nil, &types.SerializationError{Cause: err}
	}
	return data, nil
}

// decodeOps fully validates an update payload before anything is applied, so
// a corrupt update never half-mutates a document.
func decodeOps(update []byte) ([]wireOp, error) {
	var wu wireUpdate
	if err := msgpack.Unmarshal(update, &wu); err != nil {
		return nil, &types.CRDTDecodeError{Cause: err}
	}
	for _, op := range wu.Ops {
		if len(op.Path) == 0 || op.Replica == "" {
			return nil, &types.CRDTDecodeError{Cause: fmt.Errorf("malformed op in update")}
		}
	}
	return wu.Ops, nil
}

// treeNode assembles registers back into a value tree.
type treeNode struct {
	reg      *register
	children map[string]*treeNode
}

func newTreeNode() *treeNode {
	return &treeNode{children: make(map[string]*treeNode)}
}

func (n *treeNode) insert(path []string, reg *register) {
	if len(path) == 0 {
		return
	}
	child, ok := n.children[path[0]]
	if !ok {
		child = newTreeNode()
		n.children[path[0]] = child
	}
	if len(path) == 1 {
		child.reg = reg
		return
	}
	child.insert(path[1:], reg)
}

// materialize resolves a node to its value and the newest dot beneath it.
// When a scalar register and a subtree share a path, the newer dot wins.
func (n *treeNode) materialize() (interface{}, Dot) {
	var best Dot
	if n.reg != nil {
		best = n.reg.Dot
	}

	type liveChild struct {
		seg   string
		value interface{}
		dot   Dot
	}
	var live []liveChild
	var maxChildDot Dot
	for seg, child := range n.children {
		v, dot := child.materialize()
		if dot.After(maxChildDot) {
			maxChildDot = dot
		}
		if v == nil {
			continue
		}
		live = append(live, liveChild{seg: seg, value: v, dot: dot})
	}

	if maxChildDot.After(best) {
		best = maxChildDot
	}

	// a live subtree that is newer than the scalar register shadows it
	scalarLive := n.reg != nil && !n.reg.Deleted
	if len(live) > 0 && (!scalarLive || maxChildDot.After(n.reg.Dot)) {
		seq := true
		for _, c := range live {
			if !strings.HasPrefix(c.seg, seqPrefix) {
				seq = false
				break
			}
		}
		if seq {
			sort.Slice(live, func(i, j int) bool { return live[i].seg < live[j].seg })
			arr := make([]interface{}, 0, len(live))
			for _, c := range live {
				arr = append(arr, c.value)
			}
			return arr, best
		}
		m := make(map[string]interface{}, len(live))
		for _, c := range live {
			m[c.seg] = c.value
		}
		return m, best
	}

	if scalarLive {
		return n.reg.Value, best
	}
	return nil, best
}

// elemSegment renders a sequence element id whose lexical order matches its
// dot order.
func elemSegment(dot Dot) string {
	return fmt.Sprintf("%s%020d@%s", seqPrefix, dot.Counter, dot.Replica)
}

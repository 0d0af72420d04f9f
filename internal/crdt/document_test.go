package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetAndData(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "Buy milk")
	d.Set("completed", false)

	data := d.Data()
	assert.Equal(t, "Buy milk", data["text"])
	assert.Equal(t, false, data["completed"])
}

func TestOverwriteWins(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "a")
	d.Set("text", "b")
	assert.Equal(t, "b", d.Get("text"))
}

func TestNilDeletesField(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "a")
	d.Set("text", nil)

	data := d.Data()
	_, has := data["text"]
	assert.False(t, has)
}

func TestNestedMap(t *testing.T) {
	d := NewDocument("r1")
	d.Set("meta", map[string]interface{}{"owner": "alice", "tags": map[string]interface{}{"urgent": true}})

	data := d.Data()
	meta, ok := data["meta"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "alice", meta["owner"])
	tags, ok := meta["tags"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, tags["urgent"])
}

func TestMapRewriteDropsStaleKeys(t *testing.T) {
	d := NewDocument("r1")
	d.Set("meta", map[string]interface{}{"a": 1, "b": 2})
	d.Set("meta", map[string]interface{}{"a": 3})

	meta := d.Get("meta").(map[string]interface{})
	assert.Len(t, meta, 1)
}

func TestSequence(t *testing.T) {
	d := NewDocument("r1")
	d.Set("tags", []interface{}{"x", "y", "z"})

	tags, ok := d.Get("tags").([]interface{})
	require.True(t, ok)
	assert.Equal(t, []interface{}{"x", "y", "z"}, tags)

	d.Set("tags", []interface{}{"only"})
	tags = d.Get("tags").([]interface{})
	assert.Equal(t, []interface{}{"only"}, tags)
}

func TestScalarShadowsOlderSubtree(t *testing.T) {
	d := NewDocument("r1")
	d.Set("meta", map[string]interface{}{"a": 1})
	d.Set("meta", "flat")
	assert.Equal(t, "flat", d.Get("meta"))
}

func TestFullUpdateRoundTrip(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "Buy milk")
	d.Set("meta", map[string]interface{}{"owner": "alice"})
	d.Set("tags", []interface{}{"a", "b"})

	full, err := d.FullUpdate()
	require.NoError(t, err)

	ops, err := decodeOps(full)
	require.NoError(t, err)

	fresh := NewDocument("r2")
	fresh.ApplyOps(ops)
	assert.Equal(t, d.Data(), fresh.Data())
}

func TestIncrementalUpdateSinceVector(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "a")

	sv, err := d.StateVector()
	require.NoError(t, err)

	d.Set("priority", "high")

	delta, err := d.IncrementalUpdate(sv)
	require.NoError(t, err)
	ops, err := decodeOps(delta)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, []string{"priority"}, ops[0].Path)

	// nil vector yields the full update
	full, err := d.IncrementalUpdate(nil)
	require.NoError(t, err)
	fullOps, err := decodeOps(full)
	require.NoError(t, err)
	assert.Len(t, fullOps, 2)
}

func TestApplyIdempotent(t *testing.T) {
	d := NewDocument("r1")
	d.Set("text", "a")
	full, err := d.FullUpdate()
	require.NoError(t, err)
	ops, err := decodeOps(full)
	require.NoError(t, err)

	target := NewDocument("r2")
	target.ApplyOps(ops)
	once := target.Data()
	target.ApplyOps(ops)
	assert.Equal(t, once, target.Data())
}

func TestApplyCommutative(t *testing.T) {
	base := NewDocument("base")
	base.Set("text", "shared")
	baseFull, err := base.FullUpdate()
	require.NoError(t, err)
	baseOps, err := decodeOps(baseFull)
	require.NoError(t, err)

	// two replicas diverge from the same state with concurrent field edits
	c1 := NewDocument("c1")
	c1.ApplyOps(baseOps)
	c1.Set("priority", "high")
	u1, err := c1.FullUpdate()
	require.NoError(t, err)
	ops1, err := decodeOps(u1)
	require.NoError(t, err)

	c2 := NewDocument("c2")
	c2.ApplyOps(baseOps)
	c2.Set("completed", true)
	u2, err := c2.FullUpdate()
	require.NoError(t, err)
	ops2, err := decodeOps(u2)
	require.NoError(t, err)

	ab := NewDocument("m1")
	ab.ApplyOps(ops1)
	ab.ApplyOps(ops2)

	ba := NewDocument("m2")
	ba.ApplyOps(ops2)
	ba.ApplyOps(ops1)

	assert.Equal(t, ab.Data(), ba.Data())
	assert.Equal(t, "high", ab.Get("priority"))
	assert.Equal(t, true, ab.Get("completed"))
	assert.Equal(t, "shared", ab.Get("text"))
}

func TestConcurrentSameFieldDeterministic(t *testing.T) {
	c1 := NewDocument("c1")
	c1.Set("text", "from c1")
	u1, _ := c1.FullUpdate()
	ops1, _ := decodeOps(u1)

	c2 := NewDocument("c2")
	c2.Set("text", "from c2")
	u2, _ := c2.FullUpdate()
	ops2, _ := decodeOps(u2)

	ab := NewDocument("m1")
	ab.ApplyOps(ops1)
	ab.ApplyOps(ops2)

	ba := NewDocument("m2")
	ba.ApplyOps(ops2)
	ba.ApplyOps(ops1)

	// same counters: replica id breaks the tie, both orders agree
	assert.Equal(t, ab.Get("text"), ba.Get("text"))
	assert.Equal(t, "from c2", ab.Get("text"))
}

func TestDecodeCorruptOpsReturnsError(t *testing.T) {
	_, err := decodeOps([]byte{0x00, 0xff, 0x13})
	require.Error(t, err)
}

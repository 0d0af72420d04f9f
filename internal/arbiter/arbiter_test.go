package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/crdt"
	"github.com/driftsync/driftsync/internal/store"
	"github.com/driftsync/driftsync/internal/types"
)

func newTestArbiter(t *testing.T) (*Arbiter, *store.FileStore) {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { fs.Close() })
	return New(fs, zap.NewNop()), fs
}

func TestCheckNoServerDoc(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.Check(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "text": "new"},
	})
	assert.False(t, res.HasConflict, "new-on-client is never a conflict")
}

func TestCheckUpdatedAtWindow(t *testing.T) {
	a, fs := newTestArbiter(t)

	_, err := fs.Insert("todos", map[string]interface{}{
		"id": "t1", "text": "server", "updatedAt": "2024-01-01T00:00:10.000Z",
	})
	require.NoError(t, err)

	// 500ms apart: inside the window, no conflict
	res := a.Check(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "updatedAt": "2024-01-01T00:00:10.500Z"},
	})
	assert.False(t, res.HasConflict)

	// 5s apart: conflict
	res = a.Check(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "updatedAt": "2024-01-01T00:00:15.000Z"},
	})
	assert.True(t, res.HasConflict)
}

func TestCheckVectorClocks(t *testing.T) {
	a, _ := newTestArbiter(t)

	// client has seen server clock 1 but server moved on to 3
	res := a.Check(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "_vector": map[string]interface{}{"server": float64(1), "c1": float64(2)}},
		ServerData: map[string]interface{}{"id": "t1", "_vector": map[string]interface{}{"server": float64(3)}},
	})
	assert.True(t, res.HasConflict)

	// client is caught up
	res = a.Check(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "_vector": map[string]interface{}{"server": float64(3), "c1": float64(2)}},
		ServerData: map[string]interface{}{"id": "t1", "_vector": map[string]interface{}{"server": float64(3)}},
	})
	assert.False(t, res.HasConflict)
}

func TestResolveLWWClientNewer(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveLWW(Input{
		DocumentID: "t1", Collection: "todos", ClientID: "c1",
		ClientData: map[string]interface{}{"id": "t1", "text": "client", "updatedAt": "2024-01-02T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "text": "server", "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "client", res.Winner)
	assert.Equal(t, "client", res.Data["text"])
	assert.Equal(t, "c1", res.Data["updatedBy"])
	assert.NotEqual(t, "2024-01-02T00:00:00.000Z", res.Data["updatedAt"], "resolution stamps a fresh updatedAt")
}

func TestResolveLWWTieGoesToServer(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveLWW(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "text": "client", "updatedAt": "2024-01-01T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "text": "server", "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "server", res.Winner)
	assert.Contains(t, res.Reason, "tie-breaker")
	assert.Equal(t, "server", res.Data["text"])
}

func TestResolveLWWFetchesServerDoc(t *testing.T) {
	a, fs := newTestArbiter(t)

	_, err := fs.Insert("todos", map[string]interface{}{
		"id": "t1", "text": "stored", "updatedAt": "2030-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)

	res := a.ResolveLWW(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "text": "client", "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "server", res.Winner)
	assert.Equal(t, "stored", res.Data["text"])
}

func TestFieldMergeOneSidedFieldsCopyWithoutConflict(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveFieldMerge(Input{
		DocumentID: "t1", Collection: "todos", ClientID: "c1",
		ClientData: map[string]interface{}{"id": "t1", "priority": "high", "updatedAt": "2024-01-01T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "completed": true, "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "merged", res.Winner)
	assert.Equal(t, "high", res.Data["priority"])
	assert.Equal(t, true, res.Data["completed"])
	assert.Empty(t, res.Conflict, "one-sided fields are not conflicts")
}

func TestFieldMergeDivergenceGoesToNewerTimestamp(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveFieldMerge(Input{
		DocumentID: "t1", Collection: "todos", ClientID: "c1",
		ClientData: map[string]interface{}{"id": "t1", "text": "client text", "updatedAt": "2024-01-02T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "text": "server text", "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	require.Len(t, res.Conflict, 1)
	assert.Equal(t, "text", res.Conflict[0].Field)
	assert.Equal(t, "client", res.Conflict[0].Winner)
	assert.Equal(t, "client text", res.Data["text"])
}

func TestFieldMergeUsesFieldTimestamps(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveFieldMerge(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{
			"id": "t1", "text": "client text",
			"updatedAt":        "2024-01-02T00:00:00.000Z",
			"_fieldTimestamps": map[string]interface{}{"text": "2024-01-01T00:00:00.000Z"},
		},
		ServerData: map[string]interface{}{
			"id": "t1", "text": "server text",
			"updatedAt":        "2024-01-01T00:00:00.000Z",
			"_fieldTimestamps": map[string]interface{}{"text": "2024-01-03T00:00:00.000Z"},
		},
	})
	require.Len(t, res.Conflict, 1)
	assert.Equal(t, "server", res.Conflict[0].Winner)
	assert.Equal(t, "server text", res.Data["text"])
}

func TestFieldMergeMetadataNeverConflicts(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveFieldMerge(Input{
		DocumentID: "t1", Collection: "todos",
		ClientData: map[string]interface{}{"id": "t1", "_rev": "2-abc", "updatedAt": "2024-01-05T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "_rev": "7-xyz", "updatedAt": "2024-01-01T00:00:00.000Z"},
	})
	assert.Empty(t, res.Conflict)
}

func TestFieldLWWPrefersClient(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveFieldLWW(Input{
		DocumentID: "t1", Collection: "todos", ClientID: "c1",
		ClientData: map[string]interface{}{"id": "t1", "text": "client", "updatedAt": "2024-01-01T00:00:00.000Z"},
		ServerData: map[string]interface{}{"id": "t1", "text": "server", "extra": 1, "updatedAt": "2024-01-09T00:00:00.000Z"},
	})
	require.True(t, res.Resolved)
	assert.Equal(t, "client", res.Data["text"])
	require.Len(t, res.Conflict, 1)
	assert.Equal(t, "client", res.Conflict[0].Winner)
	// server-only field survives
	assert.Equal(t, 1, res.Data["extra"])
}

func TestResolveCRDTMergesConcurrentEdits(t *testing.T) {
	a, _ := newTestArbiter(t)

	// both replicas initialize from the same state
	origin := crdt.NewManager("origin", zap.NewNop())
	require.NoError(t, origin.SetField("todos", "t1", "text", "shared"))
	base, err := origin.GetState("todos", "t1")
	require.NoError(t, err)

	c1 := crdt.NewManager("c1", zap.NewNop())
	require.NoError(t, c1.ApplyState(*base))
	require.NoError(t, c1.SetField("todos", "t1", "priority", "high"))
	s1, err := c1.GetState("todos", "t1")
	require.NoError(t, err)

	c2 := crdt.NewManager("c2", zap.NewNop())
	require.NoError(t, c2.ApplyState(*base))
	require.NoError(t, c2.SetField("todos", "t1", "completed", true))
	s2, err := c2.GetState("todos", "t1")
	require.NoError(t, err)

	// c1 syncs first, then c2 resolves against the cached server state
	first := a.ResolveCRDT(CRDTInput{DocumentID: "t1", Collection: "todos", ClientState: *s1})
	require.True(t, first.Resolved)

	second := a.ResolveCRDT(CRDTInput{DocumentID: "t1", Collection: "todos", ClientState: *s2})
	require.True(t, second.Resolved)
	require.NotNil(t, second.MergedState)

	check := crdt.NewManager("check", zap.NewNop())
	require.NoError(t, check.ApplyState(*second.MergedState))
	data := check.GetData("todos", "t1")
	assert.Equal(t, "high", data["priority"])
	assert.Equal(t, true, data["completed"])
}

func TestResolveCRDTCorruptState(t *testing.T) {
	a, _ := newTestArbiter(t)

	res := a.ResolveCRDT(CRDTInput{
		DocumentID: "t1", Collection: "todos",
		ClientState: types.CRDTState{FullUpdate: []byte{0xba, 0xad}},
	})
	assert.False(t, res.Resolved)
	assert.NotEmpty(t, res.Error)
}

func TestCRDTCache(t *testing.T) {
	a, _ := newTestArbiter(t)

	assert.Nil(t, a.CacheGet("todos", "t1"))

	st := &types.CRDTState{DocumentID: "t1", Collection: "todos"}
	a.CacheSet("todos", "t1", st)
	assert.Equal(t, st, a.CacheGet("todos", "t1"))

	a.CacheDelete("todos", "t1")
	assert.Nil(t, a.CacheGet("todos", "t1"))

	a.CacheSet("todos", "t1", st)
	a.CacheClear()
	assert.Nil(t, a.CacheGet("todos", "t1"))
}

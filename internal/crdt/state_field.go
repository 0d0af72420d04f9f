package crdt

import (
	"encoding/base64"

	"github.com/driftsync/driftsync/internal/types"
)

// FieldKey is the reserved document field carrying a document's serialized
// CRDT state across the plain push/pull wire. It rides inside the document
// map like any other field, so the gateway stores and replays it opaquely.
const FieldKey = "_crdt"

// StateToField renders a CRDT state as the wire-agnostic field value:
// base64 text survives both the JSON and MessagePack encodings unchanged.
func StateToField(state *types.CRDTState) map[string]interface{} {
	if state == nil {
		return nil
	}
	return map[string]interface{}{
		"stateVector": base64.StdEncoding.EncodeToString(state.StateVector),
		"fullUpdate":  base64.StdEncoding.EncodeToString(state.FullUpdate),
	}
}

// StateFromField reverses StateToField. The bool reports whether v carried a
// usable state.
func StateFromField(v interface{}, collection, docID string) (*types.CRDTState, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, false
	}
	svText, _ := m["stateVector"].(string)
	fuText, _ := m["fullUpdate"].(string)
	if fuText == "" {
		return nil, false
	}
	sv, err := base64.StdEncoding.DecodeString(svText)
	if err != nil {
		return nil, false
	}
	fu, err := base64.StdEncoding.DecodeString(fuText)
	if err != nil {
		return nil, false
	}
	return &types.CRDTState{
		StateVector: sv,
		FullUpdate:  fu,
		DocumentID:  docID,
		Collection:  collection,
	}, true
}

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/driftsync/driftsync/internal/arbiter"
	"github.com/driftsync/driftsync/internal/clock"
	"github.com/driftsync/driftsync/internal/codec"
	"github.com/driftsync/driftsync/internal/types"
)

// decodeBody reads a request in either wire format: compressed MessagePack
// when marked, JSON otherwise.
func (s *Server) decodeBody(c *gin.Context, out interface{}) error {
	ct := c.ContentType()
	if ct == codec.ContentTypeBinary || c.GetHeader(codec.CompressionHeader) == codec.CompressionValue {
		data, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<20))
		if err != nil {
			return &types.NetworkError{Op: "read body", Cause: err}
		}
		return s.codec.Decode(data, out)
	}
	return c.ShouldBindJSON(out)
}

// respond honours the Accept header: compressed MessagePack on request,
// JSON by default.
func (s *Server) respond(c *gin.Context, status int, v interface{}) {
	if strings.Contains(c.GetHeader("Accept"), codec.ContentTypeBinary) {
		data, err := s.codec.Encode(v)
		if err == nil {
			c.Header(codec.CompressionHeader, codec.CompressionValue)
			c.Data(status, codec.ContentTypeBinary, data)
			return
		}
		s.logger.Warn("binary response encoding failed", zap.Error(err))
	}
	c.JSON(status, v)
}

func (s *Server) handlePush(c *gin.Context) {
	var req types.PushRequest
	if err := s.decodeBody(c, &req); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ClientID == "" {
		req.ClientID = c.GetHeader("X-Client-Id")
	}

	resp := s.applier.ApplyBatch(c.Request.Context(), req.Actions)
	s.bumpClock(req.VectorClock)

	s.logger.Info("push applied",
		zap.String("client_id", req.ClientID),
		zap.Int("succeeded", len(resp.Succeeded)),
		zap.Int("failed", len(resp.Failed)))
	s.respond(c, http.StatusOK, resp)
}

func (s *Server) handlePull(c *gin.Context) {
	since, _ := strconv.ParseUint(c.Query("since"), 10, 64)
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		limit = 100
	}
	collection := c.Query("collection")

	if raw := c.Query("vectorClock"); raw != "" {
		if vc := parseClockParam(raw); vc != nil {
			s.clockMu.Lock()
			s.vclock = clock.Max(s.vclock, vc)
			s.clockMu.Unlock()
		}
	}

	items, newSince, hasMore, err := s.store.Changes(since, collection, limit)
	if err != nil {
		s.respond(c, http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if items == nil {
		items = []types.ChangeItem{}
	}

	s.respond(c, http.StatusOK, types.PullResponse{
		Items:             items,
		Since:             newSince,
		HasMore:           hasMore,
		ServerVectorClock: s.serverClock(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"status":           "ok",
		"pendingChanges":   s.store.LastSeq(),
		"lastUpdate":       s.startedAt.UnixMilli(),
		"connectedClients": s.hub.ConnectedClients(),
	})
}

func (s *Server) handleListCollection(c *gin.Context) {
	collection := c.Param("collection")
	docs, err := s.store.Find(collection, map[string]interface{}{
		"deleted": map[string]interface{}{"$ne": true},
	})
	if err != nil {
		s.respond(c, http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	s.respond(c, http.StatusOK, gin.H{
		"collection": collection,
		"documents":  docs,
		"count":      len(docs),
	})
}

func (s *Server) handleGetDocument(c *gin.Context) {
	doc, err := s.applier.GetDocument(c.Param("collection"), c.Param("id"))
	if err != nil {
		s.respond(c, http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	s.respond(c, http.StatusOK, doc)
}

func (s *Server) handleApply(c *gin.Context) {
	var m types.Mutation
	if err := s.decodeBody(c, &m); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	result := s.applier.Apply(c.Request.Context(), m)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusConflict
	}
	s.respond(c, status, result)
}

func (s *Server) handleApplyBatch(c *gin.Context) {
	var req struct {
		Actions []types.Mutation `json:"actions"`
	}
	if err := s.decodeBody(c, &req); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, http.StatusOK, s.applier.ApplyBatch(c.Request.Context(), req.Actions))
}

func (s *Server) handleApplierDocument(c *gin.Context) {
	doc, err := s.applier.GetDocument(c.Param("collection"), c.Param("id"))
	if err != nil {
		s.respond(c, http.StatusNotFound, gin.H{"error": "document not found"})
		return
	}
	s.respond(c, http.StatusOK, doc)
}

func (s *Server) handleCollectionInfo(c *gin.Context) {
	info, err := s.store.Info(c.Param("collection"))
	if err != nil {
		s.respond(c, http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, http.StatusOK, gin.H{
		"doc_count":  info.DocCount,
		"update_seq": info.UpdateSeq,
		"sizes":      gin.H{"file": info.SizeBytes},
	})
}

func (s *Server) handleArbiterCheck(c *gin.Context) {
	var in arbiter.Input
	if err := s.decodeBody(c, &in); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.respond(c, http.StatusOK, s.arbiter.Check(in))
}

func (s *Server) handleArbiterResolve(c *gin.Context) {
	var in arbiter.Input
	if err := s.decodeBody(c, &in); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.arbiter.ResolveLWW(in)
	s.countResolution("lww")
	s.respond(c, http.StatusOK, res)
}

func (s *Server) handleArbiterResolveMerge(c *gin.Context) {
	var in arbiter.Input
	if err := s.decodeBody(c, &in); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.arbiter.ResolveFieldMerge(in)
	s.countResolution("field-merge")
	s.respond(c, http.StatusOK, res)
}

func (s *Server) handleArbiterResolveFields(c *gin.Context) {
	var in arbiter.Input
	if err := s.decodeBody(c, &in); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.arbiter.ResolveFieldLWW(in)
	s.countResolution("field-lww")
	s.respond(c, http.StatusOK, res)
}

func (s *Server) handleArbiterResolveCRDT(c *gin.Context) {
	var in arbiter.CRDTInput
	if err := s.decodeBody(c, &in); err != nil {
		s.respond(c, http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := s.arbiter.ResolveCRDT(in)
	if !res.Resolved {
		s.respond(c, http.StatusUnprocessableEntity, res)
		return
	}
	s.countResolution("crdt")
	s.respond(c, http.StatusOK, res)
}

func (s *Server) countResolution(strategy string) {
	if s.metrics != nil {
		s.metrics.ConflictsResolved.WithLabelValues(strategy).Inc()
	}
}

func parseClockParam(raw string) clock.VectorClock {
	var m map[string]uint64
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	vc := clock.NewVectorClock()
	for k, v := range m {
		vc[k] = v
	}
	return vc
}

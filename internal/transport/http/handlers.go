package http

import (
	"net/http"
	"sort"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// HubView is the part of the hub the REST handlers read.
type HubView interface {
	Store() core.SignalStore
	ClientCount() int
	SubscriptionCount() int
}

type CallSummary struct {
	ID        domain.CallID        `json:"id"`
	CallerID  domain.ParticipantID `json:"callerId"`
	CalleeID  domain.ParticipantID `json:"calleeId"`
	Kind      domain.CallKind      `json:"kind"`
	Status    domain.CallStatus    `json:"status"`
	CreatedAt int64                `json:"createdAt"`
	HasOffer  bool                 `json:"hasOffer"`
	HasAnswer bool                 `json:"hasAnswer"`
}

type CallsHandler struct {
	hub HubView
}

func NewCallsHandler(h HubView) *CallsHandler {
	return &CallsHandler{hub: h}
}

func summarize(id domain.CallID, h domain.CallHeader) CallSummary {
	return CallSummary{
		ID:        id,
		CallerID:  h.CallerID,
		CalleeID:  h.CalleeID,
		Kind:      h.Kind,
		Status:    h.Status,
		CreatedAt: h.CreatedAt,
		HasOffer:  h.Offer != nil,
		HasAnswer: h.Answer != nil,
	}
}

func (h *CallsHandler) List(c *gin.Context) {
	snap, err := h.hub.Store().Read(c.Request.Context(), domain.CallsRoot)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var raw map[domain.CallID]json.RawMessage
	if err := snap.Decode(&raw); err != nil {
		log.Error().Err(err).Str("module", "transport.http").Msg("decode calls")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt call registry"})
		return
	}

	out := make([]CallSummary, 0, len(raw))
	for id, r := range raw {
		var h domain.CallHeader
		if err := json.Unmarshal(r, &h); err != nil {
			log.Warn().Err(err).Str("module", "transport.http").Str("call_id", string(id)).Msg("skipping call record")
			continue
		}
		out = append(out, summarize(id, h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	c.JSON(http.StatusOK, out)
}

func (h *CallsHandler) Get(c *gin.Context) {
	id := domain.CallID(c.Param("id"))
	snap, err := h.hub.Store().Read(c.Request.Context(), domain.CallPath(id))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !snap.Exists {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	var hdr domain.CallHeader
	if err := snap.Decode(&hdr); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "corrupt call record"})
		return
	}
	c.JSON(http.StatusOK, summarize(id, hdr))
}

func (h *CallsHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"clients":       h.hub.ClientCount(),
		"subscriptions": h.hub.SubscriptionCount(),
	})
}

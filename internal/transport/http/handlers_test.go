package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHub struct {
	mem *store.Memory
}

func (f fakeHub) Store() core.SignalStore { return f.mem }
func (f fakeHub) ClientCount() int { return 2 }
func (f fakeHub) SubscriptionCount() int { return 5 }

func newTestRouter(t *testing.T) (*gin.Engine, *store.Memory) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mem := store.NewMemory()
	t.Cleanup(mem.Close)

	h := NewCallsHandler(fakeHub{mem: mem})
	r := gin.New()
	r.GET("/calls", h.List)
	r.GET("/calls/:id", h.Get)
	r.GET("/health", h.Health)
	return r, mem
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestListCalls(t *testing.T) {
	r, mem := newTestRouter(t)
	ctx := context.Background()

	w := get(r, "/calls")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	older := domain.NewCallRecord("alice", "bob", domain.KindVoice, time.UnixMilli(1000))
	newer := domain.NewCallRecord("carol", "bob", domain.KindVideo, time.UnixMilli(2000))
	newer.Offer = &domain.Description{DescType: "offer", SDP: "v=0"}
	require.NoError(t, mem.Write(ctx, domain.CallPath("c2"), newer))
	require.NoError(t, mem.Write(ctx, domain.CallPath("c1"), older))

	w = get(r, "/calls")
	require.Equal(t, http.StatusOK, w.Code)
	var out []CallSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, domain.CallID("c1"), out[0].ID)
	assert.False(t, out[0].HasOffer)
	assert.Equal(t, domain.CallID("c2"), out[1].ID)
	assert.True(t, out[1].HasOffer)
	assert.Equal(t, domain.KindVideo, out[1].Kind)
}

func TestGetCall(t *testing.T) {
	r, mem := newTestRouter(t)
	rec := domain.NewCallRecord("alice", "bob", domain.KindVoice, time.UnixMilli(1000))
	require.NoError(t, mem.Write(context.Background(), domain.CallPath("c1"), rec))

	w := get(r, "/calls/c1")
	require.Equal(t, http.StatusOK, w.Code)
	var out CallSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, domain.StatusCalling, out.Status)
	assert.Equal(t, domain.ParticipantID("alice"), out.CallerID)

	assert.Equal(t, http.StatusNotFound, get(r, "/calls/nope").Code)
}

func TestHealth(t *testing.T) {
	r, _ := newTestRouter(t)
	w := get(r, "/health")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","clients":2,"subscriptions":5}`, w.Body.String())
}

func TestListToleratesBadCandidates(t *testing.T) {
	r, mem := newTestRouter(t)
	ctx := context.Background()

	rec := domain.NewCallRecord("alice", "bob", domain.KindVoice, time.UnixMilli(1000))
	require.NoError(t, mem.Write(ctx, domain.CallPath("c1"), rec))
	_, err := mem.Append(ctx, domain.CandidatesPath("c1", "alice"), map[string]any{"candidate": "candidate:1", "sdpMLineIndex": -1})
	require.NoError(t, err)
	require.NoError(t, mem.Write(ctx, domain.CallPath("broken"), "not a record"))

	w := get(r, "/calls")
	require.Equal(t, http.StatusOK, w.Code)
	var out []CallSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, domain.CallID("c1"), out[0].ID)
	assert.Equal(t, domain.StatusCalling, out[0].Status)

	assert.Equal(t, http.StatusOK, get(r, "/calls/c1").Code)
}

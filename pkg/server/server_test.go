package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/metrics"
	"github.com/astromechza/automerge-realms/pkg/protocol"
	"github.com/astromechza/automerge-realms/pkg/realm"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *awareness.Shared) {
	t.Helper()
	reg := prometheus.NewRegistry()
	shared := awareness.NewShared(awareness.New(crdt.New()))
	group := realm.NewBroadcastGroup(shared, 8, realm.WithMetrics(metrics.New(reg)))
	t.Cleanup(group.Close)
	srv := httptest.NewServer(New(group, append([]Option{WithGatherer(reg)}, opts...)...).Router())
	t.Cleanup(srv.Close)
	return srv, shared
}

func dial(t *testing.T, srv *httptest.Server, query string) *transport.Websocket {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, err := transport.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/sync"+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	frame, err := ws.Next(ctx)
	require.NoError(t, err)
	msgs, err := protocol.Decode(frame)
	require.NoError(t, err)
	require.IsType(t, protocol.SyncStep1{}, msgs[0])
	return ws
}

func sendUpdate(t *testing.T, ws *transport.Websocket, key string) {
	t.Helper()
	src := crdt.New()
	require.NoError(t, src.Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
		return doc.Path(key).Set(1)
	}))
	diff, err := src.Diff(nil)
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.Update{Update: diff})
	require.NoError(t, err)
	require.NoError(t, ws.Send(context.Background(), frame))
}

func headCount(shared *awareness.Shared) int {
	n := 0
	_ = shared.Read(func(a *awareness.Awareness) error {
		n = len(a.Document().Heads())
		return nil
	})
	return n
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestSyncAppliesAndRelaysUpdates(t *testing.T) {
	srv, shared := newTestServer(t)
	writer := dial(t, srv, "")
	reader := dial(t, srv, "?readonly=1")

	sendUpdate(t, writer, "x")
	require.Eventually(t, func() bool { return headCount(shared) == 1 }, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	frame, err := reader.Next(ctx)
	require.NoError(t, err)
	msgs, err := protocol.Decode(frame)
	require.NoError(t, err)
	assert.IsType(t, protocol.Update{}, msgs[0])
}

func TestReadOnlyQueryParameter(t *testing.T) {
	srv, shared := newTestServer(t)
	ro := dial(t, srv, "?readonly=true")
	sendUpdate(t, ro, "x")

	// a sync request round trip proves the update was processed
	frame, err := protocol.Encode(protocol.SyncStep1{StateVector: crdt.StateVector(nil).Encode()})
	require.NoError(t, err)
	require.NoError(t, ro.Send(context.Background(), frame))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ro.Next(ctx)
	require.NoError(t, err)

	assert.Zero(t, headCount(shared))
}

func TestReadOnlyDefault(t *testing.T) {
	srv, shared := newTestServer(t, WithReadOnlyDefault(true))
	ws := dial(t, srv, "")
	sendUpdate(t, ws, "x")
	rw := dial(t, srv, "?readonly=0")
	sendUpdate(t, rw, "y")

	require.Eventually(t, func() bool { return headCount(shared) == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, headCount(shared))
}

func TestSyncRejectsBadReadOnlyValue(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := get(t, srv.URL+"/sync?readonly=maybe")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLatestServesLoadableDocument(t *testing.T) {
	srv, shared := newTestServer(t)
	require.NoError(t, shared.Write(func(a *awareness.Awareness) error {
		return a.Document().Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
			return doc.Path("x").Set("hello")
		})
	}))

	resp, body := get(t, srv.URL+"/latest")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))
	doc, err := crdt.Load(body)
	require.NoError(t, err)
	assert.Len(t, doc.Heads(), 1)
}

func TestGraphAndMetrics(t *testing.T) {
	srv, shared := newTestServer(t)
	require.NoError(t, shared.Write(func(a *awareness.Awareness) error {
		return a.Document().Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
			return doc.Path("x").Set(1)
		})
	}))
	dial(t, srv, "")

	resp, body := get(t, srv.URL+"/graph.svg?path=x")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "<svg")

	resp, body = get(t, srv.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "realm_connections 1")
	assert.Contains(t, string(body), `realm_connections_opened_total{mode="read_write"} 1`)
}

func TestSyncDropsOversizedFrames(t *testing.T) {
	srv, shared := newTestServer(t, WithReadLimit(32))
	ws := dial(t, srv, "")

	src := crdt.New()
	require.NoError(t, src.Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
		return doc.Path("big").Set(strings.Repeat("x", 256))
	}))
	diff, err := src.Diff(nil)
	require.NoError(t, err)
	frame, err := protocol.Encode(protocol.Update{Update: diff})
	require.NoError(t, err)
	require.NoError(t, ws.Send(context.Background(), frame))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = ws.Next(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF, "an oversized frame is not a graceful close")
	assert.Zero(t, headCount(shared))
}

type fixedSessions struct {
	realm    string
	limit    int
	sessions []realm.Session
}

func (f *fixedSessions) Sessions(_ context.Context, realmName string, limit int) ([]realm.Session, error) {
	f.realm, f.limit = realmName, limit
	return f.sessions, nil
}

func TestSessionsListsJournal(t *testing.T) {
	joined := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	journal := &fixedSessions{sessions: []realm.Session{
		{ID: "b", JoinedAt: joined.Add(time.Minute)},
		{ID: "a", ReadOnly: true, JoinedAt: joined, LeftAt: joined.Add(time.Second), Outcome: "ok", Clients: []uint64{4}},
	}}
	srv, _ := newTestServer(t, WithSessions(journal))

	resp, body := get(t, srv.URL+"/sessions?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "default", journal.realm)
	assert.Equal(t, 5, journal.limit)

	var out []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out, 2)
	assert.Equal(t, "b", out[0]["id"])
	assert.NotContains(t, out[0], "left_at")
	assert.Equal(t, "ok", out[1]["outcome"])
	assert.Equal(t, true, out[1]["read_only"])

	resp, _ = get(t, srv.URL+"/sessions?limit=nope")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionsRouteNeedsJournal(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, _ := get(t, srv.URL+"/sessions")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

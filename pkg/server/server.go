// Package server exposes a broadcast group over HTTP and websockets.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-graphviz"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/realm"
	"github.com/astromechza/automerge-realms/pkg/transport"
	"github.com/astromechza/automerge-realms/pkg/viz"
)

type Server struct {
	group        *realm.BroadcastGroup
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	readLimit    int64
	readOnly     bool
	gatherer     prometheus.Gatherer
	sessions     SessionLister
	logger       *slog.Logger
}

// SessionLister is the read side of the session journal.
type SessionLister interface {
	Sessions(ctx context.Context, realmName string, limit int) ([]realm.Session, error)
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.writeTimeout = d
	}
}

// WithReadLimit caps the size of one inbound sync frame.
func WithReadLimit(limit int64) Option {
	return func(s *Server) {
		s.readLimit = limit
	}
}

// WithReadOnlyDefault applies when a sync request has no readonly parameter.
func WithReadOnlyDefault(readOnly bool) Option {
	return func(s *Server) {
		s.readOnly = readOnly
	}
}

// WithSessions enables GET /sessions.
func WithSessions(l SessionLister) Option {
	return func(s *Server) {
		s.sessions = l
	}
}

func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

func New(group *realm.BroadcastGroup, opts ...Option) *Server {
	s := &Server{
		group: group,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		writeTimeout: transport.DefaultWriteTimeout,
		gatherer:     prometheus.DefaultGatherer,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			s.logger.Info("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/sync").HandlerFunc(s.sync)
	r.Methods(http.MethodGet).Path("/latest").HandlerFunc(s.latest)
	r.Methods(http.MethodGet).Path("/graph.svg").HandlerFunc(s.graph)
	if s.sessions != nil {
		r.Methods(http.MethodGet).Path("/sessions").HandlerFunc(s.listSessions)
	}
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return r
}

func (s *Server) sync(writer http.ResponseWriter, request *http.Request) {
	readOnly := s.readOnly
	if raw := request.URL.Query().Get("readonly"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			http.Error(writer, "readonly must be a boolean", http.StatusBadRequest)
			return
		}
		readOnly = v
	}

	conn, err := s.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		s.logger.Error("failed to upgrade", "err", err)
		return
	}
	ws := transport.NewWebsocket(conn, s.writeTimeout)
	ws.SetReadLimit(s.readLimit)
	defer ws.Close()

	sub := s.group.Subscribe(request.Context(), ws, ws, readOnly)
	<-sub.Done()
	if err := sub.Err(); err != nil {
		s.logger.Warn("sync ended", "conn", sub.ID(), "err", err)
	}
}

func (s *Server) latest(writer http.ResponseWriter, request *http.Request) {
	var raw []byte
	_ = s.group.Awareness().Read(func(a *awareness.Awareness) error {
		raw = a.Document().Save()
		return nil
	})
	writer.Header().Add("Content-Type", "application/octet-stream")
	if _, err := writer.Write(raw); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// graph renders the change DAG; ?path=a.b labels each change with the value
// at that map path.
func (s *Server) graph(writer http.ResponseWriter, request *http.Request) {
	var valuePath []interface{}
	if raw := request.URL.Query().Get("path"); raw != "" {
		for _, part := range strings.Split(raw, ".") {
			valuePath = append(valuePath, part)
		}
	}
	var buff bytes.Buffer
	err := s.group.Awareness().Read(func(a *awareness.Awareness) error {
		return viz.Render(&buff, a.Document(), graphviz.SVG, valuePath...)
	})
	if err != nil {
		s.logger.Error("failed to render graph", "err", err)
		http.Error(writer, "failed to render graph", http.StatusInternalServerError)
		return
	}
	writer.Header().Add("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

type sessionView struct {
	ID       string     `json:"id"`
	ReadOnly bool       `json:"read_only"`
	JoinedAt time.Time  `json:"joined_at"`
	LeftAt   *time.Time `json:"left_at,omitempty"`
	Outcome  string     `json:"outcome,omitempty"`
	Clients  []uint64   `json:"clients,omitempty"`
}

// listSessions serves the realm's recent sessions from the journal, newest
// first; ?limit= defaults to 50.
func (s *Server) listSessions(writer http.ResponseWriter, request *http.Request) {
	limit := 50
	if raw := request.URL.Query().Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			http.Error(writer, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = v
	}
	sessions, err := s.sessions.Sessions(request.Context(), s.group.Name(), limit)
	if err != nil {
		s.logger.Error("failed to list sessions", "err", err)
		http.Error(writer, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		v := sessionView{
			ID:       sess.ID,
			ReadOnly: sess.ReadOnly,
			JoinedAt: sess.JoinedAt,
			Outcome:  sess.Outcome,
			Clients:  sess.Clients,
		}
		if !sess.LeftAt.IsZero() {
			leftAt := sess.LeftAt
			v.LeftAt = &leftAt
		}
		out = append(out, v)
	}
	writer.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(writer).Encode(out); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

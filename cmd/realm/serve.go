package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/bridge"
	"github.com/astromechza/automerge-realms/pkg/config"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/journal"
	"github.com/astromechza/automerge-realms/pkg/metrics"
	"github.com/astromechza/automerge-realms/pkg/realm"
	"github.com/astromechza/automerge-realms/pkg/server"
	"github.com/astromechza/automerge-realms/pkg/viz"
)

var (
	serveConfigPath string
	serveDumpDir    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve one realm over websockets",
	Long: `Serve one realm over websockets.

Settings come from the YAML file given with --config; flags override it.

Routes:
  GET /sync        websocket sync, ?readonly=1 for a read-only peer
  GET /latest      the current document as automerge save bytes
  GET /graph.svg   the change graph, ?path=a.b labels values
  GET /sessions    recent sessions from the journal, when one is configured
  GET /metrics     prometheus metrics`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveConfigPath, "config", "", "path to a YAML config file")
	f.String("addr", "", "the address to listen on")
	f.String("realm", "", "the realm name")
	f.Int("capacity", 0, "frames buffered per subscriber before it is dropped")
	f.Bool("read-only", false, "make peers read-only unless they ask otherwise")
	f.String("initial-document", "", "seed the document from a saved automerge file")
	f.String("journal", "", "sqlite path for the session journal")
	f.String("redis", "", "redis address for the cross-process bridge")
	f.StringVar(&serveDumpDir, "dump-dir", "", "write the document and its change graph here on shutdown")
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfg, err := config.Load(serveConfigPath)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("realm") {
		cfg.Realm, _ = f.GetString("realm")
	}
	if f.Changed("capacity") {
		cfg.Broadcast.Capacity, _ = f.GetInt("capacity")
	}
	if f.Changed("read-only") {
		cfg.ReadOnly, _ = f.GetBool("read-only")
	}
	if f.Changed("initial-document") {
		cfg.InitialDocument, _ = f.GetString("initial-document")
	}
	if f.Changed("journal") {
		cfg.Journal.Path, _ = f.GetString("journal")
	}
	if f.Changed("redis") {
		cfg.Redis.Addr, _ = f.GetString("redis")
	}
	return cfg, cfg.Validate()
}

func loadDocument(path string) (*crdt.Doc, error) {
	if path == "" {
		return crdt.New(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read initial document: %w", err)
	}
	doc, err := crdt.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial document: %w", err)
	}
	return doc, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadServeConfig(cmd)
	if err != nil {
		return err
	}
	doc, err := loadDocument(cfg.InitialDocument)
	if err != nil {
		return err
	}
	slog.Info("established base doc", "realm", cfg.Realm, "heads", doc.Heads())
	shared := awareness.NewShared(awareness.New(doc))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts := []realm.Option{
		realm.WithName(cfg.Realm),
		realm.WithMetrics(metrics.New(prometheus.DefaultRegisterer)),
		realm.WithPresenceTimeout(cfg.Broadcast.PresenceTimeout),
	}
	if cfg.Broadcast.RateLimit > 0 {
		opts = append(opts, realm.WithRateLimit(rate.Limit(cfg.Broadcast.RateLimit), cfg.Broadcast.RateBurst))
	}
	serverOpts := []server.Option{
		server.WithWriteTimeout(cfg.Broadcast.WriteTimeout),
		server.WithReadLimit(cfg.Broadcast.MaxFrameSize),
		server.WithReadOnlyDefault(cfg.ReadOnly),
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()
		opts = append(opts, realm.WithJournal(j))
		serverOpts = append(serverOpts, server.WithSessions(j))
	}
	group := realm.NewBroadcastGroup(shared, cfg.Broadcast.Capacity, opts...)

	wg := new(sync.WaitGroup)

	if cfg.Redis.Addr != "" {
		rdb, err := bridge.DialRedis(ctx, cfg.Redis.Addr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		b := bridge.New(shared, rdb, cfg.RedisChannel())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := b.Run(ctx); err != nil {
				slog.Error("bridge stopped", "err", err)
			}
		}()
	}

	srv := server.New(group, serverOpts...)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Router()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
			cancel()
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case <-ctx.Done():
	}
	cancel()
	_ = httpServer.Close()
	group.Close()

	wg.Wait()

	if serveDumpDir != "" {
		dump(doc, filepath.Join(serveDumpDir, cfg.Realm+".automerge"))
	}
	return nil
}

func dump(doc *crdt.Doc, tf string) {
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		slog.Error("failed to dump", "err", err)
	} else {
		slog.Info("dumped", "path", tf)
	}
	svgPath := tf + ".svg"
	if err := viz.RenderFile(doc, svgPath, "counter"); err != nil {
		slog.Error("failed to render", "err", err)
	} else {
		slog.Info("rendered", "path", "file://"+svgPath)
	}
}

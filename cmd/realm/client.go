package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/client"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

var (
	clientAddr     string
	clientID       uint64
	clientName     string
	clientReadOnly bool
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Join a realm and increment a shared counter",
	Long: `Join a realm as a peer. The client seeds its replica from /latest, keeps a
websocket sync session open (reconnecting every second when it drops),
increments the "counter" key at random intervals and publishes its name and
last seen counter value as presence.`,
	Args: cobra.NoArgs,
	RunE: runClient,
}

func init() {
	f := clientCmd.Flags()
	f.StringVar(&clientAddr, "addr", "127.0.0.1:8080", "the address to request on")
	f.Uint64Var(&clientID, "id", 0, "presence client id, random when 0")
	f.StringVar(&clientName, "name", "", "name to publish as presence")
	f.BoolVar(&clientReadOnly, "read-only", false, "join read-only and never increment")
}

type presence struct {
	Name    string `json:"name"`
	Counter int64  `json:"counter"`
}

func runClient(_ *cobra.Command, _ []string) error {
	baseUrl, err := url.Parse("http://" + clientAddr)
	if err != nil {
		return err
	}
	if clientID == 0 {
		clientID = rand.Uint64()
	}
	if clientName == "" {
		clientName = fmt.Sprintf("peer-%d", os.Getpid())
	}

	doc, err := fetchLatest(baseUrl)
	if err != nil {
		return err
	}
	slog.Info("established base doc", "heads", doc.Heads())
	shared := awareness.NewShared(awareness.New(doc))
	c := client.New(shared, clientID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		connectAndSyncContinuously(ctx, c, baseUrl)
	}()

	if !clientReadOnly {
		wg.Add(1)
		go func() {
			defer wg.Done()
			incrementRandomlyContinuously(ctx, c)
		}()
	}

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	wg.Wait()

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d.automerge", clientID))
	if err := os.WriteFile(tf, doc.Save(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

func fetchLatest(baseUrl *url.URL) (*crdt.Doc, error) {
	resp, err := http.DefaultClient.Get(baseUrl.JoinPath("latest").String())
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body from get: %w", err)
	}
	doc, err := crdt.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

func connectAndSyncContinuously(ctx context.Context, c *client.Client, baseUrl *url.URL) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		if err := connectAndSync(ctx, c, baseUrl); err != nil {
			slog.Error("failed to sync", "err", err)
		} else {
			slog.Info("sync session ended")
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			slog.Info("stopping scheduled sync")
			return
		}
	}
}

func connectAndSync(ctx context.Context, c *client.Client, baseUrl *url.URL) error {
	u := baseUrl.JoinPath("sync")
	u.Scheme = "ws"
	if clientReadOnly {
		u.RawQuery = "readonly=1"
	}
	ws, err := transport.Dial(ctx, u.String(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()
	slog.Info("connected", "url", u.String())
	return c.Run(ctx, ws)
}

func incrementRandomlyContinuously(ctx context.Context, c *client.Client) {
	for {
		t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
		select {
		case <-t.C:
			var value int64
			err := c.Awareness().Write(func(a *awareness.Awareness) error {
				return a.Document().Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
					if err := doc.Path("counter").Counter().Inc(1); err != nil {
						return err
					}
					value, _ = doc.Path("counter").Counter().Get()
					return nil
				})
			})
			if err != nil {
				slog.Error("failed to increment counter", "err", err)
				continue
			}
			slog.Info("incremented", "value", value)
			blob, _ := json.Marshal(presence{Name: clientName, Counter: value})
			c.SetPresence(blob)
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled increment")
			return
		}
	}
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/core"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// startNode serves a standalone node over TLS and returns its address and
// root key.
func startNode(t *testing.T) (string, string) {
	t.Helper()
	cfg, err := config.GenerateConfig("")
	require.NoError(t, err)
	cfg.TLS = config.TLS{}
	cfg.ServerMustUseTLS = false

	store, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	nodeCfg := cfg.Nodes["node0"]
	c, err := core.New(core.Settings{
		Ctx:        ctx,
		Logger:     discard,
		NodeCfg:    &nodeCfg,
		ClusterCfg: cfg,
		NodeId:     "node0",
		Tkv:        store,
		Standalone: true,
	})
	require.NoError(t, err)

	srv := httptest.NewTLSServer(c.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return srv.Listener.Addr().String(), c.GetRootClientKey()
}

func newTestClient(t *testing.T, hostPort, key string) *Client {
	t.Helper()
	c, err := NewClient(&Config{
		ConnectionType: ConnectionTypeDirect,
		Endpoints:      []Endpoint{{HostPort: hostPort}},
		ApiKey:         key,
		SkipVerify:     true,
		Logger:         discard,
	})
	require.NoError(t, err)
	return c
}

func accountClient(t *testing.T, root *Client, hostPort, account string) *Client {
	t.Helper()
	key, err := root.CreateApiKey(context.Background(), account)
	require.NoError(t, err)
	return newTestClient(t, hostPort, key)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(&Config{ApiKey: "k"})
	assert.ErrorIs(t, err, ErrNoEndpoints)

	_, err = NewClient(&Config{Endpoints: []Endpoint{{HostPort: "localhost:1"}}})
	assert.Error(t, err)

	_, err = NewClient(&Config{Endpoints: []Endpoint{{HostPort: "no-port"}}, ApiKey: "k"})
	assert.Error(t, err)

	c, err := NewClient(&Config{Endpoints: []Endpoint{{HostPort: "127.0.0.1:7001", ClientDomain: "db.example.com"}}, ApiKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "https://db.example.com:7001", c.baseURL.String())
}

func TestLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	addr, rootKey := startNode(t)
	root := newTestClient(t, addr, rootKey)
	alice := accountClient(t, root, addr, "alice")
	bob := accountClient(t, root, addr, "bob")

	status, err := alice.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice", status.Entity)
	assert.True(t, status.IsLeader)

	aliceView, err := alice.InitAccount(ctx, "home", "alice entropy")
	require.NoError(t, err)
	bobView, err := bob.InitAccount(ctx, "home", "bob entropy")
	require.NoError(t, err)
	asAlice := ledger.Query{Behalf: []string{"alice"}, Key: aliceView}
	asBob := ledger.Query{Behalf: []string{"bob"}, Key: bobView}

	n, err := alice.CreateEntries(ctx,
		ledger.NewEntry{Path: "alice/docs/"},
		ledger.NewEntry{Path: "alice/docs/plan", Contents: "draft"},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	listing, err := alice.ListFolder(ctx, asAlice, "alice/docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"plan"}, listing.Files)

	_, err = bob.GetEntry(ctx, asBob, "alice/docs/plan")
	assert.True(t, fault.IsUnauthorized(err), "got %v", err)

	n, err = alice.Allow(ctx, "alice/docs/plan", entry.PermissionRead, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, err := bob.GetEntry(ctx, asBob, "alice/docs/plan")
	require.NoError(t, err)
	assert.Equal(t, "draft", e.Contents)
	assert.Equal(t, "alice", e.Owner)

	_, err = alice.Disallow(ctx, "alice/docs/plan", entry.PermissionRead, "bob")
	require.NoError(t, err)
	_, err = bob.GetEntry(ctx, asBob, "alice/docs/plan")
	assert.True(t, fault.IsUnauthorized(err))

	require.NoError(t, alice.SetPublic(ctx, "alice/docs/plan", true))
	_, err = bob.GetEntry(ctx, asBob, "alice/docs/plan")
	require.NoError(t, err)

	n, err = alice.MoveEntries(ctx, ledger.Move{OldPath: "alice/docs/plan", NewPath: "alice/docs/final"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, alice.ChangeOwner(ctx, "alice/docs/final", "bob", "yours now"))
	e, err = bob.GetEntry(ctx, asBob, "alice/docs/final")
	require.NoError(t, err)
	assert.Equal(t, "bob", e.Owner)

	msgs, err := bob.GetMailbox(ctx, asBob)
	require.NoError(t, err)
	// sentinel, the read grant, then the hand over
	require.Len(t, msgs, 3)
	assert.Equal(t, "alice", msgs[1].Sender)
	assert.Equal(t, "yours now", msgs[2].Contents)

	require.NoError(t, bob.ClearMailbox(ctx))
	msgs, err = bob.GetMailbox(ctx, asBob)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	rec, err := alice.GetWalletStatus(ctx, asAlice)
	require.NoError(t, err)
	assert.True(t, rec.Initialized)

	account, claimed, err := alice.GetClaimCount(ctx, asAlice)
	require.NoError(t, err)
	assert.Equal(t, "alice", account)
	assert.Equal(t, uint64(0), claimed)

	newView, err := alice.IssueViewingKey(ctx, "more entropy")
	require.NoError(t, err)
	assert.NotEqual(t, aliceView, newView)

	ns, err := alice.ForgetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, "alice:1", ns)
}

func TestErrorMapping(t *testing.T) {
	ctx := context.Background()
	addr, rootKey := startNode(t)
	root := newTestClient(t, addr, rootKey)
	alice := accountClient(t, root, addr, "alice")

	_, err := alice.InitAccount(ctx, "", "entropy")
	require.NoError(t, err)

	_, err = alice.InitAccount(ctx, "", "entropy")
	assert.True(t, fault.IsAlreadyInitialized(err))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, string(fault.KindAlreadyInitialized), apiErr.ErrorType)

	_, err = alice.RemoveEntries(ctx, "alice/ghost")
	assert.True(t, fault.IsNotFound(err))

	_, err = alice.MoveEntries(ctx, ledger.Move{OldPath: "alice/", NewPath: "alice/"})
	assert.True(t, fault.IsInvalidState(err))

	// root does not act as an account
	_, err = root.CreateEntries(ctx, ledger.NewEntry{Path: "root/x"})
	assert.True(t, fault.IsUnauthorized(err))

	_, err = newTestClient(t, addr, "lfs_bogus").Ping(ctx)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = alice.CreateApiKey(ctx, "mallory")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	key, err := root.CreateApiKey(ctx, "carol")
	require.NoError(t, err)
	require.NoError(t, root.DeleteApiKey(ctx, key))
	_, err = newTestClient(t, addr, key).Ping(ctx)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestFollowsRedirects(t *testing.T) {
	var leaderBody models.SendMessageRequest
	leader := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&leaderBody))
		_ = json.NewEncoder(w).Encode(models.SuccessResponse{Success: true})
	}))
	defer leader.Close()

	follower := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, leader.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer follower.Close()

	c := newTestClient(t, follower.Listener.Addr().String(), "key")
	require.NoError(t, c.SendMessage(context.Background(), "bob", "hello"))
	assert.Equal(t, models.SendMessageRequest{To: "bob", Contents: "hello"}, leaderBody)
}

func TestRedirectLoopStops(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, srv.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.Listener.Addr().String(), "key")
	_, err := c.Ping(context.Background())
	assert.ErrorContains(t, err, "redirects")
}

func TestRetriesRateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		_ = json.NewEncoder(w).Encode(models.NodeStatus{Status: "ok"})
	}))
	defer srv.Close()

	plain := newTestClient(t, srv.Listener.Addr().String(), "key")
	_, err := plain.Ping(context.Background())
	var limited *ErrRateLimited
	require.True(t, errors.As(err, &limited))
	assert.Equal(t, time.Duration(0), limited.RetryAfter)

	calls.Store(0)
	retrying := newTestClient(t, srv.Listener.Addr().String(), "key")
	retrying.retryRateLimited = true
	status, err := retrying.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", status.Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSubscribeMailbox(t *testing.T) {
	addr, rootKey := startNode(t)
	root := newTestClient(t, addr, rootKey)
	alice := accountClient(t, root, addr, "alice")
	bob := accountClient(t, root, addr, "bob")
	_, err := bob.InitAccount(context.Background(), "", "entropy")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []models.MailboxEvent
		done   = make(chan error, 1)
	)
	go func() {
		done <- bob.SubscribeMailbox(ctx, "", func(ev models.MailboxEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		})
	}()

	// The subscription registers asynchronously; keep sending until one lands.
	require.Eventually(t, func() bool {
		if err := alice.SendMessage(context.Background(), "bob", "ping"); err != nil {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		return len(events) > 0
	}, 3*time.Second, 50*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "bob", events[0].Recipient)
	assert.Equal(t, "ping", events[0].Message.Contents)
	assert.Equal(t, "alice", events[0].Message.Sender)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestSubscribeMailboxRejectsBadKey(t *testing.T) {
	addr, _ := startNode(t)
	c := newTestClient(t, addr, "lfs_bogus")
	err := c.SubscribeMailbox(context.Background(), "", nil)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

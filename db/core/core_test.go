package core

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/rft"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testNode struct {
	t    *testing.T
	core *Core
	srv  *httptest.Server
	root string
}

func newTestNode(t *testing.T, mutate func(cfg *config.Cluster)) *testNode {
	t.Helper()
	cfg, err := config.GenerateConfig("")
	require.NoError(t, err)
	cfg.TLS = config.TLS{}
	cfg.ServerMustUseTLS = false
	if mutate != nil {
		mutate(cfg)
	}

	store, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	nodeCfg := cfg.Nodes["node0"]
	settings := Settings{
		Ctx:        ctx,
		Logger:     logger,
		NodeCfg:    &nodeCfg,
		ClusterCfg: cfg,
		NodeId:     "node0",
		Tkv:        store,
		Standalone: true,
	}

	eventCh := make(chan models.Event, cfg.Sessions.EventChannelSize)
	es := &eventSubsystem{eventCh: eventCh}
	fsm := rft.NewStandalone(rft.Settings{
		Ctx:           ctx,
		Logger:        logger,
		Config:        cfg,
		NodeCfg:       &nodeCfg,
		NodeId:        "node0",
		TkvDb:         store,
		EventReceiver: es,
	})
	c := newCore(settings, fsm, eventCh)
	es.service = c
	go c.eventProcessingLoop()
	srv := httptest.NewServer(c.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		c.stop()
	})
	return &testNode{t: t, core: c, srv: srv, root: c.GetRootClientKey()}
}

func (n *testNode) call(path, token string, body any, out any) int {
	n.t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(n.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, n.srv.URL+path, reader)
	require.NoError(n.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := n.srv.Client().Do(req)
	require.NoError(n.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(n.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (n *testNode) apiKey(account string) string {
	n.t.Helper()
	var resp models.ApiKeyCreateResponse
	status := n.call("/db/api/v1/admin/api/create", n.root, models.ApiKeyCreateRequest{Account: account}, &resp)
	require.Equal(n.t, http.StatusOK, status)
	require.Equal(n.t, account, resp.Account)
	require.True(n.t, strings.HasPrefix(resp.Key, ApiKeyPrefix))
	return resp.Key
}

func (n *testNode) initAccount(apiKey string) string {
	n.t.Helper()
	var resp models.TokenResponse
	status := n.call("/db/api/v1/account/init", apiKey, models.InitAccountRequest{Contents: "home", Entropy: "entropy"}, &resp)
	require.Equal(n.t, http.StatusOK, status)
	return resp.Key
}

func TestApiKeysAndPing(t *testing.T) {
	n := newTestNode(t, nil)
	key := n.apiKey("alice")

	var status models.NodeStatus
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/ping", key, nil, &status))
	assert.Equal(t, "alice", status.Entity)
	assert.True(t, status.IsLeader)
	assert.Equal(t, "node0", status.NodeID)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusUnauthorized, n.call("/db/api/v1/ping", "lfs_bogus", nil, &errResp))
	assert.Equal(t, ErrorTypeAuthentication, errResp.ErrorType)

	// only root manages keys
	assert.Equal(t, http.StatusUnauthorized, n.call("/db/api/v1/admin/api/create", key, models.ApiKeyCreateRequest{Account: "mallory"}, nil))
	assert.Equal(t, http.StatusBadRequest, n.call("/db/api/v1/admin/api/create", n.root, models.ApiKeyCreateRequest{Account: "a/b"}, nil))

	require.Equal(t, http.StatusOK, n.call("/db/api/v1/admin/api/delete", n.root, models.ApiKeyDeleteRequest{Key: key}, nil))
	assert.Equal(t, http.StatusUnauthorized, n.call("/db/api/v1/ping", key, nil, nil))
}

func TestLedgerRoundTrip(t *testing.T) {
	n := newTestNode(t, nil)
	alice := n.apiKey("alice")
	bob := n.apiKey("bob")
	aliceView := n.initAccount(alice)
	bobView := n.initAccount(bob)

	var count models.CountResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/entry/create", alice, models.CreateEntriesRequest{
		Entries: []ledger.NewEntry{{Path: "alice/docs/"}, {Path: "alice/docs/plan", Contents: "world domination"}},
	}, &count))
	assert.Equal(t, 2, count.Count)

	var entryResp models.QueryEntryResponse
	q := models.QueryEntryRequest{Query: ledger.Query{Behalf: []string{"alice"}, Key: aliceView}, Path: "alice/docs/plan"}
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/entry", "", q, &entryResp))
	assert.Equal(t, "world domination", entryResp.Entry.Contents)

	// bob can not read until granted
	q = models.QueryEntryRequest{Query: ledger.Query{Behalf: []string{"bob"}, Key: bobView}, Path: "alice/docs/plan"}
	var errResp models.ErrorResponse
	require.Equal(t, http.StatusForbidden, n.call("/db/api/v1/query/entry", "", q, &errResp))
	assert.Equal(t, string(fault.KindUnauthorized), errResp.ErrorType)

	require.Equal(t, http.StatusOK, n.call("/db/api/v1/entry/grants", alice, models.GrantRequest{
		Path: "alice/docs/plan", Permission: "read", Action: models.GrantAllow, Accounts: []string{"bob"}, Message: "have a look",
	}, &count))
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/entry", "", q, &entryResp))

	var mail models.QueryMailboxResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/mailbox", "", models.QueryMailboxRequest{
		Query: ledger.Query{Behalf: []string{"bob"}, Key: bobView},
	}, &mail))
	require.Len(t, mail.Messages, 2)
	assert.Equal(t, "have a look", mail.Messages[1].Contents)
	assert.Equal(t, "alice", mail.Messages[1].Sender)

	var folder models.QueryFolderResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/folder", "", models.QueryFolderRequest{
		Query: ledger.Query{Behalf: []string{"alice"}, Key: aliceView}, Path: "alice/docs/",
	}, &folder))
	assert.Equal(t, []string{"plan"}, folder.Listing.Files)

	var wallet models.QueryWalletResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/wallet", "", models.QueryWalletRequest{
		Query: ledger.Query{Behalf: []string{"alice"}, Key: aliceView},
	}, &wallet))
	assert.True(t, wallet.Wallet.Initialized)

	var claimCount models.QueryClaimCountResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/query/claim/count", "", models.QueryClaimCountRequest{
		Query: ledger.Query{Behalf: []string{"alice"}, Key: aliceView},
	}, &claimCount))
	assert.Equal(t, "alice", claimCount.Account)
	assert.Equal(t, uint64(0), claimCount.Count)

	var forget models.ForgetAccountResponse
	require.Equal(t, http.StatusOK, n.call("/db/api/v1/account/forget", alice, nil, &forget))
	assert.Equal(t, "alice:1", forget.Namespace)
}

func TestLedgerErrorMapping(t *testing.T) {
	n := newTestNode(t, nil)
	alice := n.apiKey("alice")
	n.initAccount(alice)

	var errResp models.ErrorResponse
	assert.Equal(t, http.StatusConflict, n.call("/db/api/v1/account/init", alice,
		models.InitAccountRequest{Entropy: "again"}, &errResp))
	assert.Equal(t, string(fault.KindAlreadyInitialized), errResp.ErrorType)

	assert.Equal(t, http.StatusBadRequest, n.call("/db/api/v1/entry/create", alice,
		models.CreateEntriesRequest{}, &errResp))
	assert.Equal(t, string(fault.KindInvalidState), errResp.ErrorType)

	assert.Equal(t, http.StatusNotFound, n.call("/db/api/v1/entry/remove", alice,
		models.RemoveEntriesRequest{Paths: []string{"alice/ghost"}}, &errResp))

	assert.Equal(t, http.StatusForbidden, n.call("/db/api/v1/entry/create", n.root,
		models.CreateEntriesRequest{Entries: []ledger.NewEntry{{Path: "root/x"}}}, &errResp))

	assert.Equal(t, http.StatusBadRequest, n.call("/db/api/v1/query/entry", "",
		models.QueryEntryRequest{Path: "alice/"}, &errResp))

	req, err := http.NewRequest(http.MethodGet, n.srv.URL+"/db/api/v1/entry/create", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+alice)
	resp, err := n.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestMailboxSubscription(t *testing.T) {
	n := newTestNode(t, nil)
	alice := n.apiKey("alice")
	bob := n.apiKey("bob")
	n.initAccount(bob)

	wsURL := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/db/api/v1/mailbox/subscribe"
	header := http.Header{}
	header.Set("Authorization", "Bearer "+bob)
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool {
		n.core.eventSubscribersLock.RLock()
		defer n.core.eventSubscribersLock.RUnlock()
		return len(n.core.eventSubscribers[rft.MailboxTopic("bob")]) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, n.call("/db/api/v1/mailbox/send", alice,
		models.SendMessageRequest{To: "bob", Contents: "ping"}, nil))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event struct {
		Topic string              `json:"topic"`
		Data  models.MailboxEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, rft.MailboxTopic("bob"), event.Topic)
	assert.Equal(t, "ping", event.Data.Message.Contents)
	assert.Equal(t, "alice", event.Data.Message.Sender)
	assert.Equal(t, 1, event.Data.Index)
}

func TestMiddleware(t *testing.T) {
	t.Run("permitted ips", func(t *testing.T) {
		n := newTestNode(t, func(cfg *config.Cluster) { cfg.PermittedIPs = []string{"10.9.8.7"} })
		assert.Equal(t, http.StatusForbidden, n.call("/db/api/v1/ping", n.root, nil, nil))
	})

	t.Run("rate limit", func(t *testing.T) {
		n := newTestNode(t, func(cfg *config.Cluster) {
			cfg.RateLimiters.System = config.RateLimiterConfig{Limit: 0.001, Burst: 1}
		})
		assert.Equal(t, http.StatusOK, n.call("/db/api/v1/ping", n.root, nil, nil))
		assert.Equal(t, http.StatusTooManyRequests, n.call("/db/api/v1/ping", n.root, nil, nil))
	})

	t.Run("forwarded for from trusted proxy", func(t *testing.T) {
		n := newTestNode(t, func(cfg *config.Cluster) { cfg.TrustedProxies = []string{"127.0.0.1"} })
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "127.0.0.1:5555"
		req.Header.Set("X-Forwarded-For", "203.0.113.5, 127.0.0.1")
		assert.Equal(t, "203.0.113.5", n.core.getRemoteAddress(req))

		req.RemoteAddr = "198.51.100.1:5555"
		assert.Equal(t, "198.51.100.1", n.core.getRemoteAddress(req))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	n := newTestNode(t, nil)
	alice := n.apiKey("alice")
	n.initAccount(alice)

	resp, err := n.srv.Client().Get(n.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledgerfs_ledger_operations_total{op="init_account",outcome="ok"} 1`)
	assert.Contains(t, string(body), "ledgerfs_http_requests_total")
}

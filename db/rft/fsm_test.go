package rft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/InsulaLabs/ledgerfs/config"
	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/InsulaLabs/ledgerfs/ledger/mailbox"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReceiver struct {
	mu     sync.Mutex
	topics []string
	events []any
}

func (r *recordingReceiver) Receive(topic string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
	r.events = append(r.events, data)
	return nil
}

func newTestFsm(t *testing.T, recv EventReceiverIF) *kvFsm {
	t.Helper()
	store, err := tkv.New(tkv.Config{InMemory: true, BadgerLogLevel: slog.LevelError})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg, err := config.GenerateConfig("")
	require.NoError(t, err)

	return newKvFsm(Settings{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:        cfg,
		NodeId:        "node0",
		TkvDb:         store,
		EventReceiver: recv,
	})
}

func ledgerLog(t *testing.T, index uint64, op models.Op, sender string, issuedAt time.Time, body any) *raft.Log {
	t.Helper()
	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		require.NoError(t, err)
	}
	payload, err := json.Marshal(models.LedgerCommand{Op: op, Sender: sender, IssuedAt: issuedAt, Body: bodyBytes})
	require.NoError(t, err)
	data, err := json.Marshal(RaftCommand{Type: cmdLedger, Payload: payload})
	require.NoError(t, err)
	return &raft.Log{Index: index, Term: 1, Type: raft.LogCommand, Data: data}
}

func applyResult(t *testing.T, kf *kvFsm, l *raft.Log) *models.LedgerResult {
	t.Helper()
	out := kf.Apply(l)
	if err, ok := out.(error); ok {
		require.NoError(t, err)
	}
	result, ok := out.(*models.LedgerResult)
	require.True(t, ok, "unexpected apply result %T", out)
	return result
}

func TestApplyLedgerInitAndQuery(t *testing.T) {
	kf := newTestFsm(t, nil)
	now := time.Now().UTC()

	res := applyResult(t, kf, ledgerLog(t, 1, models.OpInitAccount, "alice", now,
		models.InitAccountRequest{Contents: "home", Entropy: "e1"}))
	require.NotEmpty(t, res.Key)

	err := kf.View(func(txn tkv.Txn) error {
		e, err := kf.Ledger().GetEntry(txn, ledger.Query{Behalf: []string{"alice"}, Key: res.Key}, "alice/")
		if err != nil {
			return err
		}
		assert.Equal(t, "home", e.Contents)
		assert.Equal(t, "alice", e.Owner)
		return nil
	})
	require.NoError(t, err)
}

func TestApplyLedgerRejectsWithTypedError(t *testing.T) {
	kf := newTestFsm(t, nil)
	now := time.Now().UTC()
	applyResult(t, kf, ledgerLog(t, 1, models.OpInitAccount, "alice", now, models.InitAccountRequest{Entropy: "e"}))

	out := kf.Apply(ledgerLog(t, 2, models.OpInitAccount, "alice", now, models.InitAccountRequest{Entropy: "e"}))
	err, ok := out.(error)
	require.True(t, ok)
	assert.True(t, fault.IsAlreadyInitialized(err))

	// bob has no namespace so creating the second entry fails and the first is discarded
	out = kf.Apply(ledgerLog(t, 3, models.OpCreateEntries, "alice", now, models.CreateEntriesRequest{
		Entries: []ledger.NewEntry{{Path: "alice/a", Contents: "x"}, {Path: "bob/b", Contents: "y"}},
	}))
	_, ok = out.(error)
	require.True(t, ok)
	_, err = kf.tkv.Get("fs:alice:0|alice/a")
	assert.True(t, tkv.IsErrKeyNotFound(err))

	out = kf.Apply(ledgerLog(t, 4, models.Op("bogus"), "alice", now, nil))
	err, ok = out.(error)
	require.True(t, ok)
	assert.True(t, fault.IsInvalidState(err))
}

func TestApplyLedgerEmitsFreshDeliveries(t *testing.T) {
	recv := &recordingReceiver{}
	kf := newTestFsm(t, recv)
	now := time.Now().UTC()

	applyResult(t, kf, ledgerLog(t, 1, models.OpInitAccount, "bob", now, models.InitAccountRequest{Entropy: "e"}))
	res := applyResult(t, kf, ledgerLog(t, 2, models.OpSendMessage, "alice", now,
		models.SendMessageRequest{To: "bob", Contents: "hello"}))
	require.Len(t, res.Deliveries, 1)

	require.Len(t, recv.events, 1)
	assert.Equal(t, MailboxTopic("bob"), recv.topics[0])
	event, ok := recv.events[0].(models.MailboxEvent)
	require.True(t, ok)
	assert.Equal(t, "bob", event.Recipient)
	assert.Equal(t, mailbox.Message{Contents: "hello", Sender: "alice"}, event.Message)

	stale := now.Add(-2 * EventReplayWindow)
	res = applyResult(t, kf, ledgerLog(t, 3, models.OpSendMessage, "alice", stale,
		models.SendMessageRequest{To: "bob", Contents: "old news"}))
	assert.Len(t, res.Deliveries, 1)
	assert.Len(t, recv.events, 1)
}

func TestApplyLedgerGrantActions(t *testing.T) {
	recv := &recordingReceiver{}
	kf := newTestFsm(t, recv)
	now := time.Now().UTC()

	applyResult(t, kf, ledgerLog(t, 1, models.OpInitAccount, "alice", now, models.InitAccountRequest{Entropy: "e"}))
	applyResult(t, kf, ledgerLog(t, 2, models.OpCreateEntries, "alice", now, models.CreateEntriesRequest{
		Entries: []ledger.NewEntry{{Path: "alice/doc", Contents: "secret"}},
	}))

	res := applyResult(t, kf, ledgerLog(t, 3, models.OpGrant, "alice", now, models.GrantRequest{
		Path: "alice/doc", Permission: "read", Action: models.GrantAllow, Accounts: []string{"bob", "carol"}, Message: "look",
	}))
	assert.Equal(t, 2, res.Count)
	assert.Len(t, res.Deliveries, 2)

	res = applyResult(t, kf, ledgerLog(t, 4, models.OpGrant, "alice", now, models.GrantRequest{
		Path: "alice/doc", Permission: "read", Action: models.GrantReset, Message: "bye", Notify: true,
	}))
	assert.Len(t, res.Deliveries, 2)

	out := kf.Apply(ledgerLog(t, 5, models.OpGrant, "alice", now, models.GrantRequest{
		Path: "alice/doc", Permission: "execute", Action: models.GrantAllow, Accounts: []string{"bob"},
	}))
	err, ok := out.(error)
	require.True(t, ok)
	assert.True(t, fault.IsInvalidState(err))
}

func TestApplyIsDeterministicAcrossNodes(t *testing.T) {
	a := newTestFsm(t, nil)
	b := newTestFsm(t, nil)
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	l := ledgerLog(t, 7, models.OpInitAccount, "alice", issued, models.InitAccountRequest{Entropy: "same"})
	ra := applyResult(t, a, l)
	rb := applyResult(t, b, l)
	assert.Equal(t, ra.Key, rb.Key)
}

func TestApplyValues(t *testing.T) {
	kf := newTestFsm(t, nil)

	set, err := json.Marshal(models.KVPayload{Key: "apikey:1", Value: "v"})
	require.NoError(t, err)
	data, err := json.Marshal(RaftCommand{Type: cmdSetValue, Payload: set})
	require.NoError(t, err)
	assert.Nil(t, kf.Apply(&raft.Log{Index: 1, Type: raft.LogCommand, Data: data}))

	got, err := kf.Get("apikey:1")
	require.NoError(t, err)
	assert.Equal(t, "v", got)

	del, err := json.Marshal(models.KeyPayload{Key: "apikey:1"})
	require.NoError(t, err)
	data, err = json.Marshal(RaftCommand{Type: cmdDeleteValue, Payload: del})
	require.NoError(t, err)
	assert.Nil(t, kf.Apply(&raft.Log{Index: 2, Type: raft.LogCommand, Data: data}))

	_, err = kf.Get("apikey:1")
	assert.True(t, tkv.IsErrKeyNotFound(err))

	data, err = json.Marshal(RaftCommand{Type: "nope"})
	require.NoError(t, err)
	_, isErr := kf.Apply(&raft.Log{Index: 3, Type: raft.LogCommand, Data: data}).(error)
	assert.True(t, isErr)

	assert.Nil(t, kf.Apply(&raft.Log{Index: 4, Type: raft.LogConfiguration}))
}

type memSink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Cancel() error { s.cancelled = true; return nil }
func (s *memSink) Close() error  { return nil }

func TestSnapshotRestore(t *testing.T) {
	src := newTestFsm(t, nil)
	now := time.Now().UTC()
	res := applyResult(t, src, ledgerLog(t, 1, models.OpInitAccount, "alice", now, models.InitAccountRequest{Entropy: "e"}))
	applyResult(t, src, ledgerLog(t, 2, models.OpCreateEntries, "alice", now, models.CreateEntriesRequest{
		Entries: []ledger.NewEntry{{Path: "alice/notes", Contents: "n"}},
	}))

	snap, err := src.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	dst := newTestFsm(t, nil)
	require.NoError(t, dst.tkv.Set("stale", "gone after restore"))
	require.NoError(t, dst.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	_, err = dst.tkv.Get("stale")
	assert.True(t, tkv.IsErrKeyNotFound(err))

	err = dst.View(func(txn tkv.Txn) error {
		e, err := dst.Ledger().GetEntry(txn, ledger.Query{Behalf: []string{"alice"}, Key: res.Key}, "alice/notes")
		if err != nil {
			return err
		}
		assert.Equal(t, "n", e.Contents)
		return nil
	})
	require.NoError(t, err)
}

func TestRestoreSpansBatches(t *testing.T) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	total := restoreBatchSize*2 + 3
	for i := 0; i < total; i++ {
		require.NoError(t, enc.Encode(snapshotEntry{DBType: dbTypeValues, Key: fmt.Sprintf("k/%05d", i), Value: "v"}))
	}
	require.NoError(t, enc.Encode(snapshotEntry{DBType: "blobs", Key: "ignored", Value: "x"}))

	dst := newTestFsm(t, nil)
	require.NoError(t, dst.Restore(io.NopCloser(&buf)))

	keys, err := dst.tkv.Iterate("k/", 0, 0)
	require.NoError(t, err)
	assert.Len(t, keys, total)
	_, err = dst.tkv.Get("ignored")
	assert.True(t, tkv.IsErrKeyNotFound(err))
}

func TestJoinURL(t *testing.T) {
	cfg, err := config.GenerateConfig("")
	require.NoError(t, err)

	leader := cfg.Nodes["node0"]
	assert.Equal(t,
		"https://localhost:7001/db/api/v1/join?followerAddr=127.0.0.1%3A7002&followerId=node1",
		joinURL(cfg, leader, "node1", "127.0.0.1:7002"))

	cfg.TLS = config.TLS{}
	leader.ClientDomain = ""
	assert.Equal(t,
		"http://127.0.0.1:7001/db/api/v1/join?followerAddr=127.0.0.1%3A7002&followerId=node1",
		joinURL(cfg, leader, "node1", "127.0.0.1:7002"))
}

func TestStandaloneExecute(t *testing.T) {
	recv := &recordingReceiver{}
	kf := newTestFsm(t, recv)
	assert.True(t, kf.IsLeader())
	assert.Equal(t, "node0", kf.Leader())
	assert.Error(t, kf.Join("node1", "127.0.0.1:7002"))

	res, err := kf.Execute(models.OpInitAccount, "alice", models.InitAccountRequest{Entropy: "e"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Key)

	_, err = kf.Execute(models.OpInitAccount, "alice", models.InitAccountRequest{Entropy: "e"})
	assert.True(t, fault.IsAlreadyInitialized(err))

	res, err = kf.Execute(models.OpSendMessage, "bob", models.SendMessageRequest{To: "alice", Contents: "hi"})
	require.NoError(t, err)
	assert.Len(t, res.Deliveries, 1)
	assert.Len(t, recv.events, 1)

	require.NoError(t, kf.Set(models.KVPayload{Key: "k", Value: "v"}))
	got, err := kf.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	require.NoError(t, kf.Delete("k"))
	require.NoError(t, kf.Delete("k"))
}

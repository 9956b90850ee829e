package rft

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/pkg/errors"
)

func (kf *kvFsm) Ledger() *ledger.Ledger {
	return kf.ledger
}

func (kf *kvFsm) View(fn func(txn tkv.Txn) error) error {
	return kf.tkv.View(fn)
}

func (kf *kvFsm) Execute(op models.Op, sender string, body any) (*models.LedgerResult, error) {
	kf.logger.Debug("Execute called", "op", op, "sender", sender)

	var bodyBytes []byte
	if body != nil {
		var err error
		if bodyBytes, err = json.Marshal(body); err != nil {
			return nil, errors.Wrapf(err, "marshal %s body", op)
		}
	}

	response, err := kf.apply(cmdLedger, models.LedgerCommand{
		Op:       op,
		Sender:   sender,
		IssuedAt: time.Now().UTC(),
		Body:     bodyBytes,
	})
	if err != nil {
		return nil, err
	}
	result, ok := response.(*models.LedgerResult)
	if !ok {
		return nil, fmt.Errorf("unexpected fsm response %T for %s", response, op)
	}
	return result, nil
}

func decodeBody[T any](lc models.LedgerCommand) (T, error) {
	var v T
	if err := json.Unmarshal(lc.Body, &v); err != nil {
		return v, &fault.InvalidState{Key: string(lc.Op), Reason: "malformed body: " + err.Error()}
	}
	return v, nil
}

// applyLedger runs one ledger command inside a single transaction. The log
// index and the leader's timestamp form the invocation context so every node
// derives the same state.
func (kf *kvFsm) applyLedger(index uint64, lc models.LedgerCommand) any {
	result := &models.LedgerResult{}
	var inv *ledger.Invocation

	err := kf.tkv.Update(func(txn tkv.Txn) error {
		inv = &ledger.Invocation{
			Txn:    txn,
			Sender: lc.Sender,
			Height: index,
			Time:   lc.IssuedAt,
		}
		return kf.dispatch(inv, lc, result)
	})
	if err != nil {
		kf.logger.Debug("Ledger command rejected", "op", lc.Op, "sender", lc.Sender, "index", index, "error", err)
		return err
	}

	result.Deliveries = inv.Deliveries()
	kf.emitDeliveries(lc, result)
	kf.logger.Debug("FSM applied ledger command", "op", lc.Op, "sender", lc.Sender, "index", index)
	return result
}

func (kf *kvFsm) dispatch(inv *ledger.Invocation, lc models.LedgerCommand, result *models.LedgerResult) error {
	l := kf.ledger
	switch lc.Op {
	case models.OpInitAccount:
		req, err := decodeBody[models.InitAccountRequest](lc)
		if err != nil {
			return err
		}
		result.Key, err = l.InitAccount(inv, req.Contents, req.Entropy)
		return err
	case models.OpForgetAccount:
		ns, err := l.ForgetAccount(inv)
		result.Namespace = ns
		return err
	case models.OpIssueToken:
		req, err := decodeBody[models.IssueTokenRequest](lc)
		if err != nil {
			return err
		}
		result.Key, err = l.IssueViewingKey(inv, req.Entropy)
		return err
	case models.OpCreateEntries:
		req, err := decodeBody[models.CreateEntriesRequest](lc)
		if err != nil {
			return err
		}
		result.Count = len(req.Entries)
		return l.CreateEntries(inv, req.Entries)
	case models.OpRemoveEntries:
		req, err := decodeBody[models.RemoveEntriesRequest](lc)
		if err != nil {
			return err
		}
		result.Count, err = l.RemoveEntries(inv, req.Paths)
		return err
	case models.OpMoveEntries:
		req, err := decodeBody[models.MoveEntriesRequest](lc)
		if err != nil {
			return err
		}
		result.Count = len(req.Moves)
		return l.MoveEntries(inv, req.Moves)
	case models.OpChangeOwner:
		req, err := decodeBody[models.ChangeOwnerRequest](lc)
		if err != nil {
			return err
		}
		return l.ChangeOwner(inv, req.Path, req.NewOwner, req.Message)
	case models.OpSetPublic:
		req, err := decodeBody[models.SetPublicRequest](lc)
		if err != nil {
			return err
		}
		return l.SetPublic(inv, req.Path, req.Public)
	case models.OpGrant:
		req, err := decodeBody[models.GrantRequest](lc)
		if err != nil {
			return err
		}
		if !req.Permission.Valid() {
			return &fault.InvalidState{Key: req.Path, Reason: fmt.Sprintf("unknown permission %q", req.Permission)}
		}
		switch req.Action {
		case models.GrantAllow:
			result.Count = len(req.Accounts)
			return l.Allow(inv, req.Path, req.Permission, req.Accounts, req.Message)
		case models.GrantDisallow:
			result.Count = len(req.Accounts)
			return l.Disallow(inv, req.Path, req.Permission, req.Accounts, req.Message, req.Notify)
		case models.GrantReset:
			return l.Reset(inv, req.Path, req.Permission, req.Message, req.Notify)
		}
		return &fault.InvalidState{Key: req.Path, Reason: fmt.Sprintf("unknown grant action %q", req.Action)}
	case models.OpCloneParentGrants:
		req, err := decodeBody[models.PathRequest](lc)
		if err != nil {
			return err
		}
		result.Count, err = l.CloneParentGrants(inv, req.Path)
		return err
	case models.OpSendMessage:
		req, err := decodeBody[models.SendMessageRequest](lc)
		if err != nil {
			return err
		}
		return l.SendMessage(inv, req.To, req.Contents)
	case models.OpClearMailbox:
		return l.ClearMailbox(inv)
	}
	return &fault.InvalidState{Key: string(lc.Op), Reason: "unknown ledger operation"}
}

func (kf *kvFsm) emitDeliveries(lc models.LedgerCommand, result *models.LedgerResult) {
	if kf.eventRecvr == nil || len(result.Deliveries) == 0 {
		return
	}
	if time.Since(lc.IssuedAt) > EventReplayWindow {
		kf.logger.Debug(
			"Skipping mailbox events outside the replay window",
			"op", lc.Op,
			"issued_at", lc.IssuedAt,
			"replay_window", EventReplayWindow,
		)
		return
	}
	for _, d := range result.Deliveries {
		event := models.MailboxEvent{Recipient: d.Recipient, Index: d.Index, Message: d.Message}
		if err := kf.eventRecvr.Receive(MailboxTopic(d.Recipient), event); err != nil {
			kf.logger.Warn("Event receiver rejected mailbox event", "recipient", d.Recipient, "error", err)
		}
	}
}

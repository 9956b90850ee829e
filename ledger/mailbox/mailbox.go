// Package mailbox keeps an append-only message log per recipient.
//
// The first message of every log is a sentinel whose sender is the
// recipient. Only the account named by the sentinel may read the log.
// Clearing bumps the recipient's mailbox generation and starts a new log.
package mailbox

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

const (
	SentinelSelf  = "Placeholder contents created by you"
	SentinelOther = "Dummy contents created by someone else"
)

type Message struct {
	Contents string `json:"contents"`
	Sender   string `json:"sender"`
}

// Delivery describes one appended message.
type Delivery struct {
	Recipient string  `json:"recipient"`
	Index     int     `json:"index"`
	Message   Message `json:"message"`
}

type Mailbox struct {
	logger  *slog.Logger
	wallets *wallet.Manager
}

func New(logger *slog.Logger, wallets *wallet.Manager) *Mailbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailbox{
		logger:  logger.WithGroup("mailbox"),
		wallets: wallets,
	}
}

func logPrefix(account string, generation int32) string {
	return fmt.Sprintf("mbox:%s:%d:", account, generation)
}

func messageKey(account string, generation int32, index int) string {
	return fmt.Sprintf("%s%020d", logPrefix(account, generation), index)
}

func lengthKey(account string, generation int32) string {
	return fmt.Sprintf("mboxlen:%s:%d", account, generation)
}

func (m *Mailbox) length(txn tkv.Txn, account string, generation int32) (int, bool, error) {
	raw, err := txn.Get(lengthKey(account, generation))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, &tkv.ErrDataCorruption{Key: lengthKey(account, generation), Reason: err.Error()}
	}
	return n, true, nil
}

func (m *Mailbox) append(txn tkv.Txn, account string, generation int32, index int, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := txn.Set(messageKey(account, generation, index), string(b)); err != nil {
		return err
	}
	return txn.Set(lengthKey(account, generation), strconv.Itoa(index+1))
}

// Ensure creates the active log with a sentinel carrying contents if it does
// not exist yet. It reports whether a log was created.
func (m *Mailbox) Ensure(txn tkv.Txn, recipient, contents string) (bool, error) {
	if err := wallet.ValidateAccount(recipient); err != nil {
		return false, err
	}
	gen, err := m.wallets.MailboxGeneration(txn, recipient)
	if err != nil {
		return false, err
	}
	_, exists, err := m.length(txn, recipient, gen)
	if err != nil || exists {
		return false, err
	}
	sentinel := Message{Contents: contents, Sender: recipient}
	if err := m.append(txn, recipient, gen, 0, sentinel); err != nil {
		return false, err
	}
	return true, nil
}

// Send appends a message, creating the recipient's log if needed. The
// recipient does not have to be initialized.
func (m *Mailbox) Send(txn tkv.Txn, sender, recipient, contents string) (Delivery, error) {
	if _, err := m.Ensure(txn, recipient, SentinelOther); err != nil {
		return Delivery{}, err
	}
	gen, err := m.wallets.MailboxGeneration(txn, recipient)
	if err != nil {
		return Delivery{}, err
	}
	n, _, err := m.length(txn, recipient, gen)
	if err != nil {
		return Delivery{}, err
	}
	msg := Message{Contents: contents, Sender: sender}
	if err := m.append(txn, recipient, gen, n, msg); err != nil {
		return Delivery{}, err
	}
	m.logger.Debug("message appended", "recipient", recipient, "sender", sender, "index", n)
	return Delivery{Recipient: recipient, Index: n, Message: msg}, nil
}

// Read returns every message of behalf's active log, sentinel first.
func (m *Mailbox) Read(txn tkv.Txn, behalf string) ([]Message, error) {
	gen, err := m.wallets.MailboxGeneration(txn, behalf)
	if err != nil {
		return nil, err
	}
	n, exists, err := m.length(txn, behalf, gen)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &fault.NotFound{What: "mailbox", Key: behalf}
	}

	messages := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		key := messageKey(behalf, gen, i)
		raw, err := txn.Get(key)
		if err != nil {
			return nil, err
		}
		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, &tkv.ErrDataCorruption{Key: key, Reason: err.Error()}
		}
		if i == 0 && msg.Sender != behalf {
			return nil, &fault.Unauthorized{Reason: "can only query your own messages"}
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ClearAll orphans the active log and starts a fresh one. The old messages
// stay in storage but can no longer be reached.
func (m *Mailbox) ClearAll(txn tkv.Txn, account string) (int32, error) {
	gen, err := m.wallets.RotateMailbox(txn, account)
	if err != nil {
		return 0, err
	}
	if _, err := m.Ensure(txn, account, SentinelSelf); err != nil {
		return 0, err
	}
	m.logger.Debug("mailbox cleared", "account", account, "generation", gen)
	return gen, nil
}

// Package wallet tracks per-account namespace generations.
//
// A namespace is never deleted. Revoking an account bumps its generation,
// which makes every entry stored under the old namespace id unreachable.
package wallet

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
)

const keyPrefix = "wallet:"

type Record struct {
	Initialized         bool  `json:"init"`
	NamespaceGeneration int32 `json:"namespace_generation"`
	MailboxGeneration   int32 `json:"mailbox_generation"`
}

type Manager struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{logger: logger.WithGroup("wallet")}
}

// ValidateAccount rejects identifiers that would make storage keys ambiguous.
func ValidateAccount(account string) error {
	if account == "" {
		return &fault.InvalidState{Reason: "empty account identifier"}
	}
	if strings.ContainsAny(account, "/:") {
		return &fault.InvalidState{Key: account, Reason: "account identifiers may not contain '/' or ':'"}
	}
	return nil
}

// NamespaceID joins an account and a generation. Accounts never contain ':'
// so distinct pairs never collide.
func NamespaceID(account string, generation int32) string {
	return fmt.Sprintf("%s:%d", account, generation)
}

func recordKey(account string) string {
	return keyPrefix + account
}

func (m *Manager) Get(txn tkv.Txn, account string) (Record, error) {
	raw, err := txn.Get(recordKey(account))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return Record{}, &fault.NotFound{What: "account", Key: account}
		}
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Record{}, &tkv.ErrDataCorruption{Key: recordKey(account), Reason: err.Error()}
	}
	return rec, nil
}

func (m *Manager) put(txn tkv.Txn, account string, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return txn.Set(recordKey(account), string(b))
}

// Resolve returns the active namespace id. It uses the current generation
// even when the account is not initialized, as long as it was initialized
// at some point.
func (m *Manager) Resolve(txn tkv.Txn, account string) (string, error) {
	rec, err := m.Get(txn, account)
	if err != nil {
		return "", err
	}
	if !rec.Initialized && rec.NamespaceGeneration == 0 {
		return "", &fault.NotFound{What: "account", Key: account}
	}
	return NamespaceID(account, rec.NamespaceGeneration), nil
}

// Initialize marks the account initialized. A first initialization starts at
// generation zero, a later one keeps the rotated generations.
func (m *Manager) Initialize(txn tkv.Txn, account string) (string, error) {
	if err := ValidateAccount(account); err != nil {
		return "", err
	}
	rec, err := m.Get(txn, account)
	if err != nil && !fault.IsNotFound(err) {
		return "", err
	}
	if rec.Initialized {
		return "", &fault.AlreadyInitialized{Account: account}
	}
	rec.Initialized = true
	if err := m.put(txn, account, rec); err != nil {
		return "", err
	}
	m.logger.Debug("account initialized", "account", account, "generation", rec.NamespaceGeneration)
	return NamespaceID(account, rec.NamespaceGeneration), nil
}

// RevokeAndRotate orphans every entry in the current namespace in O(1).
func (m *Manager) RevokeAndRotate(txn tkv.Txn, account string) (string, error) {
	rec, err := m.Get(txn, account)
	if err != nil {
		return "", err
	}
	rec.Initialized = false
	rec.NamespaceGeneration++
	if err := m.put(txn, account, rec); err != nil {
		return "", err
	}
	m.logger.Debug("namespace rotated", "account", account, "generation", rec.NamespaceGeneration)
	return NamespaceID(account, rec.NamespaceGeneration), nil
}

// MailboxGeneration returns zero for accounts that were never initialized so
// mail can be delivered to them.
func (m *Manager) MailboxGeneration(txn tkv.Txn, account string) (int32, error) {
	rec, err := m.Get(txn, account)
	if err != nil {
		if fault.IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return rec.MailboxGeneration, nil
}

// RotateMailbox bumps the mailbox generation. Accounts that were never
// initialized get an uninitialized record to hold it.
func (m *Manager) RotateMailbox(txn tkv.Txn, account string) (int32, error) {
	if err := ValidateAccount(account); err != nil {
		return 0, err
	}
	rec, err := m.Get(txn, account)
	if err != nil && !fault.IsNotFound(err) {
		return 0, err
	}
	rec.MailboxGeneration++
	if err := m.put(txn, account, rec); err != nil {
		return 0, err
	}
	return rec.MailboxGeneration, nil
}

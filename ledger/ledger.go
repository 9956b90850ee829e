// Package ledger is the operation surface of the filesystem. Every mutating
// call runs against one Invocation whose transaction commits or discards as a
// unit, so composite operations are all-or-nothing.
package ledger

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/claims"
	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/InsulaLabs/ledgerfs/ledger/mailbox"
	"github.com/InsulaLabs/ledgerfs/ledger/viewkey"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
	"github.com/pkg/errors"
)

type Config struct {
	Logger *slog.Logger

	// Seed is mixed into every viewing key. All nodes must share it.
	Seed []byte

	// MaxBatch bounds the multi operations. Zero means unbounded.
	MaxBatch int
	// MaxContentsSize bounds entry contents and messages in bytes. Zero means unbounded.
	MaxContentsSize int
}

// Invocation carries the caller and the ordering context of one applied
// command.
type Invocation struct {
	Txn    tkv.Txn
	Sender string
	Height uint64
	Time   time.Time

	deliveries []mailbox.Delivery
}

// Deliveries lists the messages appended while the invocation ran.
func (inv *Invocation) Deliveries() []mailbox.Delivery {
	return inv.deliveries
}

func (inv *Invocation) viewContext() viewkey.Context {
	return viewkey.Context{Account: inv.Sender, Height: inv.Height, Time: inv.Time}
}

// Query authenticates a read with a viewing key valid for any of Behalf.
type Query struct {
	Behalf []string `json:"behalf" validate:"required,min=1"`
	Key    string   `json:"key" validate:"required"`
}

type NewEntry struct {
	Path      string `json:"path" validate:"required"`
	Contents  string `json:"contents"`
	PublicKey string `json:"pkey,omitempty"`
	SecretKey string `json:"skey,omitempty"`
}

type Move struct {
	OldPath string `json:"old_path" validate:"required"`
	NewPath string `json:"new_path" validate:"required"`
}

type Ledger struct {
	logger *slog.Logger
	cfg    Config

	Wallets *wallet.Manager
	Entries *entry.Store
	Gate    *viewkey.Gate
	Mail    *mailbox.Mailbox
	Claims  *claims.Store
}

func New(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.WithGroup("ledger")
	wallets := wallet.New(logger)
	return &Ledger{
		logger:  logger,
		cfg:     cfg,
		Wallets: wallets,
		Entries: entry.New(logger, wallets),
		Gate:    viewkey.New(logger, cfg.Seed),
		Mail:    mailbox.New(logger, wallets),
		Claims:  claims.New(),
	}
}

func (l *Ledger) checkBatch(n int) error {
	if l.cfg.MaxBatch > 0 && n > l.cfg.MaxBatch {
		return &fault.InvalidState{Reason: fmt.Sprintf("batch of %d exceeds limit of %d", n, l.cfg.MaxBatch)}
	}
	return nil
}

func (l *Ledger) checkContents(what, contents string) error {
	if l.cfg.MaxContentsSize > 0 && len(contents) > l.cfg.MaxContentsSize {
		return &fault.InvalidState{Key: what, Reason: fmt.Sprintf("contents exceed %d bytes", l.cfg.MaxContentsSize)}
	}
	return nil
}

func (l *Ledger) notify(inv *Invocation, recipient, contents string) error {
	d, err := l.Mail.Send(inv.Txn, inv.Sender, recipient, contents)
	if err != nil {
		return err
	}
	inv.deliveries = append(inv.deliveries, d)
	return nil
}

// ------------------------------------------------------------ accounts

// InitAccount initializes the sender's namespace, writes its root folder,
// opens its mailbox and returns a fresh viewing key.
func (l *Ledger) InitAccount(inv *Invocation, contents, entropy string) (string, error) {
	account := inv.Sender
	if err := wallet.ValidateAccount(account); err != nil {
		return "", err
	}
	if err := l.checkContents(account, contents); err != nil {
		return "", err
	}

	rec, err := l.Wallets.Get(inv.Txn, account)
	switch {
	case err == nil:
		root, err := l.Entries.Exists(inv.Txn, entry.RootPath(account))
		if err != nil {
			return "", err
		}
		if rec.Initialized || root {
			return "", &fault.AlreadyInitialized{Account: account}
		}
	case !fault.IsNotFound(err):
		return "", err
	}

	if _, err := l.Wallets.Initialize(inv.Txn, account); err != nil {
		return "", errors.Wrapf(err, "initialize %s", account)
	}
	if err := l.Entries.CreateRoot(inv.Txn, account, contents); err != nil {
		return "", errors.Wrapf(err, "create root folder for %s", account)
	}
	if _, err := l.Mail.Ensure(inv.Txn, account, mailbox.SentinelSelf); err != nil {
		return "", errors.Wrapf(err, "open mailbox for %s", account)
	}
	key, err := l.Gate.Issue(inv.Txn, inv.viewContext(), entropy)
	if err != nil {
		return "", errors.Wrapf(err, "issue viewing key for %s", account)
	}
	l.logger.Info("account initialized", "account", account, "height", inv.Height)
	return key, nil
}

// ForgetAccount rotates the sender's namespace. Viewing keys stay valid.
func (l *Ledger) ForgetAccount(inv *Invocation) (string, error) {
	ns, err := l.Wallets.RevokeAndRotate(inv.Txn, inv.Sender)
	if err != nil {
		return "", errors.Wrapf(err, "forget %s", inv.Sender)
	}
	l.logger.Info("account forgotten", "account", inv.Sender, "namespace", ns)
	return ns, nil
}

func (l *Ledger) IssueViewingKey(inv *Invocation, entropy string) (string, error) {
	if err := wallet.ValidateAccount(inv.Sender); err != nil {
		return "", err
	}
	return l.Gate.Issue(inv.Txn, inv.viewContext(), entropy)
}

// ------------------------------------------------------------ entries

func (l *Ledger) CreateEntries(inv *Invocation, entries []NewEntry) error {
	if err := l.checkBatch(len(entries)); err != nil {
		return err
	}
	for _, e := range entries {
		if err := l.checkContents(e.Path, e.Contents); err != nil {
			return err
		}
		if err := l.Entries.Create(inv.Txn, inv.Sender, e.Path, e.Contents); err != nil {
			return errors.Wrapf(err, "create %s", e.Path)
		}
		if e.PublicKey != "" {
			if err := l.Claims.Write(inv.Txn, inv.Sender, e.PublicKey, e.SecretKey, e.Path); err != nil {
				return errors.Wrapf(err, "write claim for %s", e.Path)
			}
		}
	}
	return nil
}

// RemoveEntries returns the number of entries deleted, descendants included.
func (l *Ledger) RemoveEntries(inv *Invocation, paths []string) (int, error) {
	if err := l.checkBatch(len(paths)); err != nil {
		return 0, err
	}
	total := 0
	for _, p := range paths {
		n, err := l.Entries.Remove(inv.Txn, inv.Sender, p)
		if err != nil {
			return 0, errors.Wrapf(err, "remove %s", p)
		}
		total += n
	}
	return total, nil
}

func (l *Ledger) MoveEntries(inv *Invocation, moves []Move) error {
	if err := l.checkBatch(len(moves)); err != nil {
		return err
	}
	for _, m := range moves {
		if err := l.Entries.Move(inv.Txn, inv.Sender, m.OldPath, m.NewPath); err != nil {
			return errors.Wrapf(err, "move %s to %s", m.OldPath, m.NewPath)
		}
	}
	return nil
}

// ChangeOwner hands path to newOwner and tells them with message.
func (l *Ledger) ChangeOwner(inv *Invocation, path, newOwner, message string) error {
	if err := l.Entries.ChangeOwner(inv.Txn, inv.Sender, path, newOwner); err != nil {
		return errors.Wrapf(err, "change owner of %s", path)
	}
	return l.notify(inv, newOwner, message)
}

func (l *Ledger) SetPublic(inv *Invocation, path string, public bool) error {
	return errors.Wrapf(l.Entries.SetPublic(inv.Txn, inv.Sender, path, public), "set visibility of %s", path)
}

// Allow grants perm on path to accounts and always notifies each of them.
func (l *Ledger) Allow(inv *Invocation, path string, perm entry.Permission, accounts []string, message string) error {
	if err := l.checkBatch(len(accounts)); err != nil {
		return err
	}
	if err := l.Entries.Allow(inv.Txn, inv.Sender, path, perm, accounts); err != nil {
		return errors.Wrapf(err, "allow %s on %s", perm, path)
	}
	for _, acct := range accounts {
		if err := l.notify(inv, acct, message); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) Disallow(inv *Invocation, path string, perm entry.Permission, accounts []string, message string, notify bool) error {
	if err := l.checkBatch(len(accounts)); err != nil {
		return err
	}
	if err := l.Entries.Disallow(inv.Txn, inv.Sender, path, perm, accounts); err != nil {
		return errors.Wrapf(err, "disallow %s on %s", perm, path)
	}
	if !notify {
		return nil
	}
	for _, acct := range accounts {
		if err := l.notify(inv, acct, message); err != nil {
			return err
		}
	}
	return nil
}

// Reset empties the perm list of path. With notify every previous member is
// told with message.
func (l *Ledger) Reset(inv *Invocation, path string, perm entry.Permission, message string, notify bool) error {
	previous, err := l.Entries.Reset(inv.Txn, inv.Sender, path, perm)
	if err != nil {
		return errors.Wrapf(err, "reset %s on %s", perm, path)
	}
	if !notify {
		return nil
	}
	for _, acct := range previous {
		if err := l.notify(inv, acct, message); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) CloneParentGrants(inv *Invocation, path string) (int, error) {
	n, err := l.Entries.CloneParentGrants(inv.Txn, inv.Sender, path)
	if err != nil {
		return 0, errors.Wrapf(err, "clone grants of %s", path)
	}
	return n, nil
}

// ------------------------------------------------------------ mailbox

func (l *Ledger) SendMessage(inv *Invocation, to, contents string) error {
	if err := l.checkContents(to, contents); err != nil {
		return err
	}
	return errors.Wrapf(l.notify(inv, to, contents), "send message to %s", to)
}

func (l *Ledger) ClearMailbox(inv *Invocation) error {
	_, err := l.Mail.ClearAll(inv.Txn, inv.Sender)
	return errors.Wrapf(err, "clear mailbox of %s", inv.Sender)
}

// ------------------------------------------------------------ queries

func (l *Ledger) authenticate(txn tkv.Txn, q Query) (string, error) {
	return l.Gate.Authenticate(txn, q.Behalf, q.Key)
}

func (l *Ledger) GetEntry(txn tkv.Txn, q Query, path string) (entry.Entry, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return entry.Entry{}, err
	}
	return l.Entries.Get(txn, acct, path)
}

func (l *Ledger) ListFolder(txn tkv.Txn, q Query, path string) (entry.Listing, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return entry.Listing{}, err
	}
	return l.Entries.List(txn, acct, path)
}

func (l *Ledger) GetMailbox(txn tkv.Txn, q Query) ([]mailbox.Message, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return nil, err
	}
	return l.Mail.Read(txn, acct)
}

func (l *Ledger) GetWalletStatus(txn tkv.Txn, q Query) (wallet.Record, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return wallet.Record{}, err
	}
	return l.Wallets.Get(txn, acct)
}

func (l *Ledger) GetClaim(txn tkv.Txn, q Query, pkey string) (claims.Claim, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return claims.Claim{}, err
	}
	return l.Claims.Get(txn, acct, pkey)
}

// GetClaimCount reports how many claims the authenticated account has written.
func (l *Ledger) GetClaimCount(txn tkv.Txn, q Query) (string, uint64, error) {
	acct, err := l.authenticate(txn, q)
	if err != nil {
		return "", 0, err
	}
	n, err := l.Claims.Count(txn, acct)
	return acct, n, err
}

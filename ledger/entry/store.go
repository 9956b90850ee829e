package entry

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

const keyPrefix = "fs:"

type Store struct {
	logger  *slog.Logger
	wallets *wallet.Manager
}

func New(logger *slog.Logger, wallets *wallet.Manager) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		logger:  logger.WithGroup("entry"),
		wallets: wallets,
	}
}

// entryKey places path inside a namespace. Account names never contain '|'
// so a generation prefix never matches a longer generation.
func entryKey(namespace, path string) string {
	return keyPrefix + namespace + "|" + path
}

func pathFromKey(namespace, key string) string {
	return strings.TrimPrefix(key, keyPrefix+namespace+"|")
}

func (s *Store) namespaceFor(txn tkv.Txn, path string) (string, error) {
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return s.wallets.Resolve(txn, NamespaceOwner(path))
}

func (s *Store) load(txn tkv.Txn, namespace, path string) (Entry, error) {
	key := entryKey(namespace, path)
	raw, err := txn.Get(key)
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return Entry{}, &fault.NotFound{What: "entry", Key: path}
		}
		return Entry{}, err
	}
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return Entry{}, &tkv.ErrDataCorruption{Key: key, Reason: err.Error()}
	}
	return e, nil
}

func (s *Store) save(txn tkv.Txn, namespace, path string, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return txn.Set(entryKey(namespace, path), string(b))
}

// descendants returns the paths below a folder, excluding the folder itself.
func (s *Store) descendants(txn tkv.Txn, namespace, path string) ([]string, error) {
	if !IsFolder(path) {
		return nil, nil
	}
	keys, err := txn.Iterate(entryKey(namespace, path), 0, 0)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(keys))
	for _, k := range keys {
		p := pathFromKey(namespace, k)
		if p == path {
			continue
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Load returns the entry at path without any capability check.
func (s *Store) Load(txn tkv.Txn, path string) (Entry, error) {
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return Entry{}, err
	}
	return s.load(txn, ns, path)
}

func (s *Store) Exists(txn tkv.Txn, path string) (bool, error) {
	_, err := s.Load(txn, path)
	if err != nil {
		if fault.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Get returns the entry if caller can read it.
func (s *Store) Get(txn tkv.Txn, caller, path string) (Entry, error) {
	e, err := s.Load(txn, path)
	if err != nil {
		return Entry{}, err
	}
	if !e.CanRead(caller) {
		return Entry{}, &fault.Unauthorized{Reason: "no read access to " + path}
	}
	return e, nil
}

// CreateRoot writes the account's root folder. The namespace must already be
// resolvable.
func (s *Store) CreateRoot(txn tkv.Txn, account, contents string) error {
	path := RootPath(account)
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return err
	}
	return s.save(txn, ns, path, Entry{Contents: contents, Owner: account})
}

// Create writes a private entry with empty grants owned by owner. The parent
// folder must exist and owner must be able to write it. Replacing an existing
// entry additionally requires write access to that entry.
func (s *Store) Create(txn tkv.Txn, owner, path, contents string) error {
	if err := wallet.ValidateAccount(owner); err != nil {
		return err
	}
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return err
	}
	parent := ParentPath(path)
	if parent == "" {
		return &fault.InvalidState{Key: path, Reason: "path has no parent folder"}
	}
	pe, err := s.load(txn, ns, parent)
	if err != nil {
		return err
	}
	if !pe.CanWrite(owner) {
		return &fault.Unauthorized{Reason: "no write access to parent folder " + parent}
	}

	existing, err := s.load(txn, ns, path)
	switch {
	case err == nil:
		if !existing.CanWrite(owner) {
			return &fault.Unauthorized{Reason: "no write access to existing entry " + path}
		}
	case !fault.IsNotFound(err):
		return err
	}

	s.logger.Debug("creating entry", "path", path, "owner", owner, "namespace", ns)
	return s.save(txn, ns, path, Entry{Contents: contents, Owner: owner})
}

// Remove deletes an entry owned by caller. Removing a folder removes every
// descendant. It returns how many entries were deleted.
func (s *Store) Remove(txn tkv.Txn, caller, path string) (int, error) {
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return 0, err
	}
	e, err := s.load(txn, ns, path)
	if err != nil {
		return 0, err
	}
	if e.Owner != caller {
		return 0, &fault.Unauthorized{Reason: "only the owner can remove " + path}
	}
	return s.removeTree(txn, ns, path)
}

func (s *Store) removeTree(txn tkv.Txn, ns, path string) (int, error) {
	children, err := s.descendants(txn, ns, path)
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		if err := txn.Delete(entryKey(ns, child)); err != nil {
			return 0, err
		}
	}
	if err := txn.Delete(entryKey(ns, path)); err != nil {
		return 0, err
	}
	return len(children) + 1, nil
}

// Move recreates old at newPath with create semantics and removes old.
// Folder descendants are carried along with their owners and grants.
func (s *Store) Move(txn tkv.Txn, caller, oldPath, newPath string) error {
	if oldPath == newPath {
		return &fault.InvalidState{Key: oldPath, Reason: "source and destination are the same"}
	}
	if IsFolder(oldPath) != IsFolder(newPath) {
		return &fault.InvalidState{Key: newPath, Reason: "cannot move between a file and a folder path"}
	}
	if IsFolder(oldPath) && strings.HasPrefix(newPath, oldPath) {
		return &fault.InvalidState{Key: newPath, Reason: "cannot move a folder into itself"}
	}

	oldNS, err := s.namespaceFor(txn, oldPath)
	if err != nil {
		return err
	}
	old, err := s.load(txn, oldNS, oldPath)
	if err != nil {
		return err
	}
	if old.Owner != caller {
		return &fault.Unauthorized{Reason: "only the owner can move " + oldPath}
	}

	children, err := s.descendants(txn, oldNS, oldPath)
	if err != nil {
		return err
	}
	carried := make([]Entry, len(children))
	for i, child := range children {
		if carried[i], err = s.load(txn, oldNS, child); err != nil {
			return err
		}
	}

	if err := s.Create(txn, caller, newPath, old.Contents); err != nil {
		return err
	}
	newNS, err := s.namespaceFor(txn, newPath)
	if err != nil {
		return err
	}
	for i, child := range children {
		dest := newPath + strings.TrimPrefix(child, oldPath)
		existing, err := s.load(txn, newNS, dest)
		switch {
		case err == nil:
			if !existing.CanWrite(caller) {
				return &fault.Unauthorized{Reason: "no write access to existing entry " + dest}
			}
		case !fault.IsNotFound(err):
			return err
		}
		if err := s.save(txn, newNS, dest, carried[i]); err != nil {
			return err
		}
	}

	if _, err := s.removeTree(txn, oldNS, oldPath); err != nil {
		return err
	}
	s.logger.Debug("moved entry", "from", oldPath, "to", newPath, "descendants", len(children))
	return nil
}

// writable loads path and checks caller can write it.
func (s *Store) writable(txn tkv.Txn, caller, path string) (string, Entry, error) {
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return "", Entry{}, err
	}
	e, err := s.load(txn, ns, path)
	if err != nil {
		return "", Entry{}, err
	}
	if !e.CanWrite(caller) {
		return "", Entry{}, &fault.Unauthorized{Reason: "no write access to " + path}
	}
	return ns, e, nil
}

// ChangeOwner hands the entry to newOwner. Grants are left untouched.
func (s *Store) ChangeOwner(txn tkv.Txn, caller, path, newOwner string) error {
	if err := wallet.ValidateAccount(newOwner); err != nil {
		return err
	}
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return err
	}
	e.Owner = newOwner
	return s.save(txn, ns, path, e)
}

func (s *Store) SetPublic(txn tkv.Txn, caller, path string, public bool) error {
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return err
	}
	e.Public = public
	return s.save(txn, ns, path, e)
}

// Allow adds accounts to a grant list. Adding the owner or an existing member
// changes nothing.
func (s *Store) Allow(txn tkv.Txn, caller, path string, perm Permission, accounts []string) error {
	if !perm.Valid() {
		return &fault.InvalidState{Key: path, Reason: "unknown permission " + string(perm)}
	}
	for _, acct := range accounts {
		if err := wallet.ValidateAccount(acct); err != nil {
			return err
		}
	}
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return err
	}
	list := e.grants(perm)
	for _, acct := range accounts {
		if acct == e.Owner {
			continue
		}
		list.Add(acct)
	}
	return s.save(txn, ns, path, e)
}

// Disallow removes accounts from a grant list. Non-members are ignored.
func (s *Store) Disallow(txn tkv.Txn, caller, path string, perm Permission, accounts []string) error {
	if !perm.Valid() {
		return &fault.InvalidState{Key: path, Reason: "unknown permission " + string(perm)}
	}
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return err
	}
	list := e.grants(perm)
	for _, acct := range accounts {
		list.Remove(acct)
	}
	return s.save(txn, ns, path, e)
}

// Reset empties a grant list and returns its previous members.
func (s *Store) Reset(txn tkv.Txn, caller, path string, perm Permission) ([]string, error) {
	if !perm.Valid() {
		return nil, &fault.InvalidState{Key: path, Reason: "unknown permission " + string(perm)}
	}
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return nil, err
	}
	list := e.grants(perm)
	previous := list.Items()
	list.Clear()
	if err := s.save(txn, ns, path, e); err != nil {
		return nil, err
	}
	return previous, nil
}

// CloneParentGrants replaces the grant lists of every descendant of path with
// copies of path's own lists. It returns how many entries were updated.
func (s *Store) CloneParentGrants(txn tkv.Txn, caller, path string) (int, error) {
	ns, e, err := s.writable(txn, caller, path)
	if err != nil {
		return 0, err
	}
	children, err := s.descendants(txn, ns, path)
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		ce, err := s.load(txn, ns, child)
		if err != nil {
			return 0, err
		}
		ce.ReadGrants = *e.ReadGrants.Clone()
		ce.WriteGrants = *e.WriteGrants.Clone()
		if err := s.save(txn, ns, child, ce); err != nil {
			return 0, err
		}
	}
	return len(children), nil
}

// List returns the direct children of a folder caller can read.
func (s *Store) List(txn tkv.Txn, caller, path string) (Listing, error) {
	if !IsFolder(path) {
		return Listing{}, &fault.InvalidState{Key: path, Reason: "not a folder"}
	}
	ns, err := s.namespaceFor(txn, path)
	if err != nil {
		return Listing{}, err
	}
	e, err := s.load(txn, ns, path)
	if err != nil {
		return Listing{}, err
	}
	if !e.CanRead(caller) {
		return Listing{}, &fault.Unauthorized{Reason: "no read access to " + path}
	}
	children, err := s.descendants(txn, ns, path)
	if err != nil {
		return Listing{}, err
	}
	listing := Listing{Folders: []string{}, Files: []string{}}
	for _, child := range children {
		rest := strings.TrimPrefix(child, path)
		idx := strings.Index(rest, Separator)
		switch {
		case idx < 0:
			listing.Files = append(listing.Files, rest)
		case idx == len(rest)-1:
			listing.Folders = append(listing.Folders, rest)
		}
	}
	return listing, nil
}

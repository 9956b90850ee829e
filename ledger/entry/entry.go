// Package entry stores path-addressed entries with owner, public flag and
// read/write grant lists.
//
// A path's first segment names the account whose namespace holds it. A
// trailing "/" marks a folder. Authorization against the parent folder is
// checked only when an entry is created; later changes to the parent do not
// affect existing children.
package entry

import (
	"strings"

	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/InsulaLabs/ledgerfs/ledger/ordset"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

const Separator = "/"

type Permission string

const (
	PermissionRead  Permission = "read"
	PermissionWrite Permission = "write"
)

func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionWrite
}

type Entry struct {
	Contents    string             `json:"contents"`
	Owner       string             `json:"owner"`
	Public      bool               `json:"public"`
	ReadGrants  ordset.Set[string] `json:"read_grants"`
	WriteGrants ordset.Set[string] `json:"write_grants"`
}

func (e *Entry) CanRead(caller string) bool {
	return caller == e.Owner ||
		e.Public ||
		e.ReadGrants.Contains(caller) ||
		e.WriteGrants.Contains(caller)
}

func (e *Entry) CanWrite(caller string) bool {
	return caller == e.Owner || e.WriteGrants.Contains(caller)
}

func (e *Entry) grants(p Permission) *ordset.Set[string] {
	if p == PermissionWrite {
		return &e.WriteGrants
	}
	return &e.ReadGrants
}

// Listing holds the direct children of a folder.
type Listing struct {
	Folders []string `json:"folders"`
	Files   []string `json:"files"`
}

func IsFolder(path string) bool {
	return strings.HasSuffix(path, Separator)
}

// ParentPath drops the final segment. Folder parents keep their trailing
// separator. A single segment has no parent and yields "".
func ParentPath(path string) string {
	trimmed := strings.TrimSuffix(path, Separator)
	segments := strings.Split(trimmed, Separator)
	if len(segments) < 2 {
		return ""
	}
	return strings.Join(segments[:len(segments)-1], Separator) + Separator
}

// NamespaceOwner returns the account named by the first path segment.
func NamespaceOwner(path string) string {
	owner, _, _ := strings.Cut(path, Separator)
	return owner
}

// RootPath is the folder created for an account when it initializes.
func RootPath(account string) string {
	return account + Separator
}

func ValidatePath(path string) error {
	if path == "" {
		return &fault.InvalidState{Reason: "empty path"}
	}
	if err := wallet.ValidateAccount(NamespaceOwner(path)); err != nil {
		return &fault.InvalidState{Key: path, Reason: "path must begin with an account segment"}
	}
	inner := strings.TrimSuffix(path, Separator)
	if strings.Contains(inner, Separator+Separator) {
		return &fault.InvalidState{Key: path, Reason: "path contains an empty segment"}
	}
	return nil
}

package models

import (
	"time"

	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/claims"
	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/InsulaLabs/ledgerfs/ledger/mailbox"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

// Op names one mutating ledger operation. It doubles as the raft command
// type and the metrics label.
type Op string

const (
	OpInitAccount       Op = "init_account"
	OpForgetAccount     Op = "forget_account"
	OpIssueToken        Op = "issue_token"
	OpCreateEntries     Op = "create_entries"
	OpRemoveEntries     Op = "remove_entries"
	OpMoveEntries       Op = "move_entries"
	OpChangeOwner       Op = "change_owner"
	OpSetPublic         Op = "set_public"
	OpGrant             Op = "grant"
	OpCloneParentGrants Op = "clone_parent_grants"
	OpSendMessage       Op = "send_message"
	OpClearMailbox      Op = "clear_mailbox"
)

// LedgerCommand is what the leader replicates. Sender and IssuedAt are
// stamped by the node that accepted the request.
type LedgerCommand struct {
	Op       Op        `json:"op"`
	Sender   string    `json:"sender"`
	IssuedAt time.Time `json:"issued_at"`
	Body     []byte    `json:"body"`
}

// LedgerResult is returned from the FSM for a successful command.
type LedgerResult struct {
	Key        string             `json:"key,omitempty"`
	Namespace  string             `json:"namespace,omitempty"`
	Count      int                `json:"count,omitempty"`
	Deliveries []mailbox.Delivery `json:"-"`
}

// -- write requests --

type InitAccountRequest struct {
	Contents string `json:"contents"`
	Entropy  string `json:"entropy" validate:"required"`
}

type IssueTokenRequest struct {
	Entropy string `json:"entropy" validate:"required"`
}

type TokenResponse struct {
	Key string `json:"key"`
}

type ForgetAccountResponse struct {
	Namespace string `json:"namespace"`
}

type CreateEntriesRequest struct {
	Entries []ledger.NewEntry `json:"entries" validate:"required,min=1,dive"`
}

type RemoveEntriesRequest struct {
	Paths []string `json:"paths" validate:"required,min=1,dive,required"`
}

type MoveEntriesRequest struct {
	Moves []ledger.Move `json:"moves" validate:"required,min=1,dive"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type ChangeOwnerRequest struct {
	Path     string `json:"path" validate:"required"`
	NewOwner string `json:"new_owner" validate:"required"`
	Message  string `json:"message"`
}

type SetPublicRequest struct {
	Path   string `json:"path" validate:"required"`
	Public bool   `json:"public"`
}

type GrantAction string

const (
	GrantAllow    GrantAction = "allow"
	GrantDisallow GrantAction = "disallow"
	GrantReset    GrantAction = "reset"
)

type GrantRequest struct {
	Path       string           `json:"path" validate:"required"`
	Permission entry.Permission `json:"permission" validate:"required,oneof=read write"`
	Action     GrantAction      `json:"action" validate:"required,oneof=allow disallow reset"`
	Accounts   []string         `json:"accounts" validate:"required_unless=Action reset"`
	Message    string           `json:"message"`
	Notify     bool             `json:"notify"`
}

type PathRequest struct {
	Path string `json:"path" validate:"required"`
}

type SendMessageRequest struct {
	To       string `json:"to" validate:"required"`
	Contents string `json:"contents"`
}

// -- queries --

type QueryEntryRequest struct {
	ledger.Query
	Path string `json:"path" validate:"required"`
}

type QueryEntryResponse struct {
	Path  string      `json:"path"`
	Entry entry.Entry `json:"entry"`
}

type QueryFolderRequest struct {
	ledger.Query
	Path string `json:"path" validate:"required"`
}

type QueryFolderResponse struct {
	Path    string        `json:"path"`
	Listing entry.Listing `json:"listing"`
}

type QueryMailboxRequest struct {
	ledger.Query
}

type QueryMailboxResponse struct {
	Messages []mailbox.Message `json:"messages"`
}

type QueryWalletRequest struct {
	ledger.Query
}

type QueryWalletResponse struct {
	Wallet wallet.Record `json:"wallet"`
}

type QueryClaimRequest struct {
	ledger.Query
	PublicKey string `json:"pkey" validate:"required"`
}

type QueryClaimResponse struct {
	Claim claims.Claim `json:"claim"`
}

type QueryClaimCountRequest struct {
	ledger.Query
}

type QueryClaimCountResponse struct {
	Account string `json:"account"`
	Count   uint64 `json:"count"`
}

// MailboxEvent is pushed to live subscribers of a recipient's mailbox.
type MailboxEvent struct {
	Recipient string          `json:"recipient"`
	Index     int             `json:"index"`
	Message   mailbox.Message `json:"message"`
}

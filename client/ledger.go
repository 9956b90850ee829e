package client

import (
	"context"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger"
	"github.com/InsulaLabs/ledgerfs/ledger/claims"
	"github.com/InsulaLabs/ledgerfs/ledger/entry"
	"github.com/InsulaLabs/ledgerfs/ledger/mailbox"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

// -- Account operations --
//
// Writes act as the account the client's api key was minted for.

// InitAccount creates the caller's home folder and returns its first
// viewing key.
func (c *Client) InitAccount(ctx context.Context, contents, entropy string) (string, error) {
	var resp models.TokenResponse
	err := c.post(ctx, "db/api/v1/account/init", models.InitAccountRequest{Contents: contents, Entropy: entropy}, &resp)
	return resp.Key, err
}

// ForgetAccount abandons every entry the caller owns and returns the new
// namespace id.
func (c *Client) ForgetAccount(ctx context.Context) (string, error) {
	var resp models.ForgetAccountResponse
	err := c.post(ctx, "db/api/v1/account/forget", nil, &resp)
	return resp.Namespace, err
}

func (c *Client) IssueViewingKey(ctx context.Context, entropy string) (string, error) {
	var resp models.TokenResponse
	err := c.post(ctx, "db/api/v1/account/viewing-key", models.IssueTokenRequest{Entropy: entropy}, &resp)
	return resp.Key, err
}

// -- Entry operations --

func (c *Client) CreateEntries(ctx context.Context, entries ...ledger.NewEntry) (int, error) {
	var resp models.CountResponse
	err := c.post(ctx, "db/api/v1/entry/create", models.CreateEntriesRequest{Entries: entries}, &resp)
	return resp.Count, err
}

// RemoveEntries returns how many entries were removed, descendants included.
func (c *Client) RemoveEntries(ctx context.Context, paths ...string) (int, error) {
	var resp models.CountResponse
	err := c.post(ctx, "db/api/v1/entry/remove", models.RemoveEntriesRequest{Paths: paths}, &resp)
	return resp.Count, err
}

func (c *Client) MoveEntries(ctx context.Context, moves ...ledger.Move) (int, error) {
	var resp models.CountResponse
	err := c.post(ctx, "db/api/v1/entry/move", models.MoveEntriesRequest{Moves: moves}, &resp)
	return resp.Count, err
}

// ChangeOwner hands path to newOwner, who is told via their mailbox.
func (c *Client) ChangeOwner(ctx context.Context, path, newOwner, message string) error {
	return c.post(ctx, "db/api/v1/entry/owner", models.ChangeOwnerRequest{
		Path:     path,
		NewOwner: newOwner,
		Message:  message,
	}, nil)
}

func (c *Client) SetPublic(ctx context.Context, path string, public bool) error {
	return c.post(ctx, "db/api/v1/entry/public", models.SetPublicRequest{Path: path, Public: public}, nil)
}

// Grant applies req and returns how many accounts it changed.
func (c *Client) Grant(ctx context.Context, req models.GrantRequest) (int, error) {
	var resp models.CountResponse
	err := c.post(ctx, "db/api/v1/entry/grants", req, &resp)
	return resp.Count, err
}

func (c *Client) Allow(ctx context.Context, path string, permission entry.Permission, accounts ...string) (int, error) {
	return c.Grant(ctx, models.GrantRequest{
		Path:       path,
		Permission: permission,
		Action:     models.GrantAllow,
		Accounts:   accounts,
	})
}

func (c *Client) Disallow(ctx context.Context, path string, permission entry.Permission, accounts ...string) (int, error) {
	return c.Grant(ctx, models.GrantRequest{
		Path:       path,
		Permission: permission,
		Action:     models.GrantDisallow,
		Accounts:   accounts,
	})
}

// Reset clears every grant of the given permission on path.
func (c *Client) Reset(ctx context.Context, path string, permission entry.Permission) (int, error) {
	return c.Grant(ctx, models.GrantRequest{
		Path:       path,
		Permission: permission,
		Action:     models.GrantReset,
	})
}

func (c *Client) CloneParentGrants(ctx context.Context, path string) (int, error) {
	var resp models.CountResponse
	err := c.post(ctx, "db/api/v1/entry/grants/clone", models.PathRequest{Path: path}, &resp)
	return resp.Count, err
}

// -- Mailbox operations --

func (c *Client) SendMessage(ctx context.Context, to, contents string) error {
	return c.post(ctx, "db/api/v1/mailbox/send", models.SendMessageRequest{To: to, Contents: contents}, nil)
}

func (c *Client) ClearMailbox(ctx context.Context) error {
	return c.post(ctx, "db/api/v1/mailbox/clear", nil, nil)
}

// -- Queries --
//
// Queries are authorized by the viewing key in q alone. Any node answers
// from its local state.

func (c *Client) GetEntry(ctx context.Context, q ledger.Query, path string) (entry.Entry, error) {
	var resp models.QueryEntryResponse
	err := c.post(ctx, "db/api/v1/query/entry", models.QueryEntryRequest{Query: q, Path: path}, &resp)
	return resp.Entry, err
}

func (c *Client) ListFolder(ctx context.Context, q ledger.Query, path string) (entry.Listing, error) {
	var resp models.QueryFolderResponse
	err := c.post(ctx, "db/api/v1/query/folder", models.QueryFolderRequest{Query: q, Path: path}, &resp)
	return resp.Listing, err
}

// GetMailbox returns every message in the mailbox, sentinel first.
func (c *Client) GetMailbox(ctx context.Context, q ledger.Query) ([]mailbox.Message, error) {
	var resp models.QueryMailboxResponse
	err := c.post(ctx, "db/api/v1/query/mailbox", models.QueryMailboxRequest{Query: q}, &resp)
	return resp.Messages, err
}

func (c *Client) GetWalletStatus(ctx context.Context, q ledger.Query) (wallet.Record, error) {
	var resp models.QueryWalletResponse
	err := c.post(ctx, "db/api/v1/query/wallet", models.QueryWalletRequest{Query: q}, &resp)
	return resp.Wallet, err
}

func (c *Client) GetClaim(ctx context.Context, q ledger.Query, publicKey string) (claims.Claim, error) {
	var resp models.QueryClaimResponse
	err := c.post(ctx, "db/api/v1/query/claim", models.QueryClaimRequest{Query: q, PublicKey: publicKey}, &resp)
	return resp.Claim, err
}

// GetClaimCount returns the account the viewing key matched and how many
// claims it has written.
func (c *Client) GetClaimCount(ctx context.Context, q ledger.Query) (string, uint64, error) {
	var resp models.QueryClaimCountResponse
	err := c.post(ctx, "db/api/v1/query/claim/count", models.QueryClaimCountRequest{Query: q}, &resp)
	return resp.Account, resp.Count, err
}

package core

import (
	"net/http"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
)

// -- WRITE OPERATIONS --
//
// Every write needs an api key. The key's entity is the sender of the
// ledger operation. Followers redirect writes to the leader.

func (c *Core) requireSender(w http.ResponseWriter, r *http.Request) (string, bool) {
	td, ok := c.ValidateToken(r, AnyUser())
	if !ok {
		c.writeAuthFailure(w)
		return "", false
	}
	if c.tdIsRoot(td) {
		c.writeError(w, &fault.Unauthorized{Reason: "the root key does not act as an account"})
		return "", false
	}
	if !c.fsm.IsLeader() {
		c.redirectToLeader(w, r, r.URL.Path)
		return "", false
	}
	return td.Entity, true
}

// writeRequest authenticates the sender and decodes the body of a write.
func (c *Core) writeRequest(w http.ResponseWriter, r *http.Request, body any) (string, bool) {
	sender, ok := c.requireSender(w, r)
	if !ok {
		return "", false
	}
	if body != nil && !c.decodeRequest(w, r, body) {
		return "", false
	}
	if body == nil && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	return sender, true
}

func (c *Core) execute(w http.ResponseWriter, op models.Op, sender string, body any) (*models.LedgerResult, bool) {
	start := time.Now()
	result, err := c.fsm.Execute(op, sender, body)
	c.metrics.observeOp(op, err, time.Since(start))
	if err != nil {
		c.logger.Debug("Ledger operation failed", "op", op, "sender", sender, "error", err)
		c.writeError(w, err)
		return nil, false
	}
	c.metrics.delivered(len(result.Deliveries))
	return result, true
}

func (c *Core) initAccountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.InitAccountRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpInitAccount, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.TokenResponse{Key: res.Key})
}

func (c *Core) forgetAccountHandler(w http.ResponseWriter, r *http.Request) {
	sender, ok := c.writeRequest(w, r, nil)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpForgetAccount, sender, nil)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.ForgetAccountResponse{Namespace: res.Namespace})
}

func (c *Core) issueViewingKeyHandler(w http.ResponseWriter, r *http.Request) {
	var req models.IssueTokenRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpIssueToken, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.TokenResponse{Key: res.Key})
}

func (c *Core) createEntriesHandler(w http.ResponseWriter, r *http.Request) {
	var req models.CreateEntriesRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpCreateEntries, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.CountResponse{Count: res.Count})
}

func (c *Core) removeEntriesHandler(w http.ResponseWriter, r *http.Request) {
	var req models.RemoveEntriesRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpRemoveEntries, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.CountResponse{Count: res.Count})
}

func (c *Core) moveEntriesHandler(w http.ResponseWriter, r *http.Request) {
	var req models.MoveEntriesRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpMoveEntries, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.CountResponse{Count: res.Count})
}

func (c *Core) changeOwnerHandler(w http.ResponseWriter, r *http.Request) {
	var req models.ChangeOwnerRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	if _, ok := c.execute(w, models.OpChangeOwner, sender, req); !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (c *Core) setPublicHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SetPublicRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	if _, ok := c.execute(w, models.OpSetPublic, sender, req); !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (c *Core) grantHandler(w http.ResponseWriter, r *http.Request) {
	var req models.GrantRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpGrant, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.CountResponse{Count: res.Count})
}

func (c *Core) cloneParentGrantsHandler(w http.ResponseWriter, r *http.Request) {
	var req models.PathRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	res, ok := c.execute(w, models.OpCloneParentGrants, sender, req)
	if !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.CountResponse{Count: res.Count})
}

func (c *Core) sendMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req models.SendMessageRequest
	sender, ok := c.writeRequest(w, r, &req)
	if !ok {
		return
	}
	if _, ok := c.execute(w, models.OpSendMessage, sender, req); !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

func (c *Core) clearMailboxHandler(w http.ResponseWriter, r *http.Request) {
	sender, ok := c.writeRequest(w, r, nil)
	if !ok {
		return
	}
	if _, ok := c.execute(w, models.OpClearMailbox, sender, nil); !ok {
		return
	}
	c.writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

// -- QUERIES --
//
// Queries are gated by viewing keys alone and served by any node from its
// local state.

func (c *Core) query(w http.ResponseWriter, name string, fn func(txn tkv.Txn) (any, error)) {
	var out any
	err := c.fsm.View(func(txn tkv.Txn) error {
		var err error
		out, err = fn(txn)
		return err
	})
	c.metrics.observeQuery(name, err)
	if err != nil {
		c.writeError(w, err)
		return
	}
	c.writeJSON(w, http.StatusOK, out)
}

func (c *Core) queryEntryHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryEntryRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "entry", func(txn tkv.Txn) (any, error) {
		e, err := c.fsm.Ledger().GetEntry(txn, req.Query, req.Path)
		return models.QueryEntryResponse{Path: req.Path, Entry: e}, err
	})
}

func (c *Core) queryFolderHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryFolderRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "folder", func(txn tkv.Txn) (any, error) {
		listing, err := c.fsm.Ledger().ListFolder(txn, req.Query, req.Path)
		return models.QueryFolderResponse{Path: req.Path, Listing: listing}, err
	})
}

func (c *Core) queryMailboxHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryMailboxRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "mailbox", func(txn tkv.Txn) (any, error) {
		msgs, err := c.fsm.Ledger().GetMailbox(txn, req.Query)
		return models.QueryMailboxResponse{Messages: msgs}, err
	})
}

func (c *Core) queryWalletHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryWalletRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "wallet", func(txn tkv.Txn) (any, error) {
		rec, err := c.fsm.Ledger().GetWalletStatus(txn, req.Query)
		return models.QueryWalletResponse{Wallet: rec}, err
	})
}

func (c *Core) queryClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryClaimRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "claim", func(txn tkv.Txn) (any, error) {
		claim, err := c.fsm.Ledger().GetClaim(txn, req.Query, req.PublicKey)
		return models.QueryClaimResponse{Claim: claim}, err
	})
}

func (c *Core) queryClaimCountHandler(w http.ResponseWriter, r *http.Request) {
	var req models.QueryClaimCountRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	c.query(w, "claim_count", func(txn tkv.Txn) (any, error) {
		acct, n, err := c.fsm.Ledger().GetClaimCount(txn, req.Query)
		return models.QueryClaimCountResponse{Account: acct, Count: n}, err
	})
}

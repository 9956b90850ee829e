package core

import (
	"net/http"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger/wallet"
)

// These are meant to be used with ValidateToken. They clarify the point of
// call when reasoning about the code.

func RootOnly() AccessEntity {
	return AccessEntityRoot
}

func AnyUser() AccessEntity {
	return AccessEntityAnyUser
}

func (c *Core) apiKeyCreateHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.ValidateToken(r, RootOnly()); !ok {
		c.writeAuthFailure(w)
		return
	}

	if !c.fsm.IsLeader() {
		c.redirectToLeader(w, r, r.URL.Path)
		return
	}

	var req models.ApiKeyCreateRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}
	if err := wallet.ValidateAccount(req.Account); err != nil {
		c.writeError(w, err)
		return
	}

	key, err := c.spawnNewApiKey(req.Account)
	if err != nil {
		c.logger.Error("Could not create api key", "error", err)
		c.writeError(w, err)
		return
	}

	c.logger.Info("API key created", "account", req.Account)
	c.writeJSON(w, http.StatusOK, models.ApiKeyCreateResponse{
		Account: req.Account,
		Key:     key,
	})
}

func (c *Core) apiKeyDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := c.ValidateToken(r, RootOnly()); !ok {
		c.writeAuthFailure(w)
		return
	}

	if !c.fsm.IsLeader() {
		c.redirectToLeader(w, r, r.URL.Path)
		return
	}

	var req models.ApiKeyDeleteRequest
	if !c.decodeRequest(w, r, &req) {
		return
	}

	if err := c.deleteExistingApiKey(req.Key); err != nil {
		c.logger.Error("Could not delete api key", "error", err)
		c.writeError(w, err)
		return
	}

	c.writeJSON(w, http.StatusOK, models.SuccessResponse{Success: true})
}

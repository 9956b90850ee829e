package core

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/models"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"github.com/google/uuid"
)

// ApiKeyPrefix starts every issued api key.
const ApiKeyPrefix = "lfs_"

// used by all endpoints to redirect WRITE related operations to the leader
func (c *Core) redirectToLeader(w http.ResponseWriter, r *http.Request, originalPath string) {
	leaderConnectAddress, err := c.fsm.LeaderHTTPAddress()
	if err != nil {
		c.logger.Error(
			"Failed to get leader's connect address for redirection",
			"original_path", originalPath,
			"error", err,
		)
		http.Error(
			w,
			"Failed to determine cluster leader for redirection: "+err.Error(),
			http.StatusServiceUnavailable,
		)
		return
	}

	scheme := "https"
	if c.cfg.TLS.Cert == "" || c.cfg.TLS.Key == "" {
		scheme = "http"
	}
	redirectURL := scheme + "://" + leaderConnectAddress + originalPath
	if r.URL.RawQuery != "" {
		redirectURL += "?" + r.URL.RawQuery
	}

	// DBG because this is a lot of noise
	c.logger.Debug("Issuing redirect to leader",
		"leader_connect_address_from_fsm", leaderConnectAddress,
		"final_redirect_url", redirectURL)

	// 307 keeps the method and body; the client follows it to the leader
	http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
}

func (c *Core) authedPing(w http.ResponseWriter, r *http.Request) {
	td, ok := c.ValidateToken(r, AnyUser())
	if !ok {
		c.logger.Warn("Token validation failed during ping", "remote_addr", r.RemoteAddr)
		c.writeAuthFailure(w)
		return
	}

	uptime := ""
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt).String()
	}

	c.writeJSON(w, http.StatusOK, models.NodeStatus{
		Status:   "ok",
		NodeID:   c.nodeId,
		Leader:   c.fsm.Leader(),
		IsLeader: c.fsm.IsLeader(),
		Entity:   td.Entity,
		Uptime:   uptime,
	})
}

// -- SYSTEM OPERATIONS --

func (c *Core) joinHandler(w http.ResponseWriter, r *http.Request) {
	if !c.fsm.IsLeader() {
		c.redirectToLeader(w, r, r.URL.Path)
		return
	}

	// Only the root key can tell nodes to join the cluster
	td, ok := c.ValidateToken(r, RootOnly())
	if !ok || td.Entity != EntityRoot {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	followerId := r.URL.Query().Get("followerId")
	followerAddr := r.URL.Query().Get("followerAddr")

	if followerId == "" || followerAddr == "" {
		http.Error(w, "Missing followerId or followerAddr parameters", http.StatusBadRequest)
		return
	}

	if err := c.fsm.Join(followerId, followerAddr); err != nil {
		c.logger.Error(
			"Failed to join follower",
			"followerId", followerId,
			"followerAddr", followerAddr,
			"error", err,
		)
		http.Error(
			w,
			fmt.Sprintf("Failed to join follower: %s", err),
			http.StatusInternalServerError,
		)
		return
	}
}

func apiKeyStorageKey(rootPrefix, keyUUID string) string {
	return fmt.Sprintf("%s:api:key:%s", rootPrefix, keyUUID)
}

func (c *Core) decomposeKey(token string) (models.TokenData, error) {
	if !strings.HasPrefix(token, ApiKeyPrefix) {
		return models.TokenData{}, fmt.Errorf("api key is missing the %q prefix", ApiKeyPrefix)
	}

	encryptedKeyData, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(token, ApiKeyPrefix))
	if err != nil {
		return models.TokenData{}, fmt.Errorf("could not decode base64: %w", err)
	}

	decryptedKeyData, err := c.decrypt(encryptedKeyData)
	if err != nil {
		return models.TokenData{}, fmt.Errorf("could not decrypt key data: %w", err)
	}

	var td models.TokenData
	if err := json.Unmarshal(decryptedKeyData, &td); err != nil {
		return models.TokenData{}, fmt.Errorf("could not unmarshal token data: %w", err)
	}
	return td, nil
}

// spawnNewApiKey issues a key that acts as account. The account is only kept
// in the replicated record so it never appears inside the key itself.
func (c *Core) spawnNewApiKey(account string) (string, error) {
	keyUUID := uuid.New().String()
	storageKey := apiKeyStorageKey(c.cfg.RootPrefix, keyUUID)

	td := models.TokenData{KeyUUID: keyUUID}

	tokenDataForApiKeyString, err := json.Marshal(td)
	if err != nil {
		return "", fmt.Errorf("could not marshal token data for api key string: %w", err)
	}

	encryptedKeyDataForApiKey, err := c.encrypt(tokenDataForApiKeyString)
	if err != nil {
		return "", fmt.Errorf("could not encrypt token data for api key string: %w", err)
	}

	actualKey := ApiKeyPrefix + base64.StdEncoding.EncodeToString(encryptedKeyDataForApiKey)

	td.Entity = account
	keyDataForFsm, err := json.Marshal(td)
	if err != nil {
		return "", fmt.Errorf("could not marshal token data for FSM storage: %w", err)
	}

	if err := c.fsm.Set(models.KVPayload{
		Key:   storageKey,
		Value: string(keyDataForFsm),
	}); err != nil {
		c.logger.Error("Failed to set API key in FSM", "key", storageKey, "error", err)
		return "", fmt.Errorf("failed to set API key in FSM for %s: %w", account, err)
	}
	return actualKey, nil
}

func (c *Core) deleteExistingApiKey(key string) error {
	// WARNING: This must only be called by the LEADER NODE
	if !c.fsm.IsLeader() {
		return fmt.Errorf("this operation must be performed by the leader node")
	}

	td, err := c.decomposeKey(key)
	if err != nil {
		return &fault.InvalidState{Reason: "malformed api key: " + err.Error()}
	}

	storageKey := apiKeyStorageKey(c.cfg.RootPrefix, td.KeyUUID)
	if err := c.fsm.Delete(storageKey); err != nil {
		c.logger.Error("Failed to delete API key from FSM", "key", storageKey, "error", err)
		return fmt.Errorf("failed to delete API key from FSM: %w", err)
	}

	c.apiCache.Delete(key)
	return nil
}

func (c *Core) aead() (cipher.AEAD, error) {
	hash := sha256.Sum256([]byte(c.cfg.InstanceSecret))
	blockCipher, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blockCipher)
}

func (c *Core) encrypt(data []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err = rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, data, nil), nil
}

func (c *Core) decrypt(data []byte) ([]byte, error) {
	gcm, err := c.aead()
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// ValidateToken resolves the bearer token on r to the entity it acts as. It is
// used by every endpoint that needs an api key.
func (c *Core) ValidateToken(r *http.Request, mustBeRoot AccessEntity) (models.TokenData, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return models.TokenData{}, false
	}

	if token == c.authToken {
		return models.TokenData{
			Entity:  EntityRoot,
			KeyUUID: c.cfg.RootPrefix,
		}, true
	}
	if mustBeRoot == AccessEntityRoot {
		return models.TokenData{}, false
	}

	if apiCacheItem := c.apiCache.Get(token); apiCacheItem != nil {
		return apiCacheItem.Value(), true
	}

	td, err := c.decomposeKey(token)
	if err != nil {
		c.logger.Debug("Could not decompose key", "error", err)
		return models.TokenData{}, false
	}

	storageKey := apiKeyStorageKey(c.cfg.RootPrefix, td.KeyUUID)
	keyDataFromFsm, err := c.fsm.Get(storageKey)
	if err != nil {
		c.logger.Debug("Could not get key data from FSM", "key", storageKey, "error", err)
		return models.TokenData{}, false
	}

	// Data from FSM is plain JSON of models.TokenData and is not encrypted.
	var tdFromFsm models.TokenData
	if err := json.Unmarshal([]byte(keyDataFromFsm), &tdFromFsm); err != nil {
		c.logger.Error("Could not unmarshal token data from FSM", "key", storageKey, "error", err)
		return models.TokenData{}, false
	}

	if tdFromFsm.KeyUUID != td.KeyUUID {
		c.logger.Error("UUID mismatch between token and FSM record",
			"key_uuid_from_token", td.KeyUUID,
			"key_uuid_from_fsm", tdFromFsm.KeyUUID,
		)
		return models.TokenData{}, false
	}

	c.apiCache.Set(token, tdFromFsm, c.cfg.Cache.Keys)
	return tdFromFsm, true
}

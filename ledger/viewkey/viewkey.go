// Package viewkey issues and checks per-account viewing keys that gate
// read-only queries.
package viewkey

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"io"
	"log/slog"
	"time"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

const (
	KeyPrefix    = "api_key_"
	keyLength    = 32
	recordPrefix = "viewkey:"
)

// zeroHash is compared against when an account has no key so a miss costs
// the same as a mismatch.
var zeroHash [keyLength]byte

// Context is the per-invocation data mixed into the derivation. Every node
// replaying the same invocation sees the same values.
type Context struct {
	Account string
	Height  uint64
	Time    time.Time
}

type Gate struct {
	logger *slog.Logger
	seed   []byte
}

func New(logger *slog.Logger, seed []byte) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		logger: logger.WithGroup("viewkey"),
		seed:   seed,
	}
}

func recordKey(account string) string {
	return recordPrefix + account
}

func hashKey(key string) [keyLength]byte {
	return sha3.Sum256([]byte(key))
}

func (g *Gate) derive(ctx Context, entropy string) (string, error) {
	ikm := make([]byte, 0, len(entropy)+len(ctx.Account)+16)
	ikm = append(ikm, entropy...)
	ikm = binary.BigEndian.AppendUint64(ikm, ctx.Height)
	ikm = binary.BigEndian.AppendUint64(ikm, uint64(ctx.Time.UnixNano()))
	ikm = append(ikm, ctx.Account...)

	out := make([]byte, keyLength)
	r := hkdf.New(sha3.New256, ikm, g.seed, []byte("ledgerfs viewing key"))
	if _, err := io.ReadFull(r, out); err != nil {
		return "", err
	}
	return KeyPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Issue derives a new key for ctx.Account and stores only its hash,
// replacing any earlier key.
func (g *Gate) Issue(txn tkv.Txn, ctx Context, entropy string) (string, error) {
	key, err := g.derive(ctx, entropy)
	if err != nil {
		return "", err
	}
	h := hashKey(key)
	if err := txn.Set(recordKey(ctx.Account), hex.EncodeToString(h[:])); err != nil {
		return "", err
	}
	g.logger.Debug("viewing key issued", "account", ctx.Account, "height", ctx.Height)
	return key, nil
}

// Verify reports whether candidate is the account's current key. Missing and
// corrupt records still pay for one comparison.
func (g *Gate) Verify(txn tkv.Txn, account, candidate string) (bool, error) {
	h := hashKey(candidate)

	raw, err := txn.Get(recordKey(account))
	if err != nil {
		if !tkv.IsErrKeyNotFound(err) {
			return false, err
		}
		subtle.ConstantTimeCompare(h[:], zeroHash[:])
		return false, nil
	}
	stored, err := hex.DecodeString(raw)
	if err != nil || len(stored) != keyLength {
		g.logger.Error("corrupt viewing key record", "account", account)
		subtle.ConstantTimeCompare(h[:], zeroHash[:])
		return false, nil
	}
	return subtle.ConstantTimeCompare(h[:], stored) == 1, nil
}

// Authenticate returns the first of behalf whose key is candidate. The error
// never says which accounts were tried.
func (g *Gate) Authenticate(txn tkv.Txn, behalf []string, candidate string) (string, error) {
	for _, account := range behalf {
		ok, err := g.Verify(txn, account, candidate)
		if err != nil {
			return "", err
		}
		if ok {
			return account, nil
		}
	}
	return "", &fault.Unauthorized{Reason: "wrong viewing key for this account or viewing key not set"}
}

// Package claims records the key pairs written when entries are created so a
// reward ledger can later redeem them.
package claims

import (
	"encoding/json"
	"strconv"

	"github.com/InsulaLabs/ledgerfs/db/tkv"
	"github.com/InsulaLabs/ledgerfs/ledger/fault"
)

type Claim struct {
	Path      string `json:"path"`
	SecretKey string `json:"skey"`
}

type Store struct{}

func New() *Store {
	return &Store{}
}

func claimKey(account, pkey string) string {
	return "claim:" + account + ":" + pkey
}

func counterKey(account string) string {
	return "claimcount:" + account
}

// Write stores skey under (account, pkey) and bumps the account's counter.
func (s *Store) Write(txn tkv.Txn, account, pkey, skey, path string) error {
	b, err := json.Marshal(Claim{Path: path, SecretKey: skey})
	if err != nil {
		return err
	}
	if err := txn.Set(claimKey(account, pkey), string(b)); err != nil {
		return err
	}
	n, err := s.Count(txn, account)
	if err != nil {
		return err
	}
	return txn.Set(counterKey(account), strconv.FormatUint(n+1, 10))
}

func (s *Store) Get(txn tkv.Txn, account, pkey string) (Claim, error) {
	key := claimKey(account, pkey)
	raw, err := txn.Get(key)
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return Claim{}, &fault.NotFound{What: "claim", Key: pkey}
		}
		return Claim{}, err
	}
	var c Claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Claim{}, &tkv.ErrDataCorruption{Key: key, Reason: err.Error()}
	}
	return c, nil
}

// Count returns how many claims the account has written.
func (s *Store) Count(txn tkv.Txn, account string) (uint64, error) {
	raw, err := txn.Get(counterKey(account))
	if err != nil {
		if tkv.IsErrKeyNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, &tkv.ErrDataCorruption{Key: counterKey(account), Reason: err.Error()}
	}
	return n, nil
}

package main

import (
	"encoding/json"
	"time"

	"go.etcd.io/bbolt"
)

const bucketAccountState = "account_state"

// accountStateRecord is the per-account runtime state persisted across
// restarts: cooldowns and refresh backoff. Timestamps are epoch milliseconds;
// zero means unset. Tokens are never written here; they live only in the
// credentials document.
type accountStateRecord struct {
	RateLimitedUntil int64 `json:"rate_limited_until,omitempty"`
	LastUsed         int64 `json:"last_used,omitempty"`
	LastRefreshAt    int64 `json:"last_refresh_at,omitempty"`
	NextRefreshAt    int64 `json:"next_refresh_at,omitempty"`
	RefreshFailures  int   `json:"refresh_failures,omitempty"`
}

// stateStore keeps runtime state in a local bbolt database so a restart does
// not reset cooldowns or restart refresh-backoff from zero. All methods are
// nil-safe; a nil store disables persistence.
type stateStore struct {
	db *bbolt.DB
}

func newStateStore(path string) (*stateStore, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists([]byte(bucketAccountState))
		return e
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &stateStore{db: db}, nil
}

func (s *stateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *stateStore) save(name string, rec accountStateRecord) error {
	if s == nil || s.db == nil {
		return nil
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountState)).Put([]byte(name), val)
	})
}

func (s *stateStore) delete(name string) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountState)).Delete([]byte(name))
	})
}

// loadAll returns every persisted record, keyed by account name. Records for
// accounts no longer in the document are ignored by the caller and cleaned up
// on the next reload.
func (s *stateStore) loadAll() (map[string]accountStateRecord, error) {
	out := map[string]accountStateRecord{}
	if s == nil || s.db == nil {
		return out, nil
	}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAccountState)).ForEach(func(k, v []byte) error {
			var rec accountStateRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

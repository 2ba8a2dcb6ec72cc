// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package saveagent

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

// OfflineStore persists parked saves across process restarts, so edits made
// while the service was unreachable survive until the next reconnect. One
// entry per record and field: a newer edit of the same field replaces the
// parked one.
type OfflineStore struct {
	db *badger.DB
}

// OpenOfflineStore opens (or creates) the offline store at dir. An empty
// dir opens an in-memory store for tests.
func OpenOfflineStore(dir string) (*OfflineStore, error) {
	var opts badger.Options
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(dir)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open offline store: %w", err)
	}
	return &OfflineStore{db: db}, nil
}

// Close closes the underlying database.
func (s *OfflineStore) Close() error {
	return s.db.Close()
}

func pendingKey(recordID, field string) []byte {
	return []byte("pending/" + recordID + "/" + field)
}

func pendingPrefix(recordID string) []byte {
	return []byte("pending/" + recordID + "/")
}

func lastSyncKey(recordID string) []byte {
	return []byte("lastsync/" + recordID)
}

func failedKey(recordID, field string) []byte {
	return []byte("failed/" + recordID + "/" + field)
}

func failedPrefix(recordID string) []byte {
	return []byte("failed/" + recordID + "/")
}

// Park stores one pending save, replacing any parked save for the same
// field.
func (s *OfflineStore) Park(recordID string, op datatypes.SaveOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode parked save: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(pendingKey(recordID, op.Field), data)
	})
}

// Parked returns every parked save for a record, oldest first.
func (s *OfflineStore) Parked(recordID string) ([]datatypes.SaveOperation, error) {
	return s.listOps(pendingPrefix(recordID))
}

func (s *OfflineStore) listOps(prefix []byte) ([]datatypes.SaveOperation, error) {
	var ops []datatypes.SaveOperation
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var op datatypes.SaveOperation
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &op)
			})
			if err != nil {
				return fmt.Errorf("decode stored save: %w", err)
			}
			ops = append(ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].Timestamp.Before(ops[j].Timestamp) })
	return ops, nil
}

// Unpark removes one parked save after it replayed (or conflicted, which
// also consumes it: the conflict flow owns the value from there).
func (s *OfflineStore) Unpark(recordID, field string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(recordID, field))
	})
}

// ClearParked drops every parked save for a record.
func (s *OfflineStore) ClearParked(recordID string) error {
	ops, err := s.Parked(recordID)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if err := txn.Delete(pendingKey(recordID, op.Field)); err != nil {
				return err
			}
		}
		return nil
	})
}

// RecordFailed stores an operation whose retries were exhausted, so a later
// manual retry can pick it up.
func (s *OfflineStore) RecordFailed(recordID string, op datatypes.SaveOperation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("encode failed save: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(failedKey(recordID, op.Field), data)
	})
}

// Failed returns every save that exhausted its retries, oldest first.
func (s *OfflineStore) Failed(recordID string) ([]datatypes.SaveOperation, error) {
	return s.listOps(failedPrefix(recordID))
}

// ClearFailed drops the recorded failures for a record.
func (s *OfflineStore) ClearFailed(recordID string) error {
	ops, err := s.Failed(recordID)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, op := range ops {
			if err := txn.Delete(failedKey(recordID, op.Field)); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetLastSync records when a record last synced successfully.
func (s *OfflineStore) SetLastSync(recordID string, at time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(lastSyncKey(recordID), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
	})
}

// LastSync returns the last successful sync time, zero when unknown.
func (s *OfflineStore) LastSync(recordID string) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(lastSyncKey(recordID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ms, err := strconv.ParseInt(string(val), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupt last-sync value: %w", err)
			}
			at = time.UnixMilli(ms)
			return nil
		})
	})
	return at, err
}

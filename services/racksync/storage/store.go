// Copyright (C) 2025 Rackbook (engineering@rackbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package storage provides the versioned record store backing auto-save.
//
// Records are kept in BadgerDB. Every mutation goes through a serializable
// read-write transaction that checks the version counter inside the
// transaction, so the check-and-increment is atomic: partial writes are
// never observable and two racing writers cannot both succeed against the
// same version. Badger's commit-time conflict detection (ErrConflict) is
// the compare-and-swap; there is no application-level record mutex.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/rackbook/racksync/services/racksync/datatypes"
)

var (
	// ErrRecordNotFound is returned when the record id has no entry.
	ErrRecordNotFound = errors.New("record not found")

	// ErrLockTimeout is returned when the commit keeps losing the
	// transaction race after all internal retries. Transient; callers
	// may retry with backoff.
	ErrLockTimeout = errors.New("lock timeout: transaction retries exhausted")
)

// VersionConflictError reports an optimistic-lock failure: the caller's
// expected version no longer matches the record.
type VersionConflictError struct {
	RecordID        string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict on record %s: expected %d, current %d",
		e.RecordID, e.ExpectedVersion, e.CurrentVersion)
}

// commit retry bounds for badger's serialization conflicts. Mirrors the
// bounded retry the save path has always used: 50ms, 100ms, 150ms.
const (
	maxCommitAttempts  = 3
	commitRetryBackoff = 50 * time.Millisecond
)

// Config holds store configuration.
type Config struct {
	// Path is the directory for the database files. Required unless
	// InMemory is set.
	Path string

	// InMemory keeps everything in RAM. For tests.
	InMemory bool

	// SyncWrites forces fsync on every commit. On by default in
	// production configs; tests turn it off.
	SyncWrites bool

	// Logger receives badger's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often value-log garbage collection runs.
	// Zero disables GC.
	GCInterval time.Duration
}

// DefaultConfig returns the production configuration for a given path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		GCInterval: 5 * time.Minute,
	}
}

// InMemoryConfig returns the test configuration: in-memory, no fsync, no GC.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is the versioned record store. Safe for concurrent use.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// badgerLogger adapts slog to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens the record store.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// Close stops background GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
	}
	return s.db.Close()
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

func recordKey(id string) []byte {
	return []byte("record/" + id)
}

// Get loads a record by id.
func (s *Store) Get(ctx context.Context, id string) (*datatypes.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record datatypes.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRecordNotFound
		}
		if err != nil {
			return fmt.Errorf("read record %s: %w", id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &record)
		})
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// Put stores a record as-is, seeding version 1 when unset. Used to create
// records and by tests; auto-save traffic goes through UpdateWithVersion.
func (s *Store) Put(ctx context.Context, record *datatypes.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.ID == "" {
		return errors.New("record id is required")
	}
	if record.Version == 0 {
		record.Version = 1
	}
	if record.LastModified.IsZero() {
		record.LastModified = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", record.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(record.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write record %s: %w", record.ID, err)
	}
	return nil
}

// Delete removes a record. Missing records are not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(recordKey(id))
	})
}

// UpdateWithVersion applies a set of field writes under optimistic locking.
//
// When expectedVersion is non-nil and does not match the record's current
// version, nothing is written and a *VersionConflictError is returned. On
// success the version increments by exactly one and last_modified plus
// last_save_session are updated in the same transaction as the field
// writes.
//
// Commit-time serialization conflicts (another writer slipped in between
// our read and commit) are retried up to maxCommitAttempts; the version
// check is re-evaluated on every attempt, so a mid-flight external write
// surfaces as a VersionConflictError rather than being overwritten.
func (s *Store) UpdateWithVersion(
	ctx context.Context,
	id string,
	fields map[string]string,
	expectedVersion *int64,
	sessionID string,
) (*datatypes.Record, error) {
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := s.tryUpdate(id, fields, expectedVersion, sessionID)
		if errors.Is(err, badger.ErrConflict) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(commitRetryBackoff * time.Duration(attempt)):
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return record, nil
	}
	return nil, ErrLockTimeout
}

func (s *Store) tryUpdate(
	id string,
	fields map[string]string,
	expectedVersion *int64,
	sessionID string,
) (*datatypes.Record, error) {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read record %s: %w", id, err)
	}

	var record datatypes.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &record)
	}); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", id, err)
	}

	if expectedVersion != nil && *expectedVersion != record.Version {
		return nil, &VersionConflictError{
			RecordID:        id,
			ExpectedVersion: *expectedVersion,
			CurrentVersion:  record.Version,
		}
	}

	for field, value := range fields {
		if err := record.SetField(field, value); err != nil {
			return nil, err
		}
	}
	record.Version++
	record.LastModified = time.Now().UTC()
	record.LastSaveSession = sessionID

	data, err := json.Marshal(&record)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", id, err)
	}
	if err := txn.Set(recordKey(id), data); err != nil {
		return nil, fmt.Errorf("write record %s: %w", id, err)
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return &record, nil
}

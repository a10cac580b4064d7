// Package boltstore is the storage engine: one bolt bucket per entity type,
// keyed by row id, holding the tagged JSON of each row.
package boltstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sushant-115/txbridge/core/security/encryption"
	"github.com/sushant-115/txbridge/core/storage_engine/common"
	"github.com/sushant-115/txbridge/core/value"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// metaBucket holds store-level settings. Entity type names never start with
// an underscore, so it cannot collide with a row bucket.
var (
	metaBucket = []byte("__txbridge_meta")
	saltKey    = []byte("kdf_salt")
)

type Options struct {
	Path    string
	Timeout time.Duration
	NoSync  bool
	// EncryptionKey enables AES-GCM at rest; see encryption.ParseKey.
	EncryptionKey string
}

type Store struct {
	db     *bolt.DB
	cipher *encryption.RowCipher
	logger *zap.Logger
}

func Open(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	db, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", opts.Path, err)
	}
	db.NoSync = opts.NoSync

	var salt []byte
	if opts.EncryptionKey != "" && !encryption.IsRawKey(opts.EncryptionKey) {
		if salt, err = loadSalt(db); err != nil {
			db.Close()
			return nil, err
		}
	}
	c, err := encryption.ParseKey(opts.EncryptionKey, salt)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger = logger.Named("boltstore")
	logger.Info("Store opened", zap.String("path", opts.Path), zap.Bool("encrypted", c != nil))
	return &Store{db: db, cipher: c, logger: logger}, nil
}

// loadSalt returns the passphrase salt, creating and persisting it on first use.
func loadSalt(db *bolt.DB) ([]byte, error) {
	var salt []byte
	err := db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if v := b.Get(saltKey); v != nil {
			salt = append([]byte(nil), v...)
			return nil
		}
		if salt, err = encryption.NewSalt(); err != nil {
			return err
		}
		return b.Put(saltKey, salt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load key salt: %w", err)
	}
	return salt, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Begin opens a writable transaction. Bolt admits one writer at a time, so this
// waits for other writers; if ctx ends first the late transaction is rolled
// back as soon as it arrives.
func (s *Store) Begin(ctx context.Context) (*Txn, error) {
	type result struct {
		tx  *bolt.Tx
		err error
	}
	ch := make(chan result, 1)
	go func() {
		tx, err := s.db.Begin(true)
		ch <- result{tx, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("failed to begin bolt transaction: %w", r.err)
		}
		return &Txn{tx: r.tx, store: s}, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				_ = r.tx.Rollback()
			}
		}()
		return nil, ctx.Err()
	}
}

// Backup streams a consistent snapshot of the database to w, throttled to
// bytesPerSec (unlimited when zero). It returns the size and SHA-256 of the
// snapshot.
func (s *Store) Backup(ctx context.Context, w io.Writer, bytesPerSec int64) (int64, string, error) {
	tw := common.NewThrottledWriter(ctx, w, bytesPerSec)
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := tx.WriteTo(tw)
		return err
	})
	if err != nil {
		return tw.Written(), "", fmt.Errorf("backup failed: %w", err)
	}
	s.logger.Info("Backup written", zap.Int64("bytes", tw.Written()), zap.String("sha256", tw.Checksum()))
	return tw.Written(), tw.Checksum(), nil
}

// BackupFile writes the snapshot to path.
func (s *Store) BackupFile(ctx context.Context, path string, bytesPerSec int64) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, "", fmt.Errorf("open backup file: %w", err)
	}
	n, sum, err := s.Backup(ctx, f, bytesPerSec)
	if err != nil {
		f.Close()
		return n, "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return n, "", fmt.Errorf("sync backup file: %w", err)
	}
	return n, sum, f.Close()
}

func (s *Store) encode(bucket string, row *value.Map) ([]byte, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	if s.cipher == nil {
		return data, nil
	}
	return s.cipher.Seal([]byte(bucket), data)
}

func (s *Store) decode(bucket string, data []byte) (*value.Map, error) {
	if s.cipher != nil {
		plain, err := s.cipher.Open([]byte(bucket), data)
		if err != nil {
			return nil, fmt.Errorf("row in %s: %w", bucket, err)
		}
		data = plain
	}
	row := value.NewMap()
	if err := json.Unmarshal(data, row); err != nil {
		return nil, fmt.Errorf("row in %s: %w", bucket, err)
	}
	return row, nil
}

// Txn is one writable bolt transaction. It is not safe for concurrent use;
// callers serialize access through the transaction handle.
type Txn struct {
	tx    *bolt.Tx
	store *Store
}

func (t *Txn) Put(bucket, id string, row *value.Map) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	data, err := t.store.encode(bucket, row)
	if err != nil {
		return fmt.Errorf("encode row %s/%s: %w", bucket, id, err)
	}
	return b.Put([]byte(id), data)
}

func (t *Txn) Get(bucket, id string) (*value.Map, bool, error) {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil, false, nil
	}
	data := b.Get([]byte(id))
	if data == nil {
		return nil, false, nil
	}
	row, err := t.store.decode(bucket, data)
	if err != nil {
		return nil, false, err
	}
	return row, true, nil
}

func (t *Txn) Delete(bucket, id string) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(id))
}

// Next returns the first row whose id sorts after the given one; an empty
// after starts from the beginning. ok is false past the last row.
func (t *Txn) Next(bucket, after string) (id string, row *value.Map, ok bool, err error) {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return "", nil, false, nil
	}
	c := b.Cursor()
	k, v := c.Seek([]byte(after))
	if k != nil && after != "" && bytes.Equal(k, []byte(after)) {
		k, v = c.Next()
	}
	if k == nil {
		return "", nil, false, nil
	}
	row, err = t.store.decode(bucket, v)
	if err != nil {
		return "", nil, false, err
	}
	return string(k), row, true, nil
}

func (t *Txn) Commit() error {
	return t.tx.Commit()
}

// Rollback is a no-op on a finished transaction.
func (t *Txn) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, bolt.ErrTxClosed) {
		return err
	}
	return nil
}

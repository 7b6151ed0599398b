package storage

import (
	"fmt"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketIdentity = []byte("identity")
	bucketChat     = []byte("chat")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketIdentity); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketChat); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// Identity returns the credential key-value store.
func (s *BboltStorage) Identity() KV {
	return &bucketKV{storage: s, bucket: bucketIdentity}
}

// Chat returns the key-value store holding persisted zone logs.
func (s *BboltStorage) Chat() KV {
	return &bucketKV{storage: s, bucket: bucketChat}
}

type bucketKV struct {
	storage *BboltStorage
	bucket  []byte
}

func (b *bucketKV) Get(key string) (string, bool, error) {
	var (
		entry DBEntry
		found bool
	)
	err := b.storage.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(b.bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return entry.UnmarshalBinary(data)
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s/%s: %w", b.bucket, key, err)
	}
	return entry.Value, found, nil
}

func (b *bucketKV) Set(key, value string) error {
	return b.storage.db.Update(func(tx *bbolt.Tx) error {
		entry := &DBEntry{
			Name:      key,
			Value:     value,
			UpdatedAt: b.storage.now().Unix(),
		}
		data, err := entry.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		return tx.Bucket(b.bucket).Put(entry.Key(), data)
	})
}

// Keys lists the keys with the given prefix in lexical order.
func (b *bucketKV) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.storage.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(b.bucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

package service

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gogo/protobuf/proto"
	bolt "go.etcd.io/bbolt"
	"go.etcd.io/etcd/api/v3/mvccpb"
)

const boltFileName = "db"

var (
	keyBucketName  = []byte("key")
	metaBucketName = []byte("meta")
	revisionKey    = []byte("revision")
)

type boltBackend struct {
	db *bolt.DB
}

func newBoltBackend(dir string) (*boltBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("could not create data dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, boltFileName)
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(keyBucketName); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucketName)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not ensure buckets exist: %w", err)
	}
	return &boltBackend{db: db}, nil
}

func (b *boltBackend) get(key []byte) (kv *mvccpb.KeyValue, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keyBucketName).Get(key)
		if v == nil {
			return nil
		}
		kv = new(mvccpb.KeyValue)
		return proto.Unmarshal(v, kv)
	})
	return kv, err
}

func (b *boltBackend) ascend(key, end []byte, fn func(kv *mvccpb.KeyValue) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(keyBucketName).Cursor()
		for k, v := c.Seek(key); k != nil; k, v = c.Next() {
			if end != nil && bytes.Compare(k, end) >= 0 {
				return nil
			}
			kv := new(mvccpb.KeyValue)
			if err := proto.Unmarshal(v, kv); err != nil {
				return fmt.Errorf("corrupted record for key %q: %w", k, err)
			}
			if !fn(kv) {
				return nil
			}
		}
		return nil
	})
}

func (b *boltBackend) apply(rev int64, puts []*mvccpb.KeyValue, deletes [][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		kb := tx.Bucket(keyBucketName)
		for _, k := range deletes {
			if err := kb.Delete(k); err != nil {
				return err
			}
		}
		for _, kv := range puts {
			d, err := proto.Marshal(kv)
			if err != nil {
				return err
			}
			if err := kb.Put(kv.Key, d); err != nil {
				return err
			}
		}
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], uint64(rev))
		return tx.Bucket(metaBucketName).Put(revisionKey, buf[:])
	})
}

func (b *boltBackend) revision() (rev int64, err error) {
	err = b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucketName).Get(revisionKey)
		if len(v) == 8 {
			rev = int64(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	return rev, err
}

func (b *boltBackend) close() error {
	return b.db.Close()
}

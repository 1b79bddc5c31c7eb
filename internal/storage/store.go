// Package storage implements spec.md §6's Persisted state: the
// Keymanager API bearer token file and the remote-key registry
// (pubkey + signer URL pairs added through the Keymanager
// collaborator). Grounded on the teacher's validator/db/kv.Store, kept
// to the one bucket this spec actually needs (remote keys; the token is
// a plain file) and instrumented with the
// same prombolt collector the teacher registers.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	prombolt "github.com/prysmaticlabs/prombbolt"
	bolt "go.etcd.io/bbolt"
)

const dbFileName = "vero.db"
const tokenFileName = "keymanager-api-token.txt"

var remoteKeysBucket = []byte("remote-keys")

// RemoteKeyEntry is one pubkey's signer assignment, persisted so a
// Keymanager-added remote key survives a restart.
type RemoteKeyEntry struct {
	PubkeyHex string
	SignerURL string
}

// Store is the bbolt-backed persistence layer for a single data
// directory.
type Store struct {
	db           *bolt.DB
	dataDir      string
	mu           sync.Mutex
}

// Open creates dataDir if needed and opens (creating if absent) the
// bbolt database and bucket schema it needs.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, errors.Wrap(err, "could not create data directory")
	}
	db, err := bolt.Open(filepath.Join(dataDir, dbFileName), 0600, &bolt.Options{Timeout: 1})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, errors.New("cannot obtain database lock, vero may already be running against this data directory")
		}
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(remoteKeysBucket)
		return err
	}); err != nil {
		return nil, err
	}
	if err := prometheus.Register(prombolt.New("vero_boltdb", db)); err != nil {
		// A second Store in the same process (tests) re-registering the
		// collector is not fatal; ignore AlreadyRegisteredError.
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			return nil, err
		}
	}
	return &Store{db: db, dataDir: dataDir}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error { return s.db.Close() }

// LoadOrCreateKeymanagerToken returns the 32-byte hex-encoded bearer
// token at <data-dir>/keymanager-api-token.txt, generating and writing
// one if absent, per spec.md §6.
func (s *Store) LoadOrCreateKeymanagerToken() (string, error) {
	path := filepath.Join(s.dataDir, tokenFileName)
	raw, err := os.ReadFile(path)
	if err == nil {
		return string(raw), nil
	}
	if !os.IsNotExist(err) {
		return "", errors.Wrap(err, "could not read keymanager token file")
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "could not generate keymanager token")
	}
	token := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", errors.Wrap(err, "could not write keymanager token file")
	}
	return token, nil
}

// PutRemoteKey persists a pubkey's signer URL assignment.
func (s *Store) PutRemoteKey(entry RemoteKeyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteKeysBucket).Put([]byte(entry.PubkeyHex), []byte(entry.SignerURL))
	})
}

// DeleteRemoteKey removes a pubkey's signer assignment.
func (s *Store) DeleteRemoteKey(pubkeyHex string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteKeysBucket).Delete([]byte(pubkeyHex))
	})
}

// ListRemoteKeys returns every persisted remote-key entry, used at
// startup to repopulate the validator registry before the doppelganger
// guard's observation window begins.
func (s *Store) ListRemoteKeys() ([]RemoteKeyEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []RemoteKeyEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(remoteKeysBucket).ForEach(func(k, v []byte) error {
			out = append(out, RemoteKeyEntry{PubkeyHex: string(k), SignerURL: string(v)})
			return nil
		})
	})
	return out, err
}

// Package store keeps the client's groups and chat history on disk, sealed
// with a random per-client key. The key never leaves the machine and there
// is no exchange protocol: this protects the file at rest, nothing more.
package store

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"groupmesh/models"
)

const (
	keyFile  = "store.key"
	dataFile = "store.bin"
)

type Store struct {
	mu   sync.Mutex
	dir  string
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
	data storeData
}

type storeData struct {
	Groups   map[string]models.Group     `json:"groups"`
	Messages map[string][]models.Message `json:"messages"`
}

// Open loads (or initializes) the store under dir. A fresh directory gets a
// new random key; an existing one must decrypt with the key beside it.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFile))
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:  dir,
		aead: aead,
		data: storeData{
			Groups:   make(map[string]models.Group),
			Messages: make(map[string][]models.Message),
		},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) SaveGroup(g models.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Groups[g.ID] = g
	return s.flush()
}

// DeleteGroup drops the group and its history, used on leave and on
// group-deleted.
func (s *Store) DeleteGroup(groupID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Groups, groupID)
	delete(s.data.Messages, groupID)
	return s.flush()
}

func (s *Store) Groups() []models.Group {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Group, 0, len(s.data.Groups))
	for _, g := range s.data.Groups {
		out = append(out, g)
	}
	return out
}

func (s *Store) Group(groupID string) (models.Group, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.data.Groups[groupID]
	return g, ok
}

func (s *Store) AppendMessage(groupID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Messages[groupID] = append(s.data.Messages[groupID], msg)
	return s.flush()
}

func (s *Store) Messages(groupID string) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.data.Messages[groupID]...)
}

// load reads and opens the sealed data file. A missing file is a fresh
// store; a file that fails to authenticate is a hard error, not something
// to silently overwrite.
func (s *Store) load() error {
	raw, err := os.ReadFile(filepath.Join(s.dir, dataFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return errors.New("store file corrupted")
	}

	nonce, sealed := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plain, err := s.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return fmt.Errorf("unseal store: %w", err)
	}
	return json.Unmarshal(plain, &s.data)
}

// flush seals and writes atomically. Caller holds s.mu.
func (s *Store) flush() error {
	plain, err := json.Marshal(s.data)
	if err != nil {
		return err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	sealed := s.aead.Seal(nil, nonce, plain, nil)

	path := filepath.Join(s.dir, dataFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(nonce, sealed...), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, errors.New("store key corrupted")
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

package repository

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"groupmesh/models"
)

// HistoryRepository stores per-group message history as an append-only
// ordered sequence. It only exists when history retention is enabled; the
// fanout path never depends on it.
type HistoryRepository interface {
	Append(msg models.Message) error
	// ListByGroup returns messages in send order. limit > 0 keeps only the
	// newest limit entries.
	ListByGroup(groupID string, limit int) ([]models.Message, error)
	// DeleteGroup drops the whole sequence once the group is destroyed.
	DeleteGroup(groupID string) error
	Close() error
}

type InMemoryHistoryRepo struct {
	mu  sync.RWMutex
	byG map[string][]models.Message
}

func NewInMemoryHistoryRepo() *InMemoryHistoryRepo {
	return &InMemoryHistoryRepo{byG: make(map[string][]models.Message)}
}

func (r *InMemoryHistoryRepo) Append(msg models.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byG[msg.GroupID] = append(r.byG[msg.GroupID], msg)
	return nil
}

func (r *InMemoryHistoryRepo) ListByGroup(groupID string, limit int) ([]models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msgs := append([]models.Message(nil), r.byG[groupID]...)
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *InMemoryHistoryRepo) DeleteGroup(groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byG, groupID)
	return nil
}

func (r *InMemoryHistoryRepo) Close() error { return nil }

// BadgerHistoryRepo persists history in BadgerDB. Keys are
// "msg:{groupID}:{timestamp_padded}:{msgID}": the 19-digit zero padding makes
// lexicographic key order equal chronological order, and the message id
// disambiguates two messages landing on the same nanosecond.
type BadgerHistoryRepo struct {
	db *badger.DB
}

func NewBadgerHistoryRepo(dir string) (*BadgerHistoryRepo, error) {
	opts := badger.DefaultOptions(dir).WithLoggingLevel(badger.ERROR)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}
	return &BadgerHistoryRepo{db: db}, nil
}

func historyKey(groupID string, ts int64, msgID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", groupID, ts, msgID))
}

func historyPrefix(groupID string) []byte {
	return []byte(fmt.Sprintf("msg:%s:", groupID))
}

func (r *BadgerHistoryRepo) Append(msg models.Message) error {
	ts := msg.Timestamp * int64(time.Millisecond)
	val, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(msg.GroupID, ts, msg.ID), val)
	})
}

func (r *BadgerHistoryRepo) ListByGroup(groupID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := historyPrefix(groupID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var m models.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *BadgerHistoryRepo) DeleteGroup(groupID string) error {
	var keys [][]byte
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := historyPrefix(groupID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}
	return r.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *BadgerHistoryRepo) Close() error { return r.db.Close() }

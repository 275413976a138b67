// Package badgerstore persists the room registry in an embedded Badger
// database so rooms survive a process restart.
package badgerstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Wahee-aljabir/meet/internal/registry"
)

const (
	meetingPrefix     = "meeting:"
	participantPrefix = "participant:"

	// maxTxnAttempts bounds retries of a transaction that lost an optimistic
	// conflict with a concurrent writer on the same room.
	maxTxnAttempts = 64
	txnBackoff     = 500 * time.Microsecond

	gcInterval     = 5 * time.Minute
	gcDiscardRatio = 0.5
)

type meetingRecord struct {
	CreatedAt    int64 `msgpack:"created_at"`
	LastActiveAt int64 `msgpack:"last_active_at"`
}

type participantRecord struct {
	JoinedAt int64 `msgpack:"joined_at"`
}

func meetingKey(code string) []byte { return []byte(meetingPrefix + code) }

func participantsPrefix(code string) []byte {
	return []byte(participantPrefix + code + ":")
}

func participantKey(code, connID string) []byte {
	return []byte(participantPrefix + code + ":" + connID)
}

type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir      string
	InMemory bool
	Logger   *slog.Logger
}

type Store struct {
	db  *badger.DB
	log *slog.Logger

	stopGC    chan struct{}
	gcDone    chan struct{}
	closeOnce sync.Once
}

var _ registry.Store = (*Store)(nil)

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir).WithLoggingLevel(badger.WARNING)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.WARNING)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.Dir, err)
	}
	s := New(db, opts.Logger)
	if !opts.InMemory {
		s.stopGC = make(chan struct{})
		s.gcDone = make(chan struct{})
		go s.gcLoop()
	}
	return s, nil
}

// New wraps an already open database. Close closes db.
func New(db *badger.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, log: logger}
}

func (s *Store) gcLoop() {
	defer close(s.gcDone)
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(gcDiscardRatio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.log.Warn("badger value log gc failed", "err", err)
					}
					break
				}
			}
		}
	}
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * txnBackoff)
	}
	return fmt.Errorf("transaction kept conflicting after %d attempts: %w", maxTxnAttempts, err)
}

func (s *Store) Insert(ctx context.Context, room registry.Room) error {
	rec, err := msgpack.Marshal(meetingRecord{
		CreatedAt:    room.CreatedAt.UnixNano(),
		LastActiveAt: room.LastActiveAt.UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("encode meeting: %w", err)
	}
	return s.update(ctx, func(txn *badger.Txn) error {
		key := meetingKey(room.Code)
		if _, err := txn.Get(key); err == nil {
			return registry.ErrCodeTaken
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, rec)
	})
}

func getMeeting(txn *badger.Txn, code string) (meetingRecord, error) {
	var rec meetingRecord
	item, err := txn.Get(meetingKey(code))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, registry.ErrRoomNotFound
	}
	if err != nil {
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return msgpack.Unmarshal(val, &rec)
	})
	return rec, err
}

func putMeeting(txn *badger.Txn, code string, rec meetingRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode meeting: %w", err)
	}
	return txn.Set(meetingKey(code), data)
}

func listParticipants(txn *badger.Txn, code string) ([]registry.Participant, error) {
	prefix := participantsPrefix(code)
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
	defer it.Close()

	var out []registry.Participant
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		connID := string(bytes.TrimPrefix(item.Key(), prefix))
		var rec participantRecord
		if err := item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		}); err != nil {
			return nil, fmt.Errorf("decode participant %q: %w", connID, err)
		}
		out = append(out, registry.Participant{ConnID: connID, JoinedAt: time.Unix(0, rec.JoinedAt)})
	}
	registry.SortParticipants(out)
	return out, nil
}

func (s *Store) Touch(ctx context.Context, code string, now time.Time) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getMeeting(txn, code)
		if err != nil {
			return err
		}
		rec.LastActiveAt = now.UnixNano()
		return putMeeting(txn, code, rec)
	})
}

func (s *Store) AddParticipant(ctx context.Context, code string, p registry.Participant, now time.Time) ([]registry.Participant, error) {
	var out []registry.Participant
	err := s.update(ctx, func(txn *badger.Txn) error {
		rec, err := getMeeting(txn, code)
		if err != nil {
			return err
		}
		ps, err := listParticipants(txn, code)
		if err != nil {
			return err
		}
		present := false
		for _, existing := range ps {
			if existing.ConnID == p.ConnID {
				present = true
				break
			}
		}
		if !present {
			data, err := msgpack.Marshal(participantRecord{JoinedAt: p.JoinedAt.UnixNano()})
			if err != nil {
				return fmt.Errorf("encode participant: %w", err)
			}
			if err := txn.Set(participantKey(code, p.ConnID), data); err != nil {
				return err
			}
			ps = append(ps, registry.Participant{ConnID: p.ConnID, JoinedAt: time.Unix(0, p.JoinedAt.UnixNano())})
			registry.SortParticipants(ps)
		}
		rec.LastActiveAt = now.UnixNano()
		if err := putMeeting(txn, code, rec); err != nil {
			return err
		}
		out = ps
		return nil
	})
	return out, err
}

func (s *Store) RemoveParticipant(ctx context.Context, code, connID string) ([]registry.Participant, bool, error) {
	var (
		out     []registry.Participant
		removed bool
	)
	err := s.update(ctx, func(txn *badger.Txn) error {
		removed = false
		rec, err := getMeeting(txn, code)
		if err != nil {
			return err
		}
		ps, err := listParticipants(txn, code)
		if err != nil {
			return err
		}
		if err := txn.Delete(participantKey(code, connID)); err != nil {
			return err
		}
		// Rewriting the meeting record makes concurrent joins on this room
		// conflict with the removal instead of interleaving.
		if err := putMeeting(txn, code, rec); err != nil {
			return err
		}
		out = make([]registry.Participant, 0, len(ps))
		for _, p := range ps {
			if p.ConnID == connID {
				removed = true
				continue
			}
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, removed, nil
}

func (s *Store) Participants(_ context.Context, code string) ([]registry.Participant, error) {
	var out []registry.Participant
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getMeeting(txn, code); err != nil {
			return err
		}
		ps, err := listParticipants(txn, code)
		out = ps
		return err
	})
	return out, err
}

func (s *Store) codes() ([]string, error) {
	var codes []string
	prefix := []byte(meetingPrefix)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			codes = append(codes, string(bytes.TrimPrefix(it.Item().Key(), prefix)))
		}
		return nil
	})
	return codes, err
}

func (s *Store) DeleteExpired(ctx context.Context, policy registry.ExpiryPolicy, now time.Time) ([]registry.DeletedRoom, error) {
	codes, err := s.codes()
	if err != nil {
		return nil, fmt.Errorf("scan meetings: %w", err)
	}

	var deleted []registry.DeletedRoom
	for _, code := range codes {
		var d *registry.DeletedRoom
		err := s.update(ctx, func(txn *badger.Txn) error {
			d = nil
			rec, err := getMeeting(txn, code)
			if errors.Is(err, registry.ErrRoomNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			ps, err := listParticipants(txn, code)
			if err != nil {
				return err
			}
			reason, expired := policy.Check(time.Unix(0, rec.CreatedAt), time.Unix(0, rec.LastActiveAt), len(ps), now)
			if !expired {
				return nil
			}
			for _, p := range ps {
				if err := txn.Delete(participantKey(code, p.ConnID)); err != nil {
					return err
				}
			}
			if err := txn.Delete(meetingKey(code)); err != nil {
				return err
			}
			d = &registry.DeletedRoom{Code: code, Reason: reason, Participants: ps}
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete room %q: %w", code, err)
		}
		if d != nil {
			deleted = append(deleted, *d)
		}
	}
	return deleted, nil
}

// ResetParticipants deletes every persisted participant and returns how many
// there were. Connections never outlive the process that accepted them, so a
// reopened database only holds stale members.
func (s *Store) ResetParticipants(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	prefix := []byte(participantPrefix)
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count participants: %w", err)
	}
	if n == 0 {
		return 0, nil
	}
	if err := s.db.DropPrefix(prefix); err != nil {
		return 0, fmt.Errorf("drop participants: %w", err)
	}
	return n, nil
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return s.db.View(func(*badger.Txn) error { return nil })
}

func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.stopGC != nil {
			close(s.stopGC)
			<-s.gcDone
		}
		err = s.db.Close()
	})
	return err
}

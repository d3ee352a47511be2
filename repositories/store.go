// Package repositories implements the durable group/message store on top of
// BadgerDB. Values are CBOR-encoded records; keys are designed so that a
// prefix scan returns messages in sequence order without sorting in memory.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agrichat/contract"
	"agrichat/domain"
	apperrors "agrichat/errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

var _ contract.Store = (*BadgerStore)(nil)

// seqBandwidth is the range of sequence numbers Badger leases in one disk
// write. Numbers leased but unused at crash time become gaps, which is fine;
// a regression or reuse is not.
const seqBandwidth = 64

// advanceRetries bounds the retry loop on transaction conflicts when two
// devices of the same user acknowledge concurrently.
const advanceRetries = 5

type BadgerStore struct {
	db            *badger.DB
	log           *slog.Logger
	limitMessages *int

	mu   sync.Mutex
	seqs map[domain.GroupID]*badger.Sequence
}

func NewBadgerStore(db *badger.DB, log *slog.Logger, limitMessages *int) *BadgerStore {
	return &BadgerStore{
		db:            db,
		log:           log,
		limitMessages: limitMessages,
		seqs:          make(map[domain.GroupID]*badger.Sequence),
	}
}

// Close releases the leased sequence ranges so the unused remainder is not
// lost on a clean shutdown.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for groupID, seq := range s.seqs {
		if err := seq.Release(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("releasing sequence for group %d: %w", groupID, err)
		}
	}
	s.seqs = make(map[domain.GroupID]*badger.Sequence)
	return firstErr
}

type groupRecord struct {
	ID   int64  `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint"`
}

type messageRecord struct {
	ID          string `cbor:"1,keyasint"`
	Group       int64  `cbor:"2,keyasint"`
	Sender      string `cbor:"3,keyasint"`
	DisplayName string `cbor:"4,keyasint"`
	Seq         uint64 `cbor:"5,keyasint"`
	Content     string `cbor:"6,keyasint"`
	At          int64  `cbor:"7,keyasint"`
}

// Key layout:
//
//	grp:{group}                    group record
//	mbr:{group}:{user}             durable membership marker
//	msg:{group}:{seq:019d}:{uuid}  message record, zero-padded seq keeps
//	                               lexicographic order equal to sequence order
//	mid:{group}:{uuid}             uuid -> seq index for mark_read resolution
//	rcp:{user}:{group}             read receipt (cbor uint64)
//	seq:{group}                    badger sequence counter
func groupKey(groupID domain.GroupID) []byte {
	return []byte(fmt.Sprintf("grp:%d", groupID))
}

func memberKey(groupID domain.GroupID, userID string) []byte {
	return []byte(fmt.Sprintf("mbr:%d:%s", groupID, userID))
}

func messageKey(groupID domain.GroupID, seq uint64, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%d:%019d:%s", groupID, seq, id))
}

func messagePrefix(groupID domain.GroupID) []byte {
	return []byte(fmt.Sprintf("msg:%d:", groupID))
}

func indexKey(groupID domain.GroupID, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("mid:%d:%s", groupID, id))
}

func receiptKey(userID string, groupID domain.GroupID) []byte {
	return []byte(fmt.Sprintf("rcp:%s:%d", userID, groupID))
}

func sequenceKey(groupID domain.GroupID) []byte {
	return []byte(fmt.Sprintf("seq:%d", groupID))
}

// CreateGroup persists the group record. Used by the provisioning CRUD layer
// and by tests; idempotent.
func (s *BadgerStore) CreateGroup(ctx context.Context, group domain.Group) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	bytes, err := cbor.Marshal(groupRecord{ID: int64(group.ID), Name: group.Name})
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(groupKey(group.ID), bytes)
	})
}

// AddMember records durable membership of the user in the group.
func (s *BadgerStore) AddMember(ctx context.Context, groupID domain.GroupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(memberKey(groupID, userID), nil)
	})
}

// RemoveMember deletes the durable membership marker. The registry notices on
// the next join attempt; already-connected sessions are evicted by the
// moderation collaborator, not here.
func (s *BadgerStore) RemoveMember(ctx context.Context, groupID domain.GroupID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(memberKey(groupID, userID))
	})
}

func (s *BadgerStore) GroupExists(ctx context.Context, groupID domain.GroupID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.has(groupKey(groupID))
}

func (s *BadgerStore) IsMember(ctx context.Context, groupID domain.GroupID, userID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.has(memberKey(groupID, userID))
}

func (s *BadgerStore) has(key []byte) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NextSeq returns the next sequence number for the group, starting at 1.
// The counter is backed by a persisted badger sequence, so numbers survive a
// process restart without rereading the message log.
func (s *BadgerStore) NextSeq(groupID domain.GroupID) (uint64, error) {
	s.mu.Lock()
	seq, ok := s.seqs[groupID]
	if !ok {
		var err error
		seq, err = s.db.GetSequence(sequenceKey(groupID), seqBandwidth)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		s.seqs[groupID] = seq
	}
	s.mu.Unlock()

	num, err := seq.Next()
	if err != nil {
		return 0, err
	}
	return num + 1, nil
}

// SaveMessage persists the message record and its uuid index in one
// transaction, so mark_read can never resolve a half-written message.
func (s *BadgerStore) SaveMessage(ctx context.Context, message domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record := messageRecord{
		ID:          message.ID.String(),
		Group:       int64(message.GroupID),
		Sender:      message.SenderID,
		DisplayName: message.DisplayName,
		Seq:         message.Seq,
		Content:     message.Content,
		At:          message.CreatedAt.UnixNano(),
	}
	bytes, err := cbor.Marshal(record)
	if err != nil {
		return err
	}
	index, err := cbor.Marshal(message.Seq)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(message.GroupID, message.Seq, message.ID), bytes); err != nil {
			return err
		}
		return txn.Set(indexKey(message.GroupID, message.ID), index)
	})
}

// MessageByID resolves a message by uuid within a group. Returns
// ErrUnknownMessage if the id is unknown or belongs to another group.
func (s *BadgerStore) MessageByID(ctx context.Context, groupID domain.GroupID, messageID uuid.UUID) (domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, err
	}
	var record messageRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(indexKey(groupID, messageID))
		if err != nil {
			return err
		}
		var seq uint64
		if err := item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &seq)
		}); err != nil {
			return err
		}

		item, err = txn.Get(messageKey(groupID, seq, messageID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.Message{}, apperrors.ErrUnknownMessage
	}
	if err != nil {
		return domain.Message{}, err
	}
	return toMessage(record)
}

// Messages retrieves messages for a group, newest first, using a reverse
// prefix scan. Thanks to the padded sequence in the key, no in-memory sort is
// needed. It stops once the configured limit is reached and returns a cursor
// for the next page.
func (s *BadgerStore) Messages(ctx context.Context, groupID domain.GroupID, cursor *string) ([]domain.Message, *string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	var rawMessages [][]byte
	var lastKey string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(groupID)
		prefixLen := len(prefix)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the highest possible sequence, then walk backwards.
			seekKey = append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		default:
			seekKey = append(append([]byte{}, prefix...), []byte(*cursor)...)
		}

		it.Seek(seekKey)

		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if s.limitMessages != nil && len(rawMessages) == *s.limitMessages {
				s.log.Debug(fmt.Sprintf("Maximum of %d messages reached", *s.limitMessages))
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[prefixLen:])
			if err := item.Value(func(value []byte) error {
				rawMessages = append(rawMessages, append([]byte{}, value...))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var messages []domain.Message
	for _, raw := range rawMessages {
		var record messageRecord
		if err := cbor.Unmarshal(raw, &record); err != nil {
			return nil, nil, err
		}
		message, err := toMessage(record)
		if err != nil {
			return nil, nil, err
		}
		messages = append(messages, message)
	}
	return messages, lo.ToPtr(lastKey), nil
}

func (s *BadgerStore) Receipt(ctx context.Context, userID string, groupID domain.GroupID) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq uint64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(receiptKey(userID, groupID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &seq)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return seq, nil
}

// AdvanceReceipt moves the receipt forward if seq is greater than the stored
// value. The read-compare-write runs in one transaction; on a conflict with a
// concurrent acknowledgement it retries, preserving linearizability per
// (user, group).
func (s *BadgerStore) AdvanceReceipt(ctx context.Context, userID string, groupID domain.GroupID, seq uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	bytes, err := cbor.Marshal(seq)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < advanceRetries; attempt++ {
		advanced := false
		err = s.db.Update(func(txn *badger.Txn) error {
			var current uint64
			item, err := txn.Get(receiptKey(userID, groupID))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(value []byte) error {
					return cbor.Unmarshal(value, &current)
				}); err != nil {
					return err
				}
			}
			if seq <= current {
				return nil
			}
			advanced = true
			return txn.Set(receiptKey(userID, groupID), bytes)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		return advanced, nil
	}
	return false, err
}

// CountAfter counts messages in the group with a sequence number strictly
// greater than seq. Keys-only iteration keeps it cheap for badge computation.
func (s *BadgerStore) CountAfter(ctx context.Context, groupID domain.GroupID, seq uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(groupID)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		seekKey := append(append([]byte{}, prefix...), []byte(fmt.Sprintf("%019d", seq+1))...)
		for it.Seek(seekKey); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// DecodeMessageValue decodes a raw message value as stored under a msg: key.
// Used by the inspection tooling, which walks the database without going
// through the store API.
func DecodeMessageValue(value []byte) (domain.Message, error) {
	var record messageRecord
	if err := cbor.Unmarshal(value, &record); err != nil {
		return domain.Message{}, err
	}
	return toMessage(record)
}

func toMessage(record messageRecord) (domain.Message, error) {
	parsedID, err := uuid.Parse(record.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:          parsedID,
		GroupID:     domain.GroupID(record.Group),
		SenderID:    record.Sender,
		DisplayName: record.DisplayName,
		Seq:         record.Seq,
		Content:     record.Content,
		CreatedAt:   time.Unix(0, record.At).UTC(),
	}, nil
}

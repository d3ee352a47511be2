package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"agrichat/contract"
	"agrichat/domain"
	"agrichat/domain/event"
	apperrors "agrichat/errors"

	"github.com/google/uuid"
)

// Dispatcher validates, sequences, persists and fans out chat messages.
//
// For one group, sequence assignment and fan-out enqueue happen under the same
// per-group mutex, so two members connected for the whole duration of two
// sends always observe new_message events in sequence order. Enqueueing to a
// recipient never blocks, which keeps the critical section bounded.
type Dispatcher struct {
	log              *slog.Logger
	registry         *Registry
	store            contract.Store
	maxContentLength int
	storeTimeout     time.Duration

	mu    sync.Mutex
	locks map[domain.GroupID]*groupLock

	hookMu       sync.Mutex
	archiveHooks []func(groupID domain.GroupID, messageID uuid.UUID)
}

// groupLock is reference-counted so the lock map only holds groups with a
// send in flight instead of growing with every group ever messaged.
type groupLock struct {
	mu   sync.Mutex
	refs int
}

func NewDispatcher(log *slog.Logger, registry *Registry, store contract.Store,
	maxContentLength int, storeTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		log:              log,
		registry:         registry,
		store:            store,
		maxContentLength: maxContentLength,
		storeTimeout:     storeTimeout,
		locks:            make(map[domain.GroupID]*groupLock),
	}
}

// Send persists the message and broadcasts it to every session currently
// connected to the group, sender included. The sender receives its own echo:
// the broadcast is the single source of truth for ordering and timestamps,
// clients filter by user id if they do not want to render it twice.
//
// On a store failure nothing is broadcast; the caller gets the error and may
// retry. Partial visibility is never possible.
func (d *Dispatcher) Send(ctx context.Context, session contract.Session,
	groupID domain.GroupID, content string) (domain.Message, error) {
	if !d.registry.IsJoined(session, groupID) {
		return domain.Message{}, apperrors.ErrNotMember
	}

	content = strings.TrimSpace(content)
	if content == "" || utf8.RuneCountInString(content) > d.maxContentLength {
		return domain.Message{}, apperrors.ErrInvalidContent
	}

	lock := d.lockFor(groupID)
	lock.mu.Lock()
	defer d.release(groupID, lock)
	defer lock.mu.Unlock()

	seq, err := d.store.NextSeq(groupID)
	if err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}

	message := domain.Message{
		ID:          uuid.New(),
		GroupID:     groupID,
		SenderID:    session.UserID(),
		DisplayName: session.DisplayName(),
		Seq:         seq,
		Content:     content,
		CreatedAt:   time.Now().UTC(),
	}

	storeCtx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	if err := d.store.SaveMessage(storeCtx, message); err != nil {
		return domain.Message{}, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}

	d.fanout(ctx, event.NewMessage{Message: message})
	return message, nil
}

// OnArchive registers a hook invoked when the external moderation collaborator
// archives a message out-of-band. Delivery may already have happened; clients
// are expected to tolerate a message disappearing after broadcast.
func (d *Dispatcher) OnArchive(fn func(groupID domain.GroupID, messageID uuid.UUID)) {
	d.hookMu.Lock()
	defer d.hookMu.Unlock()
	d.archiveHooks = append(d.archiveHooks, fn)
}

// Archive is the entry point for the moderation collaborator.
func (d *Dispatcher) Archive(groupID domain.GroupID, messageID uuid.UUID) {
	d.hookMu.Lock()
	hooks := make([]func(domain.GroupID, uuid.UUID), len(d.archiveHooks))
	copy(hooks, d.archiveHooks)
	d.hookMu.Unlock()

	d.log.Info("Message archived by moderation", "group_id", groupID, "message_id", messageID)
	for _, fn := range hooks {
		fn(groupID, messageID)
	}
}

// fanout enqueues the event to every member snapshot. A failure on one
// recipient is isolated and logged; it never reaches the sender. Sessions
// whose durable queue is full disconnect themselves and report it here.
func (d *Dispatcher) fanout(ctx context.Context, evt event.NewMessage) {
	for _, member := range d.registry.MembersOf(evt.GroupID()) {
		if err := member.Consume(ctx, evt); err != nil {
			d.log.Warn("Failed to deliver message to session",
				"session_id", member.ID(),
				"user_id", member.UserID(),
				"group_id", evt.GroupID(),
				"error", err)
		}
	}
}

// lockFor hands out the group's lock and pins it. The entry stays in the map
// while any sender holds a reference, so two concurrent sends for one group
// always contend on the same mutex.
func (d *Dispatcher) lockFor(groupID domain.GroupID) *groupLock {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock, ok := d.locks[groupID]
	if !ok {
		lock = &groupLock{}
		d.locks[groupID] = lock
	}
	lock.refs++
	return lock
}

func (d *Dispatcher) release(groupID domain.GroupID, lock *groupLock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(d.locks, groupID)
	}
}

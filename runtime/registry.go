// Package runtime hosts the shared, thread-safe chat services: membership
// registry, message dispatcher, typing broadcaster and read-receipt tracker.
// They are invoked concurrently by one goroutine per connection; none of them
// assumes a global event loop.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"agrichat/contract"
	"agrichat/domain"
	apperrors "agrichat/errors"
)

// shardCount trades lock granularity against memory. Groups are spread over
// shards by id so fan-out in one group never contends with joins in another.
const shardCount = 16

type registryShard struct {
	mu     sync.RWMutex
	groups map[domain.GroupID]map[string]contract.Session
}

// Registry maps groups to their currently connected sessions and sessions to
// their joined groups. Durable membership lives in the store; the registry
// only tracks who is online right now.
type Registry struct {
	log    *slog.Logger
	store  contract.Store
	shards [shardCount]*registryShard

	mu     sync.Mutex
	joined map[string]map[domain.GroupID]struct{} // session id -> joined groups
}

func NewRegistry(log *slog.Logger, store contract.Store) *Registry {
	r := &Registry{
		log:    log,
		store:  store,
		joined: make(map[string]map[domain.GroupID]struct{}),
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{groups: make(map[domain.GroupID]map[string]contract.Session)}
	}
	return r
}

func (r *Registry) shardFor(groupID domain.GroupID) *registryShard {
	return r.shards[uint64(groupID)%shardCount]
}

// Join verifies durable membership via the store and registers the session in
// the group's connected-set. Joining an already-joined group succeeds without
// duplicating entries.
//
// A disconnect may race with an in-flight join: the session is re-checked
// after insertion and removed again if it closed meanwhile, so cleanup never
// leaves a dead session behind.
func (r *Registry) Join(ctx context.Context, session contract.Session, groupID domain.GroupID) error {
	exists, err := r.store.GroupExists(ctx, groupID)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if !exists {
		return apperrors.ErrGroupNotFound
	}

	member, err := r.store.IsMember(ctx, groupID, session.UserID())
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if !member {
		return apperrors.ErrNotMember
	}

	r.mu.Lock()
	groups, ok := r.joined[session.ID()]
	if !ok {
		groups = make(map[domain.GroupID]struct{})
		r.joined[session.ID()] = groups
	}
	groups[groupID] = struct{}{}
	r.mu.Unlock()

	shard := r.shardFor(groupID)
	shard.mu.Lock()
	members, ok := shard.groups[groupID]
	if !ok {
		members = make(map[string]contract.Session)
		shard.groups[groupID] = members
	}
	members[session.ID()] = session
	shard.mu.Unlock()

	if session.Closed() {
		// Leave, not remove: the disconnect cleanup may have already run, in
		// which case this join is the only writer left and must undo both the
		// shard entry and the joined set.
		r.Leave(session, groupID)
	}
	return nil
}

// Leave removes the session from both sides of the registry. No-op if absent.
func (r *Registry) Leave(session contract.Session, groupID domain.GroupID) {
	r.mu.Lock()
	if groups, ok := r.joined[session.ID()]; ok {
		delete(groups, groupID)
		if len(groups) == 0 {
			delete(r.joined, session.ID())
		}
	}
	r.mu.Unlock()

	r.remove(session, groupID)
}

// LeaveAll removes the session from every group it joined and returns the
// groups it was removed from. Safe to call twice; the second call returns nil.
func (r *Registry) LeaveAll(session contract.Session) []domain.GroupID {
	r.mu.Lock()
	groups := r.joined[session.ID()]
	delete(r.joined, session.ID())
	r.mu.Unlock()

	var left []domain.GroupID
	for groupID := range groups {
		r.remove(session, groupID)
		left = append(left, groupID)
	}
	return left
}

// MembersOf returns a snapshot of the sessions currently connected to the
// group. The snapshot is taken under a short read lock; callers iterate it
// without holding any registry lock.
func (r *Registry) MembersOf(groupID domain.GroupID) []contract.Session {
	shard := r.shardFor(groupID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	members, ok := shard.groups[groupID]
	if !ok {
		return nil
	}
	sessions := make([]contract.Session, 0, len(members))
	for _, s := range members {
		sessions = append(sessions, s)
	}
	return sessions
}

// IsJoined reports whether the session is currently in the group's
// connected-set. This is the fast in-memory check used by the dispatcher and
// broadcaster before routing group-scoped events.
func (r *Registry) IsJoined(session contract.Session, groupID domain.GroupID) bool {
	shard := r.shardFor(groupID)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	members, ok := shard.groups[groupID]
	if !ok {
		return false
	}
	_, joined := members[session.ID()]
	return joined
}

func (r *Registry) remove(session contract.Session, groupID domain.GroupID) {
	shard := r.shardFor(groupID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	members, ok := shard.groups[groupID]
	if !ok {
		return
	}
	delete(members, session.ID())

	// If no one is left in the group, remove the entry entirely
	if len(members) == 0 {
		delete(shard.groups, groupID)
	}
}

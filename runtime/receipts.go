package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"agrichat/contract"
	"agrichat/domain"
	apperrors "agrichat/errors"

	"github.com/google/uuid"
)

// ReceiptTracker records the highest message sequence number each user has
// acknowledged per group. Receipts only move forward: duplicate or
// out-of-order mark_read calls are silent no-ops, not errors.
type ReceiptTracker struct {
	log          *slog.Logger
	registry     *Registry
	store        contract.Store
	storeTimeout time.Duration
}

func NewReceiptTracker(log *slog.Logger, registry *Registry, store contract.Store,
	storeTimeout time.Duration) *ReceiptTracker {
	return &ReceiptTracker{log: log, registry: registry, store: store, storeTimeout: storeTimeout}
}

// MarkRead resolves the message to its per-group sequence number and advances
// the caller's receipt if the message is newer than the stored one.
func (t *ReceiptTracker) MarkRead(ctx context.Context, session contract.Session,
	groupID domain.GroupID, messageID uuid.UUID) error {
	if !t.registry.IsJoined(session, groupID) {
		return apperrors.ErrNotMember
	}

	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	message, err := t.store.MessageByID(storeCtx, groupID, messageID)
	if err != nil {
		if errors.Is(err, apperrors.ErrUnknownMessage) {
			return apperrors.ErrUnknownMessage
		}
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}

	advanced, err := t.store.AdvanceReceipt(storeCtx, session.UserID(), groupID, message.Seq)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	if advanced {
		t.log.Debug("Read receipt advanced",
			"user_id", session.UserID(), "group_id", groupID, "seq", message.Seq)
	}
	return nil
}

// UnreadCount counts messages in the group newer than the user's receipt.
// Used by collaborators computing group-list badges.
func (t *ReceiptTracker) UnreadCount(ctx context.Context, userID string, groupID domain.GroupID) (int, error) {
	storeCtx, cancel := context.WithTimeout(ctx, t.storeTimeout)
	defer cancel()

	seq, err := t.store.Receipt(storeCtx, userID, groupID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	count, err := t.store.CountAfter(storeCtx, groupID, seq)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrStoreUnavailable, err)
	}
	return count, nil
}

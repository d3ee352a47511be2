//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"agrichat/domain"
	"agrichat/domain/event"

	"github.com/google/uuid"
)

// EventSink receives fanned-out domain events. Consume must never block:
// implementations enqueue or drop, they do not wait on slow consumers.
type EventSink interface {
	Consume(ctx context.Context, e event.DomainEvent) error
}

// Session is one live client connection as seen by the runtime services.
// The gateway owns the concrete type; the registry, dispatcher, broadcaster
// and tracker only ever deal with this interface.
type Session interface {
	EventSink
	ID() string
	UserID() string
	DisplayName() string
	// Closed reports whether the connection is gone. Used by the registry to
	// resolve the race between a disconnect and an in-flight join.
	Closed() bool
}

// Store is the durable group/message collaborator. Implementations must be
// safe for concurrent use; all calls honour the context deadline.
type Store interface {
	GroupExists(ctx context.Context, groupID domain.GroupID) (bool, error)
	IsMember(ctx context.Context, groupID domain.GroupID, userID string) (bool, error)

	// NextSeq returns the next per-group sequence number, starting at 1.
	// Numbers are never reused across restarts; gaps are acceptable.
	NextSeq(groupID domain.GroupID) (uint64, error)

	SaveMessage(ctx context.Context, message domain.Message) error
	MessageByID(ctx context.Context, groupID domain.GroupID, messageID uuid.UUID) (domain.Message, error)
	Messages(ctx context.Context, groupID domain.GroupID, cursor *string) ([]domain.Message, *string, error)

	Receipt(ctx context.Context, userID string, groupID domain.GroupID) (uint64, error)
	// AdvanceReceipt moves the receipt forward to seq if it is greater than
	// the stored value, atomically. Returns whether the receipt moved.
	AdvanceReceipt(ctx context.Context, userID string, groupID domain.GroupID, seq uint64) (bool, error)
	CountAfter(ctx context.Context, groupID domain.GroupID, seq uint64) (int, error)
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself; supervision, restart and panic recovery
// belong to the supervisor.
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker lifecycle
// events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

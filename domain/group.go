// Package domain contains core concepts of the group-chat system.
// No runtime, network, or UI logic should be added here.
package domain

type GroupID int64

// Group is the durable part of a chat group. The set of member user ids is
// owned by the store; the set of currently connected sessions is owned by the
// runtime registry and never appears here.
type Group struct {
	ID   GroupID
	Name string
}

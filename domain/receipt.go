package domain

// ReadReceipt records the highest message sequence number a user has
// acknowledged in a group. It only moves forward.
type ReadReceipt struct {
	UserID      string
	GroupID     GroupID
	LastReadSeq uint64
}

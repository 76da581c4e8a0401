package models

// OutboxEntry is a queued sync message awaiting transmission. Frame holds
// the exact serialized bytes that will go on the wire, so a flush never
// re-stamps or re-orders what the caller originally broadcast
type OutboxEntry struct {
	ID       string
	Frame    []byte
	Attempts int
}

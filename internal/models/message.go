package models

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"
)

// MessageType is the closed set of operations carried on the sync channel
type MessageType string

const (
	TypeCreate          MessageType = "CREATE"
	TypeUpdate          MessageType = "UPDATE"
	TypeDelete          MessageType = "DELETE"
	TypeInvalidateCache MessageType = "INVALIDATE_CACHE"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeInvalidateCache:
		return true
	}
	return false
}

// SyncMessage is the wire unit exchanged between terminals over the sync channel.
// Field names match the JSON frames the backend relays verbatim
type SyncMessage struct {
	Type       MessageType     `json:"type"`
	Entity     string          `json:"entity"`
	EntityID   string          `json:"entityId,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	TerminalID string          `json:"terminalId"`
	UserID     string          `json:"userId,omitempty"`
}

// Validate enforces the structural invariants of the protocol:
// a known type, a non-empty entity, an entityId for targeted operations
// and a payload exactly when the operation carries one
func (m *SyncMessage) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("unknown message type %q", string(m.Type))
	}
	if m.Entity == "" {
		return fmt.Errorf("message has no entity")
	}
	switch m.Type {
	case TypeUpdate, TypeDelete:
		if m.EntityID == "" {
			return fmt.Errorf("%s on %q requires an entityId", m.Type, m.Entity)
		}
	}
	switch m.Type {
	case TypeCreate, TypeUpdate:
		if len(m.Data) == 0 {
			return fmt.Errorf("%s on %q requires a payload", m.Type, m.Entity)
		}
	case TypeDelete:
		if len(m.Data) != 0 {
			return fmt.Errorf("DELETE on %q must not carry a payload", m.Entity)
		}
	}
	return nil
}

// CacheKey returns the point-invalidation key for a targeted message
func (m *SyncMessage) CacheKey() string {
	return m.Entity + "-" + m.EntityID
}

// EstimateBytes approximates the in-memory footprint of a message for
// backlog pressure accounting
func (m *SyncMessage) EstimateBytes() int {
	return len(m.Entity) + len(m.EntityID) + len(m.Data) + len(m.TerminalID) + len(m.UserID) + 32
}

// ConflictEvent is the payload published on sync:conflict when a remote
// update touches a manual-resolution entity
type ConflictEvent struct {
	Entity    string          `json:"entity"`
	Remote    json.RawMessage `json:"remote"`
	Timestamp int64           `json:"timestamp"`
}

// NewTerminalID generates a fresh terminal identity. The format is stable
// across the whole product suite: POS-<unix millis>-<base36 suffix>
func NewTerminalID() string {
	suffix := strconv.FormatUint(rand.Uint64()%(36*36*36*36*36*36*36), 36)
	return fmt.Sprintf("POS-%d-%s", time.Now().UnixMilli(), suffix)
}

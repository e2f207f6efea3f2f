package consensus

import (
	"encoding/json"
	"time"
)

// MsgType identifies a protocol message.
type MsgType string

const (
	MsgPrePrepare MsgType = "PRE_PREPARE"
	MsgPrepare    MsgType = "PREPARE"
	MsgCommit     MsgType = "COMMIT"
	MsgViewChange MsgType = "VIEW_CHANGE"
	// MsgForward carries a proposal from a non-primary replica to the
	// current primary, which re-issues it as a PRE_PREPARE.
	MsgForward MsgType = "FORWARD"
)

// Phase is the protocol phase a node is currently in.
type Phase string

const (
	PhaseIdle       Phase = "IDLE"
	PhasePrePrepare Phase = "PRE_PREPARE"
	PhasePrepare    Phase = "PREPARE"
	PhaseCommit     Phase = "COMMIT"
	PhaseReply      Phase = "REPLY"
	PhaseViewChange Phase = "VIEW_CHANGE"
)

// Message is a signed protocol message. Immutable once created.
type Message struct {
	Type      MsgType           `json:"type"`
	View      uint64            `json:"view"`
	Sequence  uint64            `json:"sequence"`
	NewView   uint64            `json:"new_view,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	SenderID  string            `json:"sender_id"`
	Timestamp time.Time         `json:"timestamp"`
	Digest    string            `json:"digest"`
	Signature []byte            `json:"signature"`
}

// CommittedDecision records the single value agreed for a (view, sequence)
// pair. At most one distinct value is ever committed per pair.
type CommittedDecision struct {
	View        uint64            `json:"view"`
	Sequence    uint64            `json:"sequence"`
	Value       json.RawMessage   `json:"value"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Digest      string            `json:"digest"`
	Votes       int               `json:"votes"`
	CommittedAt time.Time         `json:"committed_at"`
}

// instKey identifies one consensus instance.
type instKey struct {
	view uint64
	seq  uint64
}

// logKey identifies one message class within an instance.
type logKey struct {
	view uint64
	seq  uint64
	typ  MsgType
}

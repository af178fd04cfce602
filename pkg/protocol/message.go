// Package protocol implements the v1 realm wire envelope and the handlers
// that apply each message to a realm's awareness.
//
// A frame is the concatenation of zero or more messages. Every message starts
// with a varuint tag:
//
//	0  sync: varuint sub-tag (0 step1, 1 step2, 2 update) + varbytes
//	1  awareness update: varbytes
//	2  auth: varuint (0 denied + varstring reason, 1 granted)
//	3  awareness query
//	4  reserved for in-process messages, never legal on the wire
//	5+ custom: varbytes
package protocol

import "fmt"

const Version = "v1"

const (
	tagSync           uint64 = 0
	tagAwareness      uint64 = 1
	tagAuth           uint64 = 2
	tagAwarenessQuery uint64 = 3
	tagInternal       uint64 = 4

	// MinCustomTag is the lowest tag available to custom messages.
	MinCustomTag uint64 = 5
)

const (
	syncStep1  uint64 = 0
	syncStep2  uint64 = 1
	syncUpdate uint64 = 2
)

const (
	authDenied  uint64 = 0
	authGranted uint64 = 1
)

type Kind uint8

const (
	KindSyncStep1 Kind = iota
	KindSyncStep2
	KindUpdate
	KindAuth
	KindAwarenessQuery
	KindAwarenessUpdate
	KindCustom
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindSyncStep1:
		return "sync_step1"
	case KindSyncStep2:
		return "sync_step2"
	case KindUpdate:
		return "update"
	case KindAuth:
		return "auth"
	case KindAwarenessQuery:
		return "awareness_query"
	case KindAwarenessUpdate:
		return "awareness_update"
	case KindCustom:
		return "custom"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one of the concrete message types below.
type Message interface {
	Kind() Kind
}

// SyncStep1 carries the sender's encoded state vector.
type SyncStep1 struct {
	StateVector []byte
}

// SyncStep2 answers a SyncStep1 with everything the asker is missing.
type SyncStep2 struct {
	Update []byte
}

type Update struct {
	Update []byte
}

// Auth with an empty Reason and Denied unset means permission was granted.
type Auth struct {
	Denied bool
	Reason string
}

type AwarenessQuery struct{}

type AwarenessUpdate struct {
	Payload []byte
}

type Custom struct {
	Tag  uint64
	Data []byte
}

// Internal is produced inside the server only. It cannot be encoded and the
// decoder rejects its tag.
type Internal struct {
	Data []byte
}

func (SyncStep1) Kind() Kind       { return KindSyncStep1 }
func (SyncStep2) Kind() Kind       { return KindSyncStep2 }
func (Update) Kind() Kind          { return KindUpdate }
func (Auth) Kind() Kind            { return KindAuth }
func (AwarenessQuery) Kind() Kind  { return KindAwarenessQuery }
func (AwarenessUpdate) Kind() Kind { return KindAwarenessUpdate }
func (Custom) Kind() Kind          { return KindCustom }
func (Internal) Kind() Kind        { return KindInternal }

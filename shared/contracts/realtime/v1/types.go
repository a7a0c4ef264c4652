// Package v1 defines the roomsync realtime protocol v1 contract.
//
// It is shared between the server and the client core to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the websocket subprotocol negotiated by clients and the gateway.
const Subprotocol = "roomsync.realtime.v1"

// Type constants (wire-stable).
const (
	// TypeHello declares the member identity of a connection (client -> server).
	TypeHello = "hello"
	// TypeHelloAck acknowledges the handshake (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin subscribes the connection to a room (client -> server).
	TypeRoomJoin = "room_join"
	// TypeRoomLeave unsubscribes the connection from a room (client -> server).
	TypeRoomLeave = "room_leave"

	// TypePresenceSnapshot carries the membership of a room at subscription time (server -> client).
	TypePresenceSnapshot = "presence_snapshot"
	// TypeMemberAdded is emitted when a member's first session joins (server -> room).
	TypeMemberAdded = "member_added"
	// TypeMemberRemoved is emitted when a member's last session leaves (server -> room).
	TypeMemberRemoved = "member_removed"

	// TypeClientEvent relays a client-originated event to the other room subscribers.
	TypeClientEvent = "client_event"

	// TypeMessageSend requests appending a message (client -> server).
	TypeMessageSend = "message_send"
	// TypeMessageAck acknowledges a send request (server -> client).
	TypeMessageAck = "message_ack"
	// TypeMessageNew broadcasts an accepted message to the whole room, author included.
	TypeMessageNew = "message_new"

	// TypeMessageStateChange requests pin/unpin/recall/delete (client -> server).
	TypeMessageStateChange = "message_state_change"
	// TypeMessageState broadcasts a state transition (server -> room).
	TypeMessageState = "message_state"

	// TypeHistoryFetch requests a history window (client -> server).
	TypeHistoryFetch = "history_fetch"
	// TypeHistoryChunk returns a history window (server -> client).
	TypeHistoryChunk = "history_chunk"

	// TypeSnapshotLoad requests the persisted document of a room (client -> server).
	TypeSnapshotLoad = "snapshot_load"
	// TypeSnapshot returns the persisted document (server -> client).
	TypeSnapshot = "snapshot"
	// TypeSnapshotSave persists a document (client -> server).
	TypeSnapshotSave = "snapshot_save"
	// TypeSnapshotSaved acknowledges a persisted document (server -> client).
	TypeSnapshotSaved = "snapshot_saved"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Client event names relayed through TypeClientEvent.
const (
	EventDocumentUpdate = "client-update"
	EventCursor         = "client-cursor"
	EventHeartbeat      = "client-heartbeat"

	// ClientEventPrefix is required on every relayed event name.
	ClientEventPrefix = "client-"
)

// Message state actions.
const (
	ActionPin    = "pin"
	ActionUnpin  = "unpin"
	ActionRecall = "recall"
	ActionDelete = "delete"
)

// RecalledBody replaces the body of a recalled message.
const RecalledBody = "This message was recalled."

// Envelope is the canonical wire wrapper.
//
// Ref carries the ID of the request envelope on replies so clients can correlate them.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Room    string          `json:"room,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeHello,
		TypeHelloAck,
		TypeRoomJoin,
		TypeRoomLeave,
		TypePresenceSnapshot,
		TypeMemberAdded,
		TypeMemberRemoved,
		TypeClientEvent,
		TypeMessageSend,
		TypeMessageAck,
		TypeMessageNew,
		TypeMessageStateChange,
		TypeMessageState,
		TypeHistoryFetch,
		TypeHistoryChunk,
		TypeSnapshotLoad,
		TypeSnapshot,
		TypeSnapshotSave,
		TypeSnapshotSaved,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return errors.New("missing payload")
	}
	return json.Unmarshal(e.Payload, v)
}

// ---- Payloads ----

// Member identifies a room participant. Info carries free-form metadata such as "role".
type Member struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Info map[string]any `json:"info,omitempty"`
}

// HelloPayload declares the member behind a connection.
type HelloPayload struct {
	Member Member `json:"member"`
}

// HelloAckPayload returns the server-assigned session id.
type HelloAckPayload struct {
	SessionID string `json:"session_id"`
}

// RoomJoinPayload subscribes to a room.
type RoomJoinPayload struct {
	Room string `json:"room"`
}

// RoomLeavePayload unsubscribes from a room.
type RoomLeavePayload struct {
	Room string `json:"room"`
}

// PresenceSnapshotPayload lists the members present when the subscription succeeded.
// LastSeen holds members who were present earlier and have since left.
type PresenceSnapshotPayload struct {
	Room     string               `json:"room"`
	Members  []Member             `json:"members"`
	LastSeen map[string]time.Time `json:"last_seen,omitempty"`
}

// MemberEventPayload is carried by member_added and member_removed.
type MemberEventPayload struct {
	Room   string    `json:"room"`
	Member Member    `json:"member"`
	At     time.Time `json:"at"`
}

// ClientEventPayload is a relayed client-to-client event.
type ClientEventPayload struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Sender string          `json:"sender,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// Record is one uniquely keyed unit of a room document.
type Record struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Fields   map[string]any `json:"fields"`
	Revision int64          `json:"revision,omitempty"`
}

// Batch is a set of record mutations exchanged in one synchronization step.
type Batch struct {
	Added   []Record `json:"added,omitempty"`
	Updated []Record `json:"updated,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether the batch carries no mutation.
func (b Batch) Empty() bool {
	return len(b.Added) == 0 && len(b.Updated) == 0 && len(b.Removed) == 0
}

// Cursor is an ephemeral pointer position broadcast as EventCursor.
type Cursor struct {
	MemberID string  `json:"member_id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Color    string  `json:"color,omitempty"`
}

// SnapshotLoadPayload requests the persisted document of a room.
type SnapshotLoadPayload struct {
	Room string `json:"room"`
}

// SnapshotPayload is a persisted document. Found is false when nothing was saved yet.
type SnapshotPayload struct {
	Room    string    `json:"room"`
	Found   bool      `json:"found"`
	Records []Record  `json:"records"`
	Digest  string    `json:"digest,omitempty"`
	SavedAt time.Time `json:"saved_at,omitempty"`
}

// SnapshotSavePayload persists a full document.
type SnapshotSavePayload struct {
	Room    string   `json:"room"`
	Records []Record `json:"records"`
	Digest  string   `json:"digest,omitempty"`
}

// SnapshotSavedPayload acknowledges a persisted document.
type SnapshotSavedPayload struct {
	Room    string    `json:"room"`
	Digest  string    `json:"digest,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}

// MessageSendPayload requests appending a message to a room.
// ClientMsgID is the correlation id echoed back in message_ack and message_new.
type MessageSendPayload struct {
	Room        string `json:"room"`
	ClientMsgID string `json:"client_msg_id"`
	Body        string `json:"body"`
	ReplyToID   string `json:"reply_to_id,omitempty"`
}

// MessageAckPayload acknowledges a send request and returns the durable ids.
type MessageAckPayload struct {
	Room        string `json:"room"`
	ClientMsgID string `json:"client_msg_id"`
	ServerMsgID string `json:"server_msg_id"`
	Seq         int64  `json:"seq"`
}

// ReplySnapshot is the quoted message a reply points at.
type ReplySnapshot struct {
	AuthorName string `json:"author_name"`
	Body       string `json:"body"`
}

// Message is a durable message as broadcast and returned in history.
type Message struct {
	Room        string         `json:"room"`
	ID          string         `json:"id"`
	Seq         int64          `json:"seq"`
	ClientMsgID string         `json:"client_msg_id,omitempty"`
	AuthorID    string         `json:"author_id"`
	AuthorName  string         `json:"author_name,omitempty"`
	Body        string         `json:"body"`
	CreatedAt   time.Time      `json:"created_at"`
	ReplyToID   string         `json:"reply_to_id,omitempty"`
	ReplyTo     *ReplySnapshot `json:"reply_to,omitempty"`
	Pinned      bool           `json:"pinned"`
	PinnedAt    *time.Time     `json:"pinned_at,omitempty"`
	Recalled    bool           `json:"recalled"`
}

// MessageStateChangePayload requests a state transition keyed by durable id.
type MessageStateChangePayload struct {
	Room      string `json:"room"`
	MessageID string `json:"message_id"`
	Action    string `json:"action"`
}

// MessageStatePayload broadcasts the resulting state of a message.
type MessageStatePayload struct {
	Room      string     `json:"room"`
	MessageID string     `json:"message_id"`
	Action    string     `json:"action"`
	Pinned    bool       `json:"pinned"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
	Recalled  bool       `json:"recalled"`
	Deleted   bool       `json:"deleted"`
	Body      string     `json:"body,omitempty"`
}

// HistoryFetchPayload requests history. Without AfterSeq the latest Limit messages are returned.
type HistoryFetchPayload struct {
	Room     string `json:"room"`
	AfterSeq *int64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// HistoryChunkPayload returns messages ordered by seq ascending.
type HistoryChunkPayload struct {
	Room     string    `json:"room"`
	Messages []Message `json:"messages"`
	HasMore  bool      `json:"has_more"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidAction reports whether a is a known message state action.
func ValidAction(a string) bool {
	switch a {
	case ActionPin, ActionUnpin, ActionRecall, ActionDelete:
		return true
	default:
		return false
	}
}

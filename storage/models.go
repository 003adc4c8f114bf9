package storage

import (
	"bytes"
	"fmt"

	"github.com/quillmsg/quill/contact"
	"github.com/quillmsg/quill/ids"
)

const (
	// conversation states
	ConversationStateUninitialized  = 0
	ConversationStateInvited        = 10
	ConversationStateInviteReceived = 20

	// message states
	MessageStateUnprocessed      = 0
	MessageStateLocallyCommitted = 10
	MessageStateReceived         = 20

	// outbound payload states
	OutboundPayloadStatePending            = 0
	OutboundPayloadStateServerAcknowledged = 10

	// inbound envelope statuses
	InboundStatusPending           = 0
	InboundStatusProcessed         = 1
	InboundStatusDecryptionFailure = 2
	InboundStatusInvalid           = 3
)

// Refresh job kinds, one watermark row each.
const (
	RefreshJobKindInvite  = "invite"
	RefreshJobKindMessage = "message"
)

// Envelope is a network-delivered unit carrying a topic, a timestamp and an
// opaque message payload.
type Envelope struct {
	TimestampNs  int64
	ContentTopic string
	Message      []byte
}

type User struct {
	UserAddress   string `db:"user_address"`
	CreatedAt     int64  `db:"created_at"`
	LastRefreshed int64  `db:"last_refreshed"`
}

type Conversation struct {
	ConvoID     string `db:"convo_id"`
	PeerAddress string `db:"peer_address"`
	CreatedAt   int64  `db:"created_at"`
	ConvoState  int    `db:"convo_state"`
}

type Message struct {
	ID        int64  `db:"id"`
	CreatedAt int64  `db:"created_at"`
	SentAtNs  int64  `db:"sent_at_ns"`
	ConvoID   string `db:"convo_id"`
	AddrFrom  string `db:"addr_from"`
	Content   []byte `db:"content"`
	State     int    `db:"state"`
}

// GetText decodes the opaque content using a caller-supplied codec. The store
// itself never parses content bytes.
func (m *Message) GetText(decode func([]byte) (string, error)) (string, error) {
	return decode(m.Content)
}

// NewMessage is a message being inserted into the store. It is the same as
// Message except it has no id; the id is assigned by the store on insert.
type NewMessage struct {
	CreatedAt int64  `db:"created_at"`
	SentAtNs  int64  `db:"sent_at_ns"`
	ConvoID   string `db:"convo_id"`
	AddrFrom  string `db:"addr_from"`
	Content   []byte `db:"content"`
	State     int    `db:"state"`
}

// EqualsStored compares a NewMessage against a stored Message over every field
// except the store-assigned id.
func (nm *NewMessage) EqualsStored(m *Message) bool {
	return nm.CreatedAt == m.CreatedAt &&
		nm.SentAtNs == m.SentAtNs &&
		nm.ConvoID == m.ConvoID &&
		nm.AddrFrom == m.AddrFrom &&
		bytes.Equal(nm.Content, m.Content) &&
		nm.State == m.State
}

// Session pairs the opaque ratchet state with one peer installation. The
// vmac_session_data bytes are owned exclusively by the crypto layer.
type Session struct {
	SessionID          string `db:"session_id"`
	PeerInstallationID string `db:"peer_installation_id"`
	VmacSessionData    []byte `db:"vmac_session_data"`
	UserAddress        string `db:"user_address"`
	CreatedAt          int64  `db:"created_at"`
	UpdatedAt          int64  `db:"updated_at"`
}

type Account struct {
	ID            int64  `db:"id"`
	CreatedAt     int64  `db:"created_at"`
	SerializedKey []byte `db:"serialized_key"`
}

// Installation records a peer's public contact bundle the first time it is
// observed. Immutable thereafter except for expiry.
type Installation struct {
	InstallationID string `db:"installation_id"`
	UserAddress    string `db:"user_address"`
	FirstSeenNs    int64  `db:"first_seen_ns"`
	Contact        []byte `db:"contact"`
	ExpiresAtNs    *int64 `db:"expires_at_ns"`
}

// GetContact reconstructs the typed bundle from the stored bytes. A malformed
// contact means messages to this peer cannot be encrypted, so the error must
// propagate.
func (i *Installation) GetContact() (*contact.Contact, error) {
	return contact.FromBytes(i.Contact, i.UserAddress)
}

type OutboundPayload struct {
	PayloadID            string `db:"payload_id"`
	CreatedAtNs          int64  `db:"created_at_ns"`
	ContentTopic         string `db:"content_topic"`
	Payload              []byte `db:"payload"`
	OutboundPayloadState int    `db:"outbound_payload_state"`
	LockedUntilNs        int64  `db:"locked_until_ns"`
}

// NewOutboundPayload derives the payload id from the creation time and topic,
// so resubmitting the identical logical payload is idempotent.
func NewOutboundPayload(createdAtNs int64, contentTopic string, payload []byte) *OutboundPayload {
	return &OutboundPayload{
		PayloadID:            ids.PayloadID(createdAtNs, contentTopic),
		CreatedAtNs:          createdAtNs,
		ContentTopic:         contentTopic,
		Payload:              payload,
		OutboundPayloadState: OutboundPayloadStatePending,
		LockedUntilNs:        0,
	}
}

type InboundInvite struct {
	ID       string `db:"id"`
	SentAtNs int64  `db:"sent_at_ns"`
	Payload  []byte `db:"payload"`
	Topic    string `db:"topic"`
	Status   int    `db:"status"`
}

func NewInboundInvite(env Envelope) *InboundInvite {
	return &InboundInvite{
		ID:       ids.EnvelopeID(env.Message, env.ContentTopic),
		SentAtNs: env.TimestampNs,
		Payload:  env.Message,
		Topic:    env.ContentTopic,
		Status:   InboundStatusPending,
	}
}

type InboundMessage struct {
	ID       string `db:"id"`
	SentAtNs int64  `db:"sent_at_ns"`
	Payload  []byte `db:"payload"`
	Topic    string `db:"topic"`
	Status   int    `db:"status"`
}

func NewInboundMessage(env Envelope) *InboundMessage {
	return &InboundMessage{
		ID:       ids.EnvelopeID(env.Message, env.ContentTopic),
		SentAtNs: env.TimestampNs,
		Payload:  env.Message,
		Topic:    env.ContentTopic,
		Status:   InboundStatusPending,
	}
}

type RefreshJob struct {
	ID      string `db:"id"`
	LastRun int64  `db:"last_run"`
}

func validConversationState(s int) error {
	switch s {
	case ConversationStateUninitialized, ConversationStateInvited, ConversationStateInviteReceived:
		return nil
	}
	return fmt.Errorf("%w: conversation state %d", ErrUnknownState, s)
}

func validMessageState(s int) error {
	switch s {
	case MessageStateUnprocessed, MessageStateLocallyCommitted, MessageStateReceived:
		return nil
	}
	return fmt.Errorf("%w: message state %d", ErrUnknownState, s)
}

func validInboundStatus(s int) error {
	switch s {
	case InboundStatusPending, InboundStatusProcessed, InboundStatusDecryptionFailure, InboundStatusInvalid:
		return nil
	}
	return fmt.Errorf("%w: inbound status %d", ErrUnknownState, s)
}

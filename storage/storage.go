// This package defines the encrypted relational store at the heart of quill.
// It owns row identity and state transition enforcement for every entity;
// the cryptographic meaning of session, contact and payload bytes belongs to
// the crypto layer, which the store never second-guesses.
package storage

import (
	"bytes"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/quillmsg/quill/contact"
	"github.com/quillmsg/quill/identity"
	"github.com/quillmsg/quill/internal/db"
	"github.com/quillmsg/quill/migration"
)

type Store struct {
	*db.Database
}

// NewStore migrates the schema and returns a store over the given database.
// All row-level methods must run inside Run or RunReadOnly scopes; partial
// writes from a failed multi-row operation are never observable.
func NewStore(internalDB *db.Database) (*Store, error) {
	s := &Store{internalDB}

	if err := internalDB.Migrate("_storage", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE users (
						user_address TEXT PRIMARY KEY,
						created_at INTEGER NOT NULL,
						last_refreshed INTEGER NOT NULL
					);

					CREATE TABLE conversations (
						convo_id TEXT PRIMARY KEY,
						peer_address TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						convo_state INTEGER NOT NULL,
						FOREIGN KEY(peer_address) REFERENCES users(user_address)
					);
					CREATE INDEX conversations_peer_address_idx on conversations (peer_address);

					CREATE TABLE messages (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						created_at INTEGER NOT NULL,
						sent_at_ns INTEGER NOT NULL,
						convo_id TEXT NOT NULL,
						addr_from TEXT NOT NULL,
						content BLOB NOT NULL,
						state INTEGER NOT NULL,
						FOREIGN KEY(convo_id) REFERENCES conversations(convo_id)
					);
					CREATE INDEX messages_convo_id_idx on messages (convo_id, id);

					CREATE TABLE sessions (
						session_id TEXT PRIMARY KEY,
						peer_installation_id TEXT NOT NULL,
						vmac_session_data BLOB NOT NULL,
						user_address TEXT NOT NULL,
						created_at INTEGER NOT NULL,
						updated_at INTEGER NOT NULL,
						FOREIGN KEY(user_address) REFERENCES users(user_address)
					);
					CREATE INDEX sessions_peer_installation_idx on sessions (peer_installation_id, updated_at);

					CREATE TABLE accounts (
						id INTEGER PRIMARY KEY AUTOINCREMENT,
						created_at INTEGER NOT NULL,
						serialized_key BLOB NOT NULL
					);

					CREATE TABLE installations (
						installation_id TEXT PRIMARY KEY,
						user_address TEXT NOT NULL,
						first_seen_ns INTEGER NOT NULL,
						contact BLOB NOT NULL,
						expires_at_ns INTEGER,
						FOREIGN KEY(user_address) REFERENCES users(user_address)
					);
					CREATE INDEX installations_user_address_idx on installations (user_address, first_seen_ns);

					CREATE TABLE outbound_payloads (
						payload_id TEXT PRIMARY KEY,
						created_at_ns INTEGER NOT NULL,
						content_topic TEXT NOT NULL,
						payload BLOB NOT NULL,
						outbound_payload_state INTEGER NOT NULL,
						locked_until_ns INTEGER NOT NULL
					);
					CREATE INDEX outbound_payloads_claim_idx on outbound_payloads (outbound_payload_state, locked_until_ns, created_at_ns);

					CREATE TABLE inbound_invites (
						id TEXT PRIMARY KEY,
						sent_at_ns INTEGER NOT NULL,
						payload BLOB NOT NULL,
						topic TEXT NOT NULL,
						status INTEGER NOT NULL
					);
					CREATE INDEX inbound_invites_status_idx on inbound_invites (status, sent_at_ns);

					CREATE TABLE inbound_messages (
						id TEXT PRIMARY KEY,
						sent_at_ns INTEGER NOT NULL,
						payload BLOB NOT NULL,
						topic TEXT NOT NULL,
						status INTEGER NOT NULL
					);
					CREATE INDEX inbound_messages_status_idx on inbound_messages (status, sent_at_ns);

					CREATE TABLE refresh_jobs (
						id TEXT PRIMARY KEY,
						last_run INTEGER NOT NULL
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// users

func (s *Store) InsertOrIgnoreUser(userAddress string) error {
	now := s.Clock.CurrentTimeNano()
	if _, err := s.Tx.Exec("INSERT INTO users (user_address, created_at, last_refreshed) VALUES ($1, $2, 0) ON CONFLICT(user_address) DO NOTHING", userAddress, now); err != nil {
		return fmt.Errorf("storage: error inserting user: %w", err)
	}
	return nil
}

func (s *Store) User(userAddress string) (*User, error) {
	u := &User{}
	if err := s.Tx.Get(u, "SELECT * FROM users WHERE user_address = $1", userAddress); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userAddress)
		}
		return nil, fmt.Errorf("storage: error getting user: %w", err)
	}
	return u, nil
}

func (s *Store) UpdateUserLastRefreshed(userAddress string, lastRefreshed int64) error {
	if _, err := s.Tx.Exec("UPDATE users SET last_refreshed = $1 WHERE user_address = $2 AND last_refreshed <= $1", lastRefreshed, userAddress); err != nil {
		return fmt.Errorf("storage: error updating user last_refreshed: %w", err)
	}
	return nil
}

// conversations

func (s *Store) InsertOrIgnoreConversation(c *Conversation) error {
	if err := validConversationState(c.ConvoState); err != nil {
		return err
	}
	if c.CreatedAt == 0 {
		c.CreatedAt = s.Clock.CurrentTimeNano()
	}
	if _, err := s.Tx.NamedExec("INSERT INTO conversations (convo_id, peer_address, created_at, convo_state) VALUES (:convo_id, :peer_address, :created_at, :convo_state) ON CONFLICT(convo_id) DO NOTHING", c); err != nil {
		return fmt.Errorf("storage: error inserting conversation: %w", err)
	}
	return nil
}

func (s *Store) Conversation(convoID string) (*Conversation, error) {
	c := &Conversation{}
	if err := s.Tx.Get(c, "SELECT * FROM conversations WHERE convo_id = $1", convoID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, convoID)
		}
		return nil, fmt.Errorf("storage: error getting conversation: %w", err)
	}
	if err := validConversationState(c.ConvoState); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Conversations() ([]*Conversation, error) {
	var convos []*Conversation
	if err := s.Tx.Select(&convos, "SELECT * FROM conversations ORDER BY created_at, convo_id"); err != nil {
		return nil, fmt.Errorf("storage: error listing conversations: %w", err)
	}
	for _, c := range convos {
		if err := validConversationState(c.ConvoState); err != nil {
			return nil, err
		}
	}
	return convos, nil
}

// SetConversationState advances a conversation from an expected prior state.
// If two workers race, the loser's predicate matches zero rows and updated is
// false; this is normal flow, not an error.
func (s *Store) SetConversationState(convoID string, from, to int) (bool, error) {
	if err := validConversationState(from); err != nil {
		return false, err
	}
	if err := validConversationState(to); err != nil {
		return false, err
	}
	res, err := s.Tx.Exec("UPDATE conversations SET convo_state = $1 WHERE convo_id = $2 AND convo_state = $3", to, convoID, from)
	if err != nil {
		return false, fmt.Errorf("storage: error setting conversation state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error setting conversation state: %w", err)
	}
	return rows == 1, nil
}

// messages

// InsertMessage appends a message and returns the store-assigned id.
func (s *Store) InsertMessage(nm *NewMessage) (int64, error) {
	if err := validMessageState(nm.State); err != nil {
		return 0, err
	}
	if nm.CreatedAt == 0 {
		nm.CreatedAt = s.Clock.CurrentTimeNano()
	}
	res, err := s.Tx.NamedExec("INSERT INTO messages (created_at, sent_at_ns, convo_id, addr_from, content, state) VALUES (:created_at, :sent_at_ns, :convo_id, :addr_from, :content, :state)", nm)
	if err != nil {
		return 0, fmt.Errorf("storage: error inserting message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: error inserting message: %w", err)
	}
	return id, nil
}

func (s *Store) Message(id int64) (*Message, error) {
	m := &Message{}
	if err := s.Tx.Get(m, "SELECT * FROM messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: message %d", ErrNotFound, id)
		}
		return nil, fmt.Errorf("storage: error getting message: %w", err)
	}
	if err := validMessageState(m.State); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) MessagesForConversation(convoID string) ([]*Message, error) {
	var msgs []*Message
	if err := s.Tx.Select(&msgs, "SELECT * FROM messages WHERE convo_id = $1 ORDER BY id", convoID); err != nil {
		return nil, fmt.Errorf("storage: error listing messages: %w", err)
	}
	for _, m := range msgs {
		if err := validMessageState(m.State); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

// AdvanceMessageState moves a message forward from an expected prior state.
// Backward transitions are rejected outright; a racing loser's update matches
// zero rows and updated is false.
func (s *Store) AdvanceMessageState(id int64, from, to int) (bool, error) {
	if err := validMessageState(from); err != nil {
		return false, err
	}
	if err := validMessageState(to); err != nil {
		return false, err
	}
	if to <= from {
		return false, fmt.Errorf("%w: message state cannot move from %d to %d", ErrBadState, from, to)
	}
	res, err := s.Tx.Exec("UPDATE messages SET state = $1 WHERE id = $2 AND state = $3", to, id, from)
	if err != nil {
		return false, fmt.Errorf("storage: error advancing message state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error advancing message state: %w", err)
	}
	return rows == 1, nil
}

// sessions

// InsertSession creates the one logical session for a peer installation.
// Mutation after creation goes through UpdateSession only.
func (s *Store) InsertSession(session *Session) error {
	now := s.Clock.CurrentTimeNano()
	session.CreatedAt = now
	session.UpdatedAt = now
	if _, err := s.Tx.NamedExec("INSERT INTO sessions (session_id, peer_installation_id, vmac_session_data, user_address, created_at, updated_at) VALUES (:session_id, :peer_installation_id, :vmac_session_data, :user_address, :created_at, :updated_at)", session); err != nil {
		return fmt.Errorf("storage: error inserting session: %w", err)
	}
	return nil
}

// UpdateSession replaces the opaque ratchet state in place. created_at is
// preserved and updated_at strictly increases even under a stalled clock.
func (s *Store) UpdateSession(sessionID string, vmacSessionData []byte) error {
	now := s.Clock.CurrentTimeNano()
	res, err := s.Tx.Exec("UPDATE sessions SET vmac_session_data = $1, updated_at = MAX($2, updated_at + 1) WHERE session_id = $3", vmacSessionData, now, sessionID)
	if err != nil {
		return fmt.Errorf("storage: error updating session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: error updating session: %w", err)
	}
	if rows != 1 {
		return fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
	}
	return nil
}

func (s *Store) Session(sessionID string) (*Session, error) {
	session := &Session{}
	if err := s.Tx.Get(session, "SELECT * FROM sessions WHERE session_id = $1", sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session %s", ErrNotFound, sessionID)
		}
		return nil, fmt.Errorf("storage: error getting session: %w", err)
	}
	return session, nil
}

func (s *Store) SessionForInstallation(peerInstallationID string) (*Session, error) {
	session := &Session{}
	if err := s.Tx.Get(session, "SELECT * FROM sessions WHERE peer_installation_id = $1 ORDER BY updated_at DESC LIMIT 1", peerInstallationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: session for installation %s", ErrNotFound, peerInstallationID)
		}
		return nil, fmt.Errorf("storage: error getting session for installation: %w", err)
	}
	return session, nil
}

func (s *Store) SessionsForUser(userAddress string) ([]*Session, error) {
	var sessions []*Session
	if err := s.Tx.Select(&sessions, "SELECT * FROM sessions WHERE user_address = $1 ORDER BY created_at, session_id", userAddress); err != nil {
		return nil, fmt.Errorf("storage: error listing sessions: %w", err)
	}
	return sessions, nil
}

// accounts

func (s *Store) InsertAccount(account *identity.Account) error {
	serialized, err := account.Serialize()
	if err != nil {
		return fmt.Errorf("storage: error serializing account: %w", err)
	}
	now := s.Clock.CurrentTimeNano()
	if _, err := s.Tx.Exec("INSERT INTO accounts (created_at, serialized_key) VALUES ($1, $2)", now, serialized); err != nil {
		return fmt.Errorf("storage: error inserting account: %w", err)
	}
	return nil
}

func (s *Store) LatestAccount() (*identity.Account, error) {
	a := &Account{}
	if err := s.Tx.Get(a, "SELECT * FROM accounts ORDER BY id DESC LIMIT 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: account", ErrNotFound)
		}
		return nil, fmt.Errorf("storage: error getting account: %w", err)
	}
	return identity.Parse(a.SerializedKey)
}

// installations

// InsertOrIgnoreInstallation records a peer's contact bundle the first time it
// is observed. The owning user row is created alongside it.
func (s *Store) InsertOrIgnoreInstallation(ct *contact.Contact) (*Installation, error) {
	contactBytes, err := ct.Bytes()
	if err != nil {
		return nil, err
	}
	if err := s.InsertOrIgnoreUser(ct.WalletAddress); err != nil {
		return nil, err
	}
	ins := &Installation{
		InstallationID: ct.InstallationID(),
		UserAddress:    ct.WalletAddress,
		FirstSeenNs:    s.Clock.CurrentTimeNano(),
		Contact:        contactBytes,
		ExpiresAtNs:    nil,
	}
	if _, err := s.Tx.NamedExec("INSERT INTO installations (installation_id, user_address, first_seen_ns, contact, expires_at_ns) VALUES (:installation_id, :user_address, :first_seen_ns, :contact, :expires_at_ns) ON CONFLICT(installation_id) DO NOTHING", ins); err != nil {
		return nil, fmt.Errorf("storage: error inserting installation: %w", err)
	}
	return ins, nil
}

func (s *Store) Installation(installationID string) (*Installation, error) {
	ins := &Installation{}
	if err := s.Tx.Get(ins, "SELECT * FROM installations WHERE installation_id = $1", installationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: installation %s", ErrNotFound, installationID)
		}
		return nil, fmt.Errorf("storage: error getting installation: %w", err)
	}
	return ins, nil
}

func (s *Store) InstallationsForUser(userAddress string) ([]*Installation, error) {
	var installs []*Installation
	if err := s.Tx.Select(&installs, "SELECT * FROM installations WHERE user_address = $1 ORDER BY first_seen_ns, installation_id", userAddress); err != nil {
		return nil, fmt.Errorf("storage: error listing installations: %w", err)
	}
	return installs, nil
}

func (s *Store) SetInstallationExpiry(installationID string, expiresAtNs int64) error {
	if _, err := s.Tx.Exec("UPDATE installations SET expires_at_ns = $1 WHERE installation_id = $2", expiresAtNs, installationID); err != nil {
		return fmt.Errorf("storage: error setting installation expiry: %w", err)
	}
	return nil
}

// outbound payloads

// SubmitOutboundPayload enqueues a payload for delivery. Resubmitting the
// identical logical payload is a no-op; resubmitting different bytes under the
// same derived id is rejected with ErrPayloadConflict and the original row is
// left untouched.
func (s *Store) SubmitOutboundPayload(p *OutboundPayload) error {
	res, err := s.Tx.NamedExec("INSERT INTO outbound_payloads (payload_id, created_at_ns, content_topic, payload, outbound_payload_state, locked_until_ns) VALUES (:payload_id, :created_at_ns, :content_topic, :payload, :outbound_payload_state, :locked_until_ns) ON CONFLICT(payload_id) DO NOTHING", p)
	if err != nil {
		return fmt.Errorf("storage: error inserting outbound payload: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: error inserting outbound payload: %w", err)
	}
	if rows == 1 {
		return nil
	}
	var existing []byte
	if err := s.Tx.Get(&existing, "SELECT payload FROM outbound_payloads WHERE payload_id = $1", p.PayloadID); err != nil {
		return fmt.Errorf("storage: error reading existing outbound payload: %w", err)
	}
	if !bytes.Equal(existing, p.Payload) {
		return fmt.Errorf("%w: payload %s", ErrPayloadConflict, p.PayloadID)
	}
	return nil
}

// ClaimOutboundPayloads leases a batch of deliverable payloads until
// now + lease. The conditional update is the only thing preventing two
// concurrent send loops from publishing the same payload twice.
func (s *Store) ClaimOutboundPayloads(nowNs, leaseNs int64, limit int) ([]*OutboundPayload, error) {
	var payloads []*OutboundPayload
	if err := s.Tx.Select(&payloads, "SELECT * FROM outbound_payloads WHERE outbound_payload_state = $1 AND locked_until_ns <= $2 ORDER BY created_at_ns, payload_id LIMIT $3", OutboundPayloadStatePending, nowNs, limit); err != nil {
		return nil, fmt.Errorf("storage: error selecting claimable payloads: %w", err)
	}
	if len(payloads) == 0 {
		return payloads, nil
	}
	payloadIDs := make([]string, len(payloads))
	for i, p := range payloads {
		payloadIDs[i] = p.PayloadID
	}
	query, args, err := sqlx.In("UPDATE outbound_payloads SET locked_until_ns = ? WHERE payload_id IN (?) AND outbound_payload_state = ? AND locked_until_ns <= ?", nowNs+leaseNs, payloadIDs, OutboundPayloadStatePending, nowNs)
	if err != nil {
		return nil, fmt.Errorf("storage: error building claim query: %w", err)
	}
	if _, err := s.Tx.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("storage: error claiming payloads: %w", err)
	}
	for _, p := range payloads {
		p.LockedUntilNs = nowNs + leaseNs
	}
	return payloads, nil
}

// AcknowledgeOutboundPayload marks a payload server-acknowledged, its terminal
// state.
func (s *Store) AcknowledgeOutboundPayload(payloadID string) (bool, error) {
	res, err := s.Tx.Exec("UPDATE outbound_payloads SET outbound_payload_state = $1 WHERE payload_id = $2 AND outbound_payload_state = $3", OutboundPayloadStateServerAcknowledged, payloadID, OutboundPayloadStatePending)
	if err != nil {
		return false, fmt.Errorf("storage: error acknowledging payload: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error acknowledging payload: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) OutboundPayload(payloadID string) (*OutboundPayload, error) {
	p := &OutboundPayload{}
	if err := s.Tx.Get(p, "SELECT * FROM outbound_payloads WHERE payload_id = $1", payloadID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: outbound payload %s", ErrNotFound, payloadID)
		}
		return nil, fmt.Errorf("storage: error getting outbound payload: %w", err)
	}
	return p, nil
}

func (s *Store) PendingOutboundPayloads() ([]*OutboundPayload, error) {
	var payloads []*OutboundPayload
	if err := s.Tx.Select(&payloads, "SELECT * FROM outbound_payloads WHERE outbound_payload_state = $1 ORDER BY created_at_ns, payload_id", OutboundPayloadStatePending); err != nil {
		return nil, fmt.Errorf("storage: error listing pending payloads: %w", err)
	}
	return payloads, nil
}

// inbound invites

// InsertOrIgnoreInboundInvite stages an invite envelope ahead of decryption.
// Redelivery of the same envelope collides on the content-hash key and is a
// no-op; inserted reports whether this delivery was the first.
func (s *Store) InsertOrIgnoreInboundInvite(inv *InboundInvite) (bool, error) {
	res, err := s.Tx.NamedExec("INSERT INTO inbound_invites (id, sent_at_ns, payload, topic, status) VALUES (:id, :sent_at_ns, :payload, :topic, :status) ON CONFLICT(id) DO NOTHING", inv)
	if err != nil {
		return false, fmt.Errorf("storage: error inserting inbound invite: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error inserting inbound invite: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) InboundInvite(id string) (*InboundInvite, error) {
	inv := &InboundInvite{}
	if err := s.Tx.Get(inv, "SELECT * FROM inbound_invites WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: inbound invite %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("storage: error getting inbound invite: %w", err)
	}
	if err := validInboundStatus(inv.Status); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) InboundInvitesByStatus(status, limit int) ([]*InboundInvite, error) {
	if err := validInboundStatus(status); err != nil {
		return nil, err
	}
	var invites []*InboundInvite
	if err := s.Tx.Select(&invites, "SELECT * FROM inbound_invites WHERE status = $1 ORDER BY sent_at_ns, id LIMIT $2", status, limit); err != nil {
		return nil, fmt.Errorf("storage: error listing inbound invites: %w", err)
	}
	return invites, nil
}

// SetInboundInviteStatus records the status reported by the decrypting
// collaborator. Processed and Invalid are terminal and are never overwritten.
func (s *Store) SetInboundInviteStatus(id string, status int) (bool, error) {
	if err := validInboundStatus(status); err != nil {
		return false, err
	}
	res, err := s.Tx.Exec("UPDATE inbound_invites SET status = $1 WHERE id = $2 AND status NOT IN ($3, $4)", status, id, InboundStatusProcessed, InboundStatusInvalid)
	if err != nil {
		return false, fmt.Errorf("storage: error setting inbound invite status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error setting inbound invite status: %w", err)
	}
	return rows == 1, nil
}

// inbound messages

func (s *Store) InsertOrIgnoreInboundMessage(msg *InboundMessage) (bool, error) {
	res, err := s.Tx.NamedExec("INSERT INTO inbound_messages (id, sent_at_ns, payload, topic, status) VALUES (:id, :sent_at_ns, :payload, :topic, :status) ON CONFLICT(id) DO NOTHING", msg)
	if err != nil {
		return false, fmt.Errorf("storage: error inserting inbound message: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error inserting inbound message: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) InboundMessage(id string) (*InboundMessage, error) {
	msg := &InboundMessage{}
	if err := s.Tx.Get(msg, "SELECT * FROM inbound_messages WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: inbound message %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("storage: error getting inbound message: %w", err)
	}
	if err := validInboundStatus(msg.Status); err != nil {
		return nil, err
	}
	return msg, nil
}

func (s *Store) InboundMessagesByStatus(status, limit int) ([]*InboundMessage, error) {
	if err := validInboundStatus(status); err != nil {
		return nil, err
	}
	var msgs []*InboundMessage
	if err := s.Tx.Select(&msgs, "SELECT * FROM inbound_messages WHERE status = $1 ORDER BY sent_at_ns, id LIMIT $2", status, limit); err != nil {
		return nil, fmt.Errorf("storage: error listing inbound messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) SetInboundMessageStatus(id string, status int) (bool, error) {
	if err := validInboundStatus(status); err != nil {
		return false, err
	}
	res, err := s.Tx.Exec("UPDATE inbound_messages SET status = $1 WHERE id = $2 AND status NOT IN ($3, $4)", status, id, InboundStatusProcessed, InboundStatusInvalid)
	if err != nil {
		return false, fmt.Errorf("storage: error setting inbound message status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("storage: error setting inbound message status: %w", err)
	}
	return rows == 1, nil
}

// refresh jobs

// RefreshJobLastRun returns the watermark for a job kind, zero when the job
// has never run.
func (s *Store) RefreshJobLastRun(kind string) (int64, error) {
	j := &RefreshJob{}
	if err := s.Tx.Get(j, "SELECT * FROM refresh_jobs WHERE id = $1", kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: error getting refresh job: %w", err)
	}
	return j.LastRun, nil
}

// UpdateRefreshJob advances the watermark for a job kind. The watermark is
// monotonically non-decreasing; attempts to move it backwards are no-ops.
// Callers must only advance it after the corresponding batch is durably
// processed.
func (s *Store) UpdateRefreshJob(kind string, lastRun int64) error {
	if _, err := s.Tx.Exec("INSERT INTO refresh_jobs (id, last_run) VALUES ($1, $2) ON CONFLICT(id) DO UPDATE SET last_run = excluded.last_run WHERE refresh_jobs.last_run <= excluded.last_run", kind, lastRun); err != nil {
		return fmt.Errorf("storage: error updating refresh job: %w", err)
	}
	return nil
}

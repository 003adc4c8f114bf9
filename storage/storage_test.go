package storage

import (
	"os"
	"testing"
	"time"

	"github.com/quillmsg/quill/config"
	"github.com/quillmsg/quill/contact"
	"github.com/quillmsg/quill/identity"
	"github.com/quillmsg/quill/ids"
	"github.com/quillmsg/quill/internal/test"
	"github.com/stretchr/testify/require"
)

const startTime = int64(1688000000000000000)

type testClock struct {
	ns int64
}

func (c *testClock) CurrentTimeNano() int64 {
	return c.ns
}

func (c *testClock) CurrentTimeMs() int64 {
	return c.ns / 1000000
}

func (c *testClock) Now() time.Time {
	return time.Unix(0, c.ns)
}

func (c *testClock) advance(ns int64) {
	c.ns += ns
}

func TestMain(m *testing.M) {
	os.Exit(test.DBCleanup(m.Run))
}

func newTestStore(cl *testClock) *Store {
	db := test.NewTestDatabase(config.NewConfig(), cl)
	s, err := NewStore(db)
	if err != nil {
		panic(err)
	}
	return s
}

func shutdownStore(s *Store) {
	if err := s.Shutdown(); err != nil {
		panic(err)
	}
}

func TestInboundEnvelopeDedup(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	env := Envelope{TimestampNs: 1000, ContentTopic: "t1", Message: []byte{1, 2, 3}}
	require.Nil(s.Run("testing", func() error {
		inserted, err := s.InsertOrIgnoreInboundInvite(NewInboundInvite(env))
		require.Nil(err)
		require.True(inserted)
		inserted, err = s.InsertOrIgnoreInboundInvite(NewInboundInvite(env))
		require.Nil(err)
		require.False(inserted)

		invites, err := s.InboundInvitesByStatus(InboundStatusPending, 10)
		require.Nil(err)
		require.Equal(1, len(invites))
		require.Equal(ids.EnvelopeID(env.Message, env.ContentTopic), invites[0].ID)

		inserted, err = s.InsertOrIgnoreInboundMessage(NewInboundMessage(env))
		require.Nil(err)
		require.True(inserted)
		inserted, err = s.InsertOrIgnoreInboundMessage(NewInboundMessage(env))
		require.Nil(err)
		require.False(inserted)

		msgs, err := s.InboundMessagesByStatus(InboundStatusPending, 10)
		require.Nil(err)
		require.Equal(1, len(msgs))
		return nil
	}))
}

func TestInboundStatusTerminal(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	env := Envelope{TimestampNs: 1000, ContentTopic: "t1", Message: []byte{9}}
	inv := NewInboundInvite(env)
	require.Nil(s.Run("testing", func() error {
		_, err := s.InsertOrIgnoreInboundInvite(inv)
		require.Nil(err)

		// transient failure stays retriable
		updated, err := s.SetInboundInviteStatus(inv.ID, InboundStatusDecryptionFailure)
		require.Nil(err)
		require.True(updated)
		updated, err = s.SetInboundInviteStatus(inv.ID, InboundStatusProcessed)
		require.Nil(err)
		require.True(updated)

		// terminal, never overwritten
		updated, err = s.SetInboundInviteStatus(inv.ID, InboundStatusDecryptionFailure)
		require.Nil(err)
		require.False(updated)
		got, err := s.InboundInvite(inv.ID)
		require.Nil(err)
		require.Equal(InboundStatusProcessed, got.Status)

		_, err = s.SetInboundInviteStatus(inv.ID, 99)
		require.ErrorIs(err, ErrUnknownState)
		return nil
	}))
}

func TestInboundStatusFailsClosedOnRead(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	inv := NewInboundInvite(Envelope{TimestampNs: 1000, ContentTopic: "t1", Message: []byte{1}})
	msg := NewInboundMessage(Envelope{TimestampNs: 1000, ContentTopic: "t1", Message: []byte{2}})
	require.Nil(s.Run("testing", func() error {
		if _, err := s.InsertOrIgnoreInboundInvite(inv); err != nil {
			return err
		}
		if _, err := s.InsertOrIgnoreInboundMessage(msg); err != nil {
			return err
		}
		// a corrupted row decodes to no known status
		if _, err := s.Tx.Exec("UPDATE inbound_invites SET status = 99 WHERE id = $1", inv.ID); err != nil {
			return err
		}
		if _, err := s.Tx.Exec("UPDATE inbound_messages SET status = 99 WHERE id = $1", msg.ID); err != nil {
			return err
		}

		_, err := s.InboundInvite(inv.ID)
		require.ErrorIs(err, ErrUnknownState)
		_, err = s.InboundMessage(msg.ID)
		require.ErrorIs(err, ErrUnknownState)
		return nil
	}))
}

func TestOrphanMessageInsertFailsAtCommit(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	// foreign keys are deferred, so the missing conversation only surfaces at
	// commit; the operation must still report the failure
	var id int64
	err := s.Run("testing", func() error {
		var err error
		id, err = s.InsertMessage(&NewMessage{SentAtNs: 1, ConvoID: "ghost", AddrFrom: "0xabc", Content: []byte{1}, State: MessageStateUnprocessed})
		return err
	})
	require.NotNil(err)

	require.Nil(s.Run("testing", func() error {
		_, err := s.Message(id)
		require.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func TestOutboundPayloadIdempotentSubmit(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		p := NewOutboundPayload(1000, "t1", []byte{9})
		require.Nil(s.SubmitOutboundPayload(p))
		require.Nil(s.SubmitOutboundPayload(NewOutboundPayload(1000, "t1", []byte{9})))

		pending, err := s.PendingOutboundPayloads()
		require.Nil(err)
		require.Equal(1, len(pending))

		// same derived id, different bytes is rejected and the original row
		// is untouched
		err = s.SubmitOutboundPayload(NewOutboundPayload(1000, "t1", []byte{8, 8}))
		require.ErrorIs(err, ErrPayloadConflict)
		got, err := s.OutboundPayload(p.PayloadID)
		require.Nil(err)
		require.Equal([]byte{9}, got.Payload)
		return nil
	}))
}

func TestOutboundClaimLease(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	leaseNs := int64(60 * time.Second)
	claimTime := startTime

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.SubmitOutboundPayload(NewOutboundPayload(1000, "t1", []byte{9})))

		claimed, err := s.ClaimOutboundPayloads(claimTime, leaseNs, 10)
		require.Nil(err)
		require.Equal(1, len(claimed))
		require.Equal(claimTime+leaseNs, claimed[0].LockedUntilNs)

		// no second claim before the lease elapses
		claimed2, err := s.ClaimOutboundPayloads(claimTime+leaseNs-1, leaseNs, 10)
		require.Nil(err)
		require.Equal(0, len(claimed2))

		// claimable again once the lease elapses without acknowledgment
		claimed3, err := s.ClaimOutboundPayloads(claimTime+leaseNs, leaseNs, 10)
		require.Nil(err)
		require.Equal(1, len(claimed3))

		acked, err := s.AcknowledgeOutboundPayload(claimed3[0].PayloadID)
		require.Nil(err)
		require.True(acked)

		// acknowledged is terminal
		claimed4, err := s.ClaimOutboundPayloads(claimTime+10*leaseNs, leaseNs, 10)
		require.Nil(err)
		require.Equal(0, len(claimed4))
		acked, err = s.AcknowledgeOutboundPayload(claimed3[0].PayloadID)
		require.Nil(err)
		require.False(acked)
		return nil
	}))
}

func TestMessageStateNeverRegresses(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.InsertOrIgnoreUser("0xabc"))
		require.Nil(s.InsertOrIgnoreConversation(&Conversation{ConvoID: "c1", PeerAddress: "0xabc", ConvoState: ConversationStateUninitialized}))
		id, err := s.InsertMessage(&NewMessage{SentAtNs: 1, ConvoID: "c1", AddrFrom: "0xabc", Content: []byte{1}, State: MessageStateUnprocessed})
		require.Nil(err)

		updated, err := s.AdvanceMessageState(id, MessageStateUnprocessed, MessageStateLocallyCommitted)
		require.Nil(err)
		require.True(updated)
		updated, err = s.AdvanceMessageState(id, MessageStateLocallyCommitted, MessageStateReceived)
		require.Nil(err)
		require.True(updated)

		// backward transitions are rejected outright
		_, err = s.AdvanceMessageState(id, MessageStateReceived, MessageStateUnprocessed)
		require.ErrorIs(err, ErrBadState)

		// a racer with a stale prior state is a no-op
		updated, err = s.AdvanceMessageState(id, MessageStateUnprocessed, MessageStateLocallyCommitted)
		require.Nil(err)
		require.False(updated)

		m, err := s.Message(id)
		require.Nil(err)
		require.Equal(MessageStateReceived, m.State)
		return nil
	}))
}

func TestSessionUpdateInPlace(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.InsertOrIgnoreUser("0xabc"))
		require.Nil(s.InsertSession(&Session{
			SessionID:          "s1",
			PeerInstallationID: "i1",
			VmacSessionData:    []byte{1},
			UserAddress:        "0xabc",
		}))

		first, err := s.Session("s1")
		require.Nil(err)
		lastUpdated := first.UpdatedAt

		// clock held still, updated_at must still strictly increase
		for i := 0; i < 5; i++ {
			require.Nil(s.UpdateSession("s1", []byte{byte(i)}))
			got, err := s.Session("s1")
			require.Nil(err)
			require.Equal(first.CreatedAt, got.CreatedAt)
			require.Greater(got.UpdatedAt, lastUpdated)
			lastUpdated = got.UpdatedAt
		}

		sessions, err := s.SessionsForUser("0xabc")
		require.Nil(err)
		require.Equal(1, len(sessions))
		require.Equal([]byte{4}, sessions[0].VmacSessionData)

		require.ErrorIs(s.UpdateSession("missing", []byte{1}), ErrNotFound)
		return nil
	}))
}

func TestConversationLifecycle(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.InsertOrIgnoreUser("0xabc"))
		require.Nil(s.InsertOrIgnoreConversation(&Conversation{ConvoID: "c1", PeerAddress: "0xabc", ConvoState: ConversationStateUninitialized}))
		// redelivered invite does not reset state
		updated, err := s.SetConversationState("c1", ConversationStateUninitialized, ConversationStateInvited)
		require.Nil(err)
		require.True(updated)
		require.Nil(s.InsertOrIgnoreConversation(&Conversation{ConvoID: "c1", PeerAddress: "0xabc", ConvoState: ConversationStateUninitialized}))
		c, err := s.Conversation("c1")
		require.Nil(err)
		require.Equal(ConversationStateInvited, c.ConvoState)

		// the racing loser is a no-op
		updated, err = s.SetConversationState("c1", ConversationStateUninitialized, ConversationStateInviteReceived)
		require.Nil(err)
		require.False(updated)

		err = s.InsertOrIgnoreConversation(&Conversation{ConvoID: "c2", PeerAddress: "0xabc", ConvoState: 5})
		require.ErrorIs(err, ErrUnknownState)
		return nil
	}))
}

func TestEndToEndScenario(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	db := test.NewEphemeralTestDatabase(config.NewConfig(), cl)
	s, err := NewStore(db)
	require.Nil(err)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.InsertOrIgnoreUser("0xabc"))
		require.Nil(s.InsertOrIgnoreConversation(&Conversation{ConvoID: "c1", PeerAddress: "0xabc", ConvoState: ConversationStateUninitialized}))
		updated, err := s.SetConversationState("c1", ConversationStateUninitialized, ConversationStateInvited)
		require.Nil(err)
		require.True(updated)

		nm := &NewMessage{SentAtNs: 123, ConvoID: "c1", AddrFrom: "0xabc", Content: []byte{1, 2, 3}, State: MessageStateUnprocessed}
		id, err := s.InsertMessage(nm)
		require.Nil(err)
		require.Greater(id, int64(0))

		msgs, err := s.MessagesForConversation("c1")
		require.Nil(err)
		require.Equal(1, len(msgs))
		require.Equal(MessageStateUnprocessed, msgs[0].State)
		require.Equal(id, msgs[0].ID)
		require.True(nm.EqualsStored(msgs[0]))
		return nil
	}))
}

func TestInstallationContactRoundtrip(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		ct := contact.NewContact("0xdef", []byte{1, 2, 3, 4})
		ins, err := s.InsertOrIgnoreInstallation(ct)
		require.Nil(err)
		require.Equal(ct.InstallationID(), ins.InstallationID)

		got, err := s.Installation(ins.InstallationID)
		require.Nil(err)
		roundtripped, err := got.GetContact()
		require.Nil(err)
		require.Equal(ct.WalletAddress, roundtripped.WalletAddress)
		require.Equal(ct.KeyBundle, roundtripped.KeyBundle)

		// observing the same bundle twice is a no-op
		_, err = s.InsertOrIgnoreInstallation(ct)
		require.Nil(err)
		installs, err := s.InstallationsForUser("0xdef")
		require.Nil(err)
		require.Equal(1, len(installs))

		require.Nil(s.SetInstallationExpiry(ins.InstallationID, startTime+1))
		got, err = s.Installation(ins.InstallationID)
		require.Nil(err)
		require.NotNil(got.ExpiresAtNs)
		require.Equal(startTime+1, *got.ExpiresAtNs)

		// malformed stored bytes must propagate, not be swallowed
		_, err = s.Tx.Exec("INSERT INTO installations (installation_id, user_address, first_seen_ns, contact, expires_at_ns) VALUES ($1, $2, $3, $4, NULL)", "bad", "0xdef", startTime, []byte{0xff})
		require.Nil(err)
		bad, err := s.Installation("bad")
		require.Nil(err)
		_, err = bad.GetContact()
		require.ErrorIs(err, contact.ErrMalformedContact)
		return nil
	}))
}

func TestAccountRoundtrip(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		_, err := s.LatestAccount()
		require.ErrorIs(err, ErrNotFound)

		account := &identity.Account{WalletAddress: "0xabc", IdentityKeys: []byte{7, 7, 7}}
		require.Nil(s.InsertAccount(account))
		got, err := s.LatestAccount()
		require.Nil(err)
		require.Equal(account.WalletAddress, got.WalletAddress)
		require.Equal(account.IdentityKeys, got.IdentityKeys)
		return nil
	}))
}

func TestRefreshJobMonotonic(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		lastRun, err := s.RefreshJobLastRun(RefreshJobKindInvite)
		require.Nil(err)
		require.Equal(int64(0), lastRun)

		require.Nil(s.UpdateRefreshJob(RefreshJobKindInvite, 100))
		require.Nil(s.UpdateRefreshJob(RefreshJobKindInvite, 50))
		lastRun, err = s.RefreshJobLastRun(RefreshJobKindInvite)
		require.Nil(err)
		require.Equal(int64(100), lastRun)

		require.Nil(s.UpdateRefreshJob(RefreshJobKindInvite, 150))
		lastRun, err = s.RefreshJobLastRun(RefreshJobKindInvite)
		require.Nil(err)
		require.Equal(int64(150), lastRun)

		// job kinds are independent
		lastRun, err = s.RefreshJobLastRun(RefreshJobKindMessage)
		require.Nil(err)
		require.Equal(int64(0), lastRun)
		return nil
	}))
}

func TestUserLastRefreshed(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.InsertOrIgnoreUser("0xabc"))
		u, err := s.User("0xabc")
		require.Nil(err)
		require.Equal(startTime, u.CreatedAt)
		require.Equal(int64(0), u.LastRefreshed)

		require.Nil(s.UpdateUserLastRefreshed("0xabc", 500))
		require.Nil(s.UpdateUserLastRefreshed("0xabc", 200))
		u, err = s.User("0xabc")
		require.Nil(err)
		require.Equal(int64(500), u.LastRefreshed)

		_, err = s.User("missing")
		require.ErrorIs(err, ErrNotFound)
		return nil
	}))
}

func TestClaimOrdersByCreation(t *testing.T) {
	require := require.New(t)
	cl := &testClock{ns: startTime}
	s := newTestStore(cl)
	defer shutdownStore(s)

	require.Nil(s.Run("testing", func() error {
		require.Nil(s.SubmitOutboundPayload(NewOutboundPayload(3000, "t1", []byte{3})))
		require.Nil(s.SubmitOutboundPayload(NewOutboundPayload(1000, "t1", []byte{1})))
		require.Nil(s.SubmitOutboundPayload(NewOutboundPayload(2000, "t1", []byte{2})))

		claimed, err := s.ClaimOutboundPayloads(startTime, 1000, 2)
		require.Nil(err)
		require.Equal(2, len(claimed))
		require.Equal(int64(1000), claimed[0].CreatedAtNs)
		require.Equal(int64(2000), claimed[1].CreatedAtNs)

		// the unclaimed remainder is still available
		claimed2, err := s.ClaimOutboundPayloads(startTime, 1000, 2)
		require.Nil(err)
		require.Equal(1, len(claimed2))
		require.Equal(int64(3000), claimed2[0].CreatedAtNs)
		return nil
	}))
}

// This package provides the client-side engine for a decentralized
// end-to-end-encrypted messaging protocol. It maintains the durable local
// state a client needs to take part in conversations without trusting the
// network for correctness: account identity material, per-peer sessions,
// conversation and message lifecycle state, a leased outbound delivery queue
// and a deduplicating inbound intake pipeline. The wire transport and the
// ratchet itself are collaborators supplied by the caller.
package quill

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/quillmsg/quill/clock"
	"github.com/quillmsg/quill/config"
	"github.com/quillmsg/quill/identity"
	"github.com/quillmsg/quill/internal/db"
	"github.com/quillmsg/quill/persistence"
	"github.com/quillmsg/quill/storage"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"
)

const accountKey = "quill/account"

// PublishRequest is a payload handed to the network collaborator for
// publishing.
type PublishRequest struct {
	ContentTopic string
	Payload      []byte
}

// ApiClient is the network collaborator. Query returns envelopes on a topic
// from a start position; Publish reports success or failure per attempt.
type ApiClient interface {
	Publish(ctx context.Context, req *PublishRequest) error
	Query(ctx context.Context, contentTopic string, startTimeNs int64) ([]storage.Envelope, error)
}

// InviteHandler is the crypto/conversation collaborator for staged invites.
// It runs inside the same transaction as the status update, so folding the
// result into conversation state and recording the verdict commit together.
// The returned status must be one of Processed, DecryptionFailure or Invalid.
type InviteHandler interface {
	HandleInvite(s *storage.Store, invite *storage.InboundInvite) (int, error)
}

// MessageHandler is the crypto/conversation collaborator for staged messages.
type MessageHandler interface {
	HandleMessage(s *storage.Store, msg *storage.InboundMessage) (int, error)
}

// Events delivered on the Updates channel.
type PayloadAcknowledged struct {
	PayloadID string
}

type InviteProcessed struct {
	ID string
}

type MessageProcessed struct {
	ID string
}

type Client struct {
	config         *config.Config
	log            *zap.SugaredLogger
	clock          clock.Clock
	db             *db.Database
	store          *storage.Store
	api            ApiClient
	persistence    persistence.Persistence
	inviteHandler  InviteHandler
	messageHandler MessageHandler

	topicLock   sync.Mutex
	inviteTopic string
	topics      map[string]struct{}

	updates  chan interface{}
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

// NewClient makes a client over a file-backed encrypted store under
// cfg.RootDir. The 32-byte store key is derived from the password with a salt
// kept beside the database.
func NewClient(cfg *config.Config, api ApiClient, pers persistence.Persistence, password string) (*Client, error) {
	key, err := newKey(password, cfg.RootDir, "quill.salt")
	if err != nil {
		return nil, fmt.Errorf("quill: error deriving storage key: %w", err)
	}
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(cfg, cl, filepath.Join(cfg.RootDir, "quill.db"))
	if err != nil {
		return nil, err
	}
	if !database.Initialized() {
		if err := database.Initialize(key); err != nil {
			return nil, err
		}
	}
	if err := database.Open(key); err != nil {
		return nil, err
	}
	return newClient(cfg, cl, database, api, pers)
}

// NewEphemeralClient makes a client over a process-scoped in-memory store.
func NewEphemeralClient(cfg *config.Config, api ApiClient, pers persistence.Persistence) (*Client, error) {
	cl := clock.NewSystemClock()
	database, err := db.NewEphemeralDatabase(cfg, cl)
	if err != nil {
		return nil, err
	}
	if err := database.Open(nil); err != nil {
		return nil, err
	}
	return newClient(cfg, cl, database, api, pers)
}

// NewUnencryptedClient makes a client over a file-backed store with no at-rest
// encryption. This is an explicit opt-out, not a default.
func NewUnencryptedClient(cfg *config.Config, api ApiClient, pers persistence.Persistence) (*Client, error) {
	cl := clock.NewSystemClock()
	database, err := db.NewDatabase(cfg, cl, filepath.Join(cfg.RootDir, "quill.db"))
	if err != nil {
		return nil, err
	}
	if err := database.OpenUnencrypted(); err != nil {
		return nil, err
	}
	return newClient(cfg, cl, database, api, pers)
}

func newClient(cfg *config.Config, cl clock.Clock, database *db.Database, api ApiClient, pers persistence.Persistence) (*Client, error) {
	store, err := storage.NewStore(database)
	if err != nil {
		if shutdownErr := database.Shutdown(); shutdownErr != nil {
			database.Log.Warnf("error shutting down after failed migration %#v", shutdownErr)
		}
		return nil, err
	}
	if pers == nil {
		pers = persistence.NewInMemoryPersistence()
	}
	return &Client{
		config:      cfg,
		log:         cfg.Logger("client"),
		clock:       cl,
		db:          database,
		store:       store,
		api:         api,
		persistence: pers,
		topics:      make(map[string]struct{}),
		updates:     make(chan interface{}, 100),
	}, nil
}

// Updates delivers events after the transaction producing them commits.
func (c *Client) Updates() <-chan interface{} {
	return c.updates
}

// Run executes fn against the store inside an exclusive writable transaction.
func (c *Client) Run(label string, fn func(s *storage.Store) error) error {
	return c.db.Run(label, func() error {
		return fn(c.store)
	})
}

// RunReadOnly executes fn against the store inside a read-only transaction.
func (c *Client) RunReadOnly(label string, fn func(s *storage.Store) error) error {
	return c.db.RunReadOnly(label, func() error {
		return fn(c.store)
	})
}

func (c *Client) SetInviteHandler(h InviteHandler) {
	c.inviteHandler = h
}

func (c *Client) SetMessageHandler(h MessageHandler) {
	c.messageHandler = h
}

func (c *Client) SetInviteTopic(topic string) {
	c.topicLock.Lock()
	defer c.topicLock.Unlock()
	c.inviteTopic = topic
}

func (c *Client) AddMessageTopic(topic string) {
	c.topicLock.Lock()
	defer c.topicLock.Unlock()
	c.topics[topic] = struct{}{}
}

// Register creates the local account. It is persisted both in the relational
// store and as a bootstrap blob in the key/value persistence.
func (c *Client) Register(signer identity.Signer, identityKeys []byte) (*identity.Account, error) {
	account := identity.NewAccount(signer, identityKeys)
	serialized, err := account.Serialize()
	if err != nil {
		return nil, err
	}
	if err := c.Run("register account", func(s *storage.Store) error {
		if _, err := s.LatestAccount(); err == nil {
			return fmt.Errorf("quill: account already registered")
		} else if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		if err := s.InsertOrIgnoreUser(account.WalletAddress); err != nil {
			return err
		}
		return s.InsertAccount(account)
	}); err != nil {
		return nil, err
	}
	if err := c.persistence.Write(accountKey, serialized); err != nil {
		return nil, err
	}
	return account, nil
}

// Account loads the registered account, falling back to the bootstrap blob
// when the relational store has none.
func (c *Client) Account() (*identity.Account, error) {
	var account *identity.Account
	err := c.RunReadOnly("load account", func(s *storage.Store) error {
		var err error
		account, err = s.LatestAccount()
		return err
	})
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	b, perr := c.persistence.Read(accountKey)
	if perr != nil {
		return nil, perr
	}
	if b == nil {
		return nil, fmt.Errorf("%w: account", storage.ErrNotFound)
	}
	return identity.Parse(b)
}

// Submit enqueues an opaque ciphertext for at-least-once delivery and returns
// its derived id.
func (c *Client) Submit(contentTopic string, payload []byte) (string, error) {
	p := storage.NewOutboundPayload(c.clock.CurrentTimeNano(), contentTopic, payload)
	if err := c.Run("submit outbound payload", func(s *storage.Store) error {
		return s.SubmitOutboundPayload(p)
	}); err != nil {
		return "", err
	}
	return p.PayloadID, nil
}

// ProcessOutbound claims a batch of deliverable payloads under a lease,
// publishes them, and acknowledges the ones the server accepted. Failed
// attempts keep their rows Pending; the lease expiring makes them claimable
// again.
func (c *Client) ProcessOutbound(ctx context.Context) (int, error) {
	nowNs := c.clock.CurrentTimeNano()
	leaseNs := c.config.LeaseDurationMs * int64(time.Millisecond)
	var batch []*storage.OutboundPayload
	if err := c.Run("claim outbound payloads", func(s *storage.Store) error {
		var err error
		batch, err = s.ClaimOutboundPayloads(nowNs, leaseNs, c.config.SendBatchSize)
		return err
	}); err != nil {
		return 0, err
	}

	sent := 0
	for _, p := range batch {
		payload := p
		if err := c.api.Publish(ctx, &PublishRequest{ContentTopic: payload.ContentTopic, Payload: payload.Payload}); err != nil {
			c.log.Warnf("publish failed for %s, leaving pending: %v", payload.PayloadID, err)
			continue
		}
		if err := c.Run("acknowledge outbound payload", func(s *storage.Store) error {
			acked, err := s.AcknowledgeOutboundPayload(payload.PayloadID)
			if err != nil {
				return err
			}
			if acked {
				c.db.AfterCommit(func() {
					c.notify(PayloadAcknowledged{PayloadID: payload.PayloadID})
				})
			}
			return nil
		}); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// FetchInvites stages invite envelopes from a topic into the intake pipeline
// and advances the invite watermark in the same transaction, so a crash never
// skips unstaged envelopes.
func (c *Client) FetchInvites(ctx context.Context, topic string) (int, error) {
	return c.fetch(ctx, storage.RefreshJobKindInvite, topic, func(s *storage.Store, env storage.Envelope) (bool, error) {
		return s.InsertOrIgnoreInboundInvite(storage.NewInboundInvite(env))
	})
}

// FetchMessages stages message envelopes from a topic into the intake
// pipeline and advances the message watermark for that topic.
func (c *Client) FetchMessages(ctx context.Context, topic string) (int, error) {
	return c.fetch(ctx, storage.RefreshJobKindMessage, topic, func(s *storage.Store, env storage.Envelope) (bool, error) {
		return s.InsertOrIgnoreInboundMessage(storage.NewInboundMessage(env))
	})
}

func (c *Client) fetch(ctx context.Context, kind, topic string, stage func(s *storage.Store, env storage.Envelope) (bool, error)) (int, error) {
	jobID := fmt.Sprintf("%s:%s", kind, topic)
	var startNs int64
	if err := c.RunReadOnly("read refresh watermark", func(s *storage.Store) error {
		var err error
		startNs, err = s.RefreshJobLastRun(jobID)
		return err
	}); err != nil {
		return 0, err
	}

	envs, err := c.api.Query(ctx, topic, startNs)
	if err != nil {
		return 0, fmt.Errorf("quill: error querying %s: %w", topic, err)
	}
	if len(envs) == 0 {
		return 0, nil
	}

	staged := 0
	if err := c.Run("stage inbound envelopes", func(s *storage.Store) error {
		staged = 0
		maxNs := startNs
		for _, env := range envs {
			inserted, err := stage(s, env)
			if err != nil {
				return err
			}
			if inserted {
				staged++
			}
			if env.TimestampNs > maxNs {
				maxNs = env.TimestampNs
			}
		}
		return s.UpdateRefreshJob(jobID, maxNs)
	}); err != nil {
		return 0, err
	}
	return staged, nil
}

// ProcessInvites hands Pending invites to the registered handler, one
// transaction per row so a single bad envelope cannot roll back its batch.
func (c *Client) ProcessInvites() (int, error) {
	if c.inviteHandler == nil {
		return 0, nil
	}
	var pending []*storage.InboundInvite
	if err := c.RunReadOnly("list pending invites", func(s *storage.Store) error {
		var err error
		pending, err = s.InboundInvitesByStatus(storage.InboundStatusPending, c.config.ProcessBatchSize)
		return err
	}); err != nil {
		return 0, err
	}

	processed := 0
	for _, inv := range pending {
		invite := inv
		if err := c.Run("process inbound invite", func(s *storage.Store) error {
			status, err := c.inviteHandler.HandleInvite(s, invite)
			if err != nil {
				return err
			}
			updated, err := s.SetInboundInviteStatus(invite.ID, status)
			if err != nil {
				return err
			}
			if updated && status == storage.InboundStatusProcessed {
				c.db.AfterCommit(func() {
					c.notify(InviteProcessed{ID: invite.ID})
				})
			}
			return nil
		}); err != nil {
			c.log.Warnf("error processing invite %s: %v", invite.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// ProcessMessages hands Pending messages to the registered handler.
func (c *Client) ProcessMessages() (int, error) {
	if c.messageHandler == nil {
		return 0, nil
	}
	var pending []*storage.InboundMessage
	if err := c.RunReadOnly("list pending messages", func(s *storage.Store) error {
		var err error
		pending, err = s.InboundMessagesByStatus(storage.InboundStatusPending, c.config.ProcessBatchSize)
		return err
	}); err != nil {
		return 0, err
	}

	processed := 0
	for _, m := range pending {
		msg := m
		if err := c.Run("process inbound message", func(s *storage.Store) error {
			status, err := c.messageHandler.HandleMessage(s, msg)
			if err != nil {
				return err
			}
			updated, err := s.SetInboundMessageStatus(msg.ID, status)
			if err != nil {
				return err
			}
			if updated && status == storage.InboundStatusProcessed {
				c.db.AfterCommit(func() {
					c.notify(MessageProcessed{ID: msg.ID})
				})
			}
			return nil
		}); err != nil {
			c.log.Warnf("error processing message %s: %v", msg.ID, err)
			continue
		}
		processed++
	}
	return processed, nil
}

// Poll runs one fetch/process round over the registered topics and the
// outbound queue.
func (c *Client) Poll(ctx context.Context) error {
	c.topicLock.Lock()
	inviteTopic := c.inviteTopic
	messageTopics := maps.Keys(c.topics)
	c.topicLock.Unlock()

	if inviteTopic != "" {
		if _, err := c.FetchInvites(ctx, inviteTopic); err != nil {
			return err
		}
	}
	for _, topic := range messageTopics {
		if _, err := c.FetchMessages(ctx, topic); err != nil {
			return err
		}
	}
	if _, err := c.ProcessInvites(); err != nil {
		return err
	}
	if _, err := c.ProcessMessages(); err != nil {
		return err
	}
	if _, err := c.ProcessOutbound(ctx); err != nil {
		return err
	}
	return nil
}

// Start runs the poll loop in the background until Close.
func (c *Client) Start() {
	ctx, cancelFn := context.WithCancel(context.Background())
	c.cancelFn = cancelFn
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(time.Duration(c.config.PollIntervalMs) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.Poll(ctx); err != nil {
					c.log.Warnf("poll error: %v", err)
				}
			}
		}
	}()
}

// Vacuum reclaims space in the underlying database.
func (c *Client) Vacuum() error {
	return c.db.Vacuum()
}

// Close stops the poll loop and shuts the database down.
func (c *Client) Close() error {
	if c.cancelFn != nil {
		c.cancelFn()
	}
	c.wg.Wait()
	return c.db.Shutdown()
}

func (c *Client) notify(event interface{}) {
	select {
	case c.updates <- event:
	default:
		c.log.Warnf("updates channel full, dropping %#v", event)
	}
}

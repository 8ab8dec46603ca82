// Webhook HTTP handlers.
//
// This file exposes the provider-facing callback endpoints:
//   - GET  /webhook/chat     (subscription verification handshake)
//   - POST /webhook/chat     (inbound message deliveries)
//   - POST /webhook/catalog  (catalog change notifications)
//
// Handlers are transport-thin: they parse provider envelopes into a closed
// set of normalized events, demultiplex to the owning tenant, deduplicate by
// provider event id, and hand the work to application services. Message
// processing is asynchronous (per-customer FIFO queues); catalog changes are
// applied inline because revision comparison makes ordering irrelevant.
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-shop-chat-backend/internal/commerce"
	"github.com/tbourn/go-shop-chat-backend/internal/dispatch"
	"github.com/tbourn/go-shop-chat-backend/internal/domain"
	"github.com/tbourn/go-shop-chat-backend/internal/messaging"
	"github.com/tbourn/go-shop-chat-backend/internal/repo"
	"github.com/tbourn/go-shop-chat-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// ConversationService advances a customer conversation by one inbound message.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// HandleMessage applies one normalized message and returns the outbound
	// directives to deliver to the customer.
	HandleMessage(ctx context.Context, store *domain.Store, customerAddress string, in services.InboundMessage) ([]messaging.Directive, error)
}

// CatalogSyncService applies incremental catalog change notifications.
type CatalogSyncService interface {
	// ApplyChange applies a single change event idempotently.
	ApplyChange(ctx context.Context, store *domain.Store, ev services.ChangeEvent) error
}

// StoreDirectory resolves tenants from webhook routing identifiers.
type StoreDirectory interface {
	// ByChannelPhoneID resolves the tenant that owns a channel routing id.
	ByChannelPhoneID(ctx context.Context, phoneID string) (*domain.Store, error)
	// ByVerifyToken resolves the tenant whose subscription uses the token.
	ByVerifyToken(ctx context.Context, token string) (*domain.Store, error)
	// ByURL resolves the tenant by its shop domain.
	ByURL(ctx context.Context, storeURL string) (*domain.Store, error)
}

// EventDeduper records provider event ids inside a bounded TTL window.
// MarkProcessed returns repo.ErrDuplicate when the event was already seen;
// Unmark releases a record whose unit of work could not be accepted, so the
// provider's redelivery is not mistaken for a duplicate.
type EventDeduper interface {
	MarkProcessed(ctx context.Context, storeID, providerEventID, kind string) error
	Unmark(ctx context.Context, storeID, providerEventID string) error
}

// Enqueuer submits a unit of work to a per-key FIFO queue.
type Enqueuer interface {
	Enqueue(key string, t dispatch.Task) error
}

//
// Handler wiring
//

// WebhookHandlers groups the provider callback endpoints. It depends on
// abstract contracts so transport concerns stay separate from business logic.
type WebhookHandlers struct {
	stores StoreDirectory
	conv   ConversationService
	sync   CatalogSyncService
	dedup  EventDeduper
	queue  Enqueuer
	sender messaging.Sender
	log    zerolog.Logger
}

// NewWebhookHandlers constructs a WebhookHandlers bound to the given
// collaborators. The logger is used for the asynchronous delivery path,
// where no request-scoped logger exists anymore.
func NewWebhookHandlers(stores StoreDirectory, conv ConversationService, sync CatalogSyncService, dedup EventDeduper, queue Enqueuer, sender messaging.Sender, log zerolog.Logger) *WebhookHandlers {
	return &WebhookHandlers{
		stores: stores,
		conv:   conv,
		sync:   sync,
		dedup:  dedup,
		queue:  queue,
		sender: sender,
		log:    log,
	}
}

//
// Provider envelope (inbound messages)
//

// chatEnvelope is the provider delivery payload for message webhooks. Only
// the fields the pipeline consumes are bound; everything else is ignored.
type chatEnvelope struct {
	Object string      `json:"object"`
	Entry  []chatEntry `json:"entry"`
}

type chatEntry struct {
	ID      string       `json:"id"`
	Changes []chatChange `json:"changes"`
}

type chatChange struct {
	Field string    `json:"field"`
	Value chatValue `json:"value"`
}

type chatValue struct {
	Metadata chatMetadata  `json:"metadata"`
	Messages []chatMessage `json:"messages"`
}

type chatMetadata struct {
	PhoneNumberID string `json:"phone_number_id"`
}

type chatMessage struct {
	ID          string           `json:"id"`
	From        string           `json:"from"`
	Type        string           `json:"type"`
	Text        *chatText        `json:"text,omitempty"`
	Interactive *chatInteractive `json:"interactive,omitempty"`
}

type chatText struct {
	Body string `json:"body"`
}

type chatInteractive struct {
	Type        string     `json:"type"`
	ButtonReply *chatReply `json:"button_reply,omitempty"`
	ListReply   *chatReply `json:"list_reply,omitempty"`
}

type chatReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// normalizeMessage maps a provider message onto the closed inbound set.
// The bool result is false for message kinds the pipeline does not handle
// (media, reactions, location, ...), which are logged and skipped upstream.
func normalizeMessage(m chatMessage) (services.InboundMessage, bool) {
	switch m.Type {
	case "text":
		if m.Text == nil || m.Text.Body == "" {
			return services.InboundMessage{}, false
		}
		return services.InboundMessage{Text: m.Text.Body}, true
	case "interactive":
		if m.Interactive == nil {
			return services.InboundMessage{}, false
		}
		switch m.Interactive.Type {
		case "button_reply":
			if m.Interactive.ButtonReply == nil || m.Interactive.ButtonReply.ID == "" {
				return services.InboundMessage{}, false
			}
			return services.InboundMessage{ButtonID: m.Interactive.ButtonReply.ID}, true
		case "list_reply":
			if m.Interactive.ListReply == nil || m.Interactive.ListReply.ID == "" {
				return services.InboundMessage{}, false
			}
			return services.InboundMessage{ListRowID: m.Interactive.ListReply.ID}, true
		}
	}
	return services.InboundMessage{}, false
}

//
// Handlers
//

// VerifyChat handles the provider subscription handshake:
// GET /webhook/chat?hub.mode=subscribe&hub.verify_token=...&hub.challenge=...
//
// The token must match a tenant's channel verify token; on success the
// challenge is echoed back as plain text, which completes the subscription.
func (h *WebhookHandlers) VerifyChat(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode != "subscribe" || token == "" || challenge == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid verification request")
		return
	}
	if _, err := h.stores.ByVerifyToken(c.Request.Context(), token); err != nil {
		fail(c, http.StatusForbidden, ErrCodeForbidden, "verify token mismatch")
		return
	}
	c.String(http.StatusOK, challenge)
}

// ReceiveChat handles POST /webhook/chat message deliveries.
//
// Each message in the envelope is demultiplexed to its tenant by the channel
// routing id, deduplicated by provider message id, and enqueued on the
// per-(store, customer) FIFO queue. Per-message problems (unknown tenant,
// disabled channel, unhandled kind, duplicate) are logged and skipped so the
// provider always gets a prompt 200 for a well-formed envelope; a payload
// that does not parse at all is a 400.
func (h *WebhookHandlers) ReceiveChat(c *gin.Context) {
	var env chatEnvelope
	if err := c.ShouldBindJSON(&env); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid webhook payload")
		return
	}

	ctx := c.Request.Context()
	accepted := 0
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			if change.Field != "messages" {
				continue // delivery receipts, template updates, ...
			}
			phoneID := change.Value.Metadata.PhoneNumberID
			for _, msg := range change.Value.Messages {
				if h.acceptMessage(ctx, phoneID, msg) {
					accepted++
				}
			}
		}
	}

	ok(c, http.StatusOK, gin.H{"status": "received", "accepted": accepted})
}

// acceptMessage runs the per-message pipeline up to enqueue. It never fails
// the whole delivery: problems are logged and the message is dropped.
func (h *WebhookHandlers) acceptMessage(ctx context.Context, phoneID string, msg chatMessage) bool {
	if phoneID == "" || msg.ID == "" || msg.From == "" {
		h.log.Warn().Str("message_id", msg.ID).Msg("webhook message missing routing fields")
		return false
	}

	store, err := h.stores.ByChannelPhoneID(ctx, phoneID)
	if err != nil {
		h.log.Warn().Str("phone_id", phoneID).Msg("webhook message for unknown channel")
		return false
	}
	if !store.ChannelEnabled {
		h.log.Warn().Str("store_id", store.ID).Msg("webhook message for disabled channel")
		return false
	}

	in, handled := normalizeMessage(msg)
	if !handled {
		h.log.Warn().
			Str("store_id", store.ID).
			Str("message_type", msg.Type).
			Msg("unhandled message kind dropped")
		return false
	}

	if err := h.dedup.MarkProcessed(ctx, store.ID, msg.ID, "message"); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			h.log.Debug().Str("store_id", store.ID).Str("message_id", msg.ID).Msg("duplicate delivery skipped")
		} else {
			h.log.Error().Err(err).Str("store_id", store.ID).Msg("dedup check failed")
		}
		return false
	}

	from := msg.From
	err = h.queue.Enqueue(dispatch.Key(store.ID, from), func(taskCtx context.Context) {
		h.deliverReplies(taskCtx, store, from, in)
	})
	if err != nil {
		h.log.Error().Err(err).Str("store_id", store.ID).Msg("could not enqueue message")
		// Release the dedup record: the message was never accepted, so the
		// provider's redelivery must get through.
		if uerr := h.dedup.Unmark(ctx, store.ID, msg.ID); uerr != nil {
			h.log.Error().Err(uerr).Str("store_id", store.ID).Str("message_id", msg.ID).
				Msg("could not release dedup record")
		}
		return false
	}
	return true
}

// deliverReplies runs the conversation step and pushes the resulting
// directives back out through the messaging channel.
func (h *WebhookHandlers) deliverReplies(ctx context.Context, store *domain.Store, customer string, in services.InboundMessage) {
	directives, err := h.conv.HandleMessage(ctx, store, customer, in)
	if err != nil {
		h.log.Error().Err(err).
			Str("store_id", store.ID).
			Msg("conversation step failed")
		return
	}
	for _, d := range directives {
		if err := h.sender.Send(ctx, store.ChannelPhoneID, store.ChannelToken, customer, d); err != nil {
			h.log.Error().Err(err).
				Str("store_id", store.ID).
				Msg("directive delivery failed")
			return
		}
	}
}

//
// Catalog change notifications
//

// CatalogChangeRequest is the JSON payload for POST /webhook/catalog.
// Kind and Op form a closed set; anything outside it is a 400.
type CatalogChangeRequest struct {
	StoreURL       string            `json:"store_url" binding:"required"`
	EventID        string            `json:"event_id" binding:"required"`
	Kind           string            `json:"kind" binding:"required"`
	Op             string            `json:"op" binding:"required"`
	UpstreamID     string            `json:"upstream_id" binding:"required"`
	ItemUpstreamID string            `json:"item_upstream_id"`
	Revision       string            `json:"revision"`
	Variant        *commerce.Variant `json:"variant,omitempty"`
}

// ReceiveCatalogChange handles POST /webhook/catalog.
//
// The change is applied synchronously: ApplyChange is idempotent and
// revision-guarded, so replays and out-of-order deliveries converge without
// queueing. Duplicates by event id return 200 without touching the mirror.
func (h *WebhookHandlers) ReceiveCatalogChange(c *gin.Context) {
	var req CatalogChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid change payload")
		return
	}
	if (req.Kind != services.EntityItem && req.Kind != services.EntityVariant) ||
		(req.Op != services.ChangeOpUpsert && req.Op != services.ChangeOpDelete) {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown change kind or op")
		return
	}

	ctx := c.Request.Context()
	store, err := h.stores.ByURL(ctx, req.StoreURL)
	if err != nil {
		fail(c, http.StatusNotFound, ErrCodeNotFound, "store not found")
		return
	}

	if err := h.dedup.MarkProcessed(ctx, store.ID, req.EventID, "catalog"); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			ok(c, http.StatusOK, gin.H{"status": "duplicate"})
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "dedup check failed")
		return
	}

	ev := services.ChangeEvent{
		Kind:           req.Kind,
		Op:             req.Op,
		UpstreamID:     req.UpstreamID,
		ItemUpstreamID: req.ItemUpstreamID,
		Revision:       req.Revision,
		Variant:        req.Variant,
	}
	if err := h.sync.ApplyChange(ctx, store, ev); err != nil {
		// The change never landed; release the dedup record so the
		// provider's retry is processed instead of skipped.
		if uerr := h.dedup.Unmark(ctx, store.ID, req.EventID); uerr != nil {
			h.log.Error().Err(uerr).Str("store_id", store.ID).Str("event_id", req.EventID).
				Msg("could not release dedup record")
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "could not apply change")
		return
	}
	ok(c, http.StatusOK, gin.H{"status": "applied"})
}

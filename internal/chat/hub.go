package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tienda/storefront-api/internal/config"
	"github.com/tienda/storefront-api/internal/model"
	"github.com/tienda/storefront-api/internal/repository"
)

const storeTimeout = 5 * time.Second

type inbound struct {
	client *Client
	env    Envelope
}

// Hub owns the presence registry and all broadcast fan-out. A single
// goroutine (Run) consumes every register, unregister, and inbound event,
// so membership mutation and the snapshot sent with each presence event
// happen in the same step with no locking.
type Hub struct {
	cfg   config.ChatConfig
	store repository.ChatMessageRepository
	log   *slog.Logger

	register   chan *Client
	unregister chan *Client
	events     chan inbound

	clients map[*Client]struct{}
}

func NewHub(cfg config.ChatConfig, store repository.ChatMessageRepository, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		cfg:        cfg,
		store:      store,
		log:        log,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan inbound),
		clients:    make(map[*Client]struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.remove(c, false)
			}
			return
		case c := <-h.register:
			h.add(ctx, c)
		case c := <-h.unregister:
			h.remove(c, true)
		case in := <-h.events:
			h.dispatch(ctx, in)
		}
	}
}

func (h *Hub) add(ctx context.Context, c *Client) {
	h.clients[c] = struct{}{}
	h.log.Info("chat user connected", "username", c.username)

	h.sendHistory(ctx, c)

	payload := PresencePayload{Username: c.username, ConnectedUsers: h.members()}
	if data, err := marshalEvent(EventUserConnected, payload); err == nil {
		h.broadcast(data, nil)
	}
}

func (h *Hub) remove(c *Client, notify bool) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)

	if !notify {
		return
	}
	h.log.Info("chat user disconnected", "username", c.username)
	payload := PresencePayload{Username: c.username, ConnectedUsers: h.members()}
	if data, err := marshalEvent(EventUserDisconnected, payload); err == nil {
		h.broadcast(data, nil)
	}
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	if _, ok := h.clients[in.client]; !ok {
		// Events racing a disconnect are dropped.
		return
	}

	switch in.env.Event {
	case EventChatMessage:
		var payload SendMessagePayload
		if err := json.Unmarshal(in.env.Data, &payload); err != nil || payload.Message == "" {
			return
		}
		h.handleMessage(ctx, in.client, payload.Message)
	case EventTyping:
		if data, err := marshalEvent(EventUserTyping, in.client.username); err == nil {
			h.broadcast(data, in.client)
		}
	case EventStopTyping:
		if data, err := marshalEvent(EventUserStopTyping, in.client.username); err == nil {
			h.broadcast(data, in.client)
		}
	}
}

func (h *Hub) handleMessage(ctx context.Context, sender *Client, text string) {
	msg := &model.ChatMessage{
		Username:  sender.username,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}

	// A failed store write does not stop delivery: chat liveness wins
	// over durability here.
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	if err := h.store.Insert(storeCtx, msg); err != nil {
		h.log.Warn("persist chat message", "username", sender.username, "error", err)
	}
	cancel()

	payload := MessagePayload{Username: msg.Username, Message: msg.Text, Timestamp: msg.Timestamp}
	if data, err := marshalEvent(EventChatMessage, payload); err == nil {
		// Echo included: the sender receives its own message too.
		h.broadcast(data, nil)
	}
}

// sendHistory replays the most recent persisted messages, oldest first, to
// the joining client only. A store failure degrades to an empty history.
func (h *Hub) sendHistory(ctx context.Context, c *Client) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	msgs, err := h.store.ListRecent(storeCtx, h.cfg.HistoryLimit)
	if err != nil {
		h.log.Warn("load chat history", "error", err)
		msgs = nil
	}

	history := make([]MessagePayload, 0, len(msgs))
	for _, m := range msgs {
		history = append(history, MessagePayload{Username: m.Username, Message: m.Text, Timestamp: m.Timestamp})
	}
	if data, err := marshalEvent(EventChatHistory, history); err == nil {
		h.deliver(c, data)
	}
}

// broadcast fans data out to every member except skip. Clients whose send
// buffer is full are dropped after the loop so the membership snapshot is
// stable while iterating.
func (h *Hub) broadcast(data []byte, skip *Client) {
	var stalled []*Client
	for c := range h.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- data:
		default:
			stalled = append(stalled, c)
		}
	}
	for _, c := range stalled {
		h.log.Warn("dropping slow chat client", "username", c.username)
		h.remove(c, true)
	}
}

func (h *Hub) deliver(c *Client, data []byte) {
	select {
	case c.send <- data:
	default:
		h.log.Warn("dropping slow chat client", "username", c.username)
		h.remove(c, true)
	}
}

func (h *Hub) members() []string {
	names := make([]string, 0, len(h.clients))
	for c := range h.clients {
		names = append(names, c.username)
	}
	return names
}

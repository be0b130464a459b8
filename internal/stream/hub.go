// Package stream fans committed tracking updates out to live subscribers, optionally across instances through Redis.
package stream

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"example.com/fittrack/internal/domain"
)

const (
	channelPrefix  = "fittrack:tracking:"
	channelPattern = channelPrefix + "*"
	clientBuffer   = 64
)

// Hub keeps the live subscribers of each user. Without Redis, Broadcast
// delivers locally; with Redis, it only publishes and every instance
// (this one included) delivers what its subscription receives.
type Hub struct {
	redis  *redis.Client
	logger *log.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
}

// Client is one subscriber of a user's updates.
type Client struct {
	UserID string
	Send   chan []byte
}

// NewHub constructs a Hub. When redisClient is set, the subscription lives until ctx is cancelled.
func NewHub(ctx context.Context, redisClient *redis.Client) *Hub {
	h := &Hub{
		redis:   redisClient,
		logger:  log.New(log.Writer(), "[stream] ", log.LstdFlags|log.Lshortfile),
		clients: map[string]map[*Client]struct{}{},
	}

	if redisClient != nil {
		pubsub := redisClient.PSubscribe(ctx, channelPattern)
		receiveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := pubsub.Receive(receiveCtx); err != nil {
			h.logger.Printf("redis subscribe error: %v", err)
		}
		cancel()
		go h.subscribeRedis(ctx, pubsub)
	}
	return h
}

// Register adds a subscriber for userID.
func (h *Hub) Register(userID string) *Client {
	client := &Client{
		UserID: userID,
		Send:   make(chan []byte, clientBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[userID] == nil {
		h.clients[userID] = map[*Client]struct{}{}
	}
	h.clients[userID][client] = struct{}{}
	return client
}

// Unregister removes the subscriber and closes its channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userClients, ok := h.clients[client.UserID]
	if !ok {
		return
	}
	if _, ok := userClients[client]; !ok {
		return
	}
	delete(userClients, client)
	if len(userClients) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

// Subscribers returns the number of live subscribers of userID.
func (h *Hub) Subscribers(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// Broadcast sends payload to every subscriber of userID. Slow subscribers drop messages.
func (h *Hub) Broadcast(ctx context.Context, userID string, payload []byte) {
	if h.redis == nil {
		h.deliver(userID, payload)
		return
	}
	if err := h.redis.Publish(ctx, redisChannel(userID), payload).Err(); err != nil {
		h.logger.Printf("redis publish error (user=%s): %v", userID, err)
		h.deliver(userID, payload)
	}
}

func (h *Hub) deliver(userID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients[userID] {
		select {
		case client.Send <- payload:
		default:
			droppedMessages.Inc()
		}
	}
}

func (h *Hub) subscribeRedis(ctx context.Context, pubsub *redis.PubSub) {
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			userID := userIDFromChannel(msg.Channel)
			if userID == "" {
				continue
			}
			h.deliver(userID, []byte(msg.Payload))
		}
	}
}

func redisChannel(userID string) string {
	return channelPrefix + userID
}

func userIDFromChannel(ch string) string {
	if !strings.HasPrefix(ch, channelPrefix) {
		return ""
	}
	return ch[len(channelPrefix):]
}

// Encoder renders a tracking update as the wire payload sent to subscribers.
type Encoder func(domain.TrackingUpdate) ([]byte, error)

// Notifier adapts a Hub to domain.Notifier.
type Notifier struct {
	hub    *Hub
	encode Encoder
}

// NewNotifier constructs a Notifier.
func NewNotifier(hub *Hub, encode Encoder) *Notifier {
	return &Notifier{hub: hub, encode: encode}
}

// Notify encodes and broadcasts a committed update. Failures are logged.
func (n *Notifier) Notify(ctx context.Context, userID string, update domain.TrackingUpdate) {
	payload, err := n.encode(update)
	if err != nil {
		n.hub.logger.Printf("encode %s update: %v", update.Type, err)
		return
	}
	n.hub.Broadcast(ctx, userID, payload)
	publishedUpdates.WithLabelValues(update.Type).Inc()
}

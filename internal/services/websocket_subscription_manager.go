package services

import (
	"errors"
	"strings"
	"sync"
)

var (
	ErrClientNotFound = errors.New("websocket client not found")
)

// wsClient is one connected websocket session with its subscriptions.
type wsClient struct {
	ID     string
	Send   chan []byte
	refIDs map[string]bool
	users  map[string]bool
}

// WebSocketSubscriptionManager indexes connected clients by the refIds and
// user addresses they watch. Keys are stored lowercased so matching is
// case-insensitive.
type WebSocketSubscriptionManager struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	byRefID map[string]map[string]bool // refId -> clientID set
	byUser  map[string]map[string]bool // user address -> clientID set
}

func NewWebSocketSubscriptionManager() *WebSocketSubscriptionManager {
	return &WebSocketSubscriptionManager{
		clients: make(map[string]*wsClient),
		byRefID: make(map[string]map[string]bool),
		byUser:  make(map[string]map[string]bool),
	}
}

// Register adds a new client. The send channel is owned by the caller.
func (m *WebSocketSubscriptionManager) Register(clientID string, send chan []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[clientID] = &wsClient{
		ID:     clientID,
		Send:   send,
		refIDs: make(map[string]bool),
		users:  make(map[string]bool),
	}
}

// Unregister removes a client and all its subscriptions.
func (m *WebSocketSubscriptionManager) Unregister(clientID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[clientID]
	if !exists {
		return
	}
	delete(m.clients, clientID)

	for refID := range client.refIDs {
		delete(m.byRefID[refID], clientID)
		if len(m.byRefID[refID]) == 0 {
			delete(m.byRefID, refID)
		}
	}
	for user := range client.users {
		delete(m.byUser[user], clientID)
		if len(m.byUser[user]) == 0 {
			delete(m.byUser, user)
		}
	}
}

// SubscribeRefID subscribes a client to one intent's transitions.
func (m *WebSocketSubscriptionManager) SubscribeRefID(clientID, refID string) error {
	refID = strings.ToLower(refID)

	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[clientID]
	if !exists {
		return ErrClientNotFound
	}
	client.refIDs[refID] = true
	if m.byRefID[refID] == nil {
		m.byRefID[refID] = make(map[string]bool)
	}
	m.byRefID[refID][clientID] = true
	return nil
}

// SubscribeUser subscribes a client to every intent owned by an address.
func (m *WebSocketSubscriptionManager) SubscribeUser(clientID, user string) error {
	user = strings.ToLower(user)

	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[clientID]
	if !exists {
		return ErrClientNotFound
	}
	client.users[user] = true
	if m.byUser[user] == nil {
		m.byUser[user] = make(map[string]bool)
	}
	m.byUser[user][clientID] = true
	return nil
}

// UnsubscribeRefID drops one refId subscription.
func (m *WebSocketSubscriptionManager) UnsubscribeRefID(clientID, refID string) error {
	refID = strings.ToLower(refID)

	m.mu.Lock()
	defer m.mu.Unlock()

	client, exists := m.clients[clientID]
	if !exists {
		return ErrClientNotFound
	}
	delete(client.refIDs, refID)
	delete(m.byRefID[refID], clientID)
	if len(m.byRefID[refID]) == 0 {
		delete(m.byRefID, refID)
	}
	return nil
}

// ChannelsFor returns the send channels of every client watching the refId
// or the owning user. A client matching both is returned once.
func (m *WebSocketSubscriptionManager) ChannelsFor(refID, user string) []chan []byte {
	refID = strings.ToLower(refID)
	user = strings.ToLower(user)

	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	var channels []chan []byte
	for clientID := range m.byRefID[refID] {
		if client, ok := m.clients[clientID]; ok && !seen[clientID] {
			seen[clientID] = true
			channels = append(channels, client.Send)
		}
	}
	for clientID := range m.byUser[user] {
		if client, ok := m.clients[clientID]; ok && !seen[clientID] {
			seen[clientID] = true
			channels = append(channels, client.Send)
		}
	}
	return channels
}

// Count returns the number of connected clients.
func (m *WebSocketSubscriptionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

package services

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"yldr-backend/internal/events"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"

	"github.com/gorilla/websocket"
)

var statusUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Browser clients connect from the dapp origin; auth is the refId
		// itself (a 32-byte value the subscriber already knows).
		return true
	},
}

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
	wsSendBuffer = 64
)

// PushMessage is the envelope for every frame sent to a client.
type PushMessage struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id"`
	Data      interface{} `json:"data,omitempty"`
}

// wsClientCommand is what clients send: subscribe/unsubscribe by refId or
// user address.
type wsClientCommand struct {
	Action string `json:"action"`
	RefID  string `json:"refId,omitempty"`
	User   string `json:"user,omitempty"`
}

// WebSocketPushService streams intent status transitions to subscribed
// clients. It implements StatusPublisher so the settlement executors feed it
// the same events they publish to NATS.
type WebSocketPushService struct {
	subs      *WebSocketSubscriptionManager
	clientSeq uint64
}

func NewWebSocketPushService() *WebSocketPushService {
	return &WebSocketPushService{
		subs: NewWebSocketSubscriptionManager(),
	}
}

// PublishDepositStatus pushes a deposit transition to watching clients.
func (s *WebSocketPushService) PublishDepositStatus(intent *models.DepositIntent, txHash string) {
	s.broadcast(intent.RefID, intent.User, events.IntentEvent{
		Kind:      "deposit",
		RefID:     intent.RefID,
		User:      intent.User,
		Status:    string(intent.Status),
		TxHash:    txHash,
		Error:     intent.Error,
		Timestamp: time.Now().UTC(),
	})
}

// PublishWithdrawStatus pushes a withdraw transition to watching clients.
func (s *WebSocketPushService) PublishWithdrawStatus(intent *models.WithdrawIntent, txHash string) {
	s.broadcast(intent.RefID, intent.User, events.IntentEvent{
		Kind:      "withdraw",
		RefID:     intent.RefID,
		User:      intent.User,
		Status:    string(intent.Status),
		TxHash:    txHash,
		Error:     intent.Error,
		Timestamp: time.Now().UTC(),
	})
}

func (s *WebSocketPushService) broadcast(refID, user string, event events.IntentEvent) {
	channels := s.subs.ChannelsFor(refID, user)
	if len(channels) == 0 {
		return
	}

	data, err := json.Marshal(PushMessage{
		Type:      "status_update",
		Timestamp: event.Timestamp.Format(time.RFC3339),
		MessageID: generateMessageID(),
		Data:      event,
	})
	if err != nil {
		log.Printf("❌ [WebSocketPush] failed to marshal status update: %v", err)
		return
	}

	sent := 0
	for _, ch := range channels {
		select {
		case ch <- data:
			sent++
		default:
			// Slow client; the write pump will drop it on ping timeout.
		}
	}
	log.Printf("📤 [WebSocketPush] %s %s -> %s delivered to %d/%d clients",
		event.Kind, refID, event.Status, sent, len(channels))
}

// HandleWebSocket upgrades the request and serves the subscription protocol.
// An optional ?refId= query parameter subscribes immediately.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := statusUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("❌ [WebSocketPush] upgrade failed: %v", err)
		return
	}

	clientID := fmt.Sprintf("ws_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&s.clientSeq, 1))
	send := make(chan []byte, wsSendBuffer)
	s.subs.Register(clientID, send)
	metrics.WebSocketClients.Inc()
	log.Printf("📱 [WebSocketPush] client connected: %s", clientID)

	if refID := r.URL.Query().Get("refId"); refID != "" {
		s.subs.SubscribeRefID(clientID, refID)
	}
	if user := r.URL.Query().Get("user"); user != "" {
		s.subs.SubscribeUser(clientID, user)
	}

	s.sendToClient(send, PushMessage{
		Type:      "connection_established",
		Timestamp: time.Now().Format(time.RFC3339),
		MessageID: generateMessageID(),
		Data:      map[string]interface{}{"connection_id": clientID},
	})

	go s.writePump(clientID, conn, send)
	go s.readPump(clientID, conn)
}

// ActiveClients returns the number of connected push clients.
func (s *WebSocketPushService) ActiveClients() int {
	return s.subs.Count()
}

func (s *WebSocketPushService) sendToClient(send chan []byte, message PushMessage) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("❌ [WebSocketPush] failed to marshal message: %v", err)
		return
	}
	select {
	case send <- data:
	default:
	}
}

func (s *WebSocketPushService) writePump(clientID string, conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketPushService) readPump(clientID string, conn *websocket.Conn) {
	defer func() {
		s.subs.Unregister(clientID)
		metrics.WebSocketClients.Dec()
		conn.Close()
		log.Printf("📱 [WebSocketPush] client disconnected: %s", clientID)
	}()

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️ [WebSocketPush] read error on %s: %v", clientID, err)
			}
			return
		}

		var cmd wsClientCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		switch cmd.Action {
		case "subscribe":
			if cmd.RefID != "" {
				s.subs.SubscribeRefID(clientID, cmd.RefID)
			}
			if cmd.User != "" {
				s.subs.SubscribeUser(clientID, cmd.User)
			}
		case "unsubscribe":
			if cmd.RefID != "" {
				s.subs.UnsubscribeRefID(clientID, cmd.RefID)
			}
		}
	}
}

func generateMessageID() string {
	return fmt.Sprintf("msg_%d", time.Now().UnixNano())
}

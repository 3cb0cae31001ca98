// Package realtime はWebSocketで閲覧者にイベントを通知するハブを提供する。
// 決済照合の完了を「処理中」画面に届け、ポーリングせずに表示を更新させる。
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 16
)

// Event はクライアントへ送信するメッセージ。
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type message struct {
	userID string
	data   []byte
}

// Client はユーザーの1接続を表す。同一ユーザーは複数接続を持てる。
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

// Hub は接続中のクライアントを管理し、ユーザー宛のイベントを配送する。
// クライアント集合はRunのゴルーチンだけが操作する。
type Hub struct {
	clients    map[string]map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	broadcast  chan message
	done       chan struct{}
	logger     *slog.Logger
}

// NewHub はHubを生成する。Runを別ゴルーチンで起動して使用する。
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 64),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run はctxがキャンセルされるまでイベントを配送する。終了時に全接続の送信チャネルを閉じる。
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = make(map[string]map[*Client]struct{})
			return

		case c := <-h.register:
			set, ok := h.clients[c.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[c.userID] = set
			}
			set[c] = struct{}{}
			h.logger.Debug("websocket client registered", slog.String("user_id", c.userID))

		case c := <-h.unregister:
			h.remove(c)

		case msg := <-h.broadcast:
			for c := range h.clients[msg.userID] {
				select {
				case c.send <- msg.data:
				default:
					// 送信が詰まっている接続は切断する
					h.remove(c)
				}
			}
		}
	}
}

func (h *Hub) remove(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	close(c.send)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	h.logger.Debug("websocket client unregistered", slog.String("user_id", c.userID))
}

// Publish はユーザー宛にイベントを送信する。
// 配送キューが満杯の場合はイベントを破棄し、呼び出し元をブロックしない。
func (h *Hub) Publish(userID, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal realtime event",
			slog.String("type", eventType),
			slog.String("error", err.Error()),
		)
		return
	}

	select {
	case h.broadcast <- message{userID: userID, data: data}:
	default:
		h.logger.Warn("realtime queue full, dropping event",
			slog.String("user_id", userID),
			slog.String("type", eventType),
		)
	}
}

// Attach は確立済みのWebSocket接続をユーザーに紐付け、送受信ループを開始する。
// 接続が閉じるまでブロックする。
func (h *Hub) Attach(ctx context.Context, conn *websocket.Conn, userID string) {
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		userID: userID,
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	case <-ctx.Done():
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump()
}

// readPump はクライアントからの切断とpongを検出する。受信メッセージは使用しない。
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error",
					slog.String("user_id", c.userID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

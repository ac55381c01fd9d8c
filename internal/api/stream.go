package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"OpenBazaar-Chain/internal/market"
	"OpenBazaar-Chain/pkg/logger"

	"github.com/gorilla/websocket"
)

// StreamHub 把会话生命周期事件实时推送给 websocket 订阅者。
// 它实现 market.EventSink，推送落后的订阅者会被直接断开。
type StreamHub struct {
	upgrader websocket.Upgrader
	log      *slog.Logger

	mu      sync.Mutex
	clients map[*streamClient]struct{}
	closed  bool
}

type streamClient struct {
	conn *websocket.Conn
	out  chan []byte
}

var _ market.EventSink = (*StreamHub)(nil)

// NewStreamHub 创建推送中心。
func NewStreamHub() *StreamHub {
	return &StreamHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 4 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log:     logger.Named("stream"),
		clients: make(map[*streamClient]struct{}),
	}
}

// Emit 实现 market.EventSink，把事件广播给所有订阅者。
func (h *StreamHub) Emit(event market.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.out <- payload:
		default:
			// 写缓冲打满的订阅者拖慢广播，直接踢掉。
			delete(h.clients, client)
			close(client.out)
		}
	}
}

// ServeHTTP 升级连接并开始推送。
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &streamClient{conn: conn, out: make(chan []byte, 64)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	h.log.Debug("订阅者已接入", slog.String("remote", r.RemoteAddr))

	go h.writeLoop(client)
	h.readLoop(client)
}

// writeLoop 把广播出去的事件写到连接上。
func (h *StreamHub) writeLoop(client *streamClient) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-client.out:
			if !ok {
				_ = client.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				_ = client.conn.Close()
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.drop(client)
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(client)
				return
			}
		}
	}
}

// readLoop 只为感知对端断开，订阅者发来的数据一律丢弃。
func (h *StreamHub) readLoop(client *streamClient) {
	client.conn.SetReadLimit(1024)
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			h.drop(client)
			return
		}
	}
}

func (h *StreamHub) drop(client *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.out)
	}
	h.mu.Unlock()
	_ = client.conn.Close()
}

// Shutdown 断开所有订阅者并拒绝新的接入。
func (h *StreamHub) Shutdown(context.Context) error {
	h.mu.Lock()
	h.closed = true
	for client := range h.clients {
		delete(h.clients, client)
		close(client.out)
	}
	h.mu.Unlock()
	return nil
}

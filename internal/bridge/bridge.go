// Package bridge connects to a WhatsApp bridge over WebSocket. The bridge
// (whatsapp-web.js based) speaks the actual WhatsApp protocol; this client
// exchanges JSON frames with it and hands inbound guest messages to the
// router.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// InboundMessage is one guest message delivered by the bridge.
type InboundMessage struct {
	Phone      string
	PushName   string
	Content    string
	InstanceID string
	MessageID  string
}

// Handler processes inbound messages. Called from the listen goroutine;
// implementations should not block for long.
type Handler func(ctx context.Context, msg InboundMessage)

// Client is the WebSocket bridge client. Safe for concurrent sends.
type Client struct {
	url     string
	token   string
	handler Handler

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	limiters sync.Map // phone → *rate.Limiter
	rpm      int

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bridge client. rpm limits outbound messages per phone per
// minute (0 = default 20).
func New(url, token string, rpm int, handler Handler) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	if rpm <= 0 {
		rpm = 20
	}
	return &Client{url: url, token: token, rpm: rpm, handler: handler}, nil
}

// Start connects to the bridge and begins listening. The initial dial may
// fail; the reconnect loop keeps trying.
func (c *Client) Start(ctx context.Context) error {
	slog.Info("starting whatsapp bridge client", "url", c.url)
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("initial bridge connection failed, will retry", "error", err)
	}
	go c.listenLoop()
	return nil
}

// Stop closes the connection and stops the listen loop.
func (c *Client) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp bridge client")
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	return nil
}

// SendMessage delivers a text message to a phone number, subject to the
// per-phone rate limit.
func (c *Client) SendMessage(ctx context.Context, to, text, instanceID string) error {
	if err := c.limiter(to).Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", to, err)
	}
	return c.writeJSON(map[string]interface{}{
		"type":        "message",
		"to":          to,
		"content":     text,
		"instance_id": instanceID,
	})
}

// SendTyping shows the typing indicator in the guest's chat. Not rate
// limited; the bridge coalesces repeated indicators.
func (c *Client) SendTyping(ctx context.Context, phone, instanceID string) error {
	return c.writeJSON(map[string]interface{}{
		"type":        "typing",
		"to":          phone,
		"instance_id": instanceID,
	})
}

func (c *Client) limiter(phone string) *rate.Limiter {
	if l, ok := c.limiters.Load(phone); ok {
		return l.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(float64(c.rpm)/60.0), 5)
	actual, _ := c.limiters.LoadOrStore(phone, l)
	return actual.(*rate.Limiter)
}

func (c *Client) writeJSON(payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bridge frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("bridge not connected")
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send bridge frame: %w", err)
	}
	return nil
}

func (c *Client) connect() error {
	dialer := websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, _, err := dialer.Dial(c.url, header)
	if err != nil {
		return fmt.Errorf("dial bridge %s: %w", c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	slog.Info("whatsapp bridge connected", "url", c.url)
	return nil
}

// listenLoop reads frames from the bridge with automatic reconnection.
func (c *Client) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("attempting bridge reconnect", "backoff", backoff)
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if err := c.connect(); err != nil {
				slog.Warn("bridge reconnect failed", "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}
			backoff = time.Second
			continue
		}

		_, frame, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			c.mu.Lock()
			if c.conn != nil {
				_ = c.conn.Close()
				c.conn = nil
			}
			c.connected = false
			c.mu.Unlock()
			continue
		}

		var msg map[string]interface{}
		if err := json.Unmarshal(frame, &msg); err != nil {
			slog.Warn("invalid bridge frame", "error", err)
			continue
		}
		if t, _ := msg["type"].(string); t == "message" {
			c.handleInbound(msg)
		}
	}
}

// handleInbound parses a message frame and hands it to the handler.
// Expected format: {"type":"message","from":"...","content":"...","id":"...","from_name":"...","instance_id":"..."}
func (c *Client) handleInbound(msg map[string]interface{}) {
	phone, ok := msg["from"].(string)
	if !ok || phone == "" {
		return
	}
	content, _ := msg["content"].(string)
	if content == "" {
		return
	}

	in := InboundMessage{Phone: phone, Content: content}
	in.PushName, _ = msg["from_name"].(string)
	in.InstanceID, _ = msg["instance_id"].(string)
	in.MessageID, _ = msg["id"].(string)

	slog.Debug("bridge message received", "phone", phone, "len", len(content))
	if c.handler != nil {
		c.handler(c.ctx, in)
	}
}

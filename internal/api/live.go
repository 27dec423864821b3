package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
	liveBuffer     = 16
)

// liveMessage is what each websocket client receives per tick.
type liveMessage struct {
	world.Summary
	DiedIDs []string `json:"died_ids"`
	BornIDs []string `json:"born_ids"`
}

// LiveFeed pushes tick summaries to websocket clients. It is a world.Sink.
type LiveFeed struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*liveClient]struct{}
	logger   *zap.Logger
}

type liveClient struct {
	conn *websocket.Conn
	send chan []byte
}

func newLiveFeed(logger *zap.Logger) *LiveFeed {
	return &LiveFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*liveClient]struct{}),
		logger:  logger,
	}
}

// Name implements world.Sink.
func (f *LiveFeed) Name() string { return "websocket" }

// Clients returns the number of connected clients.
func (f *LiveFeed) Clients() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

// OnEvolved implements world.Sink. Clients whose buffer is full are dropped.
func (f *LiveFeed) OnEvolved(_ context.Context, r *world.Report) error {
	data, err := json.Marshal(liveMessage{Summary: r.Summary(), DiedIDs: r.DiedIDs, BornIDs: r.BornIDs})
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		select {
		case c.send <- data:
		default:
			f.logger.Warn("dropping slow live client", zap.String("remote", c.conn.RemoteAddr().String()))
			delete(f.clients, c)
			close(c.send)
		}
	}
	return nil
}

// Close disconnects every client.
func (f *LiveFeed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for c := range f.clients {
		delete(f.clients, c)
		close(c.send)
	}
}

func (f *LiveFeed) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &liveClient{conn: conn, send: make(chan []byte, liveBuffer)}

	f.mu.Lock()
	f.clients[c] = struct{}{}
	f.mu.Unlock()
	f.logger.Debug("live client connected", zap.String("remote", conn.RemoteAddr().String()))

	go f.writePump(c)
	f.readPump(c)
}

func (f *LiveFeed) remove(c *liveClient) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.clients[c]; ok {
		delete(f.clients, c)
		close(c.send)
	}
}

// readPump discards client input and notices disconnects.
func (f *LiveFeed) readPump(c *liveClient) {
	defer func() {
		f.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(livePongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (f *LiveFeed) writePump(c *liveClient) {
	ticker := time.NewTicker(livePingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

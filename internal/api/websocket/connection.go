package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/time/rate"

	"github.com/skyduel/skyduel/pkg/models"
)

// writeTimeout bounds a single frame write or ping.
const writeTimeout = 10 * time.Second

// Connection is one authenticated control session.
type Connection struct {
	ID    string
	Actor models.AdminActor

	conn *websocket.Conn
	send chan []byte
	hub  *Server

	limiter *rate.Limiter

	mu            sync.RWMutex
	topics        map[string]struct{}
	lastHeartbeat time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// touchHeartbeat records a client heartbeat.
func (c *Connection) touchHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// heartbeatAge reports how long ago the client last sent a heartbeat.
func (c *Connection) heartbeatAge(now time.Time) time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return now.Sub(c.lastHeartbeat)
}

// subscribe adds a topic to this session. It reports whether the topic
// was newly added.
func (c *Connection) subscribe(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; ok {
		return false
	}
	c.topics[topic] = struct{}{}
	return true
}

// unsubscribe removes a topic from this session.
func (c *Connection) unsubscribe(topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()
}

// hasTopic reports whether the session subscribed to a topic.
func (c *Connection) hasTopic(topic string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// topicList snapshots the session's subscriptions.
func (c *Connection) topicList() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	topics := make([]string, 0, len(c.topics))
	for topic := range c.topics {
		topics = append(topics, topic)
	}
	return topics
}

// sendFrame queues one frame for delivery. Frames are dropped, with a
// warning, when the session cannot keep up.
func (c *Connection) sendFrame(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("Failed to encode frame", map[string]interface{}{
			"connection_id": c.ID,
			"type":          frame.Type,
			"error":         err.Error(),
		})
		return
	}

	select {
	case c.send <- data:
	case <-c.closed:
	default:
		c.hub.logger.Warn("Dropping frame, send buffer full", map[string]interface{}{
			"connection_id": c.ID,
			"type":          frame.Type,
		})
		c.hub.metrics.IncrementCounterWithLabels("skyduel_frames_dropped", 1, map[string]string{
			"type": frame.Type,
		})
	}
}

// sendError queues a typed error frame. The session continues.
func (c *Connection) sendError(code, message string) {
	c.sendFrame(errorFrame(code, message))
}

// close tears the session down once. Safe from any goroutine.
func (c *Connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		if err := c.conn.Close(code, reason); err != nil {
			c.hub.logger.Debug("Error closing control connection", map[string]interface{}{
				"connection_id": c.ID,
				"error":         err.Error(),
			})
		}
	})
}

// readPump reads frames until the connection drops, applying the
// per-session rate limit before dispatch.
func (c *Connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.hub.logger.Debug("Control connection read ended", map[string]interface{}{
					"connection_id": c.ID,
					"error":         err.Error(),
				})
			}
			return
		}

		if !c.limiter.Allow() {
			c.sendError(CodeSessionError, "rate limit exceeded")
			continue
		}

		c.hub.handleFrame(ctx, c, frame)
	}
}

// writePump drains the send channel and keeps the connection alive with
// pings.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close(websocket.StatusNormalClosure, "")
	}()

	ctx := context.Background()
	for {
		select {
		case <-c.closed:
			return

		case data := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.hub.logger.Debug("Control connection write failed", map[string]interface{}{
					"connection_id": c.ID,
					"error":         err.Error(),
				})
				return
			}

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				c.hub.logger.Debug("Control connection ping failed", map[string]interface{}{
					"connection_id": c.ID,
					"error":         err.Error(),
				})
				return
			}
		}
	}
}

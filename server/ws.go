package server

import (
	"TrackDetServer/logger"
	"TrackDetServer/worker"
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait    = 5 * time.Second
	maxFrameSize = 64 << 20
)

// instance is one /ws/worker connection with its own dedicated worker.
type instance struct {
	id         string
	worker     *worker.Worker
	conn       *websocket.Conn
	mu         sync.Mutex
	lastActive time.Time
	closeOnce  sync.Once
	cancel     chan struct{}
}

func (inst *instance) touch() {
	inst.mu.Lock()
	inst.lastActive = time.Now()
	inst.mu.Unlock()
}

func (inst *instance) idleFor() time.Duration {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return time.Since(inst.lastActive)
}

func (s *Server) Sessions() int {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return len(s.sessions)
}

func (s *Server) releaseInstance(id, reason string) bool {
	s.sessionMu.Lock()
	inst, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
	}
	s.sessionMu.Unlock()
	if !ok {
		return false
	}
	inst.closeOnce.Do(func() {
		close(inst.cancel)
		_ = inst.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
		_ = inst.conn.Close()
		inst.worker.Close()
	})
	logger.Log().Info("worker session released", zap.String("session", id), zap.String("reason", reason))
	return true
}

func (s *Server) startIdleMonitor(inst *instance) {
	go func() {
		ticker := time.NewTicker(s.opts.IdleTimeout / 4)
		defer ticker.Stop()
		for {
			select {
			case <-inst.cancel:
				return
			case <-ticker.C:
				if inst.idleFor() > s.opts.IdleTimeout {
					s.releaseInstance(inst.id, "idle timeout")
					return
				}
			}
		}
	}()
}

// workerStream speaks the worker protocol as msgpack binary messages, one
// reply per request.
func (s *Server) workerStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(maxFrameSize)

	inst := &instance{
		id:         uuid.NewString(),
		worker:     worker.New(s.ctx, s.opts.NewEngine),
		conn:       conn,
		lastActive: time.Now(),
		cancel:     make(chan struct{}),
	}
	s.sessionMu.Lock()
	s.sessions[inst.id] = inst
	s.sessionMu.Unlock()
	s.startIdleMonitor(inst)
	defer s.releaseInstance(inst.id, "connection closed")
	logger.Log().Info("worker session opened", zap.String("session", inst.id))

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			logger.Log().Debug("worker session read ended", zap.String("session", inst.id), zap.Error(err))
			return
		}
		inst.touch()

		var reply worker.Message
		if mt != websocket.BinaryMessage {
			reply = worker.ErrorMsg{Error: "unsupported message type"}
		} else if msg, err := worker.Decode(data); err != nil {
			reply = worker.ErrorMsg{Error: err.Error()}
		} else if reply, err = inst.worker.Call(s.ctx, msg); err != nil {
			return
		}

		out, err := worker.Encode(reply)
		if err != nil {
			logger.Log().Error("encode worker reply", zap.Error(err))
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
			return
		}
		inst.touch()
	}
}

// liveStream pushes throttled live snapshots as JSON text messages.
func (s *Server) liveStream(c *gin.Context) {
	if s.opts.Live == nil {
		c.JSON(404, gin.H{"error": "live capture disabled"})
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	updates, unsubscribe := s.opts.Live.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	go func() {
		// reads only detect the close
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := s.writeJSON(conn, s.opts.Live.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case snap := <-updates:
			if err := s.writeJSON(conn, snap); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

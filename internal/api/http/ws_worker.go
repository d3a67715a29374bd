package apihttp

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pricefinder/internal/domain"
	"pricefinder/internal/worker"
)

const (
	workerSecretHeader = "X-Worker-Secret"

	wsWriteWait         = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 60 * time.Second
	workerSendBuffer    = 16
	workerReadLimit     = 64 << 10

	msgHello       = "hello"
	msgNewJob      = "new_job"
	msgJobComplete = "job_complete"
)

var (
	errWorkerClosed     = errors.New("worker connection closed")
	errWorkerBufferFull = errors.New("worker send buffer full")
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

type wsInbound struct {
	Type string `json:"type"`
	Data struct {
		Query string `json:"query"`
	} `json:"data"`
	Query string `json:"query"`
}

func (m wsInbound) query() string {
	if q := strings.TrimSpace(m.Data.Query); q != "" {
		return q
	}
	return strings.TrimSpace(m.Query)
}

var workerUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// workerConn is the socket side of worker.Transport. Sends never block: messages
// go through a buffered channel drained by writePump.
type workerConn struct {
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingInterval time.Duration
	pongWait     time.Duration
	logger       *slog.Logger
}

func newWorkerConn(conn *websocket.Conn, pingInterval, pongWait time.Duration, logger *slog.Logger) *workerConn {
	return &workerConn{
		conn:         conn,
		send:         make(chan []byte, workerSendBuffer),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		pongWait:     pongWait,
		logger:       logger,
	}
}

func (c *workerConn) SendJob(job domain.Job) error {
	return c.enqueue(wsMessage{Type: msgNewJob, Data: job})
}

func (c *workerConn) enqueue(msg wsMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errWorkerClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.done:
		return errWorkerClosed
	default:
		return errWorkerBufferFull
	}
}

func (c *workerConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *workerConn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "worker disconnected"),
				time.Now().Add(2*time.Second),
			)
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logger.Warn("worker write failed", slog.String("error", err.Error()))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		}
	}
}

// readPump runs until the socket fails, then reports the session closed.
func (c *workerConn) readPump(session *worker.Session) {
	defer func() {
		session.Close()
		_ = c.Close()
	}()
	c.conn.SetReadLimit(workerReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})
	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("worker socket closed", slog.String("sessionId", session.ID()), slog.String("error", err.Error()))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

		var msg wsInbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Warn("worker sent invalid message", slog.String("error", err.Error()))
			continue
		}
		switch msg.Type {
		case msgJobComplete:
			key := domain.NormalizeQuery(msg.query())
			if err := session.Complete(key); err != nil {
				c.logger.Debug("job completion ignored",
					slog.String("query", key.String()),
					slog.String("error", err.Error()),
				)
			}
		default:
			c.logger.Debug("worker message ignored", slog.String("type", msg.Type))
		}
	}
}

func workerCredential(r *http.Request) string {
	if secret := strings.TrimSpace(r.Header.Get(workerSecretHeader)); secret != "" {
		return secret
	}
	return strings.TrimSpace(r.URL.Query().Get("secret"))
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	credential := workerCredential(r)
	if !s.workers.Authenticate(credential) {
		s.logger.Warn("worker handshake rejected", slog.String("clientIP", clientIP(r)))
		writeError(w, http.StatusForbidden, "forbidden", "invalid worker secret")
		return
	}
	conn, err := workerUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("worker upgrade failed", slog.String("error", err.Error()))
		return
	}

	wc := newWorkerConn(conn, s.pingInterval, s.pongWait, s.logger)
	_ = wc.enqueue(wsMessage{Type: msgHello, Data: map[string]string{"status": "connected"}})
	session, err := s.workers.Connect(credential, wc)
	if err != nil {
		_ = conn.Close()
		return
	}
	s.logger.Info("worker socket attached",
		slog.String("sessionId", session.ID()),
		slog.String("clientIP", clientIP(r)),
	)
	go wc.writePump()
	go wc.readPump(session)
}

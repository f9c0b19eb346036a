// Package stream pushes case report summaries to websocket subscribers.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/vita-cdss/cdss-core/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 16
)

// Summary is the message sent for every completed report. It never carries
// the per-model scores.
type Summary struct {
	ReportID          string    `json:"report_id"`
	RequestID         string    `json:"request_id,omitempty"`
	StudyInstanceUID  string    `json:"study_instance_uid"`
	PseudonymousID    string    `json:"pseudonymous_id"`
	Modalities        []string  `json:"modalities"`
	OverallFlag       bool      `json:"overall_flag"`
	Complete          bool      `json:"complete"`
	AggregationPolicy string    `json:"aggregation_policy"`
	ModelCount        int       `json:"model_count"`
	SucceededCount    int       `json:"succeeded_count"`
	GeneratedAt       time.Time `json:"generated_at"`
}

// Summarize builds the stream message for a report
func Summarize(report *domain.CaseReport) Summary {
	return Summary{
		ReportID:          report.ReportID,
		RequestID:         report.RequestID,
		StudyInstanceUID:  report.StudyInstanceUID,
		PseudonymousID:    report.PseudonymousID,
		Modalities:        append([]string(nil), report.Modalities...),
		OverallFlag:       report.OverallFlag,
		Complete:          report.Complete,
		AggregationPolicy: report.AggregationPolicy,
		ModelCount:        len(report.Results),
		SucceededCount:    report.SucceededCount(),
		GeneratedAt:       report.GeneratedAt,
	}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans report summaries out to connected websocket clients. It implements
// domain.ReportSink and http.Handler.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.RWMutex
	clients  map[*client]struct{}
	closed   bool
	log      *logrus.Logger
}

// NewHub creates an empty hub
func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*client]struct{}),
		log:     logger,
	}
}

// ServeHTTP upgrades the request and holds the subscription until the client
// goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	h.log.WithField("remote_addr", r.RemoteAddr).Info("Report stream subscriber connected")

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// readPump drains client frames so control messages are processed.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Write broadcasts the report summary. Subscribers whose buffer is full are
// disconnected rather than blocking the caller.
func (h *Hub) Write(_ context.Context, report *domain.CaseReport) error {
	if report == nil {
		return fmt.Errorf("report is required")
	}
	data, err := json.Marshal(Summarize(report))
	if err != nil {
		return fmt.Errorf("failed to encode report summary: %w", err)
	}

	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("Dropping slow report stream subscriber")
		h.unregister(c)
	}
	return nil
}

// ClientCount returns the number of connected subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}

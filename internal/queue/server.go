package queue

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/visiona/multicam/internal/frame"
)

// pushAck is the per-handle reply the server sends back over the websocket.
// Accepted=false means the bounded buffer stayed full past the server-side
// wait and the worker must apply the drop policy.
type pushAck struct {
	Seq      uint64 `json:"seq"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Server accepts one websocket connection per capture worker on a unix
// socket and feeds their handles into the bounded queue. It lives in the
// consumer process.
type Server struct {
	q        *Queue
	path     string
	pushWait time.Duration
	log      *slog.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
	ln       net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a transport server over q, listening on the unix socket
// at path. pushWait bounds how long an incoming handle may wait for buffer
// space before it is rejected.
func NewServer(q *Queue, path string, pushWait time.Duration, logger *slog.Logger) *Server {
	return &Server{
		q:        q,
		path:     path,
		pushWait: pushWait,
		log:      logger,
	}
}

// Start begins listening. It returns once the listener is ready; connection
// handling runs in the background until Close.
func (s *Server) Start() error {
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("queue: listen %s: %w", s.path, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/push", s.handlePush)
	s.httpSrv = &http.Server{Handler: mux}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("queue: transport server failed", "error", err)
		}
	}()

	s.log.Info("queue: transport listening", "socket", s.path)
	return nil
}

// handlePush upgrades a worker connection and enqueues its handles until the
// worker disconnects. One goroutine per connection; a connection's handles
// enter the buffer in arrival order, which is the per-camera FIFO guarantee.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("queue: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	camera := r.URL.Query().Get("camera")
	s.log.Info("queue: worker connected", "camera", camera)

	for {
		var h frame.Handle
		if err := conn.ReadJSON(&h); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("queue: worker connection lost", "camera", camera, "error", err)
			} else {
				s.log.Debug("queue: worker disconnected", "camera", camera)
			}
			return
		}

		ack := pushAck{Seq: h.Seq}
		if err := h.Validate(); err != nil {
			ack.Reason = err.Error()
			s.log.Warn("queue: rejecting malformed handle", "camera", camera, "error", err)
		} else if s.q.Push(h, s.pushWait) {
			ack.Accepted = true
		} else {
			ack.Reason = "queue full"
		}

		if err := conn.WriteJSON(ack); err != nil {
			s.log.Warn("queue: ack write failed", "camera", camera, "error", err)
			return
		}
	}
}

// Close stops the listener and waits for connection handlers to finish.
func (s *Server) Close() error {
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Close()
	s.wg.Wait()
	return err
}

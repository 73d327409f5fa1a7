// File: internal/prototest/server.go
//
// Package prototest provides an in-process fake DevTools endpoint for tests:
// an httptest WebSocket server that answers commands through a pluggable
// handler and can push unsolicited events, so the transport, tracker, handle
// and page packages can be exercised without a real browser.
package prototest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
)

// Request is one decoded command frame received from the client under test.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Handler answers one command. Implementations reply through the server
// (Reply/ReplyError) and may do so out of order or not at all.
type Handler func(s *Server, req Request)

// Server is the fake endpoint. A nil handler acknowledges every command with
// an empty result, which is what most enable-style commands return.
type Server struct {
	t   *testing.T
	hs  *httptest.Server
	mu  sync.Mutex
	ws  *websocket.Conn
	h   Handler
	got []Request

	ready chan struct{}
	once  sync.Once
}

// NewServer starts the fake endpoint. It is shut down via t.Cleanup.
func NewServer(t *testing.T, h Handler) *Server {
	t.Helper()
	s := &Server{t: t, h: h, ready: make(chan struct{})}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	s.hs = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.ws = ws
		s.mu.Unlock()
		s.once.Do(func() { close(s.ready) })
		s.readLoop(ws)
	}))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// endpoint clients should dial.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.hs.URL, "http")
}

// Close tears the server down. Safe to call more than once.
func (s *Server) Close() {
	s.mu.Lock()
	if s.ws != nil {
		_ = s.ws.Close()
		s.ws = nil
	}
	s.mu.Unlock()
	s.hs.Close()
}

// Requests returns a copy of every command frame seen so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.got))
	copy(out, s.got)
	return out
}

// Reply sends a {id, result} response frame.
func (s *Server) Reply(id int64, result any) {
	s.send(map[string]any{"id": id, "result": result})
}

// ReplyError sends a {id, error:{code, message}} response frame.
func (s *Server) ReplyError(id int64, code int64, message string) {
	s.send(map[string]any{"id": id, "error": map[string]any{"code": code, "message": message}})
}

// Emit pushes an unsolicited {method, params} event frame.
func (s *Server) Emit(method string, params any) {
	<-s.ready
	s.send(map[string]any{"method": method, "params": params})
}

func (s *Server) send(frame any) {
	buf, err := json.Marshal(frame)
	if err != nil {
		s.t.Errorf("prototest: marshal frame: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ws == nil {
		return
	}
	if err := s.ws.WriteMessage(websocket.TextMessage, buf); err != nil {
		// The client hung up first; tests that care assert on their own reads.
		return
	}
}

func (s *Server) readLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.t.Errorf("prototest: unparseable client frame: %s", data)
			continue
		}
		s.mu.Lock()
		s.got = append(s.got, req)
		s.mu.Unlock()

		if s.h != nil {
			s.h(s, req)
			continue
		}
		s.Reply(req.ID, struct{}{})
	}
}

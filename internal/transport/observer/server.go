package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blockwalker.ai/internal/observerproto"
	"blockwalker.ai/internal/walker/runtime"
)

const (
	backlogSize = 256
	maxBacklog  = backlogSize
	sessionBuf  = 1024
)

// StatusSource is the read-only controller view served by the bootstrap endpoint.
type StatusSource interface {
	State() runtime.State
	LastReport() (runtime.Report, bool)
}

// Server fans controller notices, outcomes and reports out to loopback observers. It is a
// runtime.Notifier and a runtime.Recorder; neither call blocks on a slow observer.
type Server struct {
	agentName string
	log       *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
	seq      atomic.Uint64
	dropped  atomic.Uint64

	status atomic.Pointer[StatusSource]

	mu       sync.Mutex
	sessions map[string]chan []byte
	backlog  [][]byte
}

func NewServer(agentName string, logger *log.Logger) *Server {
	return &Server{
		agentName: agentName,
		log:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]chan []byte{},
	}
}

// Attach sets the controller whose state the bootstrap endpoint reports.
func (s *Server) Attach(src StatusSource) {
	if src == nil {
		return
	}
	s.status.Store(&src)
}

func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Dropped counts messages discarded because an observer fell behind.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) Notify(text string) {
	s.publish(observerproto.NoticeMsg{
		Type:            observerproto.TypeNotice,
		ProtocolVersion: observerproto.Version,
		Seq:             s.seq.Add(1),
		Text:            text,
	}, true)
}

func (s *Server) RecordOutcome(o runtime.Outcome) {
	msg := observerproto.OutcomeMsg{
		Type:            observerproto.TypeOutcome,
		ProtocolVersion: observerproto.Version,
		RunID:           o.RunID,
		Seq:             o.Seq,
		Target:          [3]int{o.Target.X, o.Target.Y, o.Target.Z},
		Result:          string(o.Result),
		PathLen:         o.PathLen,
	}
	if o.AccessPoint != nil {
		ap := [3]int{o.AccessPoint.X, o.AccessPoint.Y, o.AccessPoint.Z}
		msg.AccessPoint = &ap
	}
	s.publish(msg, false)
}

func (s *Server) RecordReport(r runtime.Report) {
	msg := reportMsg(r)
	s.publish(msg, false)
}

func reportMsg(r runtime.Report) observerproto.ReportMsg {
	return observerproto.ReportMsg{
		Type:            observerproto.TypeReport,
		ProtocolVersion: observerproto.Version,
		RunID:           r.RunID,
		Status:          r.Status(),
		Targets:         r.Targets,
		Visited:         r.Visited,
		Unreachable:     r.Unreachable,
		AbortReason:     r.AbortReason,
		DurationMS:      r.Finished.Sub(r.Started).Milliseconds(),
	}
}

func (s *Server) publish(v any, keep bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if keep {
		if len(s.backlog) == backlogSize {
			copy(s.backlog, s.backlog[1:])
			s.backlog = s.backlog[:backlogSize-1]
		}
		s.backlog = append(s.backlog, b)
	}
	for _, out := range s.sessions {
		select {
		case out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			AgentName:       s.agentName,
			State:           runtime.StateIdle.String(),
		}
		if src := s.status.Load(); src != nil {
			resp.State = (*src).State().String()
			if rep, ok := (*src).LastReport(); ok {
				msg := reportMsg(rep)
				resp.LastReport = &msg
			}
		}

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := s.join(sid, sub.Backlog)
		defer s.leave(sid)
		if s.log != nil {
			s.log.Printf("observer %s joined", sid)
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Observers are read-only; the reader only notices the close.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) join(sid string, backlog int) chan []byte {
	if backlog < 0 {
		backlog = 0
	}
	if backlog > maxBacklog {
		backlog = maxBacklog
	}
	out := make(chan []byte, sessionBuf)
	s.mu.Lock()
	defer s.mu.Unlock()
	start := len(s.backlog) - backlog
	if start < 0 {
		start = 0
	}
	for _, b := range s.backlog[start:] {
		out <- b
	}
	s.sessions[sid] = out
	return out
}

func (s *Server) leave(sid string) {
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

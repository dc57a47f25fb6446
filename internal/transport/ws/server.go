package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blockwalker.ai/internal/protocol"
	simenc "blockwalker.ai/internal/sim/encoding"
	"blockwalker.ai/internal/sim/world"
	"blockwalker.ai/internal/walker/model"
)

// Server exposes one world to remote walkers. Each connection binds to one agent.
type Server struct {
	world *world.World
	log   *log.Logger

	upgrader websocket.Upgrader

	// RequestTimeout bounds each world request made on behalf of a client.
	RequestTimeout time.Duration

	conns    atomic.Int64
	requests atomic.Uint64
}

func NewServer(w *world.World, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		world: w,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		RequestTimeout: 5 * time.Second,
	}
}

// Connections is the number of connected clients.
func (s *Server) Connections() int64 { return s.conns.Load() }

// Requests counts answered CELLS, POSE and MOVE messages.
func (s *Server) Requests() uint64 { return s.requests.Load() }

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		agentID := s.handshake(r.Context(), conn)
		if agentID == "" {
			return
		}
		s.conns.Add(1)
		defer s.conns.Add(-1)
		s.log.Printf("agent %s connected from %s", agentID, r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		out := make(chan []byte, 16)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) bool {
			b, err := json.Marshal(v)
			if err != nil {
				return false
			}
			select {
			case out <- b:
				return true
			case <-ctx.Done():
				return false
			}
		}

		// Reader loop. Requests are answered in order.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			resp := s.dispatch(ctx, agentID, msg)
			if resp == nil {
				continue
			}
			if !send(resp) {
				break
			}
		}
		s.log.Printf("agent %s disconnected", agentID)
	}
}

func (s *Server) handshake(ctx context.Context, conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closeWith(conn, "expected HELLO")
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		closeWith(conn, "bad HELLO")
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		closeWith(conn, "bad protocol_version")
		return ""
	}
	if hello.AgentName == "" {
		hello.AgentName = "walker"
	}

	jctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()
	resp, err := s.world.Join(jctx, hello.AgentName, hello.AgentID)
	if err != nil {
		closeWith(conn, codeFor(err))
		return ""
	}

	blocks := s.world.Blocks()
	b := s.world.Bounds()
	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		AgentID:         resp.AgentID,
		WorldID:         s.world.ID(),
		Bounds:          boxMsg(b),
		Pos:             [3]float64{resp.Pose.X, resp.Pose.Y, resp.Pose.Z},
		ChunkSize:       world.ChunkSize,
		BlockPalette:    protocol.DigestRef{Digest: blocks.PaletteDigest, Count: len(blocks.Palette)},
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return resp.AgentID
}

// dispatch answers one client message. A nil result means nothing is sent back.
func (s *Server) dispatch(ctx context.Context, agentID string, msg []byte) any {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return errorMsg("", protocol.ErrProtoBadRequest, "invalid json")
	}
	if base.ProtocolVersion != protocol.Version {
		return errorMsg(base.ID, protocol.ErrProtoBadRequest, "bad protocol_version")
	}
	rctx, cancel := context.WithTimeout(ctx, s.RequestTimeout)
	defer cancel()

	switch base.Type {
	case protocol.TypeCells:
		var m protocol.CellsMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return errorMsg(base.ID, protocol.ErrProtoBadRequest, err.Error())
		}
		s.requests.Add(1)
		res := protocol.CellsResultMsg{Type: protocol.TypeCellsResult, ProtocolVersion: protocol.Version, ID: m.ID, Box: m.Box}
		kinds, err := s.world.RequestCells(rctx, regionOf(m.Box))
		if err != nil {
			res.Code, res.Message = codeFor(err), err.Error()
			return res
		}
		ids := make([]uint16, len(kinds))
		for i, k := range kinds {
			ids[i] = uint16(k)
		}
		res.Kinds = simenc.EncodeRLE(ids)
		return res

	case protocol.TypePose:
		var m protocol.PoseMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return errorMsg(base.ID, protocol.ErrProtoBadRequest, err.Error())
		}
		s.requests.Add(1)
		res := protocol.PoseResultMsg{Type: protocol.TypePoseResult, ProtocolVersion: protocol.Version, ID: m.ID}
		pose, err := s.world.RequestPose(rctx, agentID)
		if err != nil {
			res.Code, res.Message = codeFor(err), err.Error()
			return res
		}
		res.Pos = [3]float64{pose.X, pose.Y, pose.Z}
		return res

	case protocol.TypeMove:
		var m protocol.MoveMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			return errorMsg(base.ID, protocol.ErrProtoBadRequest, err.Error())
		}
		s.requests.Add(1)
		res := protocol.MoveResultMsg{Type: protocol.TypeMoveResult, ProtocolVersion: protocol.Version, ID: m.ID}
		pose, err := s.world.RequestMove(rctx, agentID, model.Vec3i{X: m.Target[0], Y: m.Target[1], Z: m.Target[2]})
		res.Pos = [3]float64{pose.X, pose.Y, pose.Z}
		if err != nil {
			res.Code, res.Message = codeFor(err), err.Error()
		}
		return res

	default:
		return errorMsg(base.ID, protocol.ErrProtoBadRequest, "unknown type "+base.Type)
	}
}

func codeFor(err error) string {
	var ce *protocol.CodeError
	switch {
	case errors.As(err, &ce):
		return ce.Code
	case errors.Is(err, world.ErrStopped):
		return protocol.ErrWorldStopped
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.ErrWorldBusy
	default:
		return protocol.ErrInternal
	}
}

func errorMsg(id, code, msg string) protocol.ErrorMsg {
	return protocol.ErrorMsg{Type: protocol.TypeError, ProtocolVersion: protocol.Version, ID: id, Code: code, Message: msg}
}

func boxMsg(r model.Region) protocol.BoxMsg {
	return protocol.BoxMsg{
		Min: [3]int{r.Min.X, r.Min.Y, r.Min.Z},
		Max: [3]int{r.Max.X, r.Max.Y, r.Max.Z},
	}
}

func regionOf(b protocol.BoxMsg) model.Region {
	return model.NewRegion(
		model.Vec3i{X: b.Min[0], Y: b.Min[1], Z: b.Min[2]},
		model.Vec3i{X: b.Max[0], Y: b.Max[1], Z: b.Max[2]},
	)
}

func closeWith(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

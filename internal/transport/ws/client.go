package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"blockwalker.ai/internal/protocol"
	simenc "blockwalker.ai/internal/sim/encoding"
	"blockwalker.ai/internal/walker/model"
)

// cacheEdge is the side of the cube of cells fetched per CELLS request.
const cacheEdge = 16

// Client is the walker side of the connection. It implements model.GridView and the runtime
// Pose and Executor interfaces. Cell kinds are cached per 16^3 block until ResetCache.
type Client struct {
	conn    *websocket.Conn
	log     *log.Logger
	welcome protocol.WelcomeMsg

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan []byte

	cacheMu sync.Mutex
	cache   map[model.Vec3i][]model.CellKind

	nextID   atomic.Uint64
	requests atomic.Uint64

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// Dial connects, sends HELLO and waits for WELCOME. agentID re-attaches to an existing agent.
func Dial(ctx context.Context, url, name, agentID string, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.Default()
	}
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.DialContext(ctx, url, http.Header{})
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       name,
		AgentID:         agentID,
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("waiting for WELCOME: %w", err)
	}
	var w protocol.WelcomeMsg
	if err := json.Unmarshal(msg, &w); err != nil || w.Type != protocol.TypeWelcome {
		_ = conn.Close()
		return nil, fmt.Errorf("expected WELCOME, got %q", string(msg))
	}
	if w.ProtocolVersion != protocol.Version {
		_ = conn.Close()
		return nil, fmt.Errorf("server speaks protocol %s, want %s", w.ProtocolVersion, protocol.Version)
	}
	_ = conn.SetReadDeadline(time.Time{})

	c := &Client{
		conn:    conn,
		log:     logger,
		welcome: w,
		pending: map[string]chan []byte{},
		cache:   map[model.Vec3i][]model.CellKind{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Welcome() protocol.WelcomeMsg { return c.welcome }

func (c *Client) AgentID() string { return c.welcome.AgentID }

// Requests counts request/response round trips.
func (c *Client) Requests() uint64 { return c.requests.Load() }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.ID == "" {
			if err == nil && base.Type == protocol.TypeError {
				c.log.Printf("server error: %s", string(msg))
			}
			continue
		}
		c.mu.Lock()
		ch := c.pending[base.ID]
		delete(c.pending, base.ID)
		c.mu.Unlock()
		if ch != nil {
			ch <- msg
		}
	}
}

func (c *Client) lost() error {
	c.mu.Lock()
	err := c.readErr
	c.mu.Unlock()
	if err == nil {
		err = errors.New("connection closed")
	}
	return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
}

// call sends one request and waits for the message carrying the same id.
func (c *Client) call(ctx context.Context, id string, req any) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	forget := func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}

	select {
	case <-c.done:
		forget()
		return nil, c.lost()
	default:
	}

	c.writeMu.Lock()
	dl := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(dl) {
		dl = d
	}
	_ = c.conn.SetWriteDeadline(dl)
	err = c.conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		forget()
		return nil, fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	c.requests.Add(1)

	select {
	case msg := <-ch:
		return msg, nil
	case <-c.done:
		forget()
		return nil, c.lost()
	case <-ctx.Done():
		forget()
		return nil, ctx.Err()
	}
}

func (c *Client) newID(prefix string) string {
	return prefix + strconv.FormatUint(c.nextID.Add(1), 10)
}

// resultErr turns a result code into an error. World-level codes mean the environment is gone.
func resultErr(code, msg string) error {
	if code == "" {
		return nil
	}
	err := protocol.NewError(code, msg)
	switch code {
	case protocol.ErrWorldStopped, protocol.ErrNoAgent:
		return fmt.Errorf("%w: %w", model.ErrUnavailable, err)
	}
	return err
}

func floorTo(v, n int) int {
	q := v / n
	if v%n != 0 && v < 0 {
		q--
	}
	return q * n
}

func (c *Client) CellKindAt(ctx context.Context, p model.Vec3i) (model.CellKind, error) {
	origin := model.Vec3i{X: floorTo(p.X, cacheEdge), Y: floorTo(p.Y, cacheEdge), Z: floorTo(p.Z, cacheEdge)}
	idx := (p.X-origin.X)*cacheEdge*cacheEdge + (p.Y-origin.Y)*cacheEdge + (p.Z - origin.Z)

	c.cacheMu.Lock()
	kinds, ok := c.cache[origin]
	c.cacheMu.Unlock()
	if ok {
		return kinds[idx], nil
	}

	kinds, err := c.fetchBlock(ctx, origin)
	if err != nil {
		return model.CellUnknown, err
	}
	c.cacheMu.Lock()
	c.cache[origin] = kinds
	c.cacheMu.Unlock()
	return kinds[idx], nil
}

func (c *Client) fetchBlock(ctx context.Context, origin model.Vec3i) ([]model.CellKind, error) {
	far := origin.Add(model.Vec3i{X: cacheEdge - 1, Y: cacheEdge - 1, Z: cacheEdge - 1})
	box := protocol.BoxMsg{
		Min: [3]int{origin.X, origin.Y, origin.Z},
		Max: [3]int{far.X, far.Y, far.Z},
	}
	id := c.newID("c")
	raw, err := c.call(ctx, id, protocol.CellsMsg{Type: protocol.TypeCells, ProtocolVersion: protocol.Version, ID: id, Box: box})
	if err != nil {
		return nil, err
	}
	var res protocol.CellsResultMsg
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	if res.Type == protocol.TypeError {
		var em protocol.ErrorMsg
		_ = json.Unmarshal(raw, &em)
		return nil, resultErr(em.Code, em.Message)
	}
	if err := resultErr(res.Code, res.Message); err != nil {
		return nil, err
	}
	ids, err := simenc.DecodeRLEExact(res.Kinds, cacheEdge*cacheEdge*cacheEdge)
	if err != nil {
		return nil, fmt.Errorf("cells %s: %w", id, err)
	}
	kinds := make([]model.CellKind, len(ids))
	for i, v := range ids {
		kinds[i] = model.CellKind(v)
	}
	return kinds, nil
}

// ResetCache drops every cached block.
func (c *Client) ResetCache() {
	c.cacheMu.Lock()
	c.cache = map[model.Vec3i][]model.CellKind{}
	c.cacheMu.Unlock()
}

func (c *Client) AgentPose(ctx context.Context) (model.Pose, error) {
	id := c.newID("p")
	raw, err := c.call(ctx, id, protocol.PoseMsg{Type: protocol.TypePose, ProtocolVersion: protocol.Version, ID: id})
	if err != nil {
		return model.Pose{}, err
	}
	var res protocol.PoseResultMsg
	if err := json.Unmarshal(raw, &res); err != nil {
		return model.Pose{}, err
	}
	if err := resultErr(res.Code, res.Message); err != nil {
		return model.Pose{}, err
	}
	return model.Pose{X: res.Pos[0], Y: res.Pos[1], Z: res.Pos[2]}, nil
}

func (c *Client) MoveTo(ctx context.Context, p model.Vec3i) error {
	id := c.newID("m")
	raw, err := c.call(ctx, id, protocol.MoveMsg{Type: protocol.TypeMove, ProtocolVersion: protocol.Version, ID: id, Target: [3]int{p.X, p.Y, p.Z}})
	if err != nil {
		return err
	}
	var res protocol.MoveResultMsg
	if err := json.Unmarshal(raw, &res); err != nil {
		return err
	}
	return resultErr(res.Code, res.Message)
}

package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"blockwalker.ai/internal/protocol"
	"blockwalker.ai/internal/sim/catalogs"
	"blockwalker.ai/internal/sim/world"
	"blockwalker.ai/internal/walker/model"
)

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func v(x, y, z int) model.Vec3i { return model.Vec3i{X: x, Y: y, Z: z} }

type fixture struct {
	world *world.World
	srv   *Server
	http  *httptest.Server
	url   string
	ctx   context.Context
}

// newFixture serves a 32x16x32 world with a stone floor at y=0 and a ladder at (3,1,3).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	cats, err := catalogs.Load(filepath.Join("..", "..", "..", "configs"))
	if err != nil {
		t.Fatalf("load catalogs: %v", err)
	}
	w, err := world.New(world.WorldConfig{ID: "test", Bounds: model.NewRegion(v(0, 0, 0), v(31, 15, 31)), Spawn: v(1, 1, 1)}, cats)
	if err != nil {
		t.Fatalf("world.New: %v", err)
	}
	for x := 0; x < 32; x++ {
		for z := 0; z < 32; z++ {
			if err := w.SetBlock(v(x, 0, z), "STONE"); err != nil {
				t.Fatalf("SetBlock: %v", err)
			}
		}
	}
	if err := w.SetBlock(v(3, 1, 3), "LADDER"); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	go func() { _ = w.Run(ctx) }()

	s := NewServer(w, quietLogger())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hs.Close()
		w.Stop()
		cancel()
	})
	return &fixture{world: w, srv: s, http: hs, url: "ws" + strings.TrimPrefix(hs.URL, "http"), ctx: ctx}
}

func TestClientServer_CellsPoseMove(t *testing.T) {
	f := newFixture(t)
	c, err := Dial(f.ctx, f.url, "walker", "", quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	wl := c.Welcome()
	if wl.AgentID == "" || wl.WorldID != "test" || wl.ChunkSize != world.ChunkSize {
		t.Fatalf("welcome=%+v", wl)
	}
	if wl.Pos != [3]float64{1.5, 1, 1.5} {
		t.Fatalf("spawn pos=%v", wl.Pos)
	}

	kinds := []struct {
		p    model.Vec3i
		want model.CellKind
		reqs uint64
	}{
		{v(1, 0, 1), model.CellSolid, 1},
		{v(1, 1, 1), model.CellEmpty, 1},
		{v(3, 1, 3), model.CellClimbable, 1},
		{v(20, 0, 1), model.CellSolid, 2},
		{v(-1, 0, 0), model.CellUnknown, 3},
	}
	for _, k := range kinds {
		got, err := c.CellKindAt(f.ctx, k.p)
		if err != nil || got != k.want {
			t.Fatalf("%v: kind=%v err=%v want %v", k.p, got, err, k.want)
		}
		if c.Requests() != k.reqs {
			t.Fatalf("%v: requests=%d want %d", k.p, c.Requests(), k.reqs)
		}
	}
	c.ResetCache()
	if _, err := c.CellKindAt(f.ctx, v(1, 0, 1)); err != nil || c.Requests() != 4 {
		t.Fatalf("after reset: requests=%d err=%v", c.Requests(), err)
	}

	if err := c.MoveTo(f.ctx, v(2, 1, 1)); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	pose, err := c.AgentPose(f.ctx)
	if err != nil || pose != model.CellCenter(v(2, 1, 1)) {
		t.Fatalf("pose=%+v err=%v", pose, err)
	}

	err = c.MoveTo(f.ctx, v(4, 1, 1))
	var ce *protocol.CodeError
	if !errors.As(err, &ce) || ce.Code != protocol.ErrTooFar {
		t.Fatalf("expected %s, got %v", protocol.ErrTooFar, err)
	}
	if errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("a rejected move must not look like a lost environment")
	}
	if f.srv.Connections() != 1 {
		t.Fatalf("connections=%d", f.srv.Connections())
	}
}

func TestClient_ReattachKeepsAgent(t *testing.T) {
	f := newFixture(t)
	c1, err := Dial(f.ctx, f.url, "walker", "", quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c1.MoveTo(f.ctx, v(1, 1, 2)); err != nil {
		t.Fatalf("MoveTo: %v", err)
	}
	id := c1.AgentID()
	_ = c1.Close()

	c2, err := Dial(f.ctx, f.url, "walker", id, quietLogger())
	if err != nil {
		t.Fatalf("re-Dial: %v", err)
	}
	defer c2.Close()
	if c2.AgentID() != id || c2.Welcome().Pos != [3]float64{1.5, 1, 2.5} {
		t.Fatalf("welcome=%+v", c2.Welcome())
	}

	if _, err := Dial(f.ctx, f.url, "walker", "A404", quietLogger()); err == nil {
		t.Fatalf("attaching to an unknown agent should fail")
	}
}

func TestServer_RejectsBadHello(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: "0.1", AgentName: "old"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the server to close the connection")
	}
}

func TestServer_UnknownMessageGetsError(t *testing.T) {
	f := newFixture(t)
	conn, _, err := websocket.DefaultDialer.Dial(f.url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, AgentName: "raw"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read WELCOME: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"JUMP","protocol_version":"1.0","id":"x1"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var em protocol.ErrorMsg
	if err := json.Unmarshal(msg, &em); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if em.Type != protocol.TypeError || em.ID != "x1" || em.Code != protocol.ErrProtoBadRequest {
		t.Fatalf("error msg=%+v", em)
	}
}

func TestClient_UnavailableWhenWorldOrConnectionGoes(t *testing.T) {
	f := newFixture(t)
	c, err := Dial(f.ctx, f.url, "walker", "", quietLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	f.world.Stop()
	<-f.world.Done()
	if _, err := c.AgentPose(f.ctx); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("pose with stopped world: %v", err)
	}

	_ = c.Close()
	if err := c.MoveTo(f.ctx, v(1, 1, 2)); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("move on closed client: %v", err)
	}
	if _, err := c.CellKindAt(f.ctx, v(1, 1, 1)); !errors.Is(err, model.ErrUnavailable) {
		t.Fatalf("cells on closed client: %v", err)
	}
}

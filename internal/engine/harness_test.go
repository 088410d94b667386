package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"waypoint/internal/event"
	"waypoint/internal/security"
	"waypoint/internal/state"
	"waypoint/internal/store"
	"waypoint/internal/telemetry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	conn string
	env  event.Envelope
}

type fakeTransport struct {
	frames []sent
	closed []string
}

func (f *fakeTransport) Send(connID string, b []byte) bool {
	var env event.Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		panic(err)
	}
	f.frames = append(f.frames, sent{conn: connID, env: env})
	return true
}

func (f *fakeTransport) Close(connID string) { f.closed = append(f.closed, connID) }

// syncWriter runs writes inline and holds failures until settle, like the runner reporting back later.
type syncWriter struct {
	failed []store.Result
}

func (w *syncWriter) Submit(wr store.Write) error {
	if err := wr.Do(context.Background()); err != nil {
		w.failed = append(w.failed, store.Result{Op: wr.Op, Actor: wr.Actor, Err: err, Undo: wr.Undo})
	}
	return nil
}

func (w *syncWriter) Close() {}

type fakeEmitter struct {
	mu     sync.Mutex
	events []telemetry.SafetyEvent
}

func (f *fakeEmitter) Emit(_ context.Context, ev *telemetry.SafetyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, *ev)
	return nil
}

func (f *fakeEmitter) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

type harness struct {
	t   *testing.T
	e   *Engine
	tr  *fakeTransport
	mem *store.Memory
	clk *clock.Mock
	w   *syncWriter
	tel *fakeEmitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cfg := DefaultSettings()
	cfg.Cooldown = 100 * time.Millisecond
	clk := clock.NewMock()
	clk.Set(t0)
	h := &harness{t: t, tr: &fakeTransport{}, mem: store.NewMemory(), clk: clk, w: &syncWriter{}, tel: &fakeEmitter{}}
	e, err := New(cfg, Deps{Store: h.mem, Transport: h.tr, Clock: clk, Telemetry: h.tel})
	require.NoError(t, err)
	e.writes.Close()
	e.writes = h.w
	require.NoError(t, e.Load(context.Background()))
	h.e = e
	return h
}

func conn(user string) string { return "conn-" + user }

func (h *harness) connect(user string) string {
	return h.connectAs(user, conn(user), state.RoleUser)
}

func (h *harness) connectAs(user, connID, role string) string {
	h.e.handle(connectMsg{connID: connID, id: security.Identity{UserID: user, Role: role, Name: user}})
	return connID
}

func (h *harness) admin(user string) string {
	return h.connectAs(user, conn(user), state.RoleAdmin)
}

func (h *harness) guest(connID string) string {
	h.e.handle(connectMsg{connID: connID, guest: true})
	return connID
}

func (h *harness) send(connID string, ev event.Inbound) {
	h.e.handle(inboundMsg{connID: connID, ev: ev})
}

// settle delivers the pending write failures to the loop.
func (h *harness) settle() {
	failed := h.w.failed
	h.w.failed = nil
	for _, r := range failed {
		h.e.reconcile(r)
	}
}

// room creates code with creator and joins the rest.
func (h *harness) room(code, creator string, members ...string) {
	h.send(conn(creator), event.CreateRoom{Name: code, Code: code})
	for _, m := range members {
		h.send(conn(m), event.JoinRoom{Code: code})
	}
	_, ok := h.e.st.Room(code)
	require.True(h.t, ok, "room %s created", code)
}

func (h *harness) reset() { h.tr.frames = nil }

func (h *harness) names(connID string) []string {
	var out []string
	for _, f := range h.tr.frames {
		if f.conn == connID {
			out = append(out, f.env.Type)
		}
	}
	return out
}

func (h *harness) count(connID string, name event.Name) int {
	n := 0
	for _, f := range h.tr.frames {
		if f.conn == connID && f.env.Type == string(name) {
			n++
		}
	}
	return n
}

// last decodes the latest frame named name sent to connID into v.
func (h *harness) last(connID string, name event.Name, v any) bool {
	h.t.Helper()
	for i := len(h.tr.frames) - 1; i >= 0; i-- {
		f := h.tr.frames[i]
		if f.conn == connID && f.env.Type == string(name) {
			require.NoError(h.t, json.Unmarshal(f.env.Data, v))
			return true
		}
	}
	return false
}

func (h *harness) lastError(connID string) (event.ErrorPayload, bool) {
	var p event.ErrorPayload
	ok := h.last(connID, event.Error, &p)
	return p, ok
}

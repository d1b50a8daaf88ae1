package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/nok/internal/backend"
	legacybackend "github.com/MikeSquared-Agency/nok/internal/backend/legacy"
	"github.com/MikeSquared-Agency/nok/internal/bus"
	"github.com/MikeSquared-Agency/nok/internal/migration"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeBackend struct {
	kind backend.Kind

	mu     sync.Mutex
	status backend.Status
	calls  []string
}

func (b *fakeBackend) Kind() backend.Kind { return b.kind }

func (b *fakeBackend) Connect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = backend.Connected()
	return nil
}

func (b *fakeBackend) Disconnect(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.status = backend.Disconnected()
	return nil
}

func (b *fakeBackend) record(s string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.status.IsConnected() {
		return backend.ErrNotConnected
	}
	b.calls = append(b.calls, s)
	return nil
}

func (b *fakeBackend) SendMessage(_ context.Context, room, text string) error {
	return b.record("message " + room + " " + text)
}

func (b *fakeBackend) SendKnock(_ context.Context, user string) error {
	return b.record("knock " + user)
}

func (b *fakeBackend) SetPresence(_ context.Context, p backend.Presence) error {
	return b.record("presence " + string(p))
}

func (b *fakeBackend) Status() backend.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func newTestRouter(mode router.Mode) (*router.Router, *fakeBackend, *fakeBackend) {
	l := &fakeBackend{kind: backend.KindLegacy, status: backend.Connected()}
	t := &fakeBackend{kind: backend.KindTarget, status: backend.Connected()}
	return router.New(l, t, mode, discard), l, t
}

func runLines(t *testing.T, rt chatRouter, lines ...string) string {
	t.Helper()
	var out bytes.Buffer
	s := newChatSession(rt, &out)
	err := s.run(context.Background(), strings.NewReader(strings.Join(lines, "\n")+"\n"))
	require.NoError(t, err)
	return out.String()
}

func TestChatDispatch(t *testing.T) {
	rt, l, tg := newTestRouter(router.ModeHybrid)

	out := runLines(t, rt,
		"hello before room",
		"/room room-1",
		"hello",
		"/knock bob",
		"/presence away",
		"/disable target",
		"after disable",
		"/quit",
		"never sent",
	)

	assert.Contains(t, out, "no room selected")
	assert.Equal(t, []string{"message room-1 hello", "knock bob", "presence away"}, tg.calls)
	assert.Equal(t, []string{"presence away", "message room-1 after disable"}, l.calls)
	assert.NotContains(t, out, "never sent")
}

func TestChatModeSwitching(t *testing.T) {
	rt, l, tg := newTestRouter(router.ModeLegacy)
	tg.status = backend.Disconnected()

	out := runLines(t, rt,
		"/mode",
		"/mode target",
		"/mode! target",
		"/mode bogus",
		"/status",
	)

	assert.Contains(t, out, "mode: legacy")
	assert.Contains(t, out, "use /mode! to switch anyway")
	assert.Contains(t, out, "mode: target")
	assert.Contains(t, out, "unknown communication mode")
	assert.Contains(t, out, "mode target, disconnected")
	assert.Equal(t, router.ModeTarget, rt.Mode())
	assert.Empty(t, l.calls)
}

func TestChatReportsErrorsAndContinues(t *testing.T) {
	rt, _, tg := newTestRouter(router.ModeTarget)
	tg.status = backend.Failed("homeserver down")

	out := runLines(t, rt, "/room lobby", "hi", "/presence sleepy", "/frobnicate", "/room")

	assert.Contains(t, out, "backend unavailable")
	assert.Contains(t, out, "unknown presence")
	assert.Contains(t, out, "unknown command /frobnicate")
	assert.Contains(t, out, `room: "lobby"`)
}

func TestChatConnectAfterModeSwitch(t *testing.T) {
	rt, l, tg := newTestRouter(router.ModeLegacy)
	tg.status = backend.Disconnected()

	out := runLines(t, rt,
		"/room room-1",
		"/mode! target",
		"lost",
		"/connect",
		"delivered",
	)

	assert.Contains(t, out, "backend unavailable")
	assert.Contains(t, out, "mode target, connected")
	assert.Equal(t, []string{"message room-1 delivered"}, tg.calls)
	assert.Empty(t, l.calls)
}

type fakeDirectory struct {
	users  []legacybackend.APIUser
	rooms  []legacybackend.APIRoom
	joined []string
	left   []string
}

func (d *fakeDirectory) ListUsers(context.Context) ([]legacybackend.APIUser, error) {
	return d.users, nil
}

func (d *fakeDirectory) ListRooms(context.Context) ([]legacybackend.APIRoom, error) {
	return d.rooms, nil
}

func (d *fakeDirectory) FindUserByName(_ context.Context, name string) (*legacybackend.APIUser, error) {
	for i := range d.users {
		if d.users[i].Name == name {
			return &d.users[i], nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) JoinRoom(_ context.Context, roomID string) error {
	d.joined = append(d.joined, roomID)
	return nil
}

func (d *fakeDirectory) LeaveRoom(_ context.Context, roomID string) error {
	d.left = append(d.left, roomID)
	return nil
}

func TestChatLegacyDirectory(t *testing.T) {
	rt, _, tg := newTestRouter(router.ModeHybrid)
	dir := &fakeDirectory{
		users: []legacybackend.APIUser{{ID: "u1", Name: "alice", Status: "online"}},
		rooms: []legacybackend.APIRoom{{ID: "r1", Name: "Main Room", IsPublic: true}},
	}
	var out bytes.Buffer
	s := newChatSession(rt, &out)
	s.legacy = dir

	input := strings.Join([]string{
		"/users",
		"/rooms",
		"/knock alice",
		"/knock @carol:nok.local",
		"/join r1",
		"/leave r1",
		"/join",
	}, "\n") + "\n"
	require.NoError(t, s.run(context.Background(), strings.NewReader(input)))

	got := out.String()
	assert.Contains(t, got, "alice")
	assert.Contains(t, got, "Main Room")
	assert.Contains(t, got, "usage: /join <room>")
	assert.Equal(t, []string{"knock u1", "knock @carol:nok.local"}, tg.calls)
	assert.Equal(t, []string{"r1"}, dir.joined)
	assert.Equal(t, []string{"r1"}, dir.left)

	noLegacy := runLines(t, rt, "/users", "/join r1")
	assert.Contains(t, noLegacy, "no legacy backend configured")
}

func TestChatPumpsLegacyFrames(t *testing.T) {
	rt, _, _ := newTestRouter(router.ModeHybrid)
	var out bytes.Buffer
	s := newChatSession(rt, &out)

	frames := make(chan legacybackend.Frame, 2)
	frames <- legacybackend.Frame{Type: legacybackend.FrameKnock, SenderName: "alice"}
	frames <- legacybackend.Frame{Type: legacybackend.FrameMessage, RoomID: "room-1", SenderID: "u2", Content: "yo"}
	close(frames)
	s.pumpLegacy(context.Background(), frames)

	assert.Contains(t, out.String(), "[legacy] alice knocks")
	assert.Contains(t, out.String(), "[legacy] room-1 u2: yo")
}

func TestHandleModeRequest(t *testing.T) {
	rt, _, _ := newTestRouter(router.ModeLegacy)
	a := &app{logger: discard}
	h := a.handleModeRequest(rt)

	data, _ := json.Marshal(bus.ModeRequest{Mode: "hybrid"})
	h(bus.SubjectRouterModeSet, data)
	assert.Equal(t, router.ModeHybrid, rt.Mode())

	h(bus.SubjectRouterModeSet, []byte(`{"mode":"nope"}`))
	h(bus.SubjectRouterModeSet, []byte(`not json`))
	assert.Equal(t, router.ModeHybrid, rt.Mode())
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, &migration.Result{
		UsersMigrated:     4,
		RoomsMigrated:     2,
		MessagesProcessed: 10,
		Errors:            []string{"user u3 (@useru3:nok.local): homeserver said no"},
		BackupPaths:       []string{"nok.db.backup.1700000000"},
		MappingPath:       "id_mappings.json",
	})

	s := out.String()
	assert.Contains(t, s, "Migration summary")
	assert.Contains(t, s, "users migrated")
	assert.Contains(t, s, "nok.db.backup.1700000000")
	assert.Contains(t, s, "homeserver said no")

	out.Reset()
	printSummary(&out, &migration.Result{DryRun: true})
	assert.Contains(t, out.String(), "dry run")
	assert.NotContains(t, out.String(), "ERROR")
}

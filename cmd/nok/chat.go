package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/MikeSquared-Agency/nok/internal/backend"
	legacybackend "github.com/MikeSquared-Agency/nok/internal/backend/legacy"
	"github.com/MikeSquared-Agency/nok/internal/backend/target"
	"github.com/MikeSquared-Agency/nok/internal/router"
)

const chatHelp = `commands:
  /room <room>          select the room plain text goes to
  /knock <user>         knock on a user (legacy names are looked up)
  /join <room>          join a legacy room
  /leave <room>         leave a legacy room
  /users                list legacy users
  /rooms                list legacy rooms
  /presence <status>    online, away, busy or offline
  /mode [mode]          show or switch mode (legacy, target, hybrid); /mode! skips the check
  /enable <backend>     enable legacy or target without changing mode
  /disable <backend>    disable legacy or target
  /connect              connect enabled backends that are down
  /status               show router state
  /help                 this text
  /quit                 leave`

func newChatCmd(a *app) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Line-oriented chat client over the communication router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pub, busClient := a.connectBus(ctx, false)
			if busClient != nil {
				defer busClient.Close(context.Background())
			}
			b := a.newBackends()
			rt, err := a.newRouter(b, nil, pub)
			if err != nil {
				return err
			}
			if err := a.initialize(ctx, rt, b); err != nil {
				a.logger.Warn("no backend connected", "error", err)
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				rt.Shutdown(sctx)
			}()

			s := newChatSession(rt, cmd.OutOrStdout())
			s.room = room
			if b.legacy != nil {
				s.legacy = b.legacy
				go s.pumpLegacy(ctx, b.legacy.Events())
			}
			if b.target != nil {
				go s.pumpTarget(ctx, b.target.Events())
			}
			return s.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "initial room")
	return cmd
}

// chatRouter is the part of the router the chat loop drives.
type chatRouter interface {
	Mode() router.Mode
	SetMode(router.Mode)
	ValidateTransition(from, to router.Mode) error
	Enable(backend.Kind) error
	Disable(backend.Kind)
	SendMessage(ctx context.Context, roomRef, text string) error
	SendKnock(ctx context.Context, targetRef string) error
	SetPresence(ctx context.Context, p backend.Presence) error
	Snapshot() router.Snapshot
	Initialize(ctx context.Context) error
}

// legacyDirectory is the legacy server's user and room directory.
type legacyDirectory interface {
	ListUsers(ctx context.Context) ([]legacybackend.APIUser, error)
	ListRooms(ctx context.Context) ([]legacybackend.APIRoom, error)
	FindUserByName(ctx context.Context, name string) (*legacybackend.APIUser, error)
	JoinRoom(ctx context.Context, roomID string) error
	LeaveRoom(ctx context.Context, roomID string) error
}

type chatSession struct {
	rt     chatRouter
	legacy legacyDirectory // nil without a legacy backend
	room   string

	mu  sync.Mutex
	out io.Writer
}

func newChatSession(rt chatRouter, out io.Writer) *chatSession {
	return &chatSession{rt: rt, out: out}
}

func (s *chatSession) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format+"\n", args...)
}

// run reads lines until EOF, /quit or ctx is done. Dispatch errors are
// printed and the loop continues.
func (s *chatSession) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- sc.Err()
		close(lines)
	}()

	s.printf("connected: %s (type /help)", s.rt.Snapshot().Status)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errc
			}
			if quit := s.handle(ctx, line); quit {
				return nil
			}
		}
	}
}

func (s *chatSession) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if s.room == "" {
			s.printf("! no room selected, use /room <room>")
			return false
		}
		s.report(s.rt.SendMessage(ctx, s.room, line))
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		s.printf("%s", chatHelp)
	case "room":
		if arg == "" {
			s.printf("room: %q", s.room)
			return false
		}
		s.room = arg
		s.printf("room set to %s", arg)
	case "knock":
		if arg == "" {
			s.printf("! usage: /knock <user>")
			return false
		}
		s.report(s.rt.SendKnock(ctx, s.resolveUser(ctx, arg)))
	case "presence":
		p, err := backend.ParsePresenceStrict(arg)
		if err != nil {
			s.printf("! %v", err)
			return false
		}
		s.report(s.rt.SetPresence(ctx, p))
	case "mode", "mode!":
		s.switchMode(arg, cmd == "mode!")
	case "enable":
		if err := s.rt.Enable(backend.Kind(arg)); err != nil {
			s.printf("! %v", err)
			return false
		}
		s.printf("%s enabled", arg)
	case "disable":
		s.rt.Disable(backend.Kind(arg))
		s.printf("%s disabled", arg)
	case "join", "leave":
		s.membership(ctx, cmd, arg)
	case "users":
		s.listUsers(ctx)
	case "rooms":
		s.listRooms(ctx)
	case "connect":
		if err := s.rt.Initialize(ctx); err != nil {
			s.printf("! %v", err)
		}
		s.printStatus()
	case "status":
		s.printStatus()
	default:
		s.printf("! unknown command /%s (type /help)", cmd)
	}
	return false
}

func (s *chatSession) switchMode(arg string, force bool) {
	if arg == "" {
		s.printf("mode: %s", s.rt.Mode())
		return
	}
	mode, err := router.ParseMode(arg)
	if err != nil {
		s.printf("! %v", err)
		return
	}
	if !force {
		if err := s.rt.ValidateTransition(s.rt.Mode(), mode); err != nil {
			s.printf("! %v (use /mode! to switch anyway)", err)
			return
		}
	}
	s.rt.SetMode(mode)
	s.printf("mode: %s", mode)
}

func (s *chatSession) printStatus() {
	snap := s.rt.Snapshot()
	s.printf("mode %s, %s", snap.Mode, snap.Status)
	for _, b := range snap.Backends {
		state := b.Status.String()
		switch {
		case !b.Configured:
			state = "not configured"
		case !b.Enabled:
			state += " (disabled)"
		}
		if b.LastError != "" {
			state += "; last error: " + b.LastError
		}
		s.printf("  %-7s %s", b.Kind, state)
	}
}

// resolveUser turns a legacy display name into its user id. Ids and names
// the directory does not know pass through unchanged.
func (s *chatSession) resolveUser(ctx context.Context, ref string) string {
	if s.legacy == nil || strings.HasPrefix(ref, "@") {
		return ref
	}
	u, err := s.legacy.FindUserByName(ctx, ref)
	if err != nil {
		s.printf("! user lookup: %v", err)
		return ref
	}
	if u == nil {
		return ref
	}
	return u.ID
}

func (s *chatSession) membership(ctx context.Context, cmd, roomID string) {
	if s.legacy == nil {
		s.printf("! no legacy backend configured")
		return
	}
	if roomID == "" {
		s.printf("! usage: /%s <room>", cmd)
		return
	}
	var err error
	if cmd == "join" {
		err = s.legacy.JoinRoom(ctx, roomID)
	} else {
		err = s.legacy.LeaveRoom(ctx, roomID)
	}
	if err != nil {
		s.printf("! %v", err)
		return
	}
	s.printf("%s %s", cmd, roomID)
}

func (s *chatSession) listUsers(ctx context.Context) {
	if s.legacy == nil {
		s.printf("! no legacy backend configured")
		return
	}
	users, err := s.legacy.ListUsers(ctx)
	if err != nil {
		s.printf("! %v", err)
		return
	}
	rows := make([][]string, 0, len(users))
	for _, u := range users {
		rows = append(rows, []string{u.ID, u.Name, u.Status})
	}
	s.table([]string{"ID", "NAME", "STATUS"}, rows)
}

func (s *chatSession) listRooms(ctx context.Context) {
	if s.legacy == nil {
		s.printf("! no legacy backend configured")
		return
	}
	rooms, err := s.legacy.ListRooms(ctx)
	if err != nil {
		s.printf("! %v", err)
		return
	}
	rows := make([][]string, 0, len(rooms))
	for _, r := range rooms {
		public := "no"
		if r.IsPublic {
			public = "yes"
		}
		rows = append(rows, []string{r.ID, r.Name, public})
	}
	s.table([]string{"ID", "NAME", "PUBLIC"}, rows)
}

func (s *chatSession) table(header []string, rows [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tw := tablewriter.NewWriter(s.out)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
}

func (s *chatSession) report(err error) {
	if err != nil {
		s.printf("! %v", err)
	}
}

func (s *chatSession) pumpLegacy(ctx context.Context, frames <-chan legacybackend.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			from := f.SenderName
			if from == "" {
				from = f.SenderID
			}
			switch f.Type {
			case legacybackend.FrameKnock:
				s.printf("[legacy] %s knocks", from)
			case legacybackend.FrameMessage:
				s.printf("[legacy] %s %s: %s", f.RoomID, from, f.Content)
			case legacybackend.FrameUserStatus:
				s.printf("[legacy] %s is %s", f.UserID, f.Status)
			}
		}
	}
}

func (s *chatSession) pumpTarget(ctx context.Context, events <-chan target.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != "m.room.message" {
				continue
			}
			var content struct {
				Body  string          `json:"body"`
				Knock json.RawMessage `json:"com.nok.knock"`
			}
			if err := json.Unmarshal(ev.Content, &content); err != nil {
				continue
			}
			if len(content.Knock) > 0 {
				s.printf("[target] %s knocks", ev.Sender)
				continue
			}
			s.printf("[target] %s %s: %s", ev.RoomID, ev.Sender, content.Body)
		}
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dkeye/voicecall/internal/adapters/directory"
	"github.com/dkeye/voicecall/internal/app/call"
	"github.com/dkeye/voicecall/internal/domain"
)

const startTimeout = 45 * time.Second

type shell struct {
	machine *call.Machine
	dir     *directory.Client
	room    domain.RoomID
	in      io.Reader
	out     io.Writer
}

func printState(s call.State) {
	switch s.Status {
	case domain.CallRinging:
		fmt.Printf("* incoming call from %s (accept / reject)\n", s.CallerName)
	case domain.CallConnected:
		fmt.Printf("* connected with %s\n", s.RemoteName)
	case domain.CallError:
		fmt.Printf("* error: %s (dismiss to continue)\n", s.Error)
	default:
		fmt.Printf("* %s\n", s.Status)
	}
}

// repl reads commands until quit, EOF or ctx is done.
func repl(ctx context.Context, sh *shell) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(sh.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !sh.exec(ctx, line) {
				return
			}
		}
	}
}

// exec runs one command line and reports whether to keep going.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}
	m := sh.machine
	switch fields[0] {
	case "call":
		if len(fields) < 2 {
			fmt.Fprintln(sh.out, "usage: call <user-id> [display name]")
			return true
		}
		target := domain.UserID(fields[1])
		name := strings.Join(fields[2:], " ")
		if name == "" {
			name = sh.resolve(ctx, target)
		}
		startCtx, cancel := context.WithTimeout(ctx, startTimeout)
		ok := m.StartCall(startCtx, target, name)
		cancel()
		if !ok {
			msg := "call not started"
			if e := m.CallError(); e != "" {
				msg += ": " + e
			}
			fmt.Fprintln(sh.out, msg)
			return true
		}
		fmt.Fprintf(sh.out, "calling %s...\n", name)
	case "accept":
		m.AcceptIncomingCall(ctx)
	case "reject":
		m.RejectCall()
	case "end", "hangup":
		m.EndCall()
	case "mute":
		m.ToggleMute()
		fmt.Fprintf(sh.out, "muted: %t\n", m.IsMuted())
	case "dismiss":
		m.DismissError()
	case "status":
		s := m.State()
		fmt.Fprintf(sh.out, "status=%s remote=%s duration=%s muted=%t", s.Status, s.RemoteName, call.FormatDuration(s.Duration), s.Muted)
		if s.Error != "" {
			fmt.Fprintf(sh.out, " error=%q", s.Error)
		}
		fmt.Fprintln(sh.out)
	case "members":
		if sh.dir == nil {
			fmt.Fprintln(sh.out, "no directory for this backend")
			return true
		}
		members, err := sh.dir.Members(ctx, sh.room)
		if err != nil {
			fmt.Fprintln(sh.out, "members:", err)
			return true
		}
		for _, mem := range members {
			fmt.Fprintf(sh.out, "  %s\t%s\n", mem.ID, mem.Username)
		}
	case "quit", "exit":
		return false
	case "help":
		fmt.Fprintln(sh.out, "commands: call <id> [name], accept, reject, end, mute, dismiss, status, members, quit")
	default:
		fmt.Fprintf(sh.out, "unknown command %q, try help\n", fields[0])
	}
	return true
}

// resolve falls back to the raw id when the directory cannot answer.
func (sh *shell) resolve(ctx context.Context, id domain.UserID) string {
	if sh.dir == nil {
		return string(id)
	}
	name, err := sh.dir.DisplayName(ctx, sh.room, id)
	if err != nil {
		return string(id)
	}
	return name
}

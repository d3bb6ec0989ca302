package chatlog

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

func newObservedLogger() (*Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zap.InfoLevel)
	return NewLogger(zap.New(core)), logs
}

func TestLogger_SendMessageLogsPlayerAndText(t *testing.T) {
	l, logs := newObservedLogger()
	players := player.NewRegistry()
	p := players.NewPlayer()

	l.SendMessage(p, "hello there")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Message != "chat: to player" {
		t.Fatalf("unexpected message: %q", entries[0].Message)
	}
}

func TestLogger_SendArenaMessageLogsArenaAndText(t *testing.T) {
	l, logs := newObservedLogger()

	l.SendArenaMessage("duel", "game starting")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["arena"] != "duel" {
		t.Fatalf("expected arena field %q, got %v", "duel", ctx["arena"])
	}
}

func TestLogger_SendFreqMessageLogsFreq(t *testing.T) {
	l, logs := newObservedLogger()

	l.SendFreqMessage("duel", 3, "freq 3 scores")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	ctx := entries[0].ContextMap()
	if ctx["freq"] != int16(3) {
		t.Fatalf("expected freq field 3, got %v", ctx["freq"])
	}
}

func TestICommandAndIChat_AreSatisfiedByZeroValueImplementations(t *testing.T) {
	var _ IChat = (*Logger)(nil)

	var registered string
	var cmd ICommand = &fakeDispatcher{onAdd: func(name string, _ CommandFunc) error {
		registered = name
		return nil
	}}
	if err := cmd.AddCommand("?listflags", func(*player.Player, string) {}); err != nil {
		t.Fatal(err)
	}
	if registered != "?listflags" {
		t.Fatalf("expected command to be registered, got %q", registered)
	}
	cmd.RemoveCommand("?listflags")
}

type fakeDispatcher struct {
	onAdd func(name string, handler CommandFunc) error
}

func (f *fakeDispatcher) AddCommand(name string, handler CommandFunc) error {
	return f.onAdd(name, handler)
}

func (f *fakeDispatcher) RemoveCommand(string) {}

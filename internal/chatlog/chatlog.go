// Package chatlog exposes the broker entry points a zone exposes for
// chat and command dispatch (spec §4.11) without implementing chat
// rendering or command parsing — both are out of scope per spec.md's
// Non-goals. IChat/ICommand are the shapes other modules (flaggame,
// future arena-ops tooling) depend on to talk back to a player or log
// what happened; Logger is a trivial zap-backed IChat so those
// broadcasts have somewhere to go in tests and in a zone that hasn't
// wired a real chat module yet.
package chatlog

import (
	"go.uber.org/zap"

	"github.com/gigamon-dev/SubspaceServer-sub014/internal/player"
)

// IChat is the broker interface a chat module registers so other
// modules can send a player (or an arena, or a freq) a message
// without depending on chat's internals.
type IChat interface {
	SendMessage(p *player.Player, text string)
	SendArenaMessage(arenaName string, text string)
	SendFreqMessage(arenaName string, freq int16, text string)
}

// ICommand is the broker interface a command-dispatch module
// registers so other modules can register and unregister chat
// commands without depending on the dispatcher's parsing internals.
type ICommand interface {
	AddCommand(name string, handler CommandFunc) error
	RemoveCommand(name string)
}

// CommandFunc handles one parsed chat command invocation. args is the
// raw text following the command name, unparsed.
type CommandFunc func(p *player.Player, args string)

// Logger is a minimal IChat that writes every message to a zap
// logger instead of a wire connection. It lets flaggame (and anything
// else depending on IChat) run and be tested before a real chat
// module is attached.
type Logger struct {
	log *zap.Logger
}

// NewLogger returns a Logger backed by log.
func NewLogger(log *zap.Logger) *Logger {
	return &Logger{log: log}
}

var _ IChat = (*Logger)(nil)

func (l *Logger) SendMessage(p *player.Player, text string) {
	l.log.Info("chat: to player", zap.Uint64("player", uint64(p.ID)), zap.String("text", text))
}

func (l *Logger) SendArenaMessage(arenaName string, text string) {
	l.log.Info("chat: to arena", zap.String("arena", arenaName), zap.String("text", text))
}

func (l *Logger) SendFreqMessage(arenaName string, freq int16, text string) {
	l.log.Info("chat: to freq", zap.String("arena", arenaName), zap.Int16("freq", freq), zap.String("text", text))
}

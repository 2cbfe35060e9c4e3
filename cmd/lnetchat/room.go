package main

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"unicode/utf8"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/message"
)

// Chat message types. All of them travel on channel 0.
const (
	// cmdChat from a client carries text; relayed to others it carries
	// name and text.
	cmdChat uint32 = 0x0001
	// cmdJoined and cmdLeft carry a name.
	cmdJoined uint32 = 0x0002
	cmdLeft   uint32 = 0x0003
	// cmdSetName from a client carries the new name.
	cmdSetName uint32 = 0x0004
	// cmdRenamed carries the old and the new name.
	cmdRenamed uint32 = 0x0005
	// cmdUsers from a client is empty; the reply carries the list of names.
	cmdUsers uint32 = 0x0006
)

const maxNameLen = 32

// Room tracks who is connected and relays chat between them.
type Room struct {
	srv    lnet.Server
	logger *slog.Logger

	mu    sync.RWMutex
	names map[lnet.ConnID]string
}

func NewRoom(logger *slog.Logger) *Room {
	return &Room{
		logger: logger.With("component", "lnetchat.room"),
		names:  make(map[lnet.ConnID]string),
	}
}

// Hooks must be installed in the server config before Attach.
func (r *Room) Hooks() lnet.Hooks {
	return lnet.Hooks{
		OnConnect:    r.join,
		OnDisconnect: r.leave,
		OnError: func(p lnet.Peer, err error) {
			r.logger.Warn("peer error", "error", err)
		},
	}
}

// Attach registers the room's handlers. Call it before srv.Start.
func (r *Room) Attach(srv lnet.Server) {
	r.srv = srv
	srv.RegisterHandler(message.ID(cmdChat), r.handleChat)
	srv.RegisterHandler(message.ID(cmdSetName), r.handleSetName)
	srv.RegisterHandler(message.ID(cmdUsers), r.handleUsers)
}

func (r *Room) join(p lnet.Peer) {
	name := "Guest_" + p.SessionKey()[:8]
	r.mu.Lock()
	r.names[p.ID()] = name
	r.mu.Unlock()

	r.logger.Info("user joined", "conn_id", p.ID(), "name", name, "remote_addr", p.RemoteAddr())
	r.broadcast(context.Background(), message.New(message.ID(cmdJoined)).PushString(name))
}

func (r *Room) leave(p lnet.Peer, err error) {
	r.mu.Lock()
	name, ok := r.names[p.ID()]
	delete(r.names, p.ID())
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("user left", "conn_id", p.ID(), "name", name, "error", err)
	out := message.New(message.ID(cmdLeft)).PushString(name)
	if err := r.srv.BroadcastExcept(context.Background(), p.ID(), out); err != nil {
		r.logger.Debug("broadcast failed", "error", err)
	}
}

func (r *Room) handleChat(ctx context.Context, p lnet.Peer, msg *message.Message) {
	text, err := msg.PopString()
	if err != nil || text == "" {
		return
	}
	name := r.name(p.ID())
	r.logger.Debug("chat", "name", name, "text", text)

	out := message.New(message.ID(cmdChat)).PushString(name).PushString(text)
	if err := r.srv.BroadcastExcept(ctx, p.ID(), out); err != nil {
		r.logger.Debug("relay failed", "error", err)
	}
}

func (r *Room) handleSetName(ctx context.Context, p lnet.Peer, msg *message.Message) {
	name, err := msg.PopString()
	if err != nil || !validName(name) {
		return
	}

	r.mu.Lock()
	old, ok := r.names[p.ID()]
	if ok {
		r.names[p.ID()] = name
	}
	r.mu.Unlock()
	if !ok || old == name {
		return
	}

	r.logger.Info("user renamed", "conn_id", p.ID(), "from", old, "to", name)
	r.broadcast(ctx, message.New(message.ID(cmdRenamed)).PushString(old).PushString(name))
}

func (r *Room) handleUsers(ctx context.Context, p lnet.Peer, msg *message.Message) {
	reply := message.New(message.ID(cmdUsers))
	if err := reply.PushStrings(r.Users()); err != nil {
		r.logger.Warn("user list too long", "error", err)
		return
	}
	_ = p.Send(ctx, reply)
}

// Users returns the connected names in sorted order.
func (r *Room) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.names))
	for _, n := range r.names {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Room) name(id lnet.ConnID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names[id]
}

func (r *Room) broadcast(ctx context.Context, msg *message.Message) {
	if err := r.srv.Broadcast(ctx, msg); err != nil {
		r.logger.Debug("broadcast failed", "type", msg.Type(), "error", err)
	}
}

func validName(s string) bool {
	n := utf8.RuneCountInString(s)
	return n > 0 && n <= maxNameLen && utf8.ValidString(s)
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/luciancaetano/lnet"
	"github.com/luciancaetano/lnet/message"
)

func joinCmd() *cobra.Command {
	var (
		transport string
		addr      string
		name      string
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a chat room",
		Long: `Join a chat room and chat from the terminal.

Lines typed are sent to everyone else in the room. Commands:
  /name NEW   change your name
  /who        list who is online
  /quit       leave

Examples:
  lnetchat join --name=ada
  lnetchat join --transport=quic --addr=127.0.0.1:7000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runJoin(ctx, transport, addr, name, os.Stdin, os.Stdout)
		},
	}

	cmd.Flags().StringVarP(&transport, "transport", "t", "tcp", "Transport: tcp, quic or ws")
	cmd.Flags().StringVarP(&addr, "addr", "a", "127.0.0.1:7000", "Server address")
	cmd.Flags().StringVarP(&name, "name", "n", "", "Name to use in the room")

	return cmd
}

func runJoin(ctx context.Context, transport, addr, name string, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	term := newTerminal(out)
	cl, err := newClient(transport, addr, lnet.Hooks{
		OnDisconnect: func(_ lnet.Peer, err error) {
			if err != nil {
				term.printf("* disconnected: %v", err)
			} else {
				term.printf("* disconnected")
			}
			cancel()
		},
	})
	if err != nil {
		return err
	}
	term.Attach(cl)

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	defer dialCancel()
	if err := cl.Connect(dialCtx); err != nil {
		return err
	}
	defer cl.Disconnect(context.Background())

	go drive(ctx, cl, slog.Default())

	if name != "" {
		term.send(ctx, cl, message.New(message.ID(cmdSetName)).PushString(name))
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			msg, quit := parseLine(line)
			if quit {
				return nil
			}
			if msg == nil {
				continue
			}
			term.send(ctx, cl, msg)
		}
	}
}

// parseLine turns a typed line into the message to send. It returns nil for
// blank lines and quit for /quit.
func parseLine(line string) (msg *message.Message, quit bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return nil, false
	case line == "/quit":
		return nil, true
	case line == "/who":
		return message.New(message.ID(cmdUsers)), false
	case strings.HasPrefix(line, "/name "):
		return message.New(message.ID(cmdSetName)).PushString(strings.TrimSpace(line[len("/name "):])), false
	default:
		return message.New(message.ID(cmdChat)).PushString(line), false
	}
}

// terminal prints room events. Handlers may run on several goroutines.
type terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func newTerminal(out io.Writer) *terminal {
	return &terminal{out: out}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format+"\n", args...)
}

// send reports a failed send on the terminal.
func (t *terminal) send(ctx context.Context, cl lnet.Client, msg *message.Message) {
	if err := cl.Send(ctx, msg); err != nil {
		what := "send"
		if msg.Type() == cmdSetName {
			what = "rename"
		}
		t.printf("* %s failed: %v", what, err)
	}
}

func (t *terminal) Attach(cl lnet.Client) {
	cl.RegisterHandler(message.ID(cmdChat), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		name, _ := msg.PopString()
		text, err := msg.PopString()
		if err != nil {
			return
		}
		t.printf("%s: %s", name, text)
	})
	cl.RegisterHandler(message.ID(cmdJoined), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		if name, err := msg.PopString(); err == nil {
			t.printf("* %s joined", name)
		}
	})
	cl.RegisterHandler(message.ID(cmdLeft), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		if name, err := msg.PopString(); err == nil {
			t.printf("* %s left", name)
		}
	})
	cl.RegisterHandler(message.ID(cmdRenamed), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		old, _ := msg.PopString()
		name, err := msg.PopString()
		if err == nil {
			t.printf("* %s is now %s", old, name)
		}
	})
	cl.RegisterHandler(message.ID(cmdUsers), func(_ context.Context, _ lnet.Peer, msg *message.Message) {
		if names, err := msg.PopStrings(); err == nil {
			t.printf("* online: %s", strings.Join(names, ", "))
		}
	})
}

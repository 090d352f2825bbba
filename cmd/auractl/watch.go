package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"auradrive/internal/callback"
	"auradrive/internal/ipc"
)

// printer writes one line per notification. Legacy OnServiceEvent
// duplicates are skipped.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	now   func() time.Time
	lines chan struct{}
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w, now: time.Now, lines: make(chan struct{}, 64)}
}

func (p *printer) printf(format string, args ...any) error {
	p.mu.Lock()
	fmt.Fprintf(p.w, "%s ", p.now().Format("15:04:05.000"))
	fmt.Fprintf(p.w, format, args...)
	fmt.Fprintln(p.w)
	p.mu.Unlock()

	select {
	case p.lines <- struct{}{}:
	default:
	}
	return nil
}

func (p *printer) OnConnected() error { return p.printf("connected") }

func (p *printer) OnDisconnected(reason string) error {
	return p.printf("disconnected reason=%q", reason)
}

func (p *printer) OnStatusUpdate(status string) error {
	return p.printf("status %s", status)
}

func (p *printer) OnError(code int, message string) error {
	return p.printf("error code=%d %s", code, message)
}

func (p *printer) OnDataReceived(dataType string, data []byte) error {
	if utf8.Valid(data) && len(data) <= 80 {
		return p.printf("data type=%s size=%s %q", dataType, humanize.Bytes(uint64(len(data))), data)
	}
	return p.printf("data type=%s size=%s", dataType, humanize.Bytes(uint64(len(data))))
}

func (p *printer) OnEvent(eventType int, data string) error {
	return p.printf("event type=%d %s", eventType, data)
}

func (p *printer) OnModuleStateChanged(pkg string, enabled bool) error {
	state := "disabled"
	if enabled {
		state = "enabled"
	}
	return p.printf("module %s %s", pkg, state)
}

func (p *printer) OnSystemEvent(eventType int, data string) error {
	return p.printf("system type=%d %s", eventType, data)
}

func (p *printer) OnServiceEvent(int, string) error { return nil }

// maskValue is an event mask flag parsed with callback.ParseMask.
type maskValue callback.EventMask

var _ pflag.Value = (*maskValue)(nil)

func (m *maskValue) String() string { return callback.EventMask(*m).String() }
func (m *maskValue) Type() string   { return "events" }

func (m *maskValue) Set(s string) error {
	v, err := callback.ParseMask(s)
	if err != nil {
		return err
	}
	*m = maskValue(v)
	return nil
}

func newWatchCommand(g *globalOptions) *cobra.Command {
	events := maskValue(callback.EventAll)
	var count int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Register a callback and print notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
				return watch(ctx, c, newPrinter(cmd.OutOrStdout()), callback.EventMask(events), count)
			})
		},
	}
	cmd.Flags().VarP(&events, "events", "e",
		"event categories, e.g. status,error,module (connected and disconnected are always shown)")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "exit after this many notifications (0 = no limit)")
	return cmd
}

// watch blocks until ctx ends, the connection drops or count lines have
// been printed.
func watch(ctx context.Context, c *ipc.Client, p *printer, mask callback.EventMask, count int) error {
	ok, err := c.RegisterCallback(ctx, p)
	if err != nil {
		return err
	}
	if !ok {
		return failed("register callback", "")
	}
	if ok, err := c.SubscribeToEvents(ctx, mask); err != nil {
		return err
	} else if !ok {
		return failed("subscribe", "")
	}

	alive := time.NewTicker(time.Second)
	defer alive.Stop()

	seen := 0
	for {
		select {
		case <-ctx.Done():
			unregister(c)
			return nil
		case <-p.lines:
			seen++
			if count > 0 && seen >= count {
				unregister(c)
				return nil
			}
		case <-alive.C:
			if !c.IsConnected() {
				return ipc.ErrConnectionLost
			}
		}
	}
}

func unregister(c *ipc.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.UnregisterCallback(ctx)
}

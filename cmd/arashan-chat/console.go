package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"github.com/zhanat1998/arashan-chat/internal/dispatch"
	"github.com/zhanat1998/arashan-chat/internal/outbox"
	"github.com/zhanat1998/arashan-chat/internal/registry"
	"github.com/zhanat1998/arashan-chat/internal/status"
	"github.com/zhanat1998/arashan-chat/internal/thread"
	"go.uber.org/fx"
)

// console is a thin developer REPL over the core: tails bus events and maps
// stdin lines to operations. Plain text sends into the open conversation.
type console struct {
	bus      *bus.Bus
	d        *dispatch.Dispatcher
	pipeline *outbox.Pipeline
	registry *registry.Registry
	thread   *thread.Store

	cancel context.CancelFunc
}

func registerConsole(lc fx.Lifecycle, b *bus.Bus, d *dispatch.Dispatcher, p *outbox.Pipeline, reg *registry.Registry, ts *thread.Store) {
	c := &console{bus: b, d: d, pipeline: p, registry: reg, thread: ts}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())
			c.cancel = cancel
			go c.tail(ctx)
			go c.repl(ctx)
			return nil
		},
		OnStop: func(_ context.Context) error {
			c.cancel()
			return nil
		},
	})
}

func (c *console) tail(ctx context.Context) {
	ch, unsub := c.bus.Subscribe("", 128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			switch evt.Kind {
			case bus.KindNotifyMessage:
				if n, ok := evt.Payload.(dispatch.Notification); ok {
					fmt.Printf("* %s (%s): %s\n", n.SenderName, n.ConversationID, n.Preview)
				}
			case bus.KindMessageReceived:
				if m, ok := evt.Payload.(chat.Message); ok && m.ConversationID == c.thread.ConversationID() {
					fmt.Printf("< %s\n", m.Body)
				}
			case bus.KindMessageSendFailed:
				if f, ok := evt.Payload.(outbox.FailedSend); ok {
					fmt.Printf("! send failed (%s): %s — /retry %s\n", f.Err, f.Body, f.TempID)
				}
			case bus.KindStatusChanged:
				if s, ok := evt.Payload.(status.StatusChange); ok {
					fmt.Printf("~ %s\n", s.To)
				}
			}
		}
	}
}

func (c *console) repl(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/list":
			for _, conv := range c.registry.Conversations() {
				fmt.Printf("%s  %-20s unread=%d  %s\n", conv.ID, conv.ShopName, conv.UnreadCount, conv.LastMessage)
			}
		case strings.HasPrefix(line, "/open "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/open "))
			conv, err := c.d.OpenConversation(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "open: %v\n", err)
				continue
			}
			for _, m := range c.thread.Messages() {
				fmt.Printf("  [%s] %s\n", m.SenderID, m.Body)
			}
			fmt.Printf("opened %s (%s)\n", conv.ID, conv.ShopName)
		case line == "/close":
			c.d.CloseConversation()
		case line == "/more":
			n, err := c.thread.LoadMore(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "load more: %v\n", err)
				continue
			}
			fmt.Printf("loaded %d older messages\n", n)
		case strings.HasPrefix(line, "/retry "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/retry "))
			if _, err := c.pipeline.Retry(ctx, id); err != nil {
				fmt.Fprintf(os.Stderr, "retry: %v\n", err)
			}
		default:
			if _, err := c.pipeline.Send(ctx, line, chat.TypeText, nil); err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
			}
		}
	}
}

// chatcli - command line client for the marketplace chat service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketloop/chatkit/internal/config"
	"github.com/marketloop/chatkit/models"
	"github.com/marketloop/chatkit/rest"
	"github.com/marketloop/chatkit/session"
	"github.com/marketloop/chatkit/transport"
)

type staticCredentials struct{ token string }

func (s staticCredentials) Token(ctx context.Context) (string, error) {
	return s.token, nil
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	if cfg.Token == "" || cfg.UserID == "" {
		fmt.Fprintln(os.Stderr, "CHAT_TOKEN and CHAT_USER_ID must be set")
		os.Exit(1)
	}

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Logger()
	}

	api := rest.NewClient(cfg.ServerURL, cfg.Token)
	mgr := transport.NewManager(transport.Options{
		URL:         cfg.SocketURL,
		Credentials: staticCredentials{token: cfg.Token},
		Logger:      logger,
	})
	sess := session.New(session.Options{
		UserID:    cfg.UserID,
		API:       api,
		Transport: mgr,
		Logger:    logger,
	})
	defer sess.Close()

	ctx := context.Background()
	cmd := os.Args[1]

	switch cmd {
	case "list":
		convs, err := sess.LoadConversations(ctx)
		exitOnError(err)
		for _, c := range convs {
			ts := c.LastMessagePreview.Timestamp.Format("2006-01-02 15:04")
			fmt.Printf("  %s  [%d unread]  %s: %s (%s)\n",
				c.ID, c.UnreadCount, shortID(c.LastMessagePreview.SenderID), c.LastMessagePreview.Body, ts)
		}

	case "history":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli history <conversation_id>")
			os.Exit(1)
		}
		msgs, err := sess.LoadConversation(ctx, os.Args[2])
		exitOnError(err)
		printMessages(msgs)

	case "send":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli send <conversation_id> <text>")
			os.Exit(1)
		}
		msg, err := sess.SendMessage(ctx, os.Args[2], os.Args[3], nil)
		exitOnError(err)
		fmt.Printf("Sent: %s\n", msg.ID)

	case "read":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "Usage: chatcli read <conversation_id>")
			os.Exit(1)
		}
		_, err := sess.LoadConversation(ctx, os.Args[2])
		exitOnError(err)
		exitOnError(sess.MarkConversationRead(ctx, os.Args[2]))
		fmt.Printf("Unread total: %d\n", sess.UnreadTotal())

	case "unread":
		fmt.Printf("Unread total: %d\n", sess.RefreshUnread(ctx))

	case "tail":
		tail(ctx, sess)

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

// tail connects the live link and prints events until interrupted.
func tail(ctx context.Context, sess *session.Session) {
	if _, err := sess.LoadConversations(ctx); err != nil {
		exitOnError(err)
	}

	sub := sess.On(transport.EventMessageNew, func(_ string, data json.RawMessage) {
		var msg models.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		ts := msg.CreatedAt.Format("15:04:05")
		fmt.Printf("[%s] %s %s: %s\n", ts, shortID(msg.ConversationID), shortID(msg.SenderID), msg.Body)
	})
	defer sub.Off()

	badge := sess.OnUnreadChange(func(total int) {
		fmt.Printf("  (unread: %d)\n", total)
	})
	defer badge.Off()

	exitOnError(sess.Connect(ctx))
	fmt.Println("Connected. Waiting for messages (Ctrl-C to quit)...")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

func printMessages(msgs []models.Message) {
	for _, m := range msgs {
		ts := m.CreatedAt.Format("2006-01-02 15:04:05")
		marker := ""
		if m.Status == models.StatusPending {
			marker = " (sending...)"
		} else if m.Status == models.StatusFailed {
			marker = " (failed)"
		}
		fmt.Printf("[%s] %s: %s%s\n", ts, shortID(m.SenderID), m.Body, marker)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func usage() {
	fmt.Println(`chatcli - marketplace chat client

Usage: chatcli <command> [options]

Commands:
  list                      List conversations
  history <conversation>    Show message history
  send <conversation> <msg> Send a message
  read <conversation>       Mark a conversation read
  unread                    Show the unread total
  tail                      Connect and stream live messages

Environment:
  CHAT_SERVER_URL  API base URL (default: http://localhost:8080)
  CHAT_SOCKET_URL  Live endpoint (default: ws://localhost:8080/live)
  CHAT_TOKEN       Session credential
  CHAT_USER_ID     Current user ID`)
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	avidachat "github.com/kelvinofficial/avida-sub007"
	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsUnread  bool
	conversationsBuying  bool
	conversationsSelling bool
	conversationsSearch  string
	conversationsJSON    bool

	// messages
	messagesJSON bool
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "only conversations with unread messages")
	conversationsCmd.Flags().BoolVar(&conversationsBuying, "buying", false, "only conversations where you are the buyer")
	conversationsCmd.Flags().BoolVar(&conversationsSelling, "selling", false, "only conversations where you are the seller")
	conversationsCmd.Flags().StringVar(&conversationsSearch, "search", "", "free-text search over peer, listing and preview")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(messagesCmd)
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "output raw JSON")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := mustLoadConfig()
		core := getCore()
		defer core.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := core.Directory.Refresh(ctx); err != nil {
			return fmt.Errorf("failed to load conversations: %w", err)
		}

		role := avidachat.RoleAny
		if conversationsBuying {
			role = avidachat.RoleBuying
		}
		if conversationsSelling {
			role = avidachat.RoleSelling
		}
		convs := core.Directory.Conversations(avidachat.Filter{
			Unread: conversationsUnread,
			Role:   role,
			Query:  conversationsSearch,
		})

		if conversationsJSON {
			return printJSON(convs)
		}

		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			peer := c.Peer(cfg.Auth.UserID)
			dot := " "
			if core.Presence.IsOnline(peer.ID) {
				dot = "*"
			}
			line := fmt.Sprintf("%s %-12s %s", dot, c.ID, peer.Name)
			if c.Listing != nil {
				line += " [" + c.Listing.Title + "]"
			}
			if c.LastMessage != nil {
				line += "  " + truncate(c.LastMessage.Text, 40)
			}
			if n := c.UnreadFor(cfg.Auth.UserID); n > 0 {
				line += fmt.Sprintf("  (%d unread)", n)
			}
			fmt.Println(line)
		}
		fmt.Printf("\n%d total, %d unread\n", len(convs), core.Directory.TotalUnread())
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		history, err := client.GetConversation(ctx, convID)
		if err != nil {
			return fmt.Errorf("failed to load conversation: %w", err)
		}

		if messagesJSON {
			return printJSON(history)
		}

		for _, item := range avidachat.BuildTimeline(history.Messages, time.Local) {
			switch item.Kind {
			case avidachat.ItemDaySeparator:
				fmt.Printf("---- %s ----\n", item.Date.Format("Mon, 02 Jan 2006"))
			case avidachat.ItemMessage:
				printMessage(*item.Message)
			}
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <message>",
	Short: "Send a text message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID, text := args[0], args[1]
		core := getCore()
		defer core.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		core.Messages.SetForeground(convID)
		msg, err := core.Messages.Send(ctx, convID, text, avidachat.TypeText, nil)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch <conversation-id>",
	Short: "Stream a conversation live",
	Long:  "Join a conversation and print messages, typing indicators and presence changes as they happen. Ctrl-C to stop.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		convID := args[0]
		core := getCore()
		defer core.Close()

		core.Session.OnConnected(func() {
			fmt.Fprintln(os.Stderr, "connected")
		})
		core.Session.OnDisconnected(func(err error) {
			fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
		})
		core.Session.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d) in %s\n", attempt, delay)
		})
		core.Session.OnNewMessage(func(ev avidachat.NewMessageEvent) {
			if ev.ConversationID == convID {
				printMessage(ev.Message)
			}
		})
		core.Session.OnTyping(func(ev avidachat.TypingEvent) {
			name := ev.UserName
			if name == "" {
				name = ev.UserID
			}
			fmt.Printf("... %s is typing\n", name)
		})
		core.Session.OnOnlineStatus(func(ev avidachat.OnlineStatusEvent) {
			status := "offline"
			if ev.IsOnline {
				status = "online"
			}
			fmt.Printf("    %s is now %s\n", ev.UserID, status)
		})

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := core.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to connect: %w", err)
		}
		if err := core.Select(ctx, convID); err != nil {
			cancel()
			return fmt.Errorf("failed to open conversation: %w", err)
		}
		cancel()

		for _, item := range core.Timeline(convID, time.Local) {
			switch item.Kind {
			case avidachat.ItemDaySeparator:
				fmt.Printf("---- %s ----\n", item.Date.Format("Mon, 02 Jan 2006"))
			case avidachat.ItemMessage:
				printMessage(*item.Message)
			}
		}
		fmt.Fprintln(os.Stderr, "watching, Ctrl-C to stop")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}

// ============================================================================
// Output helpers
// ============================================================================

func printMessage(m avidachat.Message) {
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	body := m.Content
	switch m.Type {
	case avidachat.TypeImage:
		body = "[photo] " + m.MediaURL
	case avidachat.TypeVideo:
		body = "[video] " + m.MediaURL
	case avidachat.TypeAudio:
		body = fmt.Sprintf("[voice %ds] %s", m.DurationSecs, m.MediaURL)
	}
	marker := ""
	if m.Delivery == avidachat.DeliveryFailed {
		marker = " (failed)"
	}
	fmt.Printf("%s  %s: %s%s\n", ts, m.SenderID, body, marker)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}

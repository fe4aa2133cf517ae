package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/vterra/chirp/internal/config"
	"github.com/vterra/chirp/internal/conn"
	"github.com/vterra/chirp/internal/rest"
	"github.com/vterra/chirp/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadSession(session.ConfigPath(sessionName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot load session %q: %v\n", sessionName, err)
		os.Exit(1)
	}

	client, err := rest.NewClient(
		rest.Config{BaseURL: cfg.Server.BaseURL},
		conn.StaticToken(cfg.Server.Token),
		zap.NewNop(),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "conversations":
		cmdConversations(ctx, client, *jsonFlag)
	case "messages":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl messages <counterpart-id>")
			os.Exit(1)
		}
		cmdMessages(ctx, client, args[1], *jsonFlag)
	case "send":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl send <receiver-id> <content>")
			os.Exit(1)
		}
		cmdSend(ctx, client, args[1], args[2], *jsonFlag)
	case "edit":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl edit <message-id> <content>")
			os.Exit(1)
		}
		cmdEdit(ctx, client, args[1], args[2])
	case "delete":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl delete <message-id>")
			os.Exit(1)
		}
		cmdDelete(ctx, client, args[1])
	case "avatar":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chirpctl avatar <user-id>")
			os.Exit(1)
		}
		cmdAvatar(ctx, client, args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chirpctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  conversations              List conversations")
	fmt.Fprintln(os.Stderr, "  messages <counterpart-id>  Show a conversation")
	fmt.Fprintln(os.Stderr, "  send <receiver-id> <text>  Send a message")
	fmt.Fprintln(os.Stderr, "  edit <message-id> <text>   Edit a message")
	fmt.Fprintln(os.Stderr, "  delete <message-id>        Delete a message")
	fmt.Fprintln(os.Stderr, "  avatar <user-id>           Show a user's avatar URL")
}

func cmdConversations(ctx context.Context, c *rest.Client, jsonOut bool) {
	convs, err := c.Conversations(ctx)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(convs)
		return
	}
	for _, conv := range convs {
		at := time.UnixMilli(conv.LastMessageAt).Format("2006-01-02 15:04")
		fmt.Printf("%-24s %s  %s\n", conv.CounterpartID, at, conv.LastMessagePreview)
	}
}

func cmdMessages(ctx context.Context, c *rest.Client, counterpartID string, jsonOut bool) {
	recs, err := c.Messages(ctx, counterpartID)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(recs)
		return
	}
	for _, r := range recs {
		at := time.UnixMilli(r.CreatedAt).Format("15:04:05")
		edited := ""
		if r.EditedAt > 0 {
			edited = " (edited)"
		}
		fmt.Printf("[%s] %s: %s%s\n", at, r.SenderID, r.Content, edited)
	}
}

func cmdSend(ctx context.Context, c *rest.Client, receiverID, content string, jsonOut bool) {
	msg, err := c.SendMessage(ctx, receiverID, content)
	if err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(msg)
		return
	}
	fmt.Printf("sent %s\n", msg.ID)
}

func cmdEdit(ctx context.Context, c *rest.Client, messageID, content string) {
	if err := c.UpdateMessage(ctx, messageID, content); err != nil {
		if rest.IsConflict(err) {
			fmt.Fprintf(os.Stderr, "error: message %s is gone or not yours to edit\n", messageID)
			os.Exit(1)
		}
		fail(err)
	}
	fmt.Printf("edited %s\n", messageID)
}

func cmdDelete(ctx context.Context, c *rest.Client, messageID string) {
	if err := c.DeleteMessage(ctx, messageID); err != nil {
		if rest.IsConflict(err) {
			fmt.Fprintf(os.Stderr, "error: message %s is gone or not yours to delete\n", messageID)
			os.Exit(1)
		}
		fail(err)
	}
	fmt.Printf("deleted %s\n", messageID)
}

func cmdAvatar(ctx context.Context, c *rest.Client, userID string) {
	url, err := c.AvatarURL(ctx, userID)
	if err != nil {
		fail(err)
	}
	if url == "" {
		fmt.Printf("%s has no avatar\n", userID)
		return
	}
	fmt.Println(url)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

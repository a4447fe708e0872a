package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caiombs/zapcoach/internal/config"
	"github.com/caiombs/zapcoach/internal/paths"
)

func main() {
	addrFlag := flag.String("addr", "", "console address (default from config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	limitFlag := flag.Int("limit", 50, "message count for the messages command")
	phoneFlag := flag.String("phone", "", "phone number for pairing-code flow on create")
	delayFlag := flag.Int("delay-ms", 0, "delay between bulk sends in milliseconds")
	flag.Parse()

	addr := *addrFlag
	if addr == "" {
		if cfg, err := config.Load(paths.ConfigPath()); err == nil {
			addr = cfg.Listen
		} else {
			addr = "127.0.0.1:8876"
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &client{base: "http://" + addr, httpc: &http.Client{Timeout: 5 * time.Minute}}
	ctx := context.Background()

	switch args[0] {
	case "instances":
		cmdInstances(ctx, c, args[1:], *jsonFlag, *phoneFlag)
	case "pair":
		cmdPair(ctx, c, args[1:], *jsonFlag)
	case "chats":
		if len(args) < 2 {
			fatal("usage: zapcoachctl chats <instance>")
		}
		cmdChats(ctx, c, args[1], *jsonFlag)
	case "messages":
		if len(args) < 3 {
			fatal("usage: zapcoachctl messages <instance> <chat-id>")
		}
		cmdMessages(ctx, c, args[1], args[2], *limitFlag, *jsonFlag)
	case "send":
		if len(args) < 4 {
			fatal("usage: zapcoachctl send <instance> <number> <text>")
		}
		cmdSend(ctx, c, args[1], args[2], strings.Join(args[3:], " "), *jsonFlag)
	case "events":
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdEvents(ctx, c, prefix, *jsonFlag)
	case "bulk":
		if len(args) < 4 {
			fatal("usage: zapcoachctl bulk <instance> <number,number,...> <text>")
		}
		cmdBulk(ctx, c, args[1], strings.Split(args[2], ","), strings.Join(args[3:], " "), *delayFlag, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: zapcoachctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  instances list                      List gateway sessions")
	fmt.Fprintln(os.Stderr, "  instances create <name> [--phone]   Create a session")
	fmt.Fprintln(os.Stderr, "  instances delete <name>             Delete a session")
	fmt.Fprintln(os.Stderr, "  instances logout <name>             Unpair a session")
	fmt.Fprintln(os.Stderr, "  instances recover                   Adopt an open session as active")
	fmt.Fprintln(os.Stderr, "  pair <name>                         Begin pairing, print the artifact")
	fmt.Fprintln(os.Stderr, "  pair status <name>                  Show pairing state")
	fmt.Fprintln(os.Stderr, "  pair cancel <name>                  Cancel pairing")
	fmt.Fprintln(os.Stderr, "  chats <instance>                    List chats, newest first")
	fmt.Fprintln(os.Stderr, "  messages <instance> <chat-id>       List messages [--limit]")
	fmt.Fprintln(os.Stderr, "  send <instance> <number> <text>     Send a text message")
	fmt.Fprintln(os.Stderr, "  bulk <instance> <nums> <text>       Send to many [--delay-ms]")
	fmt.Fprintln(os.Stderr, "  events [prefix]                     Follow daemon events (Ctrl-C to stop)")
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type client struct {
	base  string
	httpc *http.Client
}

// do performs a console request and returns the raw JSON body. Non-2xx
// responses carry a problem body whose detail becomes the error text.
func (c *client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot reach daemon at %s: %w (is zapcoachd running?)", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var problem struct {
			Type   string `json:"type"`
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) == nil && problem.Detail != "" {
			return nil, fmt.Errorf("%s: %s", problem.Type, problem.Detail)
		}
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return data, nil
}

func (c *client) doOrDie(ctx context.Context, method, path string, body any) json.RawMessage {
	data, err := c.do(ctx, method, path, body)
	if err != nil {
		fatal("error: %v", err)
	}
	return data
}

func outputJSON(raw json.RawMessage) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return
	}
	fmt.Println(buf.String())
}

func cmdInstances(ctx context.Context, c *client, args []string, jsonOut bool, phone string) {
	if len(args) == 0 {
		fatal("usage: zapcoachctl instances <list|create|delete|logout|recover>")
	}
	switch args[0] {
	case "list":
		raw := c.doOrDie(ctx, http.MethodGet, "/api/v1/instances", nil)
		if jsonOut {
			outputJSON(raw)
			return
		}
		var resp struct {
			Instances []struct {
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"instances"`
			Active    string `json:"active"`
			FromCache bool   `json:"fromCache"`
		}
		mustDecode(raw, &resp)
		if resp.FromCache {
			fmt.Println("(cached: gateway unreachable)")
		}
		for _, inst := range resp.Instances {
			marker := " "
			if inst.Name == resp.Active {
				marker = "*"
			}
			fmt.Printf("%s %-24s %s\n", marker, inst.Name, inst.Status)
		}
	case "create":
		if len(args) < 2 {
			fatal("usage: zapcoachctl instances create <name> [--phone <number>]")
		}
		raw := c.doOrDie(ctx, http.MethodPost, "/api/v1/instances",
			map[string]string{"name": args[1], "phone": phone})
		if jsonOut {
			outputJSON(raw)
			return
		}
		fmt.Printf("created %s\n", args[1])
	case "delete":
		if len(args) < 2 {
			fatal("usage: zapcoachctl instances delete <name>")
		}
		c.doOrDie(ctx, http.MethodDelete, "/api/v1/instances/"+url.PathEscape(args[1]), nil)
		fmt.Printf("deleted %s\n", args[1])
	case "logout":
		if len(args) < 2 {
			fatal("usage: zapcoachctl instances logout <name>")
		}
		c.doOrDie(ctx, http.MethodPost, "/api/v1/instances/"+url.PathEscape(args[1])+"/logout", nil)
		fmt.Printf("logged out %s\n", args[1])
	case "recover":
		raw := c.doOrDie(ctx, http.MethodPost, "/api/v1/instances/recover", nil)
		if jsonOut {
			outputJSON(raw)
			return
		}
		var resp struct {
			Active string `json:"active"`
		}
		mustDecode(raw, &resp)
		fmt.Printf("active instance: %s\n", resp.Active)
	default:
		fatal("unknown instances command: %s", args[0])
	}
}

func cmdPair(ctx context.Context, c *client, args []string, jsonOut bool) {
	if len(args) == 0 {
		fatal("usage: zapcoachctl pair <name> | pair status <name> | pair cancel <name>")
	}

	var method, name string
	switch args[0] {
	case "status":
		if len(args) < 2 {
			fatal("usage: zapcoachctl pair status <name>")
		}
		method, name = http.MethodGet, args[1]
	case "cancel":
		if len(args) < 2 {
			fatal("usage: zapcoachctl pair cancel <name>")
		}
		method, name = http.MethodDelete, args[1]
	default:
		method, name = http.MethodPost, args[0]
	}

	raw := c.doOrDie(ctx, method, "/api/v1/instances/"+url.PathEscape(name)+"/pairing", nil)
	if jsonOut {
		outputJSON(raw)
		return
	}
	var resp struct {
		State       string `json:"state"`
		PairingCode string `json:"pairingCode"`
		QRImage     string `json:"qrImage"`
		ExpiresAt   string `json:"expiresAt"`
	}
	mustDecode(raw, &resp)
	fmt.Printf("state: %s\n", resp.State)
	if resp.PairingCode != "" {
		fmt.Printf("pairing code: %s\n", resp.PairingCode)
	}
	if resp.QRImage != "" {
		fmt.Println("QR image available: rerun with --json to retrieve it as base64 PNG")
	}
	if resp.ExpiresAt != "" {
		fmt.Printf("expires: %s\n", resp.ExpiresAt)
	}
}

func cmdChats(ctx context.Context, c *client, instanceName string, jsonOut bool) {
	raw := c.doOrDie(ctx, http.MethodGet, "/api/v1/instances/"+url.PathEscape(instanceName)+"/chats", nil)
	if jsonOut {
		outputJSON(raw)
		return
	}
	var resp struct {
		Chats []struct {
			ID                 string `json:"id"`
			Name               string `json:"name"`
			LastMessagePreview string `json:"lastMessagePreview"`
			UnreadCount        int    `json:"unreadCount"`
		} `json:"chats"`
		FromCache bool `json:"fromCache"`
	}
	mustDecode(raw, &resp)
	if resp.FromCache {
		fmt.Println("(cached: gateway unreachable)")
	}
	for _, chat := range resp.Chats {
		unread := ""
		if chat.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", chat.UnreadCount)
		}
		fmt.Printf("%-40s %s%s\n  %s\n", chat.ID, chat.Name, unread, chat.LastMessagePreview)
	}
}

func cmdMessages(ctx context.Context, c *client, instanceName, chatID string, limit int, jsonOut bool) {
	path := fmt.Sprintf("/api/v1/instances/%s/chats/%s/messages?limit=%d",
		url.PathEscape(instanceName), url.PathEscape(chatID), limit)
	raw := c.doOrDie(ctx, http.MethodGet, path, nil)
	if jsonOut {
		outputJSON(raw)
		return
	}
	var resp struct {
		Messages []struct {
			FromMe    bool   `json:"fromMe"`
			Body      string `json:"body"`
			Timestamp int64  `json:"timestamp"`
		} `json:"messages"`
	}
	mustDecode(raw, &resp)
	for _, msg := range resp.Messages {
		direction := "<-"
		if msg.FromMe {
			direction = "->"
		}
		ts := time.UnixMilli(msg.Timestamp).Format("2006-01-02 15:04")
		fmt.Printf("%s %s %s\n", ts, direction, msg.Body)
	}
}

func cmdSend(ctx context.Context, c *client, instanceName, number, text string, jsonOut bool) {
	raw := c.doOrDie(ctx, http.MethodPost,
		"/api/v1/instances/"+url.PathEscape(instanceName)+"/messages",
		map[string]string{"number": number, "text": text})
	if jsonOut {
		outputJSON(raw)
		return
	}
	var resp struct {
		MessageID string `json:"messageId"`
		Status    string `json:"status"`
	}
	mustDecode(raw, &resp)
	fmt.Printf("sent %s (%s)\n", resp.MessageID, resp.Status)
}

func cmdBulk(ctx context.Context, c *client, instanceName string, numbers []string, text string, delayMS int, jsonOut bool) {
	raw := c.doOrDie(ctx, http.MethodPost,
		"/api/v1/instances/"+url.PathEscape(instanceName)+"/messages/bulk",
		map[string]any{"numbers": numbers, "text": text, "delay_ms": delayMS})
	if jsonOut {
		outputJSON(raw)
		return
	}
	var resp struct {
		Sent   int               `json:"sent"`
		Failed int               `json:"failed"`
		Errors map[string]string `json:"errors"`
	}
	mustDecode(raw, &resp)
	fmt.Printf("sent: %d, failed: %d\n", resp.Sent, resp.Failed)
	for recipient, msg := range resp.Errors {
		fmt.Printf("  %s: %s\n", recipient, msg)
	}
}

// cmdEvents follows the daemon event feed by long-polling /api/v1/events
// until interrupted.
func cmdEvents(ctx context.Context, c *client, prefix string, jsonOut bool) {
	path := "/api/v1/events?timeout_ms=25000"
	if prefix != "" {
		path += "&prefix=" + url.QueryEscape(prefix)
	}
	for {
		raw, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			fatal("error: %v", err)
		}
		var resp struct {
			Events []struct {
				Kind      string          `json:"kind"`
				Timestamp time.Time       `json:"timestamp"`
				Payload   json.RawMessage `json:"payload"`
			} `json:"events"`
		}
		mustDecode(raw, &resp)
		for _, ev := range resp.Events {
			if jsonOut {
				data, _ := json.Marshal(ev)
				fmt.Println(string(data))
				continue
			}
			payload := ""
			if len(ev.Payload) > 0 {
				payload = " " + string(ev.Payload)
			}
			fmt.Printf("%s %s%s\n", ev.Timestamp.Format("15:04:05"), ev.Kind, payload)
		}
	}
}

func mustDecode(raw json.RawMessage, out any) {
	if err := json.Unmarshal(raw, out); err != nil {
		fatal("error: malformed daemon response: %v", err)
	}
}

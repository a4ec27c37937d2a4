package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

const defaultAddr = "127.0.0.1:8471"

type ctl struct {
	base    string
	jsonOut bool
	http    *http.Client
}

func main() {
	addrFlag := flag.String("addr", defaultAddr, "daemon HTTP address")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := &ctl{
		base:    "http://" + *addrFlag,
		jsonOut: *jsonFlag,
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "list":
		c.cmdList()
	case "add":
		requireArgs(args, 2, "usage: wafleetctl add <number>")
		c.cmdAdd(args[1])
	case "remove":
		requireArgs(args, 2, "usage: wafleetctl remove <number>")
		c.cmdRemove(args[1])
	case "reconnect":
		requireArgs(args, 2, "usage: wafleetctl reconnect <number>")
		c.cmdReconnect(args[1])
	case "qr":
		requireArgs(args, 2, "usage: wafleetctl qr <number>")
		c.cmdQR(args[1])
	case "state":
		requireArgs(args, 2, "usage: wafleetctl state <number>")
		c.cmdState(args[1])
	case "chats":
		requireArgs(args, 2, "usage: wafleetctl chats <number> [unread]")
		c.cmdChats(args[1], len(args) > 2 && args[2] == "unread")
	case "send":
		requireArgs(args, 4, "usage: wafleetctl send <number> <chat-id> <text>")
		c.cmdSend(args[1], args[2], args[3])
	case "watchdog":
		c.cmdWatchdog()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wafleetctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                        Daemon health summary")
	fmt.Fprintln(os.Stderr, "  list                          List fleet clients")
	fmt.Fprintln(os.Stderr, "  add <number>                  Register a client")
	fmt.Fprintln(os.Stderr, "  remove <number>               Remove a client")
	fmt.Fprintln(os.Stderr, "  reconnect <number>            Force an immediate reconnect")
	fmt.Fprintln(os.Stderr, "  qr <number>                   Print the pending pairing code")
	fmt.Fprintln(os.Stderr, "  state <number>                Show session state and history")
	fmt.Fprintln(os.Stderr, "  chats <number> [unread]       List cached chats")
	fmt.Fprintln(os.Stderr, "  send <number> <chat> <text>   Send a text message")
	fmt.Fprintln(os.Stderr, "  watchdog                      Show watchdog reports")
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}
}

func (c *ctl) cmdStatus() {
	var resp struct {
		Status           string `json:"status"`
		ClientsTotal     int    `json:"clients_total"`
		ClientsHealthy   int    `json:"clients_healthy"`
		ClientsUnhealthy int    `json:"clients_unhealthy"`
	}
	c.get("/healthz", &resp)
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Status:    %s\n", resp.Status)
	fmt.Printf("Clients:   %d total, %d healthy, %d unhealthy\n",
		resp.ClientsTotal, resp.ClientsHealthy, resp.ClientsUnhealthy)
}

func (c *ctl) cmdList() {
	var resp struct {
		Clients []struct {
			Number    string    `json:"number"`
			State     string    `json:"state"`
			EnteredAt time.Time `json:"entered_at"`
			Healthy   bool      `json:"healthy"`
		} `json:"clients"`
	}
	c.get("/clients", &resp)
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Clients) == 0 {
		fmt.Println("No clients registered.")
		return
	}
	for _, cl := range resp.Clients {
		health := "unhealthy"
		if cl.Healthy {
			health = "healthy"
		}
		fmt.Printf("%-16s %-14s %-10s since %s\n",
			cl.Number, cl.State, health, cl.EnteredAt.Format(time.RFC3339))
	}
}

func (c *ctl) cmdAdd(number string) {
	var resp struct {
		Number string `json:"number"`
	}
	c.post("/clients", map[string]string{"number": number}, &resp)
	fmt.Printf("Client %s added.\n", resp.Number)
}

func (c *ctl) cmdRemove(number string) {
	c.do(http.MethodDelete, "/clients/"+url.PathEscape(number), nil, nil)
	fmt.Printf("Client %s removed.\n", number)
}

func (c *ctl) cmdReconnect(number string) {
	var resp struct {
		Number string `json:"number"`
		Status string `json:"status"`
	}
	c.post("/clients/"+url.PathEscape(number)+"/reconnect", nil, &resp)
	fmt.Printf("Client %s: %s\n", resp.Number, resp.Status)
}

func (c *ctl) cmdQR(number string) {
	var resp struct {
		Number string `json:"number"`
		Code   string `json:"code"`
	}
	c.get("/clients/"+url.PathEscape(number)+"/qr?format=text", &resp)
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Println(resp.Code)
}

func (c *ctl) cmdState(number string) {
	var resp struct {
		Number    string         `json:"number"`
		State     string         `json:"state"`
		Previous  string         `json:"previous"`
		EnteredAt time.Time      `json:"entered_at"`
		Metadata  map[string]any `json:"metadata"`
		History   []struct {
			From string    `json:"from"`
			To   string    `json:"to"`
			At   time.Time `json:"at"`
		} `json:"history"`
	}
	c.get("/clients/"+url.PathEscape(number)+"/state", &resp)
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Client:   %s\n", resp.Number)
	fmt.Printf("State:    %s (since %s)\n", resp.State, resp.EnteredAt.Format(time.RFC3339))
	if resp.Previous != "" {
		fmt.Printf("Previous: %s\n", resp.Previous)
	}
	for _, tr := range resp.History {
		fmt.Printf("  %s  %s -> %s\n", tr.At.Format(time.RFC3339), tr.From, tr.To)
	}
}

func (c *ctl) cmdChats(number string, unread bool) {
	path := "/clients/" + url.PathEscape(number) + "/chats"
	if unread {
		path += "/unread"
	}
	var resp struct {
		Ready bool `json:"ready"`
		Chats []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			IsGroup     bool   `json:"is_group"`
			UnreadCount int    `json:"unread_count"`
		} `json:"chats"`
	}
	c.get(path, &resp)
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, ch := range resp.Chats {
		kind := "chat"
		if ch.IsGroup {
			kind = "group"
		}
		fmt.Printf("%-40s %-6s unread=%-4d %s\n", ch.ID, kind, ch.UnreadCount, ch.Name)
	}
}

func (c *ctl) cmdSend(number, chatID, text string) {
	var resp struct {
		MessageID string `json:"message_id"`
	}
	c.post("/clients/"+url.PathEscape(number)+"/messages",
		map[string]string{"chat_id": chatID, "text": text}, &resp)
	fmt.Printf("Sent. Message ID: %s\n", resp.MessageID)
}

func (c *ctl) cmdWatchdog() {
	var resp json.RawMessage
	c.get("/watchdog", &resp)
	outputJSON(resp)
}

func (c *ctl) get(path string, out any) {
	c.do(http.MethodGet, path, nil, out)
}

func (c *ctl) post(path string, body, out any) {
	c.do(http.MethodPost, path, body, out)
}

func (c *ctl) do(method, path string, body, out any) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			fatal(err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		fatal(fmt.Errorf("cannot reach daemon at %s: %w", c.base, err))
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal(err)
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			fatal(fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message))
		}
		fatal(fmt.Errorf("daemon returned %s", resp.Status))
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			fatal(fmt.Errorf("bad response: %w", err))
		}
	}
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

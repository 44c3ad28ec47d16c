package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	cyan   = color.New(color.FgCyan).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
	errOut = color.New(color.FgRed)
)

type client struct {
	server string
	http   *http.Client
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Nuka Forge server URL")
	agentID := flag.String("agent", "", "Agent to talk to")
	flag.Parse()

	c := &client{server: strings.TrimRight(*server, "/"), http: &http.Client{Timeout: 65 * time.Second}}
	current := *agentID

	fmt.Println("Nuka Forge CLI")
	fmt.Printf("Server: %s\n", c.server)
	fmt.Println("Type 'exit' or 'quit' to leave. Plain text chats with the selected agent.")
	fmt.Println("Commands: /agents, /use <id>, /logs, /status, /audit,")
	fmt.Println("          /evolve [ms], /certify, /deploy <url>, /optimize, /restart, /ingest <n>, /task <text>")
	fmt.Println("---")

	c.listAgents()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt := "> "
		if current != "" {
			prompt = cyan(current) + "> "
		}
		fmt.Print("\n" + prompt)
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if !strings.HasPrefix(input, "/") {
			if current == "" {
				printError("Pick an agent first with /use <id>")
				continue
			}
			c.chat(current, input)
			continue
		}

		cmd, arg, _ := strings.Cut(input, " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "/agents":
			c.listAgents()
		case "/use":
			current = arg
		case "/status":
			c.status()
		case "/audit":
			c.logs("/api/audit")
		case "/task":
			c.post("/api/orchestrator/tasks", map[string]string{"task": arg})
		default:
			if current == "" {
				printError("Pick an agent first with /use <id>")
				continue
			}
			c.agentCommand(current, cmd, arg)
		}
	}
}

func (c *client) agentCommand(id, cmd, arg string) {
	base := "/api/agents/" + id
	switch cmd {
	case "/logs":
		c.logs(base + "/logs")
	case "/evolve":
		var ms int
		fmt.Sscanf(arg, "%d", &ms)
		c.post(base+"/evolve", map[string]int{"duration_ms": ms})
	case "/certify":
		c.post(base+"/certify", nil)
	case "/deploy":
		c.post(base+"/deploy", map[string]string{"endpoint": arg})
	case "/optimize":
		c.post(base+"/optimize", nil)
	case "/restart":
		c.post(base+"/restart", nil)
	case "/ingest":
		var n int
		fmt.Sscanf(arg, "%d", &n)
		c.post(base+"/ingest", map[string]int{"count": n})
	default:
		printError("Unknown command %s", cmd)
	}
}

type agentView struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Status     string  `json:"status"`
	Progress   float64 `json:"progress"`
	StrategyID string  `json:"strategy_id"`
}

func (c *client) listAgents() {
	var agents []agentView
	if err := c.get("/api/agents", &agents); err != nil {
		printError("Failed to fetch agents: %v", err)
		return
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return
	}
	fmt.Println("Agents:")
	for _, a := range agents {
		line := fmt.Sprintf("  %s %s (%s) %s %3.0f%%", cyan(a.ID), a.Name, a.Category, statusColor(a.Status), a.Progress)
		if a.StrategyID != "" {
			line += faint(" strategy=" + a.StrategyID)
		}
		fmt.Println(line)
	}
}

func (c *client) status() {
	var s struct {
		Running []string `json:"running"`
	}
	if err := c.get("/api/scheduler", &s); err != nil {
		printError("Failed to fetch status: %v", err)
		return
	}
	if len(s.Running) == 0 {
		fmt.Println("No running tasks.")
		return
	}
	fmt.Println("Running tasks:")
	for _, id := range s.Running {
		fmt.Printf("  %s %s\n", green("●"), id)
	}
}

func (c *client) logs(path string) {
	var entries []struct {
		Timestamp time.Time `json:"timestamp"`
		Stage     string    `json:"stage"`
		Message   string    `json:"message"`
	}
	if err := c.get(path, &entries); err != nil {
		printError("Failed to fetch logs: %v", err)
		return
	}
	start := max(0, len(entries)-20)
	for _, e := range entries[start:] {
		fmt.Printf("  %s %s %s\n", faint(e.Timestamp.Format("15:04:05")), yellow(e.Stage), e.Message)
	}
}

func (c *client) chat(id, text string) {
	body, _ := json.Marshal(map[string]string{"message": text})
	resp, err := c.http.Post(c.server+"/api/agents/"+id+"/chat", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}

	var out struct {
		Text      string            `json:"text"`
		IsError   bool              `json:"is_error"`
		Steps     []string          `json:"steps"`
		Proposals []json.RawMessage `json:"proposed_governance_actions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	for _, s := range out.Steps {
		fmt.Println(faint("  … " + s))
	}
	if out.IsError {
		printError("%s", out.Text)
		return
	}
	fmt.Printf("%s %s\n", cyan("["+id+"]"), out.Text)
	for _, p := range out.Proposals {
		fmt.Println(yellow("  governance: ") + string(p))
	}
}

func (c *client) get(path string, v interface{}) error {
	resp, err := c.http.Get(c.server + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) post(path string, body interface{}) {
	var r io.Reader = http.NoBody
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	resp, err := c.http.Post(c.server+path, "application/json", r)
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		printError("Server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
		return
	}
	fmt.Println(green("ok ") + faint(strings.TrimSpace(string(data))))
}

func statusColor(s string) string {
	switch s {
	case "Failed":
		return color.RedString(s)
	case "Live", "Optimized":
		return color.GreenString(s)
	case "Conception":
		return s
	default:
		return color.YellowString(s)
	}
}

func printError(format string, args ...interface{}) {
	errOut.Fprintf(os.Stderr, format+"\n", args...)
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/deskbridge-io/deskbridge/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tickets":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: deskbridgectl tickets <list|show|close>")
			os.Exit(1)
		}
		switch os.Args[2] {
		case "list":
			cmdTicketsList(os.Args[3:])
		case "show":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: deskbridgectl tickets show <id>")
				os.Exit(1)
			}
			cmdTicketsShow(os.Args[3])
		case "close":
			if len(os.Args) < 4 {
				fmt.Fprintln(os.Stderr, "usage: deskbridgectl tickets close <id>")
				os.Exit(1)
			}
			cmdTicketsClose(os.Args[3])
		default:
			fmt.Fprintf(os.Stderr, "unknown tickets subcommand: %s\n", os.Args[2])
			os.Exit(1)
		}
	case "restart":
		target := ""
		if len(os.Args) > 2 {
			target = os.Args[2]
		}
		cmdRestart(target)
	case "logs":
		cmdLogs(os.Args[2:])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: deskbridgectl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsList(args []string) {
	fs := flag.NewFlagSet("tickets list", flag.ExitOnError)
	status := fs.String("status", "", "Filter by status (open|pending|in-progress|paid|closed|transcript)")
	user := fs.String("user", "", "Filter by customer ID")
	limit := fs.Int("limit", 50, "Max results")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *status != "" {
		query += "&status=" + *status
	}
	if *user != "" {
		query += "&user=" + *user
	}

	body, err := apiGet("/api/tickets" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var tickets []map[string]any
	json.Unmarshal(body, &tickets)
	for _, t := range tickets {
		fmt.Printf("%-38s %-12s %s\n", t["id"], t["status"], t["subject"])
	}
}

func cmdTicketsShow(id string) {
	body, err := apiGet("/api/tickets/" + id)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdTicketsClose(id string) {
	body, err := apiPost("/api/tickets/" + id + "/close")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdRestart(target string) {
	path := "/api/restart"
	switch target {
	case "":
	case "origin", "staff":
		path += "/" + target
	default:
		fmt.Fprintln(os.Stderr, "usage: deskbridgectl restart [origin|staff]")
		os.Exit(1)
	}
	body, err := apiPost(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(body))
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.String("level", "", "Minimum level (info|warn|error)")
	limit := fs.Int("limit", 100, "Max entries")
	fs.Parse(args)

	query := fmt.Sprintf("?limit=%d", *limit)
	if *level != "" {
		query += "&level=" + *level
	}

	body, err := apiGet("/api/logs" + query)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	var entries []map[string]any
	json.Unmarshal(body, &entries)
	for _, e := range entries {
		fmt.Printf("%-26v %-6v %v\n", e["time"], e["level"], e["message"])
	}
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path)
}

func apiPost(path string) ([]byte, error) {
	return apiDo("POST", path)
}

func apiDo(method, path string) ([]byte, error) {
	base := envOr("DESKBRIDGE_API_URL", "http://localhost:8080")

	req, err := http.NewRequest(method, base+path, nil)
	if err != nil {
		return nil, err
	}
	if key := os.Getenv("DESKBRIDGE_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("deskbridgectl — bridge management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                 Show per-platform connection health")
	fmt.Println("  tickets list           List tickets (--status, --user, --limit)")
	fmt.Println("  tickets show <id>      Show a ticket with its transcript")
	fmt.Println("  tickets close <id>     Close a ticket and archive its channel")
	fmt.Println("  restart [origin|staff] Recycle platform sessions")
	fmt.Println("  logs                   Tail recent daemon logs (--level, --limit)")
	fmt.Println("  config validate <p>    Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DESKBRIDGE_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  DESKBRIDGE_API_KEY  API key for authentication")
}

// Command notify-cli is an operator tool for the watch/poll notification
// substrate: triggering an ad hoc poll, listing active watches, and
// inspecting poll-cache stats. Grounded on cmd/ocx-cli/main.go's plain
// net/http + flag-free argument parsing, no framework.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	gateway := os.Getenv("NOTIFY_GATEWAY_URL")
	if gateway == "" {
		gateway = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "poll":
		cmdPoll(gateway)
	case "watches":
		cmdWatches(gateway)
	case "stats":
		cmdStats(gateway)
	case "version":
		fmt.Printf("notify-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`notify-cli v` + version + `

Usage: notify-cli <command> [flags]

Commands:
  poll      Trigger an ad hoc poll for a resource id
  watches   List active watch records
  stats     Print poll-cache statistics
  version   Print version
  help      Show this help

Environment:
  NOTIFY_GATEWAY_URL   notify-server URL (default: http://localhost:8080)

Examples:
  notify-cli poll --id exchange-42
  notify-cli poll --id exchange-42 --watcher watchExchange
  notify-cli watches
  notify-cli stats`)
}

func cmdPoll(gateway string) {
	var id, watcher string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			i++
			if i < len(args) {
				id = args[i]
			}
		case "--watcher":
			i++
			if i < len(args) {
				watcher = args[i]
			}
		}
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: --id is required")
		os.Exit(1)
	}

	url := gateway + "/notify/poll/" + id
	if watcher != "" {
		url += "?watcher=" + watcher
	}

	resp, err := doRequest("GET", url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var result map[string]interface{}
	_ = json.Unmarshal(resp, &result)
	fmt.Printf("id=%v sequence=%v mutable=%v value=%v\n",
		result["ID"], result["Sequence"], result["Mutable"], result["Value"])
}

func cmdWatches(gateway string) {
	resp, err := doRequest("GET", gateway+"/notify/watches")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(resp, &records); err != nil {
		fmt.Fprintln(os.Stderr, string(resp))
		os.Exit(1)
	}
	for _, r := range records {
		fmt.Printf("%+v\n", r)
	}
	fmt.Printf("%d watch(es)\n", len(records))
}

func cmdStats(gateway string) {
	resp, err := doRequest("GET", gateway+"/notify/stats")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(resp))
}

func doRequest(method, url string) ([]byte, error) {
	req, err := http.NewRequest(method, url, bytes.NewReader(nil))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// Command kvclient is a small command-line client for talking to a
// kvlog leader or follower over its JSON-over-HTTP interface. It has no
// counterpart in the system this project was built from; it exists so
// the get/set/delete operations can be exercised from a shell.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kvclient [-server URL] [-client-id ID] <command> [args]

commands:
  get    <key> [version]    fetch a key, optionally at a specific version
  set    <key> <value>      write a key, generating a fresh request id for dedup
  delete <key>              delete a key
  history <key>             fetch a key's full version history
  versions <key>            fetch a key's known version numbers

flags:`)
	flag.PrintDefaults()
}

func main() {
	server := flag.String("server", "http://localhost:8080", "base URL of the leader or follower to talk to")
	clientID := flag.String("client-id", "kvclient", "client_id sent with mutating requests, for at-most-once dedup")
	timeout := flag.Duration("timeout", 5*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	httpClient := &http.Client{Timeout: *timeout}
	var err error
	switch cmd := args[0]; cmd {
	case "get":
		err = runGet(httpClient, *server, args[1:])
	case "set":
		err = runSet(httpClient, *server, *clientID, args[1:])
	case "delete":
		err = runDelete(httpClient, *server, *clientID, args[1:])
	case "history":
		err = runHistory(httpClient, *server, args[1:])
	case "versions":
		err = runVersions(httpClient, *server, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "kvclient: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvclient: %v\n", err)
		os.Exit(1)
	}
}

func requireArgs(args []string, n int, usageLine string) error {
	if len(args) < n {
		return fmt.Errorf("usage: %s", usageLine)
	}
	return nil
}

func printJSON(body []byte) {
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Println(pretty.String())
		return
	}
	fmt.Println(string(body))
}

func do(client *http.Client, method, url string, body any) ([]byte, int, error) {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out := &bytes.Buffer{}
	if _, err := out.ReadFrom(resp.Body); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return out.Bytes(), resp.StatusCode, nil
}

func runGet(client *http.Client, server string, args []string) error {
	if err := requireArgs(args, 1, "kvclient get <key> [version]"); err != nil {
		return err
	}
	url := server + "/key/" + args[0]
	if len(args) > 1 {
		if _, err := strconv.ParseUint(args[1], 10, 64); err != nil {
			return fmt.Errorf("invalid version %q: %w", args[1], err)
		}
		url += "?version=" + args[1]
	}
	body, status, err := do(client, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	printJSON(body)
	return statusErr(status)
}

func runSet(client *http.Client, server, clientID string, args []string) error {
	if err := requireArgs(args, 2, "kvclient set <key> <value>"); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/key/%s?client_id=%s&request_id=%s", server, args[0], clientID, uuid.NewString())
	req := struct {
		Value any `json:"value"`
	}{Value: args[1]}
	body, status, err := do(client, http.MethodPut, url, req)
	if err != nil {
		return err
	}
	printJSON(body)
	return statusErr(status)
}

func runDelete(client *http.Client, server, clientID string, args []string) error {
	if err := requireArgs(args, 1, "kvclient delete <key>"); err != nil {
		return err
	}
	url := fmt.Sprintf("%s/key/%s?client_id=%s&request_id=%s", server, args[0], clientID, uuid.NewString())
	body, status, err := do(client, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	printJSON(body)
	return statusErr(status)
}

func runHistory(client *http.Client, server string, args []string) error {
	if err := requireArgs(args, 1, "kvclient history <key>"); err != nil {
		return err
	}
	body, status, err := do(client, http.MethodGet, server+"/key/"+args[0]+"/history", nil)
	if err != nil {
		return err
	}
	printJSON(body)
	return statusErr(status)
}

func runVersions(client *http.Client, server string, args []string) error {
	if err := requireArgs(args, 1, "kvclient versions <key>"); err != nil {
		return err
	}
	body, status, err := do(client, http.MethodGet, server+"/key/"+args[0]+"/versions", nil)
	if err != nil {
		return err
	}
	printJSON(body)
	return statusErr(status)
}

func statusErr(status int) error {
	if status/100 != 2 {
		return fmt.Errorf("server returned status %d", status)
	}
	return nil
}

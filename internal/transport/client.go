package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

// Client is the outbound HTTP connection used by the replication
// dispatcher (PostEntries), the heartbeat tracker (SendHeartbeat), and a
// follower's bootstrap/gap-fill path (RegisterFollower,
// FetchLogEntries). A single Client, with a single bounded-timeout
// http.Client, implements all three so the process only needs to wire up
// one concrete type regardless of role.
type Client struct {
	httpClient *http.Client
	serverID   string
}

// NewClient builds a Client whose every outbound call is bounded by
// timeout, per SPEC_FULL.md section 7 (every outbound replication and
// heartbeat call uses http.Client{Timeout: cfg.APITimeout}, default 5s).
// serverID is this process's own id, sent as the
// server_id field of outgoing heartbeats.
func NewClient(timeout time.Duration, serverID string) *Client {
	return &Client{httpClient: &http.Client{Timeout: timeout}, serverID: serverID}
}

// PostEntries implements replication.Poster: a single batch POST to
// "<followerURL>/replicate".
func (c *Client) PostEntries(ctx context.Context, followerURL string, entries []crcentry.Entry) error {
	body, err := json.Marshal(replicateRequest{Entries: entries})
	if err != nil {
		return fmt.Errorf("marshal replicate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, followerURL+"/replicate", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build replicate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post replicate: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("replicate returned status %d", resp.StatusCode)
	}
	return nil
}

// SendHeartbeat implements heartbeat.Sender: a POST to "<peerURL>/heartbeat".
func (c *Client) SendHeartbeat(ctx context.Context, peerID, peerURL string) error {
	body, err := json.Marshal(heartbeatRequest{ServerID: c.serverID, Timestamp: time.Now().Unix()})
	if err != nil {
		return fmt.Errorf("marshal heartbeat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerURL+"/heartbeat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send heartbeat to %s: %w", peerID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("heartbeat to %s returned status %d", peerID, resp.StatusCode)
	}
	return nil
}

// RegisterFollower implements replication.LeaderClient: the follower's
// bootstrap call to the leader's "/register_follower" endpoint.
func (c *Client) RegisterFollower(ctx context.Context, leaderURL, followerID, followerURL string, lastAppliedID uint64) (uint64, error) {
	body, err := json.Marshal(registerFollowerRequest{ID: followerID, URL: followerURL, LastAppliedID: lastAppliedID})
	if err != nil {
		return 0, fmt.Errorf("marshal register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, leaderURL+"/register_follower", bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("register with leader: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return 0, fmt.Errorf("register_follower returned status %d", resp.StatusCode)
	}

	var out registerFollowerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode register response: %w", err)
	}
	return out.LastLogID, nil
}

// FetchLogEntries implements replication.LeaderClient: a range read of
// "/log_entries/{fromID}", returning every entry with id > fromID.
func (c *Client) FetchLogEntries(ctx context.Context, leaderURL string, fromID uint64) ([]crcentry.Entry, error) {
	url := leaderURL + "/log_entries/" + strconv.FormatUint(fromID, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build log_entries request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch log entries: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("log_entries returned status %d", resp.StatusCode)
	}

	var out logEntriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode log_entries response: %w", err)
	}
	return out.Entries, nil
}

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/authmesh/authmesh-go/internal/cache"
)

// DefaultRPCTimeout bounds every cross-node call.
const DefaultRPCTimeout = 3 * time.Second

// NodeInfo is a peer's self-description, served at /cluster/v1/info.
type NodeInfo struct {
	ID       string   `json:"id"`
	JoinedAt int64    `json:"joined_at"` // unix ms
	Tables   []string `json:"tables"`
}

// replicateRequest is the wire form of a replicated operation.
type replicateRequest struct {
	Table string   `json:"table"`
	Op    cache.Op `json:"op"`
}

// snapshotResponse is the wire form of a full table snapshot.
type snapshotResponse struct {
	Table   string        `json:"table"`
	Entries []cache.Entry `json:"entries"`
}

// PeerClient is the HTTP client side of the cluster transport.
//
// Every call is bounded by the context passed in; callers layer their
// own per-attempt timeouts on top.
type PeerClient struct {
	http *http.Client
}

// NewPeerClient creates a peer client with the given overall timeout
// as the HTTP client ceiling.
func NewPeerClient(timeout time.Duration) *PeerClient {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &PeerClient{
		http: &http.Client{Timeout: timeout},
	}
}

// Ping checks that a peer's cluster endpoint is reachable.
func (c *PeerClient) Ping(ctx context.Context, addr string) error {
	var out struct {
		NodeID string `json:"node_id"`
	}
	return c.getJSON(ctx, addr, "/cluster/v1/ping", &out)
}

// Info fetches a peer's node info, including the tables it hosts.
func (c *PeerClient) Info(ctx context.Context, addr string) (NodeInfo, error) {
	var info NodeInfo
	err := c.getJSON(ctx, addr, "/cluster/v1/info", &info)
	return info, err
}

// Snapshot fetches a full content snapshot of one table from a peer.
func (c *PeerClient) Snapshot(ctx context.Context, addr, table string) ([]cache.Entry, error) {
	var resp snapshotResponse
	if err := c.getJSON(ctx, addr, "/cluster/v1/snapshot?table="+url.QueryEscape(table), &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

// Replicate delivers a single write/delete to a peer. Best-effort:
// the caller logs failures and never retries.
func (c *PeerClient) Replicate(ctx context.Context, addr, table string, op cache.Op) error {
	body, err := json.Marshal(replicateRequest{Table: table, Op: op})
	if err != nil {
		return fmt.Errorf("marshal replicate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		"http://"+addr+"/cluster/v1/replicate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("peer %s: replicate status %d", addr, resp.StatusCode)
	}
	return nil
}

func (c *PeerClient) getJSON(ctx context.Context, addr, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("peer %s: %s status %d", addr, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func drainAndClose(body io.ReadCloser) {
	io.Copy(io.Discard, body)
	body.Close()
}

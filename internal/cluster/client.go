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
)

// DefaultRPCTimeout bounds every peer call made through a Client.
const DefaultRPCTimeout = 2 * time.Second

// StatusError is returned when a peer answers with a non-2xx status.
type StatusError struct {
	URL  string
	Body string
	Code int
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %s: %d", e.URL, e.Code)
	}
	return fmt.Sprintf("http %s: %d: %s", e.URL, e.Code, e.Body)
}

func postJSON(ctx context.Context, hc *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(url, resp, out)
}

func getJSON(ctx context.Context, hc *http.Client, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(url, resp, out)
}

func decodeResponse(url string, resp *http.Response, out any) error {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, Code: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Client issues the peer RPCs. Every call is bounded by the client's timeout
// on top of the caller's context.
type Client struct {
	hc      *http.Client
	timeout time.Duration
}

// NewClient returns a Client whose calls give up after timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}
	return &Client{
		hc:      &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return postJSON(ctx, c.hc, url, body, out)
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return getJSON(ctx, c.hc, url, out)
}

func peerURL(peer Node, path string) (string, error) {
	if peer.Addr() == "" {
		return "", fmt.Errorf("node %s has no known address", peer.ID)
	}
	return peer.BaseURL() + path, nil
}

// Join asks the seed at host:port to admit the local node.
func (c *Client) Join(ctx context.Context, seed string, req JoinRequest) (JoinResponse, error) {
	var resp JoinResponse
	err := c.post(ctx, "http://"+seed+"/cluster/join", req, &resp)
	return resp, err
}

func (c *Client) Leave(ctx context.Context, peer Node, req LeaveRequest) error {
	url, err := peerURL(peer, "/cluster/leave")
	if err != nil {
		return err
	}
	return c.post(ctx, url, req, nil)
}

func (c *Client) Heartbeat(ctx context.Context, peer Node, req HeartbeatRequest) error {
	url, err := peerURL(peer, "/cluster/heartbeat")
	if err != nil {
		return err
	}
	return c.post(ctx, url, req, nil)
}

func (c *Client) Gossip(ctx context.Context, peer Node, digest GossipDigest) (GossipDigest, error) {
	var resp GossipDigest
	url, err := peerURL(peer, "/cluster/gossip")
	if err != nil {
		return resp, err
	}
	err = c.post(ctx, url, digest, &resp)
	return resp, err
}

func (c *Client) RequestVote(ctx context.Context, peer Node, req RequestVoteRequest) (RequestVoteResponse, error) {
	var resp RequestVoteResponse
	url, err := peerURL(peer, "/consensus/request_vote")
	if err != nil {
		return resp, err
	}
	err = c.post(ctx, url, req, &resp)
	return resp, err
}

func (c *Client) AppendEntries(ctx context.Context, peer Node, req AppendEntriesRequest) (AppendEntriesResponse, error) {
	var resp AppendEntriesResponse
	url, err := peerURL(peer, "/consensus/append_entries")
	if err != nil {
		return resp, err
	}
	err = c.post(ctx, url, req, &resp)
	return resp, err
}

// Execute forwards a task. A 2xx reply whose status is not "success" is still an error.
func (c *Client) Execute(ctx context.Context, peer Node, req ExecuteRequest) (ExecuteResponse, error) {
	var resp ExecuteResponse
	url, err := peerURL(peer, "/tasks/execute")
	if err != nil {
		return resp, err
	}
	if err := c.post(ctx, url, req, &resp); err != nil {
		return resp, err
	}
	if resp.Status != StatusSuccess {
		return resp, fmt.Errorf("execute on %s: %s", peer.ID, resp.Error)
	}
	return resp, nil
}

func (c *Client) Cancel(ctx context.Context, peer Node, req CancelRequest) error {
	url, err := peerURL(peer, "/tasks/cancel")
	if err != nil {
		return err
	}
	return c.post(ctx, url, req, nil)
}

// Complete reports a task outcome to the submitter at host:port.
func (c *Client) Complete(ctx context.Context, addr string, req CompleteRequest) error {
	return c.post(ctx, "http://"+addr+"/tasks/complete", req, nil)
}

// Status fetches the cluster summary from the node at host:port.
func (c *Client) Status(ctx context.Context, addr string) (ClusterStatus, error) {
	var resp ClusterStatus
	err := c.get(ctx, "http://"+addr+"/cluster/status", &resp)
	return resp, err
}

// Submit hands a task to the node at host:port for placement.
func (c *Client) Submit(ctx context.Context, addr string, task Task) (SubmitResponse, error) {
	var resp SubmitResponse
	err := c.post(ctx, "http://"+addr+"/tasks/submit", task, &resp)
	return resp, err
}

// TaskStatus looks up a task on the node at host:port that accepted it.
func (c *Client) TaskStatus(ctx context.Context, addr, id string) (Task, error) {
	var resp Task
	err := c.get(ctx, "http://"+addr+"/tasks/status?task_id="+url.QueryEscape(id), &resp)
	return resp, err
}

// Nodes fetches the membership view of the node at host:port.
func (c *Client) Nodes(ctx context.Context, addr string) ([]Node, error) {
	var resp []Node
	err := c.get(ctx, "http://"+addr+"/cluster/nodes", &resp)
	return resp, err
}

// Rebalance asks the node at host:port to redistribute load now.
func (c *Client) Rebalance(ctx context.Context, addr string) (RebalanceResponse, error) {
	var resp RebalanceResponse
	err := c.post(ctx, "http://"+addr+"/cluster/rebalance", struct{}{}, &resp)
	return resp, err
}

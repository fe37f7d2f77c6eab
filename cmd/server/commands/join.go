package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type joinRequest struct {
	Endpoint string
	NodeID   string
	RaftAddr string
	Token    string
	Retries  int
	Delay    time.Duration
	Client   *http.Client
}

// joinCluster asks a cluster member to add this node as a voter, retrying
// until the member answers 2xx or the attempts run out.
func joinCluster(ctx context.Context, req joinRequest) error {
	endpoint := strings.TrimRight(req.Endpoint, "/") + "/v1/cluster/raft/join"
	body, err := json.Marshal(map[string]string{
		"node_id":   req.NodeID,
		"raft_addr": req.RaftAddr,
	})
	if err != nil {
		return err
	}
	client := req.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	retries := req.Retries
	if retries < 1 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(req.Delay):
			}
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if req.Token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+req.Token)
		}
		resp, err := client.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		_ = resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("join returned status %d", resp.StatusCode)
	}
	if lastErr == nil {
		lastErr = errors.New("join failed")
	}
	return lastErr
}

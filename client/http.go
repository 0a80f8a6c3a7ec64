package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// PillarStatus is the monitoring snapshot served by a pillar's HTTP API.
type PillarStatus struct {
	Pillar     string `json:"pillar"`
	Collection string `json:"collection"`
	Files      int    `json:"files"`
	Identifies uint64 `json:"identifies"`
	Requests   uint64 `json:"requests"`
	Uptime     string `json:"uptime"`
}

// PillarFile is one entry of a pillar's file listing.
type PillarFile struct {
	FileID   string `json:"id"`
	Checksum string `json:"checksum"` // Checksum is hex encoded
}

// FetchPillarStatus queries GET /status on a pillar's HTTP API.
func FetchPillarStatus(ctx context.Context, httpAddr string) (*PillarStatus, error) {
	var st PillarStatus
	if err := httpGet(ctx, "http://"+httpAddr+"/status", &st); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &st, nil
}

// FetchPillarFiles queries GET /files on a pillar's HTTP API.
func FetchPillarFiles(ctx context.Context, httpAddr string) ([]PillarFile, error) {
	var resp struct {
		Files []PillarFile `json:"files"`
	}

	if err := httpGet(ctx, "http://"+httpAddr+"/files", &resp); err != nil {
		return nil, fmt.Errorf("get files:\n%w", err)
	}

	return resp.Files, nil
}

// httpGet performs a GET request and decodes the JSON response.
func httpGet(ctx context.Context, url string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s:\n%w", url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(result)
}

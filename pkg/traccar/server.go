package traccar

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/goccy/go-json"
)

// ServerInfo is the subset of the server description the relay reads.
type ServerInfo struct {
	Version string `json:"version"`
}

// ServerInfo fetches the server description using an authenticated session.
func (c *Client) ServerInfo(ctx context.Context, token Token) (*ServerInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(ServerPath), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", string(token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get server info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get server info: status %d", resp.StatusCode)
	}

	var info ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}
	return &info, nil
}

// CheckVersion reports whether the server version satisfies constraint.
func (s *ServerInfo) CheckVersion(constraint string) (bool, error) {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("parse constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(s.Version)
	if err != nil {
		return false, fmt.Errorf("parse server version %q: %w", s.Version, err)
	}
	return c.Check(v), nil
}

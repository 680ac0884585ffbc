// Package probe implements the game server query protocols used by the
// health monitor. A failed probe is an expected outcome, not a fault: the
// monitor folds it into the idle-timer logic.
package probe

import (
	"context"
	"fmt"
	"time"
)

// Query protocol identifiers stored in the game catalog
const (
	TypeA2S       = "a2s"       // Source engine games (tf2, valheim)
	TypeMinecraft = "minecraft" // Minecraft server list ping
)

// Result is the outcome of a successful probe
type Result struct {
	PlayerCount int
	MaxPlayers  int
	Name        string
	Raw         map[string]string
}

// Prober issues a single health/occupancy probe against a game server
type Prober interface {
	Probe(ctx context.Context, host string, port int, queryType string) (*Result, error)
}

// Client is the default Prober, dispatching on the query protocol type
type Client struct {
	Timeout time.Duration
}

// NewClient returns a Prober with the given per-probe timeout
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &Client{Timeout: timeout}
}

func (c *Client) Probe(ctx context.Context, host string, port int, queryType string) (*Result, error) {
	switch queryType {
	case TypeA2S:
		return c.queryA2S(ctx, host, port)
	case TypeMinecraft:
		return c.queryMinecraft(ctx, host, port)
	default:
		return nil, fmt.Errorf("unknown query type %q", queryType)
	}
}

package client

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// RegionAccess defines the per-region concurrency limit for a client
type RegionAccess struct {
	Limit int `json:"limit"`
}

// Access is the policy attached to a Client. It is stored as a single
// JSON document since policies are read as a whole on every request.
type Access struct {
	Games           []string                `json:"games"`
	Regions         map[string]RegionAccess `json:"regions"`
	Providers       []string                `json:"providers"`
	DeniedProviders []string                `json:"deniedProviders"`
	Limit           int                     `json:"limit"`
	WaitTimerLimit  int                     `json:"waitTimerLimit"`
	IdleTimerLimit  int                     `json:"idleTimerLimit"`
	MonitorServers  bool                    `json:"monitorServers"`
}

func (a *Access) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*a = Access{}
		return nil
	}
	return json.Unmarshal(bytes, a)
}

func (a Access) Value() (driver.Value, error) {
	return json.Marshal(a)
}

func (Access) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Client describes an API consumer and its access policy
type Client struct {
	ID     string `json:"id" gorm:"primaryKey"`
	Secret string `json:"-"`
	Name   string `json:"name"`
	Access Access `json:"access"`
}

// HasGameAccess checks if the client may request servers for the game
func (c *Client) HasGameAccess(game string) bool {
	for _, g := range c.Access.Games {
		if g == game {
			return true
		}
	}
	return false
}

// HasRegionAccess checks if the client may request servers in the region
func (c *Client) HasRegionAccess(region string) bool {
	_, ok := c.Access.Regions[region]
	return ok
}

// HasProviderAccess checks the deny list first, then the allow list.
// An empty allow list means every provider not denied is usable.
func (c *Client) HasProviderAccess(provider string) bool {
	for _, p := range c.Access.DeniedProviders {
		if p == provider {
			return false
		}
	}
	if len(c.Access.Providers) == 0 {
		return true
	}
	for _, p := range c.Access.Providers {
		if p == provider {
			return true
		}
	}
	return false
}

// RegionLimit returns the concurrency limit for the region, or zero if
// the client has no access to the region at all
func (c *Client) RegionLimit(region string) int {
	return c.Access.Regions[region].Limit
}

// Limit returns the global concurrency limit
func (c *Client) Limit() int {
	return c.Access.Limit
}

// WaitTimerLimit returns the ceiling for the requestable wait timer, in seconds
func (c *Client) WaitTimerLimit() int {
	return c.Access.WaitTimerLimit
}

// IdleTimerLimit returns the ceiling for the requestable idle timer, in seconds
func (c *Client) IdleTimerLimit() int {
	return c.Access.IdleTimerLimit
}

package server

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Data is the game-specific bag carried by a Server. It travels with the
// record through every provider handler and webhook notification.
type Data struct {
	Password     string `json:"password,omitempty"`
	RconPassword string `json:"rconPassword,omitempty"`
	TvPassword   string `json:"tvPassword,omitempty"`

	CloseMinPlayers int `json:"closeMinPlayers,omitempty"`
	CloseIdleTime   int `json:"closeIdleTime,omitempty"`
	CloseWaitTime   int `json:"closeWaitTime,omitempty"`

	CallbackURL string `json:"callbackUrl,omitempty"`

	Map    string `json:"map,omitempty"`
	Config string `json:"config,omitempty"`

	GitRepository string `json:"gitRepository,omitempty"`
	GitDeployKey  string `json:"gitDeployKey,omitempty"`

	// Steam game server token reserved for this server, if the game needs one
	ServerToken string `json:"serverToken,omitempty"`

	// SDR endpoint discovered over rcon during setup
	SdrEnable bool   `json:"sdrEnable,omitempty"`
	SdrIP     string `json:"sdrIp,omitempty"`
	SdrPort   int    `json:"sdrPort,omitempty"`
	SdrTvPort int    `json:"sdrTvPort,omitempty"`
}

func (d *Data) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*d = Data{}
		return nil
	}
	return json.Unmarshal(bytes, d)
}

func (d Data) Value() (driver.Value, error) {
	return json.Marshal(d)
}

func (Data) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Server describes a requested/running game server instance
type Server struct {
	ID       string `json:"id" gorm:"primaryKey"` // UUID of the server, also used to name the compute resource at the provider
	ClientID string `json:"client" gorm:"index"`  // Owning API client
	Game     string `json:"game"`                 // Game slug, resolved through the game catalog
	Provider string `json:"provider"`             // Provider the server was (or will be) allocated on
	Region   string `json:"region"`
	Status   Status `json:"status"`
	IP       string `json:"ip"`
	Port     int    `json:"port"`
	TvPort   int    `json:"tvPort,omitempty"`
	Image    string `json:"image,omitempty"` // Image/template the provider materialized
	Data     Data   `json:"data"`

	CreatedAt time.Time  `json:"createdAt"`
	CloseAt   *time.Time `json:"closeAt,omitempty"` // Wall-clock reclamation deadline, nil when not expiring
}

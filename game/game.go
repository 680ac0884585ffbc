package game

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Overrides holds per-provider-kind metadata overlays for a game, merged
// over the provider's own metadata when a handler is constructed. Keyed by
// provider kind, values are metadata field -> value.
type Overrides map[string]map[string]interface{}

func (o *Overrides) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*o = make(Overrides)
		return nil
	}
	return json.Unmarshal(bytes, o)
}

func (o Overrides) Value() (driver.Value, error) {
	return json.Marshal(o)
}

func (Overrides) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// Game is a catalog entry for a provisionable game
type Game struct {
	Slug      string    `json:"slug" gorm:"primaryKey"`
	Name      string    `json:"name"`
	QueryType string    `json:"queryType"` // probe protocol identifier
	Overrides Overrides `json:"providerOverrides"`
}

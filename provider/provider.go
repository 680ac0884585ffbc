package provider

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Kind identifies the provisioning backend family of a provider
type Kind string

// Supported provider kinds. A LOAD_BALANCER provider never provisions
// directly: it resolves to one of its children at selection time.
const (
	KindKubernetesNode Kind = "KUBERNETES_NODE"
	KindDockerNode     Kind = "DOCKER_NODE"
	KindBinaryLane     Kind = "BINARYLANE"
	KindLoadBalancer   Kind = "LOAD_BALANCER"
)

// ChildProvider is a weighted member of a load balancer provider
type ChildProvider struct {
	ID     string `json:"id"`
	Weight int    `json:"weight"`
}

// Metadata carries the kind-specific configuration of a provider. Unused
// fields stay at their zero value; game catalog entries may override
// individual fields per provider kind.
type Metadata struct {
	// Image/template the provider materializes the game server from
	Image string `json:"image,omitempty"`

	// Hostname of the node workloads are pinned to (cluster kinds)
	Hostname string `json:"hostname,omitempty"`

	// NodeIP is the public address of the node (cluster/container kinds)
	NodeIP string `json:"nodeIp,omitempty"`

	// Port allocation window; zero min means the game's default port is
	// used as-is (dedicated-VM kinds)
	PortMin         int `json:"portMin,omitempty"`
	PortMax         int `json:"portMax,omitempty"`
	PortGranularity int `json:"portGranularity,omitempty"`

	// Kubernetes
	Namespace  string `json:"namespace,omitempty"`
	Kubeconfig string `json:"kubeconfig,omitempty"`

	// Docker
	DockerHost string `json:"dockerHost,omitempty"`

	// IaaS
	APIKey        string `json:"apiKey,omitempty"`
	MachineSize   string `json:"machineSize,omitempty"`
	MachineImage  int    `json:"machineImage,omitempty"`
	MachineRegion string `json:"machineRegion,omitempty"`
	SSHKey        string `json:"sshKey,omitempty"`
	StartupScript string `json:"startupScript,omitempty"`

	// Load balancer children, in listed order
	Children []ChildProvider `json:"children,omitempty"`
}

func (m *Metadata) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("failed to unmarshal jsonb value: %v", value)
	}
	if bytes == nil {
		*m = Metadata{}
		return nil
	}
	return json.Unmarshal(bytes, m)
}

func (m Metadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (Metadata) GormDBDataType(db *gorm.DB, field *schema.Field) string {
	switch db.Dialector.Name() {
	case "mysql", "sqlite":
		return "JSON"
	case "postgres":
		return "JSONB"
	}
	return ""
}

// merged returns a copy of the metadata with the game's per-kind override
// document applied on top
func (m Metadata) merged(overrides map[string]interface{}) (Metadata, error) {
	if len(overrides) == 0 {
		return m, nil
	}
	base, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	doc := make(map[string]interface{})
	if err := json.Unmarshal(base, &doc); err != nil {
		return m, err
	}
	for k, v := range overrides {
		doc[k] = v
	}
	combined, err := json.Marshal(doc)
	if err != nil {
		return m, err
	}
	out := Metadata{}
	if err := json.Unmarshal(combined, &out); err != nil {
		return m, err
	}
	return out, nil
}

// Provider describes a provisioning backend
type Provider struct {
	ID       string   `json:"id" gorm:"primaryKey"`
	Kind     Kind     `json:"kind"`
	Region   string   `json:"region" gorm:"index"`
	Priority int      `json:"priority"`
	Limit    int      `json:"limit"` // -1 means unlimited
	Metadata Metadata `json:"metadata"`
}

// AtCapacity reports whether the provider cannot take more servers given
// the current count of non-terminal servers on it
func (p *Provider) AtCapacity(activeCount int) bool {
	return p.Limit != -1 && activeCount >= p.Limit
}

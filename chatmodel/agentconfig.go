package chatmodel

// ToolRef names a capability an agent may invoke, resolved by the
// Agent Factory's dynamic tool registry.
type ToolRef struct {
	Name string `yaml:"name" json:"name"`
}

// AgentConfig is the static, startup-loaded configuration for one
// participant in the group chat. Exactly one config in a roster has
// Facilitator=true.
type AgentConfig struct {
	Name         string    `yaml:"name" json:"name"`
	Instructions string    `yaml:"instructions" json:"instructions"`
	Description  string    `yaml:"description" json:"description"`
	Facilitator  bool      `yaml:"facilitator,omitempty" json:"facilitator,omitempty"`
	Temperature  float64   `yaml:"temperature" json:"temperature"`
	Tools        []ToolRef `yaml:"tools,omitempty" json:"tools,omitempty"`
	External     bool      `yaml:"external,omitempty" json:"external,omitempty"`
	// Endpoint addresses the opaque transport for an External agent.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
}

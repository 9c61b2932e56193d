package provenance

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator"
	"gopkg.in/yaml.v3"

	"github.com/gcquraishi/chronosgraph/pkg/common"
)

// Config lists the known agents and how legacy ingestion markers map onto
// them. It is read from YAML:
//
//	default: web-ui-generic
//	agents:
//	  - agent_id: batch-importer
//	    name: Batch importer
//	    type: automated_process
//	sources:
//	  wikipedia_scrape: batch-importer
//	batches:
//	  - prefix: "batch_"
//	    agent_id: batch-importer
type Config struct {
	Default string            `yaml:"default"`
	Agents  []common.Agent    `yaml:"agents"`
	Sources map[string]string `yaml:"sources"`
	Batches []BatchRule       `yaml:"batches"`
}

// BatchRule attributes nodes whose ingestion_batch starts with Prefix.
type BatchRule struct {
	Prefix  string `yaml:"prefix"`
	AgentID string `yaml:"agent_id"`
}

// NarrativeAgentID is credited with enrichment run on stored works.
const NarrativeAgentID = "narrative-enricher"

// DefaultConfig is used when no agent file is configured.
func DefaultConfig() *Config {
	return &Config{
		Default: common.GenericAgentID,
		Agents: []common.Agent{
			{AgentID: common.GenericAgentID, Name: "Web UI (unattributed)", Type: common.AgentHuman},
			{AgentID: "batch-importer", Name: "Batch importer", Type: common.AgentAutomated, Version: "1"},
			{AgentID: NarrativeAgentID, Name: "Narrative enrichment", Type: common.AgentAI, Version: "1"},
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if cfg.Default == "" {
		cfg.Default = common.GenericAgentID
	}
	if cfg.Agent(common.GenericAgentID) == nil {
		cfg.Agents = append(cfg.Agents, common.Agent{AgentID: common.GenericAgentID, Name: "Web UI (unattributed)", Type: common.AgentHuman})
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every agent and that every mapping points at one.
func (c *Config) Validate() error {
	v := validator.New()
	var problems []string
	seen := map[string]bool{}
	for i, a := range c.Agents {
		if err := v.Struct(a); err != nil {
			problems = append(problems, fmt.Sprintf("agents[%d]: %v", i, err))
		}
		if seen[a.AgentID] {
			problems = append(problems, fmt.Sprintf("agents[%d]: duplicate agent_id %q", i, a.AgentID))
		}
		seen[a.AgentID] = true
	}
	if !seen[c.Default] {
		problems = append(problems, fmt.Sprintf("default agent %q is not defined", c.Default))
	}
	for src, id := range c.Sources {
		if !seen[id] {
			problems = append(problems, fmt.Sprintf("sources.%s: unknown agent %q", src, id))
		}
	}
	for i, r := range c.Batches {
		if r.Prefix == "" {
			problems = append(problems, fmt.Sprintf("batches[%d]: prefix is required", i))
		}
		if !seen[r.AgentID] {
			problems = append(problems, fmt.Sprintf("batches[%d]: unknown agent %q", i, r.AgentID))
		}
	}
	if len(problems) > 0 {
		return &common.ValidationError{Messages: problems}
	}
	return nil
}

// Agent returns the agent with id, or nil.
func (c *Config) Agent(id string) *common.Agent {
	for i := range c.Agents {
		if c.Agents[i].AgentID == id {
			return &c.Agents[i]
		}
	}
	return nil
}

// AgentFor picks the agent for a node from its ingestion_source and
// ingestion_batch markers. Sources win over batch prefixes; the first
// matching prefix wins.
func (c *Config) AgentFor(source, batch string) string {
	if id, ok := c.Sources[source]; ok && source != "" {
		return id
	}
	if batch != "" {
		for _, r := range c.Batches {
			if strings.HasPrefix(batch, r.Prefix) {
				return r.AgentID
			}
		}
	}
	if c.Default != "" {
		return c.Default
	}
	return common.GenericAgentID
}

var errNoAgent = errors.New("agent not configured")

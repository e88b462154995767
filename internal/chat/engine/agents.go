package engine

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ToolDef declares a tool an agent may call. Parameters is a JSON
// Schema object in the shape both provider APIs accept.
type ToolDef struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	Parameters  map[string]any `yaml:"parameters"`

	// ClientSide tools are forwarded to the connected UI client for
	// execution instead of being run by the server.
	ClientSide bool `yaml:"client_side"`

	// RequiresApproval tools interrupt the run until the user approves
	// or rejects the call.
	RequiresApproval bool `yaml:"requires_approval"`
}

// Agent is a named model persona with its instructions, tools, and the
// agents it may hand off to.
type Agent struct {
	Name         string    `yaml:"name"`
	Model        string    `yaml:"model"`
	Instructions string    `yaml:"instructions"`
	Tools        []ToolDef `yaml:"tools"`
	Handoffs     []string  `yaml:"handoffs"`
}

// AgentSet is the parsed agent definition file.
type AgentSet struct {
	Default string  `yaml:"default"`
	Agents  []Agent `yaml:"agents"`

	byName map[string]*Agent
}

// LoadAgents reads and validates an agent definition file.
func LoadAgents(path string) (*AgentSet, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("missing agents path")
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}
	return ParseAgents(b)
}

// ParseAgents parses an agent definition document.
func ParseAgents(b []byte) (*AgentSet, error) {
	var set AgentSet
	if err := yaml.Unmarshal(b, &set); err != nil {
		return nil, fmt.Errorf("parse agents: %w", err)
	}
	if err := set.validate(); err != nil {
		return nil, err
	}
	return &set, nil
}

func (s *AgentSet) validate() error {
	if s == nil || len(s.Agents) == 0 {
		return errors.New("agents: at least one agent is required")
	}
	s.byName = make(map[string]*Agent, len(s.Agents))
	for i := range s.Agents {
		a := &s.Agents[i]
		a.Name = strings.TrimSpace(a.Name)
		if a.Name == "" {
			return fmt.Errorf("agents[%d]: missing name", i)
		}
		if _, dup := s.byName[a.Name]; dup {
			return fmt.Errorf("agents: duplicate agent %q", a.Name)
		}
		for j := range a.Tools {
			if strings.TrimSpace(a.Tools[j].Name) == "" {
				return fmt.Errorf("agent %q: tools[%d]: missing name", a.Name, j)
			}
		}
		s.byName[a.Name] = a
	}
	for _, a := range s.Agents {
		for _, h := range a.Handoffs {
			if _, ok := s.byName[strings.TrimSpace(h)]; !ok {
				return fmt.Errorf("agent %q: handoff target %q is not defined", a.Name, h)
			}
		}
	}
	s.Default = strings.TrimSpace(s.Default)
	if s.Default == "" {
		s.Default = s.Agents[0].Name
	}
	if _, ok := s.byName[s.Default]; !ok {
		return fmt.Errorf("agents: default %q is not defined", s.Default)
	}
	return nil
}

// Lookup resolves an agent by name; empty resolves the default.
func (s *AgentSet) Lookup(name string) (*Agent, error) {
	if s == nil || s.byName == nil {
		return nil, errors.New("agents not loaded")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = s.Default
	}
	a, ok := s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, name)
	}
	return a, nil
}

// Tool resolves a tool definition on an agent by name.
func (a *Agent) Tool(name string) (*ToolDef, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Tools {
		if a.Tools[i].Name == name {
			return &a.Tools[i], true
		}
	}
	return nil, false
}

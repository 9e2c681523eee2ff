package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

// Profile is the optional YAML node profile. Only fields present in the file
// override the flag values.
//
//	region: eu-west
//	datacenter: dc1
//	capabilities: [analysis, gpu]
//	max_concurrent_tasks: 20
type Profile struct {
	Region             *string  `json:"region,omitempty"`
	Datacenter         *string  `json:"datacenter,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	Latitude           *float64 `json:"latitude,omitempty"`
	Longitude          *float64 `json:"longitude,omitempty"`
	MaxConcurrentTasks *int     `json:"max_concurrent_tasks,omitempty"`
	Observer           *bool    `json:"observer,omitempty"`
	Strategy           *string  `json:"strategy,omitempty"`
	Seeds              []string `json:"seeds,omitempty"`
}

// ParseProfile decodes a YAML (or JSON) profile document.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := yaml.UnmarshalStrict(data, &p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &p, nil
}

// LoadProfile reads path and applies it to c.
func (c *Config) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile: %w", err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return err
	}
	c.Apply(p)
	return nil
}

// Apply copies the fields set in p onto c.
func (c *Config) Apply(p *Profile) {
	if p.Region != nil {
		c.Region = *p.Region
	}
	if p.Datacenter != nil {
		c.Datacenter = *p.Datacenter
	}
	if p.Capabilities != nil {
		c.Capabilities = p.Capabilities
	}
	if p.Latitude != nil {
		c.Latitude = *p.Latitude
	}
	if p.Longitude != nil {
		c.Longitude = *p.Longitude
	}
	if p.MaxConcurrentTasks != nil {
		c.MaxConcurrentTasks = *p.MaxConcurrentTasks
	}
	if p.Observer != nil {
		c.Observer = *p.Observer
	}
	if p.Strategy != nil {
		c.Strategy = *p.Strategy
	}
	if len(p.Seeds) > 0 {
		c.Seeds = append(c.Seeds, p.Seeds...)
	}
}

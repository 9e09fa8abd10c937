package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alexjbarnes/convsync/internal/messaging"
	"gopkg.in/yaml.v3"
)

// Deployment classes.
const (
	ClassStandard   = "standard"
	ClassRestricted = "restricted"
)

// Profile is a deployment profile: the operator's override of the probe
// policy and retry budget for one kind of network.
//
//	deployment_class: restricted
//	max_attempts: 3
//	push_denylist:
//	  - "*.corp.internal"
type Profile struct {
	DeploymentClass string   `yaml:"deployment_class"`
	MaxAttempts     int      `yaml:"max_attempts"`
	ForcePolling    *bool    `yaml:"force_polling"`
	PushDenylist    []string `yaml:"push_denylist"`
}

// LoadProfile reads and validates a profile file. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile: %w", err)
	}

	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	return p, nil
}

// ParseProfile decodes and validates profile YAML.
func ParseProfile(data []byte) (*Profile, error) {
	p := &Profile{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding: %w", err)
	}

	if err := p.validate(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Profile) validate() error {
	switch p.DeploymentClass {
	case "", ClassStandard:
	case ClassRestricted:
		// Restricted networks block long-lived sockets unless the
		// profile says otherwise.
		if p.ForcePolling == nil {
			force := true
			p.ForcePolling = &force
		}
	default:
		return fmt.Errorf("unknown deployment_class %q", p.DeploymentClass)
	}

	if p.MaxAttempts != 0 && (p.MaxAttempts < 1 || p.MaxAttempts > messaging.MaxAttemptsLimit) {
		return fmt.Errorf("max_attempts must be between 1 and %d", messaging.MaxAttemptsLimit)
	}

	return nil
}

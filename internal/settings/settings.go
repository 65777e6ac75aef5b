package settings

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Settings is the gateway manifest handed to agents at registration.
type Settings struct {
	// Agent holds free-form configuration forwarded verbatim.
	Agent map[string]interface{} `yaml:"agent" json:"agent"`
	// RequiredInstalls lists what every agent must have installed.
	RequiredInstalls RequiredInstalls `yaml:"required_installs" json:"required_installs"`
}

// RequiredInstalls enumerates mandatory agent-side installations.
type RequiredInstalls struct {
	PipPackages []string `yaml:"pip_packages" json:"pip_packages,omitempty"`
	CustomNodes []string `yaml:"custom_nodes" json:"custom_nodes,omitempty"`
	Models      []string `yaml:"models" json:"models,omitempty"`
}

// Load reads the manifest at path. An empty path yields empty defaults.
func Load(path string) (*Settings, error) {
	s := &Settings{Agent: map[string]interface{}{}}
	if path == "" {
		return s, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read settings manifest")
	}

	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, errors.Wrap(err, "failed to parse settings manifest")
	}
	if s.Agent == nil {
		s.Agent = map[string]interface{}{}
	}
	return s, nil
}

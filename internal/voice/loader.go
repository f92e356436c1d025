package voice

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polyvox/polyvox/pkg/types"
)

// RosterFile is the top-level structure of a voices YAML file.
//
// Example:
//
//	roster:
//	  name: "backend team"
//	voices:
//	  - id: security
//	    display_name: "Security Engineer"
//	    domain: security
//	    expertise_level: 0.9
//	    specializations: [security, vulnerability, encryption]
type RosterFile struct {
	Roster RosterMeta  `yaml:"roster"`
	Voices []VoiceSpec `yaml:"voices"`
}

// RosterMeta holds top-level metadata for a roster file.
type RosterMeta struct {
	// Name is the roster's display name.
	Name string `yaml:"name"`

	// Description is a free-text summary of the roster.
	Description string `yaml:"description"`
}

// VoiceSpec is the YAML shape of one voice profile.
type VoiceSpec struct {
	ID                    string   `yaml:"id"`
	DisplayName           string   `yaml:"display_name"`
	Domain                string   `yaml:"domain"`
	ExpertiseLevel        float64  `yaml:"expertise_level"`
	SuccessRate           float64  `yaml:"success_rate"`
	AverageQuality        float64  `yaml:"average_quality"`
	Specializations       []string `yaml:"specializations"`
	PreferredCapabilities []string `yaml:"preferred_capabilities"`
	PreferredServers      []string `yaml:"preferred_servers"`
	AvoidedServers        []string `yaml:"avoided_servers"`
	ReliabilityWeight     float64  `yaml:"reliability_weight"`
	PerformanceWeight     float64  `yaml:"performance_weight"`
	CostWeight            float64  `yaml:"cost_weight"`
	SystemPrompt          string   `yaml:"system_prompt"`
}

// Voice converts the spec to the shared profile type.
func (s VoiceSpec) Voice() types.Voice {
	return types.Voice{
		ID:                    s.ID,
		DisplayName:           s.DisplayName,
		Domain:                s.Domain,
		ExpertiseLevel:        s.ExpertiseLevel,
		SuccessRate:           s.SuccessRate,
		AverageQuality:        s.AverageQuality,
		Specializations:       s.Specializations,
		PreferredCapabilities: s.PreferredCapabilities,
		PreferredServers:      s.PreferredServers,
		AvoidedServers:        s.AvoidedServers,
		ReliabilityWeight:     s.ReliabilityWeight,
		PerformanceWeight:     s.PerformanceWeight,
		CostWeight:            s.CostWeight,
		SystemPrompt:          s.SystemPrompt,
	}
}

// LoadRosterFile reads and parses a voices YAML file from disk.
// Returns a descriptive error if the file cannot be opened or parsed.
func LoadRosterFile(path string) (*RosterFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("voice: open roster file %q: %w", path, err)
	}
	defer f.Close()

	rf, err := LoadRosterFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("voice: parse roster file %q: %w", path, err)
	}
	return rf, nil
}

// LoadRosterFromReader parses roster YAML from an [io.Reader].
// The reader is consumed entirely; the caller is responsible for closing it.
func LoadRosterFromReader(r io.Reader) (*RosterFile, error) {
	var rf RosterFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true) // reject unknown keys to catch typos
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("voice: decode roster yaml: %w", err)
	}
	return &rf, nil
}

// ImportRoster imports all voices from a parsed [RosterFile] into reg.
// Returns the number of voices successfully imported.
// An error from the registry aborts the import and returns the count so far.
func ImportRoster(reg *Registry, roster *RosterFile) (int, error) {
	if roster == nil {
		return 0, fmt.Errorf("voice: roster must not be nil")
	}

	voices := make([]types.Voice, len(roster.Voices))
	for i, s := range roster.Voices {
		voices[i] = s.Voice()
	}

	n, err := reg.Import(voices)
	if err != nil {
		return n, fmt.Errorf("voice: import roster %q: %w", roster.Roster.Name, err)
	}
	return n, nil
}

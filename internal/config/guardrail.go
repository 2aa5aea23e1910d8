package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/grounded-retrieval/internal/core/guardrail"
)

// LoadGuardrailProfile reads an optional YAML profile. An empty path yields
// the default profile; omitted fields inherit defaults.
func LoadGuardrailProfile(path string) (guardrail.Profile, error) {
	if path == "" {
		return guardrail.DefaultProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return guardrail.Profile{}, fmt.Errorf("read guardrail profile: %w", err)
	}

	var profile guardrail.Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&profile); err != nil && !errors.Is(err, io.EOF) {
		return guardrail.Profile{}, fmt.Errorf("decode guardrail profile %s: %w", path, err)
	}
	if err := profile.Validate(); err != nil {
		return guardrail.Profile{}, fmt.Errorf("invalid guardrail profile %s: %w", path, err)
	}
	return profile.WithDefaults(), nil
}

package scantool

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const SpecSchemaV1 = "tracker.scantool.v1"

// Spec is a scan-tool configuration document. Its fingerprint extends the
// scan dedup key: two builds that request the same tool with different
// configurations never share a commit scan.
type Spec struct {
	Schema   string            `json:"schema" yaml:"schema"`
	Tool     string            `json:"tool" yaml:"tool"`
	Rulesets []string          `json:"rulesets,omitempty" yaml:"rulesets,omitempty"`
	Options  map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
	// Async marks tools that accept the request and post the result back
	// later through the scan report endpoint.
	Async bool `json:"async,omitempty" yaml:"async,omitempty"`
}

func ParseSpec(input []byte) (Spec, error) {
	var spec Spec
	if err := yaml.Unmarshal(input, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode spec: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.Schema) != SpecSchemaV1 {
		return fmt.Errorf("spec.schema must be %q", SpecSchemaV1)
	}
	if strings.TrimSpace(s.Tool) == "" {
		return errors.New("spec.tool is required")
	}
	for i, ruleset := range s.Rulesets {
		if strings.TrimSpace(ruleset) == "" {
			return fmt.Errorf("spec.rulesets[%d] must be non-empty", i)
		}
	}
	return nil
}

// Fingerprint is the sha256 of the canonicalized spec. Ruleset order and
// option insertion order do not change the fingerprint.
func (s Spec) Fingerprint() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}

	canon := struct {
		Schema   string      `json:"schema"`
		Tool     string      `json:"tool"`
		Rulesets []string    `json:"rulesets"`
		Options  [][2]string `json:"options"`
		Async    bool        `json:"async"`
	}{
		Schema: strings.TrimSpace(s.Schema),
		Tool:   strings.ToLower(strings.TrimSpace(s.Tool)),
		Async:  s.Async,
	}

	canon.Rulesets = make([]string, 0, len(s.Rulesets))
	for _, ruleset := range s.Rulesets {
		canon.Rulesets = append(canon.Rulesets, strings.TrimSpace(ruleset))
	}
	sort.Strings(canon.Rulesets)

	keys := make([]string, 0, len(s.Options))
	for k := range s.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	canon.Options = make([][2]string, 0, len(keys))
	for _, k := range keys {
		canon.Options = append(canon.Options, [2]string{k, s.Options[k]})
	}

	blob, err := json.Marshal(canon)
	if err != nil {
		return "", fmt.Errorf("marshal canonical spec: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

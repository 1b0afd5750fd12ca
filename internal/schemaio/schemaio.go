// Package schemaio loads the migration schema descriptor (entity
// reference fields and many-to-many relationships) that the CLI feeds to
// the tierer (C8), plus the optional user-mapping file (§6
// "user_mapping_path"). Grounded on pkg/config/config.go's YAML-profile
// loading, generalized from tool settings to schema data.
package schemaio

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/r3edge-labs/dataverse-migrate/internal/tier"
)

// Document is the on-disk shape of a schema descriptor file.
type Document struct {
	Entities []struct {
		Name            string            `yaml:"name"`
		ReferenceFields map[string]string `yaml:"referenceFields"`
	} `yaml:"entities"`
	Relationships []struct {
		Name       string `yaml:"name"`
		FromEntity string `yaml:"fromEntity"`
		ToEntity   string `yaml:"toEntity"`
	} `yaml:"relationships"`
}

// Load parses a YAML schema descriptor at path into the EntitySchema and
// Relationship slices tier.Build expects.
func Load(path string) ([]tier.EntitySchema, []tier.Relationship, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading schema %s: %w", path, err)
	}

	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing schema %s: %w", path, err)
	}

	schemas := make([]tier.EntitySchema, len(doc.Entities))
	for i, e := range doc.Entities {
		schemas[i] = tier.EntitySchema{Name: e.Name, ReferenceFields: e.ReferenceFields}
	}

	relationships := make([]tier.Relationship, len(doc.Relationships))
	for i, r := range doc.Relationships {
		relationships[i] = tier.Relationship{Name: r.Name, FromEntity: r.FromEntity, ToEntity: r.ToEntity}
	}

	return schemas, relationships, nil
}

// LoadUserMapping parses an optional YAML file mapping source-environment
// user/team ids to target-environment ids (§6 "user_mapping_path"). The
// CLI calls it to validate the file; no row rewriting uses the result.
// A non-existent path is not an error: the mapping is optional.
func LoadUserMapping(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading user mapping %s: %w", path, err)
	}

	var mapping map[string]string
	if err := yaml.Unmarshal(data, &mapping); err != nil {
		return nil, fmt.Errorf("parsing user mapping %s: %w", path, err)
	}
	return mapping, nil
}

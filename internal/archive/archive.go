// Package archive implements the CLI's file-based RowSource and
// RelationshipSource: a data archive is a directory of one JSON array file
// per entity plus a "relationships" subdirectory of association-pair
// files, matching the JSON-on-disk convention the teacher already uses for
// config profiles (pkg/config/config.go's loadFromFile) generalized from a
// single settings file to one file per entity.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/r3edge-labs/dataverse-migrate/internal/platform"
	"github.com/r3edge-labs/dataverse-migrate/internal/tier"
)

// Source reads row and relationship-pair payloads from a directory tree
// rooted at BasePath (§6 "data_archive_path").
type Source struct {
	BasePath string
}

// New returns a Source rooted at basePath.
func New(basePath string) *Source {
	return &Source{BasePath: basePath}
}

// LoadRows implements orchestrator.RowSource, reading "<entity>.json" as a
// JSON array of row objects. A missing file is treated as zero rows, since
// not every entity in the schema necessarily has data in a given archive.
func (s *Source) LoadRows(ctx context.Context, entity string) ([]platform.Row, error) {
	path := filepath.Join(s.BasePath, entity+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var rows []platform.Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return rows, nil
}

// pairFile is one line of a relationship's archive file.
type pairFile struct {
	FromID string `json:"fromId"`
	ToID   string `json:"toId"`
}

// LoadPairs implements orchestrator.RelationshipSource, reading
// "relationships/<name>.json" as a JSON array of {fromId, toId} objects.
func (s *Source) LoadPairs(ctx context.Context, rel tier.Relationship) ([]platform.AssociatePair, error) {
	path := filepath.Join(s.BasePath, "relationships", rel.Name+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw []pairFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	pairs := make([]platform.AssociatePair, len(raw))
	for i, p := range raw {
		pairs[i] = platform.AssociatePair{
			RelationshipName: rel.Name,
			FromEntity:       rel.FromEntity,
			FromID:           p.FromID,
			ToEntity:         rel.ToEntity,
			ToID:             p.ToID,
		}
	}
	return pairs, nil
}

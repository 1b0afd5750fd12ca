package schemaio

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSchema = `
entities:
  - name: account
    referenceFields:
      primarycontactid: contact
  - name: contact
    referenceFields: {}
relationships:
  - name: account_contacts
    fromEntity: account
    toEntity: contact
`

func TestLoad_ParsesEntitiesAndRelationships(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	if err := os.WriteFile(path, []byte(sampleSchema), 0o644); err != nil {
		t.Fatal(err)
	}

	schemas, relationships, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(schemas) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(schemas))
	}
	if schemas[0].Name != "account" || schemas[0].ReferenceFields["primarycontactid"] != "contact" {
		t.Fatalf("unexpected account schema: %+v", schemas[0])
	}
	if len(relationships) != 1 || relationships[0].Name != "account_contacts" {
		t.Fatalf("unexpected relationships: %+v", relationships)
	}
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing schema file")
	}
}

func TestLoadUserMapping_EmptyPathIsNotAnError(t *testing.T) {
	mapping, err := LoadUserMapping("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected a nil mapping, got %+v", mapping)
	}
}

func TestLoadUserMapping_MissingFileIsNotAnError(t *testing.T) {
	mapping, err := LoadUserMapping(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping != nil {
		t.Fatalf("expected a nil mapping, got %+v", mapping)
	}
}

func TestLoadUserMapping_ParsesMapping(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "users.yaml")
	if err := os.WriteFile(path, []byte("src-user-1: tgt-user-9\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	mapping, err := LoadUserMapping(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mapping["src-user-1"] != "tgt-user-9" {
		t.Fatalf("unexpected mapping: %+v", mapping)
	}
}

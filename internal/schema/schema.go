// Package schema models the database schema a codebase runs against.
// The schema is introspected from a live connection (information_schema
// or PRAGMA, nothing is invented from files) and rides along the
// extraction pipeline: it shapes prompts, validates table nodes and
// renders the DDL attached to them.
package schema

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Column is one column of a table: name plus the raw type reported by
// the database.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table is one base table with its columns in ordinal order.
type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Schema is the introspected database schema.
type Schema struct {
	Database string  `json:"database"`
	Tables   []Table `json:"tables"`
}

// UnmarshalJSON accepts "table_name" as an alias for "name"; agents of
// older versions sent the alias.
func (t *Table) UnmarshalJSON(data []byte) error {
	var aux struct {
		Name      string   `json:"name"`
		TableName string   `json:"table_name"`
		Columns   []Column `json:"columns"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	t.Name = strings.TrimSpace(aux.Name)
	if t.Name == "" {
		t.Name = strings.TrimSpace(aux.TableName)
	}
	t.Columns = aux.Columns
	return nil
}

// Parse decodes a schema from JSON. A payload wrapped in a
// {"schema": {...}} envelope is unwrapped first; agents send both
// forms.
func Parse(data []byte) (*Schema, error) {
	var envelope struct {
		Schema json.RawMessage `json:"schema"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil &&
		len(envelope.Schema) > 0 && string(envelope.Schema) != "null" {
		data = envelope.Schema
	}

	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	return &s, nil
}

// HasTables reports whether the schema carries at least one table.
// Without tables the analysis runs in code-structure-only mode.
func (s *Schema) HasTables() bool {
	return s != nil && len(s.Tables) > 0
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// FileName derives an output file name from a database name. Anything
// outside [a-zA-Z0-9_-] becomes an underscore; an empty name falls
// back to schema.json.
func FileName(database string) string {
	name := unsafeFilenameChars.ReplaceAllString(database, "_")
	if name == "" {
		return "schema.json"
	}
	return name + ".json"
}

// TableNames returns the non-empty table names in schema order.
func (s *Schema) TableNames() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.Tables))
	for _, t := range s.Tables {
		if name := strings.TrimSpace(t.Name); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// DDL renders the CREATE TABLE statement for one table. Columns
// without a name are skipped; columns without a type default to text.
func (t Table) DDL() string {
	var lines []string
	for _, c := range t.Columns {
		if c.Name == "" {
			continue
		}
		typ := c.Type
		if typ == "" {
			typ = "text"
		}
		lines = append(lines, "  "+c.Name+" "+typ)
	}
	return "CREATE TABLE " + t.Name + " (\n" + strings.Join(lines, ",\n") + "\n);"
}

// DDL looks up a table by name, case-insensitively, and renders its
// CREATE TABLE statement.
func (s *Schema) DDL(tableName string) (string, bool) {
	want := strings.ToLower(strings.TrimSpace(tableName))
	if s == nil || want == "" {
		return "", false
	}
	for _, t := range s.Tables {
		name := strings.TrimSpace(t.Name)
		if name != "" && strings.ToLower(name) == want {
			return t.DDL(), true
		}
	}
	return "", false
}

// DDLByTable renders every table's DDL keyed by lowercase table name,
// the form the graph enrichment passes consume.
func (s *Schema) DDLByTable() map[string]string {
	if s == nil {
		return nil
	}
	out := make(map[string]string, len(s.Tables))
	for _, t := range s.Tables {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		out[strings.ToLower(name)] = t.DDL()
	}
	return out
}

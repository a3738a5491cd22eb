// Package source adapts a directory of record files to the record
// store boundary: one markdown file with YAML front matter per record,
// grouped by type (<root>/plans/<id>.md and so on). It backs the CLI's
// watch and reindex commands where no real record store exists.
package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/planweave/semindex/internal/record"
)

const recordExt = ".md"

// frontMatter is the YAML header of a record file. Which fields apply
// depends on the record type; unknown fields are ignored.
type frontMatter struct {
	Title    string `yaml:"title"`
	Status   string `yaml:"status"`
	Priority string `yaml:"priority"`
	Owner    string `yaml:"owner"`
	Source   string `yaml:"source"`
	Version  int64  `yaml:"version"`
}

// DirSource reads records from a directory tree.
type DirSource struct {
	root string
}

// NewDirSource creates a source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

// List reads every record of the given type. A missing type directory
// is an empty collection, not an error.
func (s *DirSource) List(ctx context.Context, typ record.Type) ([]record.Record, error) {
	dir := filepath.Join(s.root, string(typ))
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	var records []record.Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := s.Load(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// Load parses one record file. The record type comes from the parent
// directory, the id from the file name.
func (s *DirSource) Load(path string) (record.Record, error) {
	typ, id, err := s.identify(path)
	if err != nil {
		return record.Record{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return record.Record{}, fmt.Errorf("read record %s: %w", path, err)
	}
	fm, content, err := splitFrontMatter(string(data))
	if err != nil {
		return record.Record{}, fmt.Errorf("record %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return record.Record{}, err
	}
	version := fm.Version
	if version == 0 {
		version = info.ModTime().UnixNano()
	}

	rec := record.Record{
		ID:        id,
		Type:      typ,
		Content:   content,
		Meta:      metadataFor(typ, fm),
		Version:   version,
		UpdatedAt: info.ModTime(),
	}
	if err := rec.Validate(); err != nil {
		return record.Record{}, fmt.Errorf("record %s: %w", path, err)
	}
	return rec, nil
}

// identify derives the record type and id from a file path, or reports
// that the path is not a record file.
func (s *DirSource) identify(path string) (record.Type, string, error) {
	if !strings.HasSuffix(path, recordExt) {
		return "", "", fmt.Errorf("not a record file: %s", path)
	}
	typ := record.Type(filepath.Base(filepath.Dir(path)))
	if !typ.Valid() {
		return "", "", fmt.Errorf("not in a record type directory: %s", path)
	}
	id := strings.TrimSuffix(filepath.Base(path), recordExt)
	return typ, id, nil
}

// splitFrontMatter separates the YAML header (between --- markers)
// from the markdown body. A file without front matter is all body.
func splitFrontMatter(data string) (frontMatter, string, error) {
	var fm frontMatter
	if !strings.HasPrefix(data, "---\n") {
		return fm, data, nil
	}
	rest := data[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated front matter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return fm, "", fmt.Errorf("parse front matter: %w", err)
	}
	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return fm, body, nil
}

func metadataFor(typ record.Type, fm frontMatter) record.Metadata {
	switch typ {
	case record.TypePlan:
		return record.PlanMeta{Title: fm.Title, Status: fm.Status, Priority: fm.Priority}
	case record.TypeProject:
		return record.ProjectMeta{Name: fm.Title, Status: fm.Status, Owner: fm.Owner}
	case record.TypeDocument:
		return record.DocumentMeta{Title: fm.Title, Source: fm.Source, Status: fm.Status}
	default:
		return nil
	}
}

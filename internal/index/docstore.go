package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DocMeta is the metadata record the docstore keeps per indexed chunk.
// Tombstoned entries are excluded from search immediately; their
// vectors are physically removed on the next flush.
type DocMeta struct {
	ChunkID     string            `json:"chunk_id"`
	RecordID    string            `json:"record_id"`
	RecordType  string            `json:"record_type"`
	Ordinal     int               `json:"ordinal"`
	ContentHash string            `json:"content_hash"`
	Preview     string            `json:"preview"`
	Fields      map[string]string `json:"fields,omitempty"`
	Version     int64             `json:"version"`
	UpdatedAt   time.Time         `json:"updated_at"`
	IndexedAt   time.Time         `json:"indexed_at"`
	Tombstoned  bool              `json:"tombstoned,omitempty"`
}

// docstoreFile is the on-disk snapshot format.
type docstoreFile struct {
	Version     int       `json:"version"`
	Collection  string    `json:"collection"`
	LastUpdated time.Time `json:"last_updated"`
	Docs        []DocMeta `json:"docs"`
}

const docstoreVersion = 1

// docstorePath returns the docstore snapshot file for a collection.
func docstorePath(dir string) string {
	return filepath.Join(dir, "docstore.json")
}

// loadDocstore reads the docstore snapshot. A missing file returns
// (nil meta, zero time, os.ErrNotExist) so callers can distinguish an
// unbuilt collection.
func loadDocstore(dir string) (map[string]DocMeta, time.Time, error) {
	data, err := os.ReadFile(docstorePath(dir))
	if err != nil {
		return nil, time.Time{}, err
	}

	var file docstoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, time.Time{}, fmt.Errorf("decode docstore: %w", err)
	}
	if file.Version != docstoreVersion {
		return nil, time.Time{}, fmt.Errorf("unsupported docstore version %d", file.Version)
	}

	docs := make(map[string]DocMeta, len(file.Docs))
	for _, doc := range file.Docs {
		docs[doc.ChunkID] = doc
	}
	return docs, file.LastUpdated, nil
}

// saveDocstore writes the docstore snapshot atomically: the new
// snapshot is written to a temp file in the same directory and renamed
// over the old one, so readers never observe a partial flush.
func saveDocstore(dir, collection string, docs map[string]DocMeta, lastUpdated time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create collection dir: %w", err)
	}

	file := docstoreFile{
		Version:     docstoreVersion,
		Collection:  collection,
		LastUpdated: lastUpdated,
		Docs:        make([]DocMeta, 0, len(docs)),
	}
	for _, doc := range docs {
		file.Docs = append(file.Docs, doc)
	}

	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode docstore: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "docstore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp docstore: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write docstore: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync docstore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close docstore: %w", err)
	}

	if err := os.Rename(tmpName, docstorePath(dir)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace docstore: %w", err)
	}
	return nil
}

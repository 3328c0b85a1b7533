package quirks

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDirs builds a Database from every *.json file under dirs, in
// order, generalizing the teacher's LoadQuirksSet/readDir directory
// scan (quirks.go) from its one-directory-format-per-printer-family
// shape to a flat, vendor-agnostic entry list. A missing directory is
// silently skipped, matching the teacher's own os.IsNotExist handling,
// since PathQuirksDir/PathConfQuirksDir are optional.
func LoadDirs(dirs ...string) (*Database, error) {
	db := NewDatabase()
	for _, dir := range dirs {
		if err := loadDir(db, dir); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func loadDir(db *Database, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("quirks: reading %s: %w", dir, err)
	}

	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, ent.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("quirks: reading %s: %w", path, err)
		}
		loaded, err := DecodeFile(data)
		if err != nil {
			return fmt.Errorf("quirks: decoding %s: %w", path, err)
		}
		for _, q := range loaded.Entries() {
			db.Add(q)
		}
	}
	return nil
}

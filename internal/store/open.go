package store

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Backend kinds accepted by Open.
const (
	KindMemory = "memory"
	KindFile   = "file"
	KindSQLite = "sqlite"
)

// Options selects and configures a Store backend.
type Options struct {
	Kind string
	// Path is the YAML document or SQLite database. Defaults to a file
	// under DefaultDir.
	Path string
	// SecretKey seals client secrets in durable backends.
	SecretKey  string
	DefaultDir string
}

// Open builds the Store described by opts.
func Open(opts Options) (Store, error) {
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	if kind == "" {
		kind = KindMemory
	}

	switch kind {
	case KindMemory:
		return NewMemory(), nil
	case KindFile, KindSQLite:
	default:
		return nil, fmt.Errorf("unknown store kind %q (expected %s, %s or %s)", opts.Kind, KindMemory, KindFile, KindSQLite)
	}

	sealer, err := NewSealer(opts.SecretKey)
	if err != nil {
		return nil, err
	}

	path := opts.Path
	if path == "" {
		name := "providers.yaml"
		if kind == KindSQLite {
			name = "providers.db"
		}
		path = filepath.Join(opts.DefaultDir, name)
	}

	if kind == KindFile {
		return NewFile(path, sealer)
	}
	return NewSQLite(path, sealer)
}

package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLite is a Store backed by a single SQLite database file. Client secrets
// are sealed before they are written.
type SQLite struct {
	db     *sql.DB
	sealer *Sealer
	now    func() time.Time
}

// NewSQLite opens (or creates) the database at path.
func NewSQLite(path string, sealer *Sealer) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("sqlite store requires a secret sealer")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return &SQLite{db: db, sealer: sealer, now: time.Now}, nil
}

const selectConfigColumns = `id, name, description, endpoint, client_id, enabled, additional_instruction, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (ProviderConfig, error) {
	var (
		cfg       ProviderConfig
		enabled   int
		createdAt string
		updatedAt string
	)
	if err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Endpoint, &cfg.ClientID, &enabled, &cfg.AdditionalInstruction, &createdAt, &updatedAt); err != nil {
		return ProviderConfig{}, err
	}
	cfg.Enabled = enabled == 1
	cfg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	cfg.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLite) GetAllConfigs(ctx context.Context) ([]ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+selectConfigColumns+` FROM provider_configs ORDER BY created_at ASC, id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	out := []ProviderConfig{}
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan provider config: %w", err)
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (s *SQLite) GetConfig(ctx context.Context, id string) (*ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectConfigColumns+` FROM provider_configs WHERE id = ?;`, id)
	cfg, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ConfigNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get provider config %s: %w", id, err)
	}
	return &cfg, nil
}

func (s *SQLite) AddConfig(ctx context.Context, cfg ProviderConfig) error {
	cfg, err := prepareNew(cfg, s.now())
	if err != nil {
		return err
	}

	const q = `
INSERT INTO provider_configs (id, name, description, endpoint, client_id, enabled, additional_instruction, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO NOTHING;
`
	res, err := s.db.ExecContext(ctx, q,
		cfg.ID,
		cfg.Name,
		cfg.Description,
		cfg.Endpoint,
		cfg.ClientID,
		boolToInt(cfg.Enabled),
		cfg.AdditionalInstruction,
		cfg.CreatedAt.Format(time.RFC3339Nano),
		cfg.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("add provider config: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateConfig, cfg.ID)
	}
	return nil
}

func (s *SQLite) UpdateConfig(ctx context.Context, id string, patch ConfigPatch) (*ProviderConfig, error) {
	current, err := s.GetConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	updated, err := patch.Apply(*current, s.now())
	if err != nil {
		return nil, err
	}

	const q = `
UPDATE provider_configs SET
  name = ?,
  description = ?,
  endpoint = ?,
  client_id = ?,
  enabled = ?,
  additional_instruction = ?,
  updated_at = ?
WHERE id = ?;
`
	if _, err := s.db.ExecContext(ctx, q,
		updated.Name,
		updated.Description,
		updated.Endpoint,
		updated.ClientID,
		boolToInt(updated.Enabled),
		updated.AdditionalInstruction,
		updated.UpdatedAt.Format(time.RFC3339Nano),
		id,
	); err != nil {
		return nil, fmt.Errorf("update provider config %s: %w", id, err)
	}
	return &updated, nil
}

func (s *SQLite) DeleteConfig(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM provider_configs WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete provider config %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ConfigNotFoundError{ID: id}
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_secrets WHERE provider_id = ?;`, id); err != nil {
		return fmt.Errorf("delete provider secret %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) GetSecret(ctx context.Context, id string) (string, error) {
	var sealed string
	err := s.db.QueryRowContext(ctx, `SELECT sealed_secret FROM provider_secrets WHERE provider_id = ?;`, id).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w for provider %s", ErrSecretNotFound, id)
	}
	if err != nil {
		return "", fmt.Errorf("get provider secret %s: %w", id, err)
	}
	return s.sealer.Open(id, sealed)
}

func (s *SQLite) SaveSecret(ctx context.Context, id, secret string) error {
	sealed, err := s.sealer.Seal(id, secret)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO provider_secrets (provider_id, sealed_secret, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(provider_id) DO UPDATE SET
  sealed_secret=excluded.sealed_secret,
  updated_at=excluded.updated_at;
`
	if _, err := s.db.ExecContext(ctx, q, id, sealed, s.now().UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("save provider secret %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) DeleteSecret(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provider_secrets WHERE provider_id = ?;`, id); err != nil {
		return fmt.Errorf("delete provider secret %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

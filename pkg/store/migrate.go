package store

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

const migrationLedgerSQL = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    filename     TEXT PRIMARY KEY,
    applied_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    success      BOOLEAN NOT NULL,
    execution_ms BIGINT NOT NULL,
    checksum     TEXT NOT NULL,
    error        TEXT
)`

const downSuffix = "_DOWN.sql"

// Migration is one discovered forward migration file.
type Migration struct {
	Filename string
	SQL      string
	Checksum string
}

// Migrator applies forward-only SQL migrations in lexical order.
// Each file runs inside a single transaction and its outcome is
// recorded in the schema_migrations ledger. Re-running is idempotent;
// a checksum mismatch against a previously applied file is fatal.
type Migrator struct {
	store *Store
	fsys  fs.FS
}

// NewMigrator creates a migrator over the embedded migration files.
func NewMigrator(s *Store) *Migrator {
	sub, _ := fs.Sub(migrationFS, "migrations")
	return &Migrator{store: s, fsys: sub}
}

// NewMigratorFS creates a migrator over an arbitrary filesystem (tests).
func NewMigratorFS(s *Store, fsys fs.FS) *Migrator {
	return &Migrator{store: s, fsys: fsys}
}

// Discover lists forward migrations in lexical order, computing their
// checksums. *_DOWN.sql files are rollback pairs and are skipped.
func (m *Migrator) Discover() ([]Migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") || strings.HasSuffix(name, downSuffix) {
			continue
		}
		data, err := fs.ReadFile(m.fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		migrations = append(migrations, Migration{
			Filename: name,
			SQL:      string(data),
			Checksum: Checksum(data),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Filename < migrations[j].Filename
	})
	return migrations, nil
}

// Checksum returns the hex SHA-256 of a migration's content.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Run applies every migration not already recorded as successfully
// applied. It fails loud: any error aborts the boot of dependent
// services.
func (m *Migrator) Run(ctx context.Context) error {
	if _, err := m.store.pool.Exec(ctx, migrationLedgerSQL); err != nil {
		return fmt.Errorf("failed to create migration ledger: %w", err)
	}

	migrations, err := m.Discover()
	if err != nil {
		return err
	}

	applied, err := m.appliedChecksums(ctx)
	if err != nil {
		return err
	}

	for _, mig := range migrations {
		if checksum, ok := applied[mig.Filename]; ok {
			if checksum != mig.Checksum {
				return fmt.Errorf("migration %s was modified after being applied (checksum %s != %s)",
					mig.Filename, mig.Checksum, checksum)
			}
			continue
		}

		if err := m.apply(ctx, mig); err != nil {
			return err
		}
	}
	return nil
}

func (m *Migrator) appliedChecksums(ctx context.Context) (map[string]string, error) {
	rows, err := m.store.pool.Query(ctx,
		`SELECT filename, checksum FROM schema_migrations WHERE success`)
	if err != nil {
		return nil, fmt.Errorf("failed to query migration ledger: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var filename, checksum string
		if err := rows.Scan(&filename, &checksum); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}
		applied[filename] = checksum
	}
	return applied, rows.Err()
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	slog.Info("applying migration", "file", mig.Filename)
	start := time.Now()

	tx, err := m.store.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin migration %s: %w", mig.Filename, err)
	}

	_, execErr := tx.Exec(ctx, mig.SQL)
	elapsed := time.Since(start).Milliseconds()

	if execErr != nil {
		_ = tx.Rollback(ctx)
		m.record(ctx, mig, false, elapsed, execErr.Error())
		return fmt.Errorf("migration %s failed: %w", mig.Filename, execErr)
	}

	if err := tx.Commit(ctx); err != nil {
		m.record(ctx, mig, false, elapsed, err.Error())
		return fmt.Errorf("failed to commit migration %s: %w", mig.Filename, err)
	}

	m.record(ctx, mig, true, elapsed, "")
	slog.Info("migration applied", "file", mig.Filename, "duration_ms", elapsed)
	return nil
}

func (m *Migrator) record(ctx context.Context, mig Migration, success bool, elapsed int64, errMsg string) {
	var errVal *string
	if errMsg != "" {
		errVal = &errMsg
	}
	_, err := m.store.pool.Exec(ctx, `
		INSERT INTO schema_migrations (filename, success, execution_ms, checksum, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (filename) DO UPDATE SET
			applied_at = now(), success = EXCLUDED.success,
			execution_ms = EXCLUDED.execution_ms,
			checksum = EXCLUDED.checksum, error = EXCLUDED.error`,
		mig.Filename, success, elapsed, mig.Checksum, errVal)
	if err != nil {
		slog.Error("failed to record migration outcome", "file", mig.Filename, "error", err)
	}
}

// Rollback applies the paired <name>_DOWN.sql for the given migration
// and removes its ledger entry. Rollback is opt-in; migrations without
// a DOWN pair cannot be rolled back.
func (m *Migrator) Rollback(ctx context.Context, filename string) error {
	downName := strings.TrimSuffix(filename, ".sql") + downSuffix
	data, err := fs.ReadFile(m.fsys, downName)
	if err != nil {
		return fmt.Errorf("no rollback file %s: %w", downName, err)
	}

	return m.store.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			return fmt.Errorf("rollback %s failed: %w", downName, err)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM schema_migrations WHERE filename = $1`, filename); err != nil {
			return fmt.Errorf("failed to clear ledger for %s: %w", filename, err)
		}
		return nil
	})
}

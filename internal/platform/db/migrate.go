package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// migrationLockKey serializes migrators started by several instances at once.
const migrationLockKey int64 = 0x6d6571756572

var migrationFile = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.sql$`)

// Migration is one versioned SQL file.
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Checksum string
}

// MigrationStatus reports whether a migration has run. Modified is set when
// the file changed after it was applied.
type MigrationStatus struct {
	Version   int
	Name      string
	Applied   bool
	Modified  bool
	AppliedAt *time.Time
}

// Migrator applies the query, review and audit schema. Progress is tracked
// in schema_migrations on the connection's search path.
type Migrator struct {
	pool   *pgxpool.Pool
	files  fs.FS
	logger zerolog.Logger
}

func NewMigrator(pool *pgxpool.Pool, files fs.FS, logger zerolog.Logger) *Migrator {
	return &Migrator{
		pool:   pool,
		files:  files,
		logger: logger.With().Str("component", "migrator").Logger(),
	}
}

// Load returns the migrations found at the root of the file set, ordered by
// version. Files not named NNN_name.sql are ignored.
func (m *Migrator) Load() ([]Migration, error) {
	entries, err := fs.ReadDir(m.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	seen := make(map[int]string)
	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationFile.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, err := strconv.Atoi(match[1])
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", entry.Name(), err)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("migrations %s and %s share version %d", prev, entry.Name(), version)
		}
		seen[version] = entry.Name()

		body, err := fs.ReadFile(m.files, entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		sum := sha256.Sum256(body)
		out = append(out, Migration{
			Version:  version,
			Name:     entry.Name(),
			SQL:      string(body),
			Checksum: hex.EncodeToString(sum[:]),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

const createTracking = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	name       TEXT NOT NULL,
	checksum   TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

type appliedMigration struct {
	checksum string
	at       time.Time
}

func (m *Migrator) applied(ctx context.Context, conn Queryable) (map[int]appliedMigration, error) {
	rows, err := conn.Query(ctx, `SELECT version, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	out := make(map[int]appliedMigration)
	for rows.Next() {
		var v int
		var a appliedMigration
		if err := rows.Scan(&v, &a.checksum, &a.at); err != nil {
			return nil, err
		}
		out[v] = a
	}
	return out, rows.Err()
}

// Up applies every pending migration in one transaction and returns how many
// ran. A migration whose file changed since it was applied stops the run.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	migrations, err := m.Load()
	if err != nil {
		return 0, err
	}

	count := 0
	err = WithTx(ctx, m.pool, func(ctx context.Context) error {
		tx := Conn(ctx, m.pool)
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
			return fmt.Errorf("lock migrations: %w", err)
		}
		if _, err := tx.Exec(ctx, createTracking); err != nil {
			return fmt.Errorf("create schema_migrations: %w", err)
		}
		done, err := m.applied(ctx, tx)
		if err != nil {
			return err
		}

		for _, mig := range migrations {
			if prev, ok := done[mig.Version]; ok {
				if prev.checksum != mig.Checksum {
					return fmt.Errorf("migration %s was modified after it was applied", mig.Name)
				}
				continue
			}
			start := time.Now()
			if _, err := tx.Exec(ctx, mig.SQL); err != nil {
				return fmt.Errorf("apply %s: %w", mig.Name, err)
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
				mig.Version, mig.Name, mig.Checksum); err != nil {
				return fmt.Errorf("record %s: %w", mig.Name, err)
			}
			m.logger.Info().Int("version", mig.Version).Str("name", mig.Name).
				Dur("took", time.Since(start)).Msg("migration applied")
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Status lists every known migration with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.Load()
	if err != nil {
		return nil, err
	}
	if _, err := m.pool.Exec(ctx, createTracking); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	done, err := m.applied(ctx, m.pool)
	if err != nil {
		return nil, err
	}
	return statusOf(migrations, done), nil
}

func statusOf(migrations []Migration, done map[int]appliedMigration) []MigrationStatus {
	out := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Version: mig.Version, Name: mig.Name}
		if prev, ok := done[mig.Version]; ok {
			at := prev.at
			st.Applied = true
			st.AppliedAt = &at
			st.Modified = prev.checksum != mig.Checksum
		}
		out = append(out, st)
	}
	return out
}

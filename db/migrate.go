package db

import (
	"database/sql"
	"embed"
	"path"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

const migrationsDir = "sqlite/migrations"

//go:embed sqlite/migrations/*.sql
var migrations embed.FS

// migration is one embedded NNN_name.sql file
type migration struct {
	version int
	file    string
}

// key is the value stored in schema_migrations.version
func (m migration) key() string {
	return strconv.Itoa(m.version)
}

// loadMigrations returns the embedded migrations in version order. A file
// without a numeric prefix or a reused version is a packaging error.
func loadMigrations() ([]migration, error) {
	entries, err := migrations.ReadDir(migrationsDir)
	if err != nil {
		return nil, errors.Wrap(err, "read migrations")
	}

	seen := make(map[int]string)
	var out []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			return nil, errors.Newf("migration %s has no version prefix", entry.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, errors.Wrapf(err, "migration %s", entry.Name())
		}
		if prev, dup := seen[v]; dup {
			return nil, errors.Newf("migrations %s and %s share version %d", prev, entry.Name(), v)
		}
		seen[v] = entry.Name()
		out = append(out, migration{version: v, file: entry.Name()})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

// appliedVersions reads schema_migrations. Before migration 0 has run the
// table does not exist and the set is empty.
func appliedVersions(db *sql.DB) (map[string]bool, error) {
	rows, err := db.Query("SELECT version FROM schema_migrations")
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return map[string]bool{}, nil
		}
		return nil, errors.Wrap(err, "read schema_migrations")
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errors.Wrap(err, "scan schema_migrations")
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

// Migrate applies every embedded migration not yet recorded in
// schema_migrations, each in its own transaction, and records it in the
// same transaction.
func Migrate(db *sql.DB, logger *zap.SugaredLogger) error {
	all, err := loadMigrations()
	if err != nil {
		return err
	}
	applied, err := appliedVersions(db)
	if err != nil {
		return err
	}
	if len(applied) == 0 && len(all) > 0 && all[0].version != 0 {
		return errors.Newf("schema_migrations is missing and first migration is %s", all[0].file)
	}

	ran := 0
	for _, m := range all {
		if applied[m.key()] {
			continue
		}
		if err := apply(db, m); err != nil {
			return err
		}
		ran++
		if logger != nil {
			logger.Infow("Applied migration", "migration", m.file, "version", m.version)
		}
	}

	if logger != nil {
		logger.Debugw("Schema up to date", "applied", ran, "total_migrations", len(all))
	}
	return nil
}

func apply(db *sql.DB, m migration) error {
	body, err := migrations.ReadFile(path.Join(migrationsDir, m.file))
	if err != nil {
		return errors.Wrapf(err, "read %s", m.file)
	}

	tx, err := db.Begin()
	if err != nil {
		return errors.Wrapf(err, "begin tx for %s", m.file)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(body)); err != nil {
		return errors.Wrapf(err, "execute %s", m.file)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", m.key()); err != nil {
		return errors.Wrapf(err, "record %s", m.file)
	}
	return errors.Wrapf(tx.Commit(), "commit %s", m.file)
}

// SchemaVersion returns the highest applied migration version, or -1 on an
// empty database.
func SchemaVersion(db *sql.DB) (int, error) {
	applied, err := appliedVersions(db)
	if err != nil {
		return 0, err
	}
	version := -1
	for raw := range applied {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, errors.Wrapf(err, "schema_migrations version %q", raw)
		}
		if v > version {
			version = v
		}
	}
	return version, nil
}

// Package migrate applies the SQL files under ops/migrations to the access
// database and records what already ran. Schema changes come as paired
// NNNN_name.up.sql / NNNN_name.down.sql files; seeds (the region vocabulary
// and the base module/role catalog) are plain .sql files applied once each.
// Files run in lexical order, each inside its own transaction.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Ledger tables sit next to the access schema. A file is recorded only after
// its statements commit, so a failed file reruns on the next invocation.
const (
	migrationsLedger = "access_schema_migrations"
	seedsLedger      = "access_schema_seeds"
)

// Runner applies schema migrations and seeds from a directory pair.
type Runner struct {
	db      *sql.DB
	sqlDir  string
	seedDir string
}

func New(db *sql.DB, sqlDir, seedDir string) *Runner {
	return &Runner{db: db, sqlDir: sqlDir, seedDir: seedDir}
}

// Up runs every .up.sql file not yet in the ledger.
func (r *Runner) Up(ctx context.Context) error {
	if err := r.ensureLedgers(ctx); err != nil {
		return err
	}
	done, err := r.applied(ctx, migrationsLedger)
	if err != nil {
		return err
	}
	files, err := listSQLFiles(r.sqlDir, ".up.sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.name] {
			continue
		}
		if err := r.runFile(ctx, f.path); err != nil {
			return fmt.Errorf("migration %s: %w", f.name, err)
		}
		if err := r.record(ctx, migrationsLedger, f.name); err != nil {
			return err
		}
	}
	return nil
}

// Down reverts the newest applied migration using its .down.sql twin.
func (r *Runner) Down(ctx context.Context) error {
	if err := r.ensureLedgers(ctx); err != nil {
		return err
	}
	history, err := r.history(ctx, migrationsLedger)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		return errors.New("nothing to roll back")
	}
	newest := history[len(history)-1]
	down := strings.TrimSuffix(filepath.Join(r.sqlDir, newest), ".up.sql") + ".down.sql"
	if _, err := os.Stat(down); err != nil {
		return fmt.Errorf("no down file for %s", newest)
	}
	if err := r.runFile(ctx, down); err != nil {
		return fmt.Errorf("rollback %s: %w", newest, err)
	}
	_, err = r.db.ExecContext(ctx, `delete from `+migrationsLedger+` where name = $1`, newest)
	return err
}

// Status returns the applied migrations, oldest first.
func (r *Runner) Status(ctx context.Context) ([]string, error) {
	if err := r.ensureLedgers(ctx); err != nil {
		return nil, err
	}
	return r.history(ctx, migrationsLedger)
}

// Seed runs every seed file not yet in the seeds ledger. Seed files are
// written with "on conflict do nothing" so rerunning one by hand stays safe.
func (r *Runner) Seed(ctx context.Context) error {
	if err := r.ensureLedgers(ctx); err != nil {
		return err
	}
	done, err := r.applied(ctx, seedsLedger)
	if err != nil {
		return err
	}
	files, err := listSQLFiles(r.seedDir, ".sql")
	if err != nil {
		return err
	}
	for _, f := range files {
		if done[f.name] {
			continue
		}
		if err := r.runFile(ctx, f.path); err != nil {
			return fmt.Errorf("seed %s: %w", f.name, err)
		}
		if err := r.record(ctx, seedsLedger, f.name); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) ensureLedgers(ctx context.Context) error {
	for _, table := range []string{migrationsLedger, seedsLedger} {
		ddl := `create table if not exists ` + table + ` (
			name text primary key,
			applied_at timestamptz not null default now()
		)`
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return err
		}
	}
	return nil
}

// runFile executes one file's statements in a single transaction.
func (r *Runner) runFile(ctx context.Context, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(string(raw)) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Runner) record(ctx context.Context, table, name string) error {
	_, err := r.db.ExecContext(ctx,
		`insert into `+table+` (name, applied_at) values ($1, $2)`,
		name, time.Now().UTC())
	return err
}

func (r *Runner) applied(ctx context.Context, table string) (map[string]bool, error) {
	names, err := r.history(ctx, table)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(names))
	for _, n := range names {
		done[n] = true
	}
	return done, nil
}

// history orders by name: the NNNN_ prefix is the apply order, and stays
// stable when two files were recorded in the same instant.
func (r *Runner) history(ctx context.Context, table string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `select name from `+table+` order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

type sqlFile struct {
	name string
	path string
}

// listSQLFiles returns the directory's matching files in lexical order. The
// migration directories are flat. A missing directory means nothing to run.
func listSQLFiles(dir, suffix string) ([]sqlFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		files = append(files, sqlFile{name: e.Name(), path: filepath.Join(dir, e.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].name < files[j].name })
	return files, nil
}

// splitStatements cuts a file into statements on semicolons outside
// single-quoted literals. A doubled quote ('') flips the state twice and so
// stays inside the literal.
func splitStatements(src string) []string {
	var stmts []string
	var b strings.Builder
	quoted := false
	for _, r := range src {
		if r == '\'' {
			quoted = !quoted
		}
		b.WriteRune(r)
		if r == ';' && !quoted {
			stmts = append(stmts, b.String())
			b.Reset()
		}
	}
	if strings.TrimSpace(b.String()) != "" {
		stmts = append(stmts, b.String())
	}
	return stmts
}

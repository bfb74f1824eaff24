// Package migrate applies the on-disk SQL schema migrations and catalog
// seeds, tracking both in a single history table.
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

const (
	historyTable = "marsland_schema_history"

	kindMigration = "migration"
	kindSeed      = "seed"

	// Advisory lock key so two deploys cannot run migrations at once.
	lockKey = int64(0x6d617273) // "mars"
)

// Record is one applied migration or seed.
type Record struct {
	Name      string
	Kind      string
	AppliedAt time.Time
}

// Runner applies SQL migration and seed files stored on disk.
type Runner struct {
	db            *sql.DB
	migrationsDir string
	seedsDir      string
}

// NewRunner constructs a Runner over the given directories.
func NewRunner(db *sql.DB, migrationsDir, seedsDir string) *Runner {
	return &Runner{db: db, migrationsDir: migrationsDir, seedsDir: seedsDir}
}

// Up applies all pending .up.sql migrations in lexical order.
func (r *Runner) Up(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		return r.applyPending(ctx, r.migrationsDir, ".up.sql", kindMigration)
	})
}

// Seed applies pending seed files. Seeds run once per file, like migrations,
// so re-running seed after adding a new catalog file only applies the new one.
func (r *Runner) Seed(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		return r.applyPending(ctx, r.seedsDir, ".sql", kindSeed)
	})
}

// Down rolls back the most recently applied migration using its .down.sql
// counterpart.
func (r *Runner) Down(ctx context.Context) error {
	return r.withLock(ctx, func() error {
		applied, err := r.appliedNames(ctx, kindMigration)
		if err != nil {
			return err
		}
		if len(applied) == 0 {
			return errors.New("no migrations applied")
		}
		last := applied[len(applied)-1]
		downPath := filepath.Join(r.migrationsDir, strings.TrimSuffix(last, ".up.sql")+".down.sql")
		if _, err := os.Stat(downPath); err != nil {
			return fmt.Errorf("missing down file for %s", last)
		}
		if err := r.execFile(ctx, downPath); err != nil {
			return fmt.Errorf("rollback %s: %w", last, err)
		}
		_, err = r.db.ExecContext(ctx,
			`delete from `+historyTable+` where name = $1 and kind = $2`, last, kindMigration)
		return err
	})
}

// Status returns every applied migration and seed in application order.
func (r *Runner) Status(ctx context.Context) ([]Record, error) {
	if err := r.ensureHistory(ctx); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx,
		`select name, kind, applied_at from `+historyTable+` order by applied_at asc, name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Name, &rec.Kind, &rec.AppliedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Runner) applyPending(ctx context.Context, dir, suffix, kind string) error {
	applied, err := r.appliedNames(ctx, kind)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, name := range applied {
		done[name] = true
	}

	files, err := listSQLFiles(dir, suffix)
	if err != nil {
		return err
	}
	for _, name := range files {
		if done[name] {
			continue
		}
		if err := r.execFile(ctx, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
		if _, err := r.db.ExecContext(ctx,
			`insert into `+historyTable+`(name, kind, applied_at) values ($1, $2, $3)`,
			name, kind, time.Now().UTC()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) withLock(ctx context.Context, fn func() error) error {
	if err := r.ensureHistory(ctx); err != nil {
		return err
	}
	conn, err := r.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `select pg_advisory_lock($1)`, lockKey); err != nil {
		return err
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), `select pg_advisory_unlock($1)`, lockKey)
	}()

	return fn()
}

func (r *Runner) ensureHistory(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		create table if not exists `+historyTable+` (
			name       text not null,
			kind       text not null,
			applied_at timestamptz not null default now(),
			primary key (name, kind)
		)`)
	return err
}

func (r *Runner) appliedNames(ctx context.Context, kind string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`select name from `+historyTable+` where kind = $1 order by applied_at asc, name asc`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// execFile runs every statement of one SQL file inside a single transaction.
func (r *Runner) execFile(ctx context.Context, path string) error {
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
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func listSQLFiles(dir, suffix string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), suffix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// splitStatements splits a SQL script on top-level semicolons, skipping
// string literals and line comments. Dollar-quoted bodies are not handled;
// the migration files here do not use them.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
		runes    = []rune(script)
	)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if !inString && r == '-' && i+1 < len(runes) && runes[i+1] == '-' {
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			current.WriteRune('\n')
			continue
		}
		current.WriteRune(r)
		switch r {
		case '\'':
			inString = !inString
		case ';':
			if !inString {
				if s := strings.TrimSpace(current.String()); s != "" {
					stmts = append(stmts, s)
				}
				current.Reset()
			}
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}

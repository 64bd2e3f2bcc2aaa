// Package migrate applies versioned SQL migrations from a file system, usually
// the set embedded in the Postgres store.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultTable records applied migration versions.
const DefaultTable = "x402_schema_migrations"

// lockKey serialises concurrent migrators via pg_advisory_xact_lock.
const lockKey = 0x78343032

var fileName = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

// Migration is one schema version with both directions.
type Migration struct {
	Version int
	Name    string
	Up      string
	Down    string
}

// Status reports one known migration and whether it has been applied.
type Status struct {
	Version   int
	Name      string
	Applied   bool
	AppliedAt time.Time
}

func (s Status) String() string {
	if !s.Applied {
		return fmt.Sprintf("%04d_%s\tpending", s.Version, s.Name)
	}
	return fmt.Sprintf("%04d_%s\tapplied %s", s.Version, s.Name, s.AppliedAt.UTC().Format(time.RFC3339))
}

// Load reads NNNN_name.up.sql / NNNN_name.down.sql pairs from the root of fsys.
// Every version needs both files, one name and a unique number.
func Load(fsys fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	byVersion := make(map[int]*Migration)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		m := fileName.FindStringSubmatch(e.Name())
		if m == nil {
			return nil, fmt.Errorf("migration %q: name must be NNNN_name.up.sql or NNNN_name.down.sql", e.Name())
		}
		version, _ := strconv.Atoi(m[1])
		body, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, err
		}
		mig := byVersion[version]
		if mig == nil {
			mig = &Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		} else if mig.Name != m[2] {
			return nil, fmt.Errorf("migration %d: names %q and %q disagree", version, mig.Name, m[2])
		}
		if m[3] == "up" {
			mig.Up = string(body)
		} else {
			mig.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, mig := range byVersion {
		switch {
		case strings.TrimSpace(mig.Up) == "":
			return nil, fmt.Errorf("migration %04d_%s: missing or empty up file", mig.Version, mig.Name)
		case strings.TrimSpace(mig.Down) == "":
			return nil, fmt.Errorf("migration %04d_%s: missing or empty down file", mig.Version, mig.Name)
		}
		out = append(out, *mig)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Manager applies and rolls back a loaded migration set.
type Manager struct {
	db    *sql.DB
	fsys  fs.FS
	table string
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides DefaultTable.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager returns a Manager for the migrations in fsys.
func NewManager(db *sql.DB, fsys fs.FS, opts ...Option) *Manager {
	m := &Manager{db: db, fsys: fsys, table: DefaultTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in version order, each in its own
// transaction together with its bookkeeping row.
func (m *Manager) Up(ctx context.Context) error {
	set, applied, err := m.prepare(ctx)
	if err != nil {
		return err
	}
	for _, mig := range set {
		if _, ok := applied[mig.Version]; ok {
			continue
		}
		err := m.inTx(ctx, func(tx *sql.Tx) error {
			var n int
			if err := tx.QueryRowContext(ctx,
				fmt.Sprintf(`select count(*) from %s where version = $1`, m.table), mig.Version).Scan(&n); err != nil {
				return err
			}
			if n > 0 {
				return nil // applied by a concurrent migrator
			}
			if err := execAll(ctx, tx, mig.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				fmt.Sprintf(`insert into %s(version, name, applied_at) values ($1, $2, $3)`, m.table),
				mig.Version, mig.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %04d_%s: %w", mig.Version, mig.Name, err)
		}
	}
	return nil
}

// Down rolls back the most recently applied version.
func (m *Manager) Down(ctx context.Context) error {
	set, applied, err := m.prepare(ctx)
	if err != nil {
		return err
	}
	var last *Migration
	for i := range set {
		if _, ok := applied[set[i].Version]; ok {
			last = &set[i]
		}
	}
	if last == nil {
		return errors.New("no migrations applied")
	}
	err = m.inTx(ctx, func(tx *sql.Tx) error {
		if err := execAll(ctx, tx, last.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`delete from %s where version = $1`, m.table), last.Version)
		return err
	})
	if err != nil {
		return fmt.Errorf("rollback migration %04d_%s: %w", last.Version, last.Name, err)
	}
	return nil
}

// Status lists every known migration in version order with its applied state.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	set, applied, err := m.prepare(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(set))
	for _, mig := range set {
		at, ok := applied[mig.Version]
		out = append(out, Status{Version: mig.Version, Name: mig.Name, Applied: ok, AppliedAt: at})
	}
	return out, nil
}

// Pending counts known migrations not yet applied.
func (m *Manager) Pending(ctx context.Context) (int, error) {
	st, err := m.Status(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range st {
		if !s.Applied {
			n++
		}
	}
	return n, nil
}

// prepare loads the migration set, makes sure the bookkeeping table exists and
// refuses a database that carries versions this binary does not know.
func (m *Manager) prepare(ctx context.Context) ([]Migration, map[int]time.Time, error) {
	set, err := Load(m.fsys)
	if err != nil {
		return nil, nil, err
	}
	if _, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			version integer primary key,
			name text not null,
			applied_at timestamptz not null default now()
		);`, m.table)); err != nil {
		return nil, nil, err
	}
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select version, applied_at from %s order by version`, m.table))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	applied := make(map[int]time.Time)
	for rows.Next() {
		var (
			v  int
			at time.Time
		)
		if err := rows.Scan(&v, &at); err != nil {
			return nil, nil, err
		}
		applied[v] = at
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	known := make(map[int]bool, len(set))
	for _, mig := range set {
		known[mig.Version] = true
	}
	for v := range applied {
		if !known[v] {
			return nil, nil, fmt.Errorf("database has migration %d which this build does not ship", v)
		}
	}
	return set, applied, nil
}

func (m *Manager) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, lockKey); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func execAll(ctx context.Context, tx *sql.Tx, script string) error {
	for _, stmt := range splitStatements(script) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits on semicolons outside single quotes and skips
// "--" line comments.
func splitStatements(script string) []string {
	var (
		stmts    []string
		current  strings.Builder
		inString bool
	)
	for _, line := range strings.SplitAfter(script, "\n") {
		if !inString && strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for _, r := range line {
			current.WriteRune(r)
			switch r {
			case '\'':
				inString = !inString
			case ';':
				if !inString {
					stmts = append(stmts, current.String())
					current.Reset()
				}
			}
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}

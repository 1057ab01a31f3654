package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	_ "github.com/databricks/databricks-sql-go"
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	DialectDatabricks = "databricks"
	DialectPostgres   = "postgres"

	defaultSampleRows = 3
	defaultMaxRows    = 100
	maxValueLen       = 100
)

// readPrefixes are the statement kinds Query accepts.
var readPrefixes = []string{"select", "with", "show", "describe", "desc", "explain"}

// writeKeywords may not appear anywhere outside literals, which catches
// data-modifying CTEs, SELECT ... INTO and EXPLAIN ANALYZE.
var writeKeywords = []string{
	"insert", "update", "delete", "merge", "upsert", "drop", "alter", "create",
	"truncate", "grant", "revoke", "copy", "into", "analyze", "vacuum", "call",
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Warehouse is a read-only view of the tables an agent may inspect and query.
type Warehouse struct {
	db         *sql.DB
	dialect    string
	include    []string
	sampleRows int
	maxRows    int
}

type Option func(*Warehouse)

// WithSampleRows sets how many example rows TableInfo appends per table.
func WithSampleRows(n int) Option {
	return func(w *Warehouse) {
		if n >= 0 {
			w.sampleRows = n
		}
	}
}

// WithMaxRows caps the rows rendered by Query.
func WithMaxRows(n int) Option {
	return func(w *Warehouse) {
		if n > 0 {
			w.maxRows = n
		}
	}
}

// Open connects with the Databricks SQL driver or pgx and verifies the connection.
func Open(ctx context.Context, dialect, dsn string, include []string, opts ...Option) (*Warehouse, error) {
	var driver string
	switch dialect {
	case DialectDatabricks:
		driver = "databricks"
	case DialectPostgres:
		driver = "pgx"
	default:
		return nil, fmt.Errorf("warehouse: unsupported dialect %q", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("warehouse: open %s: %w", dialect, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("warehouse: ping %s: %w", dialect, err)
	}
	return New(db, dialect, include, opts...)
}

// New wraps an open *sql.DB. include limits the visible tables; empty means all.
func New(db *sql.DB, dialect string, include []string, opts ...Option) (*Warehouse, error) {
	if db == nil {
		return nil, errors.New("warehouse: db must not be nil")
	}
	if dialect != DialectDatabricks && dialect != DialectPostgres {
		return nil, fmt.Errorf("warehouse: unsupported dialect %q", dialect)
	}
	w := &Warehouse{
		db:         db,
		dialect:    dialect,
		include:    include,
		sampleRows: defaultSampleRows,
		maxRows:    defaultMaxRows,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

func (w *Warehouse) Dialect() string {
	return w.dialect
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}

// ListTables returns the usable tables of the current schema, sorted. Every
// included table must exist.
func (w *Warehouse) ListTables(ctx context.Context) ([]string, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() ORDER BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("warehouse: list tables: %w", err)
	}
	defer rows.Close()

	var all []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("warehouse: list tables scan: %w", err)
		}
		all = append(all, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: list tables rows: %w", err)
	}

	if len(w.include) == 0 {
		return all, nil
	}
	var missing []string
	for _, t := range w.include {
		if !slices.Contains(all, t) {
			missing = append(missing, t)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("warehouse: included tables not found: %s", strings.Join(missing, ", "))
	}
	usable := slices.Clone(w.include)
	slices.Sort(usable)
	return usable, nil
}

// TableInfo describes each table as a CREATE TABLE statement followed by
// sample rows.
func (w *Warehouse) TableInfo(ctx context.Context, tables []string) (string, error) {
	usable, err := w.ListTables(ctx)
	if err != nil {
		return "", err
	}
	var unknown []string
	for _, t := range tables {
		if !slices.Contains(usable, t) {
			unknown = append(unknown, t)
		}
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("warehouse: table names %s not found", strings.Join(unknown, ", "))
	}

	parts := make([]string, 0, len(tables))
	for _, t := range tables {
		info, err := w.describe(ctx, t)
		if err != nil {
			return "", err
		}
		parts = append(parts, info)
	}
	return strings.Join(parts, "\n\n"), nil
}

func (w *Warehouse) describe(ctx context.Context, table string) (string, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = `+w.placeholder(1)+` ORDER BY ordinal_position`,
		table)
	if err != nil {
		return "", fmt.Errorf("warehouse: columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []string
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", w.quote(table))
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return "", fmt.Errorf("warehouse: columns of %s scan: %w", table, err)
		}
		if len(cols) > 0 {
			b.WriteString(",\n")
		}
		fmt.Fprintf(&b, "\t%s %s", w.quote(name), strings.ToUpper(typ))
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("warehouse: columns of %s rows: %w", table, err)
	}
	b.WriteString("\n)")

	if w.sampleRows == 0 {
		return b.String(), nil
	}

	header, sample, err := fetch(ctx, w.db, fmt.Sprintf("SELECT * FROM %s LIMIT %d", w.quote(table), w.sampleRows), w.sampleRows)
	if err != nil {
		return "", fmt.Errorf("warehouse: sample rows of %s: %w", table, err)
	}
	fmt.Fprintf(&b, "\n\n/*\n%d rows from %s table:\n%s\n", w.sampleRows, table, strings.Join(header, "\t"))
	for _, row := range sample {
		b.WriteString(strings.Join(row, "\t"))
		b.WriteString("\n")
	}
	b.WriteString("*/")
	return b.String(), nil
}

// Query runs a read-only statement and renders the result as text. An empty
// result renders as "". On Postgres the statement also runs inside a
// read-only transaction that is always rolled back.
func (w *Warehouse) Query(ctx context.Context, query string) (string, error) {
	if err := checkReadOnly(query); err != nil {
		return "", err
	}
	header, rows, err := w.readOnly(ctx, query, w.maxRows+1)
	if err != nil {
		return "", fmt.Errorf("warehouse: query: %w", err)
	}
	if len(rows) == 0 {
		return "", nil
	}

	truncated := len(rows) > w.maxRows
	if truncated {
		rows = rows[:w.maxRows]
	}
	var b strings.Builder
	b.WriteString(strings.Join(header, " | "))
	for _, row := range rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, " | "))
	}
	if truncated {
		fmt.Fprintf(&b, "\n... (truncated to %d rows)", w.maxRows)
	}
	return b.String(), nil
}

// readOnly fetches through a read-only transaction where the driver has them.
// The Databricks driver does not support transactions.
func (w *Warehouse) readOnly(ctx context.Context, query string, limit int) ([]string, [][]string, error) {
	if w.dialect != DialectPostgres {
		return fetch(ctx, w.db, query, limit)
	}
	tx, err := w.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = tx.Rollback() }()
	return fetch(ctx, tx, query, limit)
}

// fetch reads at most limit rows as strings.
func fetch(ctx context.Context, q queryer, query string, limit int) ([]string, [][]string, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}
	var out [][]string
	for rows.Next() && len(out) < limit {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(cols))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	return cols, out, nil
}

func (w *Warehouse) placeholder(n int) string {
	if w.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (w *Warehouse) quote(ident string) string {
	if w.dialect == DialectPostgres {
		return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
	}
	return "`" + strings.ReplaceAll(ident, "`", "``") + "`"
}

func checkReadOnly(query string) error {
	q := strings.TrimSpace(query)
	if q == "" {
		return errors.New("warehouse: query must not be empty")
	}
	code := stripLiterals(q)
	if strings.Contains(strings.TrimRight(code, "; \n\t"), ";") {
		return errors.New("warehouse: only a single statement is allowed")
	}
	words := strings.FieldsFunc(strings.ToLower(code), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(words) == 0 {
		return errors.New("warehouse: query must not be empty")
	}
	if !slices.Contains(readPrefixes, words[0]) {
		return fmt.Errorf("warehouse: only read statements are allowed, got %s", strings.ToUpper(words[0]))
	}
	if words[0] == "show" || words[0] == "describe" || words[0] == "desc" {
		return nil
	}
	for _, word := range words[1:] {
		if slices.Contains(writeKeywords, word) {
			return fmt.Errorf("warehouse: only read statements are allowed, found %s", strings.ToUpper(word))
		}
	}
	return nil
}

// stripLiterals blanks out string literals, quoted identifiers and comments
// so keywords inside them are not mistaken for statements.
func stripLiterals(q string) string {
	var b strings.Builder
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'' || c == '"' || c == '`':
			j := i + 1
			for j < len(q) {
				if q[j] == c {
					if j+1 < len(q) && q[j+1] == c {
						j += 2
						continue
					}
					break
				}
				j++
			}
			b.WriteByte(' ')
			i = j
		case c == '-' && i+1 < len(q) && q[i+1] == '-':
			for i < len(q) && q[i] != '\n' {
				i++
			}
			b.WriteByte(' ')
		case c == '/' && i+1 < len(q) && q[i+1] == '*':
			end := strings.Index(q[i+2:], "*/")
			if end < 0 {
				i = len(q)
			} else {
				i += end + 3
			}
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func formatValue(v any) string {
	var s string
	switch t := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		s = string(t)
	case time.Time:
		s = t.Format(time.RFC3339)
	default:
		s = fmt.Sprint(t)
	}
	if len(s) > maxValueLen {
		cut := maxValueLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}

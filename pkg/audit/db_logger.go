package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/caxtonacollins/Stellar-K8s-sub001/pkg/observability"
)

// Dialect selects the SQL flavour of the audit table
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite3"
)

// ParseDialect maps a driver name to a Dialect
func ParseDialect(driver string) (Dialect, error) {
	switch Dialect(strings.ToLower(driver)) {
	case DialectPostgres:
		return DialectPostgres, nil
	case DialectSQLite, "sqlite":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported audit database driver: %s", driver)
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS admission_decisions (
		id BIGSERIAL PRIMARY KEY,
		timestamp TIMESTAMP WITH TIME ZONE NOT NULL,
		uid VARCHAR(64) NOT NULL,
		operation VARCHAR(16) NOT NULL,
		kind VARCHAR(100),
		namespace VARCHAR(253),
		name VARCHAR(253),
		username VARCHAR(255),
		allowed BOOLEAN NOT NULL,
		message TEXT,
		warnings TEXT[],
		plugins JSONB,
		total_time_ms BIGINT NOT NULL,
		request_id VARCHAR(100)
	);

	CREATE INDEX IF NOT EXISTS idx_admission_decisions_timestamp ON admission_decisions(timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_admission_decisions_namespace ON admission_decisions(namespace);
	CREATE INDEX IF NOT EXISTS idx_admission_decisions_allowed ON admission_decisions(allowed);
	`

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS admission_decisions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		uid TEXT NOT NULL,
		operation TEXT NOT NULL,
		kind TEXT,
		namespace TEXT,
		name TEXT,
		username TEXT,
		allowed BOOLEAN NOT NULL,
		message TEXT,
		warnings TEXT,
		plugins TEXT,
		total_time_ms INTEGER NOT NULL,
		request_id TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_admission_decisions_timestamp ON admission_decisions(timestamp);
	`

// DBLogger writes decision records to a SQL database
type DBLogger struct {
	db      *sql.DB
	dialect Dialect
	logger  *logrus.Logger
	metrics *observability.Metrics
}

// NewDBLogger creates a database audit logger and ensures its table exists
func NewDBLogger(db *sql.DB, dialect Dialect, logger *logrus.Logger, metrics *observability.Metrics) (*DBLogger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, fmt.Errorf("unsupported audit dialect: %s", dialect)
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &DBLogger{
		db:      db,
		dialect: dialect,
		logger:  logger,
		metrics: metrics,
	}
	if err := l.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure admission_decisions table: %w", err)
	}
	return l, nil
}

// OpenDB opens and pings the audit database
func OpenDB(ctx context.Context, dialect Dialect, dsn string) (*sql.DB, error) {
	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	if dialect == DialectSQLite {
		// sqlite allows a single writer
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	return db, nil
}

// DB returns the underlying connection pool
func (l *DBLogger) DB() *sql.DB {
	return l.db
}

func (l *DBLogger) ensureTable() error {
	schema := postgresSchema
	if l.dialect == DialectSQLite {
		schema = sqliteSchema
	}
	_, err := l.db.Exec(schema)
	return err
}

// placeholder returns the n-th bind parameter (1-based)
func (l *DBLogger) placeholder(n int) string {
	if l.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (l *DBLogger) encodeWarnings(warnings []string) (interface{}, error) {
	if warnings == nil {
		warnings = []string{}
	}
	if l.dialect == DialectPostgres {
		return pq.Array(warnings), nil
	}
	data, err := json.Marshal(warnings)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// LogDecision inserts rec and sets its ID
func (l *DBLogger) LogDecision(ctx context.Context, rec *DecisionRecord) (err error) {
	defer func() { l.metrics.RecordAuditWrite(err) }()

	warnings, err := l.encodeWarnings(rec.Warnings)
	if err != nil {
		return fmt.Errorf("failed to marshal warnings: %w", err)
	}
	pluginsJSON, err := json.Marshal(rec.Plugins)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin timings: %w", err)
	}

	cols := []string{
		"timestamp", "uid", "operation", "kind", "namespace", "name", "username",
		"allowed", "message", "warnings", "plugins", "total_time_ms", "request_id",
	}
	params := make([]string, len(cols))
	for i := range cols {
		params[i] = l.placeholder(i + 1)
	}
	query := fmt.Sprintf("INSERT INTO admission_decisions (%s) VALUES (%s)",
		strings.Join(cols, ", "), strings.Join(params, ", "))

	args := []interface{}{
		rec.Timestamp, rec.UID, rec.Operation, rec.Kind, rec.Namespace, rec.Name, rec.Username,
		rec.Allowed, rec.Message, warnings, string(pluginsJSON), int64(rec.TotalTimeMs), rec.RequestID,
	}

	if l.dialect == DialectPostgres {
		err = l.db.QueryRowContext(ctx, query+" RETURNING id", args...).Scan(&rec.ID)
		if err != nil {
			return fmt.Errorf("failed to insert admission decision: %w", err)
		}
		return nil
	}

	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert admission decision: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read decision id: %w", err)
	}
	return nil
}

// Search returns the records matching filter, newest first
func (l *DBLogger) Search(ctx context.Context, filter SearchFilter) ([]*DecisionRecord, error) {
	query := `
		SELECT
			id, timestamp, uid, operation, kind, namespace, name, username,
			allowed, message, warnings, plugins, total_time_ms, request_id
		FROM admission_decisions
		WHERE 1=1`

	var args []interface{}
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND "+clause, l.placeholder(len(args)))
	}

	if filter.Since != nil {
		add("timestamp >= %s", *filter.Since)
	}
	if filter.Until != nil {
		add("timestamp <= %s", *filter.Until)
	}
	if filter.Namespace != "" {
		add("namespace = %s", filter.Namespace)
	}
	if filter.Operation != "" {
		add("operation = %s", filter.Operation)
	}
	if filter.Allowed != nil {
		add("allowed = %s", *filter.Allowed)
	}

	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += " LIMIT " + l.placeholder(len(args))
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search admission decisions: %w", err)
	}
	defer rows.Close()

	records := make([]*DecisionRecord, 0)
	for rows.Next() {
		rec, err := l.scan(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating admission decisions: %w", err)
	}
	return records, nil
}

func (l *DBLogger) scan(rows *sql.Rows) (*DecisionRecord, error) {
	var (
		rec                                   DecisionRecord
		kind, namespace, name, user, msg, rid sql.NullString
		pluginsJSON                           sql.NullString
		total                                 int64
		warnings                              []string
		warningsText                          sql.NullString
	)

	dest := []interface{}{
		&rec.ID, &rec.Timestamp, &rec.UID, &rec.Operation, &kind, &namespace, &name, &user,
		&rec.Allowed, &msg, nil, &pluginsJSON, &total, &rid,
	}
	if l.dialect == DialectPostgres {
		dest[10] = pq.Array(&warnings)
	} else {
		dest[10] = &warningsText
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("failed to scan admission decision: %w", err)
	}

	if warningsText.Valid && warningsText.String != "" {
		if err := json.Unmarshal([]byte(warningsText.String), &warnings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal warnings: %w", err)
		}
	}
	if pluginsJSON.Valid && pluginsJSON.String != "" && pluginsJSON.String != "null" {
		if err := json.Unmarshal([]byte(pluginsJSON.String), &rec.Plugins); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plugin timings: %w", err)
		}
	}

	rec.Kind = kind.String
	rec.Namespace = namespace.String
	rec.Name = name.String
	rec.Username = user.String
	rec.Message = msg.String
	rec.RequestID = rid.String
	rec.TotalTimeMs = uint64(total)
	if len(warnings) > 0 {
		rec.Warnings = warnings
	}
	return &rec, nil
}

// DeleteBefore removes records older than cutoff and returns how many were deleted
func (l *DBLogger) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := "DELETE FROM admission_decisions WHERE timestamp < " + l.placeholder(1)
	result, err := l.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old admission decisions: %w", err)
	}
	return result.RowsAffected()
}

// Close does not close the shared connection pool
func (l *DBLogger) Close() error {
	return nil
}

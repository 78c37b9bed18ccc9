// Package audit records admission decisions.
//
// Each decision becomes one DecisionRecord: the request identity, the
// verdict, warnings, and per-plugin timings. Records are written by a Logger:
//
//   - DBLogger stores rows in PostgreSQL (lib/pq) or SQLite (go-sqlite3)
//   - FileLogger appends JSON lines to a rotating file
//   - MultiLogger fans one record out to several loggers
//
// Retention deletes old rows on a cron schedule.
//
// Audit writes are best effort. Callers log failures and never let them
// block admission:
//
//	async.SafeGo(ctx, 5*time.Second, "audit record", func(ctx context.Context) error {
//	    return auditLogger.LogDecision(ctx, record)
//	})
package audit

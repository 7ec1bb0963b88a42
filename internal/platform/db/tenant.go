package db

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	PracticeIDKey contextKey = "practice_id"
	DBConnKey     contextKey = "db_conn"
	DBTxKey       contextKey = "db_tx"
)

const practiceSchemaPrefix = "practice_"

var practiceIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidPracticeID reports whether id is safe to embed in a schema name.
func ValidPracticeID(id string) bool {
	return practiceIDPattern.MatchString(id)
}

// SchemaFor returns the Postgres schema holding a practice's records.
func SchemaFor(practiceID string) string {
	return practiceSchemaPrefix + practiceID
}

// PracticeMiddleware resolves the caller's practice, pins a pooled connection
// with search_path set to that practice's schema and stores both on the
// request context. Header and query overrides are honoured only when
// allowOverride is true (development).
func PracticeMiddleware(pool *pgxpool.Pool, defaultPractice string, allowOverride bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			practiceID, err := resolvePractice(c, defaultPractice, allowOverride)
			if err != nil {
				return err
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, public", SchemaFor(practiceID))); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "practice resolution failed")
			}
			// Runs before Release so the next borrower starts unscoped.
			defer conn.Exec(context.WithoutCancel(ctx), "RESET search_path")

			ctx = context.WithValue(WithPractice(ctx, practiceID), DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("practice_id", practiceID)

			return next(c)
		}
	}
}

// resolvePractice picks the practice for a request and rejects identifiers
// that cannot name a schema.
func resolvePractice(c echo.Context, defaultPractice string, allowOverride bool) (string, error) {
	practiceID := extractPracticeID(c, defaultPractice, allowOverride)
	if practiceID == "" {
		return "", echo.NewHTTPError(http.StatusForbidden, "no practice associated with caller")
	}
	if !ValidPracticeID(practiceID) {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid practice identifier")
	}
	return practiceID, nil
}

func extractPracticeID(c echo.Context, defaultPractice string, allowOverride bool) string {
	// Claims always win over overrides.
	if pid, ok := c.Get("jwt_practice_id").(string); ok && pid != "" {
		return pid
	}

	if allowOverride {
		if pid := c.Request().Header.Get("X-Practice-ID"); pid != "" {
			return pid
		}
		if pid := c.QueryParam("practice_id"); pid != "" {
			return pid
		}
		return defaultPractice
	}
	return ""
}

// WithPractice stores the practice ID on ctx.
func WithPractice(ctx context.Context, practiceID string) context.Context {
	return context.WithValue(ctx, PracticeIDKey, practiceID)
}

// ConnFromContext retrieves the practice-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// PracticeFromContext retrieves the practice ID from context.
func PracticeFromContext(ctx context.Context) string {
	pid, _ := ctx.Value(PracticeIDKey).(string)
	return pid
}

// CreatePracticeSchema creates the schema for a practice and migrates it.
func CreatePracticeSchema(ctx context.Context, pool *pgxpool.Pool, practiceID string, migrations fs.FS) error {
	if !ValidPracticeID(practiceID) {
		return fmt.Errorf("invalid practice identifier: %s", practiceID)
	}
	schema := SchemaFor(practiceID)

	if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

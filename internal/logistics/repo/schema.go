package repo

import (
	"context"
	"database/sql"
	_ "embed"
	"strings"
)

//go:embed schema.sql
var schema string

// Migrate applies the MySQL schema statement by statement. Index creation errors are
// ignored so the call can be repeated.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			if strings.HasPrefix(stmt, "CREATE INDEX") {
				continue
			}
			return err
		}
	}
	return nil
}

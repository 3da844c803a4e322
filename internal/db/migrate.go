package db

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// RunMigrations applies every *.up.sql file in lexical order. The scripts use
// IF NOT EXISTS, so rerunning them is harmless.
func RunMigrations(ctx context.Context, db DBTX) ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var upFiles []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			upFiles = append(upFiles, entry.Name())
		}
	}
	sort.Strings(upFiles)

	for _, file := range upFiles {
		script, err := migrationsFS.ReadFile("migrations/" + file)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", file, err)
		}
		// No arguments: pgx uses the simple protocol, which accepts
		// multiple statements per call.
		if _, err := db.Exec(ctx, string(script)); err != nil {
			return nil, fmt.Errorf("failed to execute migration %s: %w", file, err)
		}
	}
	return upFiles, nil
}

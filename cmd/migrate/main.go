package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"dotmarket/internal/config"
	"dotmarket/internal/db"
)

func main() {
	dir := flag.String("dir", "migrations", "directory holding the ordered .sql files")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load("")
	if err != nil {
		logger.Error("load config", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		logger.Error("connect database", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := run(ctx, pool, *dir, logger); err != nil {
		logger.Error("migrate", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, pool *db.Pool, dir string, logger *slog.Logger) error {
	if err := ensureMigrationsTable(ctx, pool); err != nil {
		return fmt.Errorf("ensure migrations table: %w", err)
	}

	files, err := pendingFiles(ctx, pool, dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		logger.Info("schema up to date")
		return nil
	}

	for _, file := range files {
		if err := applyMigration(ctx, pool, file); err != nil {
			return fmt.Errorf("apply %s: %w", file, err)
		}
		if err := markApplied(ctx, pool, file); err != nil {
			return fmt.Errorf("record %s: %w", file, err)
		}
		logger.Info("migration applied", "file", file)
	}
	return nil
}

func ensureMigrationsTable(ctx context.Context, pool *db.Pool) error {
	_, err := pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (filename TEXT PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`)
	return err
}

// pendingFiles returns the .sql files under dir, in lexical order, that have
// not been recorded in schema_migrations yet.
func pendingFiles(ctx context.Context, pool *db.Pool, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		file := filepath.Join(dir, e.Name())
		var applied bool
		row := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, file)
		if err := row.Scan(&applied); err != nil {
			return nil, fmt.Errorf("check %s: %w", file, err)
		}
		if !applied {
			files = append(files, file)
		}
	}
	sort.Strings(files)
	return files, nil
}

func applyMigration(ctx context.Context, pool *db.Pool, file string) error {
	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil
	}
	_, err = pool.Exec(ctx, string(data))
	return err
}

func markApplied(ctx context.Context, pool *db.Pool, file string) error {
	_, err := pool.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file)
	return err
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmehdipour/im-gateway/internal/config"
	"github.com/jmehdipour/im-gateway/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
)

var (
	migrateDir        string
	migrateClickHouse bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the MySQL outbox table and the ClickHouse audit table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		mysqlDB, err := db.OpenMySQL(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open mysql: %w", err)
		}
		defer mysqlDB.Close()
		if err := applyDir(mysqlDB, filepath.Join(migrateDir, "mysql")); err != nil {
			return err
		}
		fmt.Println(">> MySQL migration complete")

		if !migrateClickHouse {
			return nil
		}
		chDB, err := db.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("open clickhouse: %w", err)
		}
		defer chDB.Close()
		if err := applyDir(chDB, filepath.Join(migrateDir, "clickhouse")); err != nil {
			return err
		}
		fmt.Println(">> ClickHouse migration complete")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateDir, "dir", "migrations", "migrations root (mysql/ and clickhouse/ below it)")
	migrateCmd.Flags().BoolVar(&migrateClickHouse, "clickhouse", true, "also migrate the ClickHouse audit table")
}

// applyDir runs every *.sql file in dir in name order, one statement at a time.
func applyDir(dbx *sqlx.DB, dir string) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations in %s", dir)
	}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", f, err)
		}
		for _, stmt := range splitStatements(string(raw)) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			_, err := dbx.ExecContext(ctx, stmt)
			cancel()
			if err != nil {
				return fmt.Errorf("exec %s: %w", filepath.Base(f), err)
			}
		}
		fmt.Printf(">> applied %s\n", filepath.Base(f))
	}
	return nil
}

// splitStatements splits on ';' and drops empty and comment-only chunks.
func splitStatements(sql string) []string {
	var out []string
	for _, part := range strings.Split(sql, ";") {
		var b strings.Builder
		for _, line := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(line); t == "" || strings.HasPrefix(t, "--") {
				continue
			}
			b.WriteString(line)
			b.WriteByte('\n')
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			out = append(out, s)
		}
	}
	return out
}

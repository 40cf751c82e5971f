// cmd/seeder/main.go
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	"github.com/unclebandit/commsblock-backend/internal/config"
	"github.com/unclebandit/commsblock-backend/internal/db"
	"github.com/unclebandit/commsblock-backend/internal/logger"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	log := logger.New(cfg.LoggerConfig, "seeder")
	ctx := context.Background()

	conn, err := db.Open(ctx, cfg.DataBaseConfig, log)
	if err != nil {
		log.Fatal().Err(err).Msg("database unavailable")
	}
	defer conn.Close()

	for _, dir := range []string{"migrations", "seed"} {
		if err := runDir(ctx, conn, dir, log); err != nil {
			log.Fatal().Err(err).Str("dir", dir).Msg("seeding failed")
		}
	}
	log.Info().Msg("database seeding completed")
}

// runDir executes every .sql file in dir in lexical order, each in its own transaction.
func runDir(ctx context.Context, conn *sql.DB, dir string, log zerolog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		err = db.WithTx(ctx, conn, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, string(content))
			return err
		})
		if err != nil {
			return fmt.Errorf("execute %s: %w", file, err)
		}
		log.Info().Str("file", file).Msg("applied")
	}
	return nil
}

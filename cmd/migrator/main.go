package main

import (
	"embed"
	"errors"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	dsn := os.Getenv("BETCORE_DATABASE_URL")
	if dsn == "" {
		sugar.Fatalw("BETCORE_DATABASE_URL is required")
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		sugar.Fatalw("load migrations", "error", err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		sugar.Fatalw("init migrator", "error", err)
	}
	defer m.Close()

	direction := "up"
	if len(os.Args) > 1 {
		direction = os.Args[1]
	}

	switch direction {
	case "up":
		err = m.Up()
	case "down":
		err = m.Steps(-1)
	default:
		sugar.Fatalw("unknown direction", "direction", direction)
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		sugar.Fatalw("migration failed", "direction", direction, "error", err)
	}
	version, dirty, _ := m.Version()
	sugar.Infow("migrations applied", "version", version, "dirty", dirty)
}

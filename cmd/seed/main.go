// Package main implements a one-shot seed command that writes a credential
// directly into the nodeflow database. It lives inside the module so it can
// reach internal/* packages.
//
// Usage:
//
//	go run ./cmd/seed --key openai_api_key --value sk-...
//
// Environment variables:
//
//	NODEFLOW_DB_DSN      SQLite file path or Postgres DSN (default: ./nodeflow.db)
//	NODEFLOW_SECRET_KEY  Master encryption key — must match the value used by the server
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nodeflow-dev/nodeflow-server/internal/dbx"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	key := flag.String("key", "", "Credential key, referenced by graphs as a requirement (required)")
	value := flag.String("value", "", "Plain-text credential value (required)")
	driver := flag.String("db-driver", envOrDefault("NODEFLOW_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	flag.Parse()

	if *key == "" {
		return fmt.Errorf("--key is required")
	}
	if *value == "" {
		return fmt.Errorf("--value is required")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("NODEFLOW_DB_DSN", "./nodeflow.db")

	secretKey := os.Getenv("NODEFLOW_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"NODEFLOW_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise the\n" +
				"  encrypted credential will be unreadable at execution time.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	keyBytes := make([]byte, 32)
	copy(keyBytes, []byte(secretKey))
	if err := dbx.InitEncryption(keyBytes); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := dbx.New(dbx.Config{
		Driver:   *driver,
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Write credential ─────────────────────────────────────────────────────

	ctx := context.Background()
	store, err := dbx.NewCredentialStore(ctx, database)
	if err != nil {
		return fmt.Errorf("load credential store: %w", err)
	}

	if err := store.Put(ctx, *key, *value); err != nil {
		return fmt.Errorf("put credential: %w", err)
	}

	fmt.Printf("✓ Credential stored\n")
	fmt.Printf("  Key: %s\n", *key)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

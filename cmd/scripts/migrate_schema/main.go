package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"

	"github.com/wuwenbin0122/chatrelay/internal/db"
	"github.com/wuwenbin0122/chatrelay/internal/utils"
)

func main() {
	_ = godotenv.Load()

	cfg, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := utils.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	pg, err := db.NewPostgres(ctx, cfg.Postgres, logger)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pg.Close()

	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}

	const verify = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = 'public' AND table_name = ANY($1)
ORDER BY table_name, ordinal_position`

	rows, err := pg.Pool.Query(ctx, verify, []string{"users", "conversations", "messages"})
	if err != nil {
		log.Fatalf("verify columns: %v", err)
	}
	defer rows.Close()

	current := ""
	for rows.Next() {
		var table, name, dataType string
		if err := rows.Scan(&table, &name, &dataType); err != nil {
			log.Fatalf("scan: %v", err)
		}
		if table != current {
			fmt.Printf("%s:\n", table)
			current = table
		}
		fmt.Printf("- %s (%s)\n", name, dataType)
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("rows: %v", err)
	}

	fmt.Printf("done at %s\n", time.Now().Format(time.RFC3339))
}

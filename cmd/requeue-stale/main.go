package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/db"
	"yldr-backend/internal/repository"
)

// Ops tool: list intents eligible for retry and, with -unlock, expire their
// leases so the running server's stale-retry loop picks them up immediately.
func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	unlock := flag.Bool("unlock", false, "force-expire the lease of every listed intent")
	limit := flag.Int("limit", 50, "maximum intents per table")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	gdb, err := db.Open(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to open database: %v", err)
	}

	ctx := context.Background()
	now := time.Now()

	depositRepo := repository.NewDepositIntentRepository(gdb)
	withdrawRepo := repository.NewWithdrawIntentRepository(gdb)

	deposits, err := depositRepo.ListRetryable(ctx, now, *limit)
	if err != nil {
		log.Fatalf("❌ Failed to list deposits: %v", err)
	}
	fmt.Printf("Retryable deposits: %d\n", len(deposits))
	for _, intent := range deposits {
		fmt.Printf("  %s  status=%-16s updated=%s\n", intent.RefID, intent.Status, intent.UpdatedAt.Format(time.RFC3339))
		if *unlock {
			if err := depositRepo.ForceUnlock(ctx, intent.RefID); err != nil {
				fmt.Printf("    unlock skipped: %v\n", err)
			} else {
				fmt.Printf("    lease expired\n")
			}
		}
	}

	withdrawals, err := withdrawRepo.ListRetryable(ctx, now, *limit)
	if err != nil {
		log.Fatalf("❌ Failed to list withdrawals: %v", err)
	}
	fmt.Printf("Retryable withdrawals: %d\n", len(withdrawals))
	for _, intent := range withdrawals {
		fmt.Printf("  %s  status=%-16s updated=%s\n", intent.RefID, intent.Status, intent.UpdatedAt.Format(time.RFC3339))
		if *unlock {
			if err := withdrawRepo.ForceUnlock(ctx, intent.RefID); err != nil {
				fmt.Printf("    unlock skipped: %v\n", err)
			} else {
				fmt.Printf("    lease expired\n")
			}
		}
	}
}

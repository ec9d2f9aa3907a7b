// Command auditctl verifies the hash chain of persisted audit records.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cryptofunk/locatefees/internal/audit"
	"github.com/cryptofunk/locatefees/internal/auditstore"
)

func main() {
	command := flag.String("command", "verify", "Command to run: verify or verify-partition")
	dbURL := flag.String("db", os.Getenv("DATABASE_URL"), "Database connection URL")
	partition := flag.String("partition", "", "client_id to verify (required for verify-partition)")
	flag.Parse()

	if *dbURL == "" {
		fmt.Fprintln(os.Stderr, "auditctl: -db or DATABASE_URL is required")
		os.Exit(1)
	}

	ctx := context.Background()
	store, err := auditstore.New(ctx, *dbURL, zerolog.Nop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to audit store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *command {
	case "verify":
		if err := verifyAll(ctx, store); err != nil {
			fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
			os.Exit(1)
		}
	case "verify-partition":
		if *partition == "" {
			fmt.Fprintln(os.Stderr, "auditctl: -partition is required for verify-partition")
			os.Exit(1)
		}
		if err := verifyPartition(ctx, store, *partition); err != nil {
			fmt.Fprintf(os.Stderr, "verify failed: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", *command)
		fmt.Fprintln(os.Stderr, "usage: auditctl -command=[verify|verify-partition] [-partition=client_id]")
		os.Exit(1)
	}
}

func verifyAll(ctx context.Context, store *auditstore.Store) error {
	partitions, err := store.Partitions(ctx)
	if err != nil {
		return fmt.Errorf("list partitions: %w", err)
	}

	ok := true
	for _, p := range partitions {
		if err := verifyPartition(ctx, store, p); err != nil {
			ok = false
		}
	}
	if !ok {
		return fmt.Errorf("one or more partitions failed chain verification")
	}
	fmt.Printf("all %d partitions verified clean\n", len(partitions))
	return nil
}

func verifyPartition(ctx context.Context, store *auditstore.Store, partition string) error {
	records, err := store.Records(ctx, partition)
	if err != nil {
		return fmt.Errorf("load records for %s: %w", partition, err)
	}
	if len(records) == 0 {
		fmt.Printf("%s: no records\n", partition)
		return nil
	}

	idx, err := audit.VerifyChain(records)
	if err != nil {
		return fmt.Errorf("%s: verification error: %w", partition, err)
	}
	if idx != -1 {
		fmt.Printf("%s: chain broken at record index %d (id=%s, emitted_at=%s)\n",
			partition, idx, records[idx].ID, records[idx].EmittedAt)
		return fmt.Errorf("%s: chain broken at index %d", partition, idx)
	}

	fmt.Printf("%s: %d records verified clean\n", partition, len(records))
	return nil
}

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/workflow"
)

// Drops the inventory this terminal received from the master so the next sync downloads it
// again. Movements still owed to the master are kept unless --drop-owed is set.
func main() {
	storeFile := flag.String("store", "pos-terminal.db", "Default sqlite file when STORE_DSN is not set")
	dryRun := flag.Bool("dry-run", true, "Show counts only (no writes)")
	confirm := flag.String("confirm", "", "Type RESET to proceed when dry-run=false")
	dropOwed := flag.Bool("drop-owed", false, "Also delete movements not yet delivered to the master (destructive)")
	flag.Parse()

	if !*dryRun && strings.TrimSpace(*confirm) != "RESET" {
		fmt.Fprintln(os.Stderr, "set --confirm=RESET to proceed")
		os.Exit(1)
	}

	db, err := config.OpenDatabaseWithRetry(config.LoadStoreConfig(*storeFile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	store, err := models.NewGormStore(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "migrate store: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	entries, err := models.GetAll[models.LedgerEntry](ctx, store, models.CollectionInventoryLedger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read ledger: %v\n", err)
		os.Exit(1)
	}
	owed := 0
	for _, e := range entries {
		if e.SyncStatus != models.SyncStatusCompleted {
			owed++
		}
	}
	fmt.Printf("ledger entries=%d owed to master=%d\n", len(entries), owed)
	if *dryRun {
		return
	}

	keep := func(e models.LedgerEntry) bool {
		return !*dropOwed && e.SyncStatus != models.SyncStatusCompleted
	}
	ledger := workflow.NewLedgerEngine(store, nil, workflow.TrustReplicated, "")
	removed, err := ledger.Rewrite(ctx, func(all []models.LedgerEntry) ([]models.LedgerEntry, []models.StockKey) {
		next := make([]models.LedgerEntry, 0, len(all))
		touched := make([]models.StockKey, 0, len(all))
		for _, e := range all {
			touched = append(touched, e.Key())
			if keep(e) {
				next = append(next, e)
			}
		}
		return next, touched
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reset failed: %v\n", err)
		os.Exit(1)
	}
	for _, name := range []string{models.CollectionInventoryLedger, models.CollectionProductStocks} {
		if err := store.Delete(ctx, models.CollectionSyncWatermarks, name); err != nil {
			fmt.Fprintf(os.Stderr, "reset watermark %s: %v\n", name, err)
			os.Exit(1)
		}
	}
	fmt.Printf("inventory reset complete: removed=%d\n", removed)
}

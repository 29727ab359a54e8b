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

func main() {
	storeFile := flag.String("store", "pos-terminal.db", "Default sqlite file when STORE_DSN is not set")
	productID := flag.String("product-id", "", "Optional: rebuild one product (requires --warehouse-id)")
	warehouseID := flag.String("warehouse-id", "", "Optional: warehouse of --product-id")
	primary := flag.Bool("primary", false, "Recompute every entry (master policy) instead of trusting replicated balances")
	flag.Parse()

	if (strings.TrimSpace(*productID) == "") != (strings.TrimSpace(*warehouseID) == "") {
		fmt.Fprintln(os.Stderr, "--product-id and --warehouse-id go together")
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
	ledger := workflow.NewLedgerEngine(store, nil, workflow.BalancePolicyFor(*primary), "")
	fmt.Printf("Rebuilding balances with policy=%s\n", ledger.Policy)

	if *productID != "" {
		stock, err := ledger.Recalculate(ctx, strings.TrimSpace(*productID), strings.TrimSpace(*warehouseID))
		if err != nil {
			fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s quantity=%s avgCost=%s\n", stock.Id, stock.Quantity, stock.AvgCost)
		return
	}

	n, err := ledger.RecalculateAll(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rebuild failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("inventory rebuild complete: %d pairs\n", n)
}

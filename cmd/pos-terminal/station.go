package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"bitbucket.org/mmdatafocus/possync/config"
	"bitbucket.org/mmdatafocus/possync/models"
	"bitbucket.org/mmdatafocus/possync/possync"
	"bitbucket.org/mmdatafocus/possync/workflow"
)

// station is one POS terminal: its local store and everything that syncs it.
type station struct {
	cfg       config.TerminalConfig
	store     models.Store
	ledger    *workflow.LedgerEngine
	sequences *workflow.SequenceAuthority
	heal      *workflow.SelfHeal
	checkout  *workflow.Checkout
	drawer    *workflow.CashDrawer
	client    *possync.Client
	bus       *possync.EventBus
	orch      *possync.Orchestrator
	close     func()
}

func openStation(ctx context.Context) (*station, error) {
	cfg, err := config.LoadTerminalConfig()
	if err != nil {
		return nil, err
	}
	db, err := config.OpenDatabaseWithRetry(cfg.Store)
	if err != nil {
		return nil, err
	}
	store, err := models.NewGormStore(db)
	if err != nil {
		return nil, err
	}

	locker := workflow.NewKeyedMutex()
	client := possync.NewClientFromConfig(cfg)
	ledger := workflow.NewLedgerEngine(store, locker, workflow.BalancePolicyFor(cfg.IsPrimary()), cfg.TerminalId)
	sequences := workflow.NewSequenceAuthority(store, locker, possync.NewRemoteFiscalPool(client), cfg.FiscalBatchSize)
	bus := possync.NewEventBus()

	orch := possync.NewOrchestrator(store, client, ledger, sequences, cfg, bus)
	local, err := possync.LoadLocalConfig(ctx, store)
	if err != nil {
		return nil, err
	}
	if local != nil {
		if orch.Config, err = config.NewBusinessConfigHolder(*local); err != nil {
			return nil, err
		}
	}

	st := &station{
		cfg:       cfg,
		store:     store,
		ledger:    ledger,
		sequences: sequences,
		heal:      workflow.NewSelfHeal(store, locker, ledger),
		checkout:  workflow.NewCheckout(store, sequences, ledger, cfg.TerminalId),
		drawer:    workflow.NewCashDrawer(store, sequences, cfg.TerminalId),
		client:    client,
		bus:       bus,
		orch:      orch,
		close: func() {
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
		},
	}
	return st, nil
}

// importConfig validates cfg and stores it as this terminal's business configuration.
func (s *station) importConfig(ctx context.Context, r io.Reader) (*config.BusinessConfig, error) {
	var cfg config.BusinessConfig
	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode business config: %w", err)
	}
	holder, err := config.NewBusinessConfigHolder(cfg)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(holder.Snapshot())
	if err != nil {
		return nil, err
	}
	doc := models.Document{Id: possync.ConfigDocumentId, Body: body}
	if err := s.store.Upsert(ctx, models.CollectionConfig, doc); err != nil {
		return nil, err
	}
	s.orch.Config = holder
	snapshot := holder.Snapshot()
	return &snapshot, nil
}

// onWrite makes every local write call trigger, so the worker syncs right away.
func (s *station) onWrite(trigger func()) {
	s.ledger.Trigger = trigger
	s.checkout.Trigger = trigger
	s.drawer.Trigger = trigger
}

// sale reads a cart from r and rings it up.
func (s *station) sale(ctx context.Context, r io.Reader) (*models.Transaction, error) {
	var in workflow.SaleInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode sale: %w", err)
	}
	if in.WarehouseId == "" && s.orch.Config != nil {
		in.WarehouseId = s.orch.Config.Snapshot().DefaultWarehouseId
	}
	return s.checkout.CreateSale(ctx, in)
}

// pendingCounts reports how many records each queue still owes the master.
func (s *station) pendingCounts(ctx context.Context) (map[string]int, error) {
	out := map[string]int{}
	for _, q := range s.orch.Queues() {
		n, err := q.Pending(ctx)
		if err != nil {
			return nil, err
		}
		out[q.Collection()] = n
	}
	return out, nil
}

package main

import (
	"context"
	"errors"
	"log"
	"os"
	osignal "os/signal"
	"strings"
	"syscall"
	"time"

	"options-core/internal/accounts"
	"options-core/internal/api"
	"options-core/internal/balance"
	"options-core/internal/events"
	"options-core/internal/monitor"
	"options-core/internal/orchestrator"
	"options-core/internal/persistence"
	"options-core/internal/policy"
	"options-core/internal/signal"
	"options-core/internal/staking"
	"options-core/internal/state"
	"options-core/internal/worker"
	"options-core/pkg/broker"
	"options-core/pkg/cache"
	"options-core/pkg/config"
	"options-core/pkg/crypto"
	"options-core/pkg/db"
	"options-core/pkg/i18n"
	"options-core/pkg/license"
)

const version = "1.0.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Port)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable ledger
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := database.ApplyMigrations(); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// License gate. No token means the core runs unlicensed; an invalid
	// token refuses to start.
	var claims *license.Claims
	if cfg.LicenseToken == "" {
		log.Println(i18n.Get("LicenseSkipped"))
	} else {
		claims, err = license.NewManager(cfg.LicenseSecret).Validate(cfg.LicenseToken)
		if err != nil {
			log.Fatalf(i18n.Get("LicenseInvalid"), err)
		}
		expiry := "never"
		if claims.ExpiresAt != nil {
			expiry = claims.ExpiresAt.Time.Format("2006-01-02")
		}
		log.Printf(i18n.Get("LicenseValid"), expiry)
	}

	// Credential encryption is optional; without a key the ledger stores
	// SSIDs as given.
	var keyring *crypto.Keyring
	if cfg.CredentialKey != "" {
		keyring, err = crypto.NewKeyring()
		if err != nil {
			log.Fatalf("Failed to init credential keyring: %v", err)
		}
	}

	// Bootstrap accounts from the YAML file into the ledger.
	enabled := 0
	entries, err := accounts.Load(cfg.AccountsFile)
	switch {
	case err == nil:
		var total int
		total, enabled, err = accounts.Sync(ctx, database, keyring, entries)
		if err != nil {
			log.Fatalf(i18n.Get("AccountsSyncFailed"), err)
		}
		log.Printf(i18n.Get("AccountsLoaded"), total, enabled)
	case os.IsNotExist(err):
		log.Printf(i18n.Get("AccountsFileMissing"), cfg.AccountsFile)
	default:
		log.Fatalf(i18n.Get("AccountsSyncFailed"), err)
	}
	if claims != nil {
		if err := claims.CheckAccounts(enabled); err != nil {
			log.Fatalf(i18n.Get("LicenseInvalid"), err)
		}
	}

	// Core services
	bus := events.NewBus()

	registry := state.NewRegistry(database)
	if err := registry.Load(ctx); err != nil {
		log.Fatalf(i18n.Get("StateLoadFailed"), err)
	}

	policyMgr := policy.NewManager(database)
	if err := policyMgr.EnsureDefaults(ctx); err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	// PRIORITY_SYMBOLS seeds the global row, so the symbol_priority lane
	// strategy has its list before anyone touches the settings API.
	if len(cfg.PrioritySymbols) > 0 {
		global, err := policyMgr.Resolve(ctx, policy.GlobalScope)
		if err == nil {
			global.PrioritySymbols = strings.Join(cfg.PrioritySymbols, ",")
			err = policyMgr.Update(ctx, global)
		}
		if err != nil {
			log.Fatalf(i18n.Get("DBInitFailed"), err)
		}
	}
	log.Println(i18n.Get("PolicyManagerInit"))

	payouts := cache.NewPayoutCache()

	metrics := monitor.NewSystemMetrics()
	metrics.Observe(bus)
	log.Println(i18n.Get("MetricsInit"))

	// Broker sessions. Only the simulated broker ships today; live mode is
	// a hard refusal rather than a silent dry run.
	var dialer broker.Dialer
	if cfg.DryRun {
		log.Println(i18n.Get("DryRunMode"))
		simCfg := broker.DefaultSimConfig()
		simCfg.InitialBalance = cfg.SimInitialBalance
		simCfg.WinRate = cfg.SimWinRate
		simCfg.Payout = cfg.SimPayout
		dialer = broker.DialSim(simCfg)
		log.Printf(i18n.Get("BalanceInitialized"), simCfg.InitialBalance)
	} else {
		log.Fatalln(i18n.Get("LiveModeNoBroker"))
	}

	supervisor := worker.NewSupervisor(database, keyring, dialer, bus, worker.Config{
		ConnectTimeout:   cfg.ConnectTimeout,
		CallTimeout:      cfg.CallTimeout,
		CallRetries:      cfg.CallRetries,
		CallRetryDelay:   cfg.CallRetryDelay,
		CommandBuffer:    cfg.CommandBuffer,
		FailureThreshold: cfg.FailureThreshold,
		ProbeInterval:    cfg.ProbeInterval,
		RestartBackoff:   cfg.RestartBackoff,
	})
	if err := supervisor.Start(ctx); err != nil {
		if errors.Is(err, worker.ErrNoAccounts) {
			log.Fatalln(i18n.Get("NoEnabledAccounts"))
		}
		log.Fatalf("Failed to start worker supervisor: %v", err)
	}

	engine := staking.NewEngine(database, policyMgr, registry, bus)
	log.Println(i18n.Get("EngineInit"))

	resultMonitor := monitor.New(database, engine, supervisor, bus, monitor.Config{
		Lead:          cfg.MonitorLead,
		Interval:      cfg.MonitorInterval,
		Grace:         cfg.MonitorGrace,
		CheckTimeout:  cfg.ResultTimeout,
		SweepInterval: cfg.SweepInterval,
	})
	if err := resultMonitor.Start(ctx); err != nil {
		log.Fatalf(i18n.Get("StateLoadFailed"), err)
	}

	orch := orchestrator.New(database, engine, supervisor, resultMonitor, payouts, metrics, bus, orchestrator.Config{
		DefaultAccount: cfg.DefaultAccount,
		SubmitTimeout:  cfg.SubmitTimeout,
		TradeSpacing:   cfg.TradeSpacing,
		MaxSignalAge:   cfg.MaxSignalAge,
		MaxParallel:    cfg.MaxParallel,
		MinPayout:      cfg.MinPayout,
		DefaultExpiry:  cfg.DefaultExpirySec,
	})

	balances := balance.NewManager(database, supervisor, payouts, bus, cfg.BalanceSyncInterval)
	balances.Start(ctx)

	// Low-priority bookkeeping stays off the decision path.
	writer := persistence.NewWriter(database, 0, 0)
	recorder := persistence.NewRecorder(writer, bus)

	alerter := monitor.NewAlerter(bus, nil)

	// Signal journal: replay whatever a crash left behind, then keep
	// journaling new feed signals.
	var journal *signal.Journal
	if cfg.EnableSignalWAL {
		j, err := signal.OpenJournal(cfg.SignalWALPath)
		if err != nil {
			log.Printf(i18n.Get("SignalJournalFailed"), err)
		} else {
			journal = j
			log.Printf(i18n.Get("SignalJournalEnabled"), cfg.SignalWALPath)
			pending, err := journal.Recover(cfg.MaxSignalAge)
			if err != nil {
				log.Printf(i18n.Get("JournalRecoveryError"), err)
			}
			for _, sig := range pending {
				_, replayed, err := orch.ReplaySignal(ctx, sig)
				if err != nil {
					log.Printf(i18n.Get("JournalRecoveryError"), err)
					continue
				}
				if !replayed {
					log.Printf(i18n.Get("JournalReplaySkipped"), sig.ID)
				}
				journal.Complete(sig.ID)
			}
		}
	}

	handleSignal := func(sig signal.Signal) {
		if err := sig.Normalize(cfg.DefaultExpirySec); err != nil {
			log.Printf(i18n.Get("PolicySkip"), sig.ID, sig.Symbol, err)
			return
		}
		if journal != nil {
			if err := journal.Record(sig); err != nil {
				log.Printf(i18n.Get("LedgerWriteFailed"), sig.ID, err)
			}
		}
		if _, err := orch.ExecuteSignal(ctx, sig); err != nil {
			log.Printf(i18n.Get("OrderFailed"), sig.ID, err)
			return
		}
		if journal != nil {
			journal.Complete(sig.ID)
		}
	}

	// The SIGNAL_BUFFER channel keeps the feed's read loop ahead of slow
	// placements.
	intake := signal.NewIntake(cfg.SignalBuffer, handleSignal)

	var feed *signal.Feed
	if cfg.SignalFeedURL != "" {
		feed = signal.NewFeed(cfg.SignalFeedURL, intake.Enqueue)
		feed.Start(ctx)
	}

	server := api.NewServer(api.Deps{
		Bus:      bus,
		DB:       database,
		Policy:   policyMgr,
		Engine:   engine,
		Executor: orch,
		Workers:  supervisor,
		Monitor:  resultMonitor,
		Balances: balances,
		Payouts:  payouts,
		Metrics:  metrics,
		Registry: registry,
		Keyring:  keyring,
		Journal:  journal,
		Meta:     api.SystemMeta{DryRun: cfg.DryRun, Version: version},
	})
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf(i18n.Get("APIServerError"), err)
		}
	}()
	log.Printf(i18n.Get("ServerListening"), cfg.Port)

	quit := make(chan os.Signal, 1)
	osignal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println(i18n.Get("ShuttingDown"))

	// Stop intake first so nothing new enters, then drain the pipeline
	// outward-in.
	if feed != nil {
		feed.Stop()
	}
	intake.Close()
	orch.Stop()
	resultMonitor.Stop()
	balances.Stop()
	supervisor.Stop()
	alerter.Close()
	recorder.Close()
	writer.Close()
	if journal != nil {
		journal.Close()
	}
	metrics.Close()
	cancel()

	// Give in-flight ledger writes a moment before the DB handle closes.
	time.Sleep(100 * time.Millisecond)
}

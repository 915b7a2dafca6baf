package main

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/ingestion"
	"RaffleLedger/internal/keeper"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"RaffleLedger/internal/persistence"
	"RaffleLedger/internal/projection"
	"RaffleLedger/internal/query"
	"RaffleLedger/internal/server"
	"RaffleLedger/migrations"
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: RaffleLedger starting...")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("WARN: .env not loaded: %v", err)
	}

	cfg := DefaultConfig()

	params, err := cfg.RaffleParams()
	if err != nil {
		log.Fatalf("FATAL: raffle config: %v", err)
	}
	treasury, err := cfg.TreasuryPrincipal()
	if err != nil {
		log.Fatalf("FATAL: treasury config: %v", err)
	}

	// --- Context with graceful shutdown ---
	// Inbound traffic, the keeper and the servers stop on ctx. Workers run on
	// workerCtx so they can drain after the sequencer has stopped.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.Fatalf("FATAL: postgres open: %v", err)
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("FATAL: postgres ping: %v", err)
	}
	log.Println("INFO: Postgres connected")

	// --- Run SQL migrations ---
	var migrationFS fs.FS = migrations.FS
	if cfg.MigrationsDir != "" {
		migrationFS = os.DirFS(cfg.MigrationsDir)
	}
	if err := persistence.NewMigrator(db, migrationFS).Up(ctx); err != nil {
		log.Fatalf("FATAL: run migrations: %v", err)
	}
	log.Println("INFO: migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()
	healthChecker.AddProbe("postgres", db.Ping)

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, "raffled")
	if err != nil {
		log.Fatalf("FATAL: nats connect: %v", err)
	}
	defer nc.Close()
	log.Println("INFO: NATS connected")

	healthChecker.AddProbe("nats", func() error {
		if !nc.IsConnected() {
			return errors.New("not connected")
		}
		return nil
	})

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatalf("FATAL: ensure NATS streams: %v", err)
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); projection and publish drop.
	persistCoreChan := make(chan core.CoreOutput, cfg.PersistChanSize)
	projectionCoreChan := make(chan core.CoreOutput, cfg.ProjectionChanSize)

	persistWorkerChan := make(chan persistence.CoreOutput, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.ProjectionOutput, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, cfg.PublishChanSize)

	// --- Deterministic Core ---
	raffleCore, err := core.NewRaffleCore(core.CoreConfig{
		Params:         params,
		Coordinator:    oracle.NewNATSCoordinator(js),
		Transferer:     payout.NewNATSTransferer(nc, cfg.TransferTimeout),
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		Metrics:        metrics,
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// --- Downstream workers ---
	// Started before recovery: genesis on an empty log commits through them.
	errChan := make(chan error, 10)

	// 1. Core output bridge
	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		bridgeCoreOutputs(persistCoreChan, projectionCoreChan, persistWorkerChan, projectionWorkerChan, publishChan, metrics)
	}()

	// 2. Persistence worker
	persistDone := make(chan struct{})
	// Commands reply only once their fact is covered by this watermark.
	durable := core.NewWatermark(0)
	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan, cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics).
		OnFlushed(durable.Advance)
	go func() {
		defer close(persistDone)
		if err := persistWorker.Run(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			errChan <- err
		}
	}()

	// 3. Projection worker
	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan, metrics)
	go func() {
		projWorker.Run(workerCtx)
	}()

	// 4. Outbound publisher
	outboundPublisher := ingestion.NewOutboundPublisher(js, publishChan, metrics)
	go func() {
		outboundPublisher.Run(workerCtx)
	}()

	// --- Recovery: snapshot + replay ---
	snapMgr := persistence.NewSnapshotManager(db)

	replayed, err := recoverCore(ctx, snapMgr, raffleCore)
	if err != nil {
		log.Fatalf("FATAL: recovery failed: %v", err)
	}
	if replayed > 0 {
		log.Printf("INFO: replayed %d facts (sequence now at %d)", replayed, raffleCore.GetSequence())
	}
	durable.Advance(raffleCore.GetSequence())

	if !raffleCore.Initialized() {
		if err := raffleCore.Initialize(time.Now()); err != nil {
			log.Fatalf("FATAL: initialize raffle: %v", err)
		}
		log.Println("INFO: empty event log, raffle initialized")
	}
	startSequence := raffleCore.GetSequence()

	// --- Sequencer ---
	// From here on the core is only touched through the sequencer.
	sequencer := core.NewSequencer(raffleCore, cfg.CommandQueueSize).WithDurability(durable)
	go func() {
		sequencer.Run(ctx)
	}()

	gateway := ingestion.NewCommandGateway(sequencer).WithTreasury(treasury)
	if treasury.IsZero() {
		log.Println("WARN: RAFFLE_TREASURY_PRINCIPAL not set, every entry will be refused for lack of a deposit receipt")
	}

	// --- NATS ingestion ---
	rawEventChan := make(chan ingestion.RawEvent, cfg.IngestChanSize)
	natsSubscriber := ingestion.NewNATSSubscriber(js, rawEventChan)

	var subjects []ingestion.SubjectConfig
	for _, sc := range ingestion.DefaultSubjects() {
		if sc.Kind == ingestion.KindBalanceReport && treasury.IsZero() {
			log.Println("WARN: RAFFLE_TREASURY_PRINCIPAL not set, balance reports are not consumed")
			continue
		}
		subjects = append(subjects, sc)
	}
	if err := natsSubscriber.Subscribe(ctx, subjects); err != nil {
		log.Fatalf("FATAL: nats subscribe: %v", err)
	}

	router := ingestion.NewRouter(&ingestion.Parser{Oracle: params.Oracle, Treasury: treasury}, gateway, metrics)
	go func() {
		router.Run(ctx, rawEventChan)
	}()

	// --- Keeper ---
	raffleKeeper := keeper.New(sequencer, keeper.Config{
		Schedule:       cfg.KeeperSchedule,
		TickTimeout:    cfg.KeeperTickTimeout,
		RequestTimeout: params.RequestTimeout,
	}, metrics)
	if err := raffleKeeper.Start(ctx); err != nil {
		log.Fatalf("FATAL: start keeper: %v", err)
	}

	// --- gRPC + HTTP ---
	service := server.NewRaffleService(gateway, sequencer, query.NewQueryService(db)).
		WithAdmin(server.NewPostgresAdmin(db))

	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, cfg.HTTPAddr, &server.ServerDeps{
		Service:       service,
		HealthChecker: healthChecker,
		Metrics:       metrics,
		Limiter:       server.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, metrics),
	})

	go func() {
		errChan <- grpcServer.StartGRPC(ctx)
	}()
	go func() {
		errChan <- grpcServer.StartHTTPGateway(ctx)
	}()

	// --- Periodic snapshots ---
	snaps := newSnapshotter(snapMgr, metrics)
	snapshotsDone := make(chan struct{})
	go func() {
		defer close(snapshotsDone)
		runPeriodicSnapshots(ctx, sequencer, snaps, startSequence, cfg.SnapshotInterval, cfg.SnapshotCheck)
	}()

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Printf("INFO: RaffleLedger ready (sequence=%d, grpc=%s, http=%s)",
		startSequence, cfg.GRPCAddr, cfg.HTTPAddr)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	// --- Graceful shutdown ---
	// Stop intake, stop the sequencer, drain the workers, then snapshot.
	healthChecker.SetReady(false)
	grpcServer.SetServing(false)

	raffleKeeper.Stop()
	natsSubscriber.Stop()
	cancel()

	<-sequencer.Done()
	<-snapshotsDone

	close(persistCoreChan)
	close(projectionCoreChan)
	<-bridgeDone

	select {
	case <-persistDone:
	case <-time.After(30 * time.Second):
		log.Println("WARN: persistence drain timed out")
		workerCancel()
		<-persistDone
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := snaps.take(shutdownCtx, raffleCore.CreateSnapshotState()); err != nil {
		log.Printf("ERROR: final snapshot failed: %v", err)
	} else {
		log.Printf("INFO: final snapshot saved at sequence %d", raffleCore.GetSequence())
	}

	workerCancel()
	log.Println("INFO: RaffleLedger shutdown complete")
}

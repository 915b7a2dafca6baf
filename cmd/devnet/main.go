// Command devnet runs the development counterparts of the raffle's external
// systems on one NATS server: an oracle that answers randomness requests and
// a treasury that takes entry payments, executes transfers and publishes
// signed balance reports.
//
//	devnet keys                      print a fresh key pair for RAFFLE_*_KEY / RAFFLE_*_PRINCIPAL
//	devnet enter <entry_id> <amount> pay the treasury as RAFFLE_PLAYER_KEY and publish the entry
//	devnet                           run the oracle and the treasury
package main

import (
	"RaffleLedger/internal/auth"
	"RaffleLedger/internal/ingestion"
	fpmath "RaffleLedger/internal/math"
	"RaffleLedger/internal/observability"
	"RaffleLedger/internal/oracle"
	"RaffleLedger/internal/payout"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

type config struct {
	NATSURL        string
	OracleKey      string
	OracleSeed     string
	OracleDelay    time.Duration
	TreasuryKey    string
	TreasuryFloat  string
	ReportSchedule string
	PlayerKey      string
}

func loadConfig() config {
	return config{
		NATSURL:        envOrDefault("RAFFLE_NATS_URL", "nats://localhost:4222"),
		OracleKey:      os.Getenv("RAFFLE_ORACLE_KEY"),
		OracleSeed:     os.Getenv("RAFFLE_ORACLE_SEED"),
		OracleDelay:    envDurationOrDefault("RAFFLE_ORACLE_DELAY", 2*time.Second),
		TreasuryKey:    os.Getenv("RAFFLE_TREASURY_KEY"),
		TreasuryFloat:  envOrDefault("RAFFLE_TREASURY_FLOAT", "0"),
		ReportSchedule: envOrDefault("RAFFLE_TREASURY_REPORT_SCHEDULE", "@every 1m"),
		PlayerKey:      os.Getenv("RAFFLE_PLAYER_KEY"),
	}
}

func main() {
	logger := observability.NewLogger("devnet")

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn().Err(err).Msg(".env not loaded")
	}

	if len(os.Args) > 1 && os.Args[1] == "keys" {
		if err := printKeyPair(); err != nil {
			logger.Fatal().Err(err).Msg("generate key pair")
		}
		return
	}

	if len(os.Args) > 1 && os.Args[1] == "enter" {
		if len(os.Args) != 4 {
			logger.Fatal().Msg("usage: devnet enter <entry_id> <amount>")
		}
		if err := runEnter(loadConfig(), os.Args[2], os.Args[3], logger); err != nil {
			logger.Fatal().Err(err).Msg("enter failed")
		}
		return
	}

	if err := run(loadConfig(), logger); err != nil {
		logger.Fatal().Err(err).Msg("devnet failed")
	}
}

func printKeyPair() error {
	signer := auth.NewSigner()
	private, err := signer.PrivateHex()
	if err != nil {
		return err
	}
	fmt.Printf("principal: %s\nprivate:   %s\n", signer.Principal(), private)
	return nil
}

// loadSigner reads a hex private key, or generates one when unset.
func loadSigner(privateHex, role string, logger zerolog.Logger) (*auth.Signer, error) {
	if privateHex == "" {
		signer := auth.NewSigner()
		logger.Warn().Str("role", role).Str("principal", string(signer.Principal())).
			Msg("no key configured, generated an ephemeral one")
		return signer, nil
	}
	signer, err := auth.SignerFromHex(privateHex)
	if err != nil {
		return nil, fmt.Errorf("%s key: %w", role, err)
	}
	return signer, nil
}

func run(cfg config, logger zerolog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	oracleSigner, err := loadSigner(cfg.OracleKey, "oracle", logger)
	if err != nil {
		return err
	}
	treasurySigner, err := loadSigner(cfg.TreasuryKey, "treasury", logger)
	if err != nil {
		return err
	}

	var seed []byte
	if cfg.OracleSeed != "" {
		if seed, err = hex.DecodeString(cfg.OracleSeed); err != nil {
			return fmt.Errorf("RAFFLE_ORACLE_SEED: %w", err)
		}
	}

	opening, err := fpmath.ParseDecimal(cfg.TreasuryFloat, fpmath.AmountConfig)
	if err != nil {
		return fmt.Errorf("RAFFLE_TREASURY_FLOAT: %w", err)
	}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, "raffle-devnet")
	if err != nil {
		return err
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		return err
	}

	// --- Oracle ---
	responder := oracle.NewResponder(js, oracleSigner, seed, cfg.OracleDelay)
	if err := responder.Start(ctx, js); err != nil {
		return err
	}
	defer responder.Stop()

	// --- Treasury ---
	treasury := payout.NewDevTreasury(treasurySigner)
	treasury.Deposit(opening)
	if err := treasury.Start(nc); err != nil {
		return err
	}
	defer treasury.Stop()

	reports := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := reports.AddFunc(cfg.ReportSchedule, func() {
		if err := publishReport(ctx, js, treasury); err != nil {
			logger.Error().Err(err).Msg("publish balance report")
		}
	}); err != nil {
		return fmt.Errorf("report schedule %q: %w", cfg.ReportSchedule, err)
	}
	reports.Start()
	defer func() { <-reports.Stop().Done() }()

	logger.Info().
		Str("oracle", string(oracleSigner.Principal())).
		Str("treasury", string(treasurySigner.Principal())).
		Int64("opening_float", opening).
		Msg("devnet ready")

	<-ctx.Done()
	logger.Info().Msg("devnet shutting down")
	return nil
}

func runEnter(cfg config, entryID, amount string, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	player, err := loadSigner(cfg.PlayerKey, "player", logger)
	if err != nil {
		return err
	}

	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, "raffle-devnet-player")
	if err != nil {
		return err
	}
	defer nc.Close()

	msg, err := payForEntry(ctx, nc, player, entryID, amount)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	if _, err := js.Publish(ctx, ingestion.EntrySubject(entryID), data, jetstream.WithMsgID(entryID)); err != nil {
		return fmt.Errorf("publish entry %s: %w", entryID, err)
	}

	logger.Info().
		Str("entry_id", entryID).
		Str("player", string(player.Principal())).
		Int64("paid", msg.Receipt.Amount).
		Msg("entry published")
	return nil
}

// payForEntry deposits amount with the treasury and returns the signed
// entry message carrying its receipt. Repeating it for the same entry ID
// returns the original receipt without a second deposit.
func payForEntry(ctx context.Context, nc payout.Requester, player *auth.Signer, entryID, amount string) (*ingestion.EntryMessage, error) {
	units, err := fpmath.ParseDecimal(amount, fpmath.AmountConfig)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	receipt, err := payout.RequestDeposit(ctx, nc, payout.DepositRequest{
		EntryID: entryID,
		Player:  player.Principal(),
		Amount:  units,
	})
	if err != nil {
		return nil, err
	}
	return ingestion.SignEntry(player, entryID, amount, receipt)
}

func publishReport(ctx context.Context, js jetstream.JetStream, treasury *payout.DevTreasury) error {
	report, err := treasury.Report()
	if err != nil {
		return err
	}
	return payout.PublishReport(ctx, js, report)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

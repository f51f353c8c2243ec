package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	flag "github.com/spf13/pflag"

	"github.com/turbodash/backend/pkg/attest"
	"github.com/turbodash/backend/pkg/logger"
	"github.com/turbodash/backend/pkg/program"
	"github.com/turbodash/backend/pkg/txbuilder"
)

const confirmPollInterval = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	// Chain configuration
	rpcEndpointFlag := flag.String("rpc-endpoint", rpc.DevNet_RPC, "Solana RPC endpoint (or set RPC_ENDPOINT env var)")
	programIDFlag := flag.String("program-id", "", "Contest program id (defaults to the deployed program)")
	authorityKeypairFlag := flag.String("authority-keypair", "", "Path to the authority keypair JSON file (or set AUTHORITY_KEYPAIR env var)")

	// Commands
	initializeFlag := flag.Bool("initialize", false, "Initialize the global config account")
	initCounterFlag := flag.Bool("init-counter", false, "Initialize the contest counter account")
	createContestFlag := flag.Bool("create-contest", false, "Create a new contest round")
	rotateServerKeyFlag := flag.Bool("rotate-server-key", false, "Rotate the attestation server key")
	rotateAdminKeyFlag := flag.Bool("rotate-admin-key", false, "Rotate the admin authority key")
	rotateFeesAccountFlag := flag.Bool("rotate-fees-account", false, "Rotate the fee collection account")
	showGlobalFlag := flag.Bool("show-global", false, "Print the global config account")
	genKeypairFlag := flag.Bool("gen-keypair", false, "Generate a new keypair file at --keypair-out")

	// Command options
	serverKeyFlag := flag.String("server-key", "", "Attestation server public key (for --initialize and --rotate-server-key)")
	feesAccountFlag := flag.String("fees-account", "", "Fee collection account (for --initialize and --rotate-fees-account)")
	teamAccountFlag := flag.String("team-account", "", "Team treasury account receiving refill payments (for --create-contest)")
	adminKeyFlag := flag.String("admin-key", "", "New admin public key (for --rotate-admin-key)")
	durationFlag := flag.Duration("duration", 24*time.Hour, "Contest duration (for --create-contest)")
	keypairOutFlag := flag.String("keypair-out", "", "Output path for --gen-keypair")
	confirmTimeoutFlag := flag.Duration("confirm-timeout", 90*time.Second, "Maximum time to wait for transaction confirmation")

	flag.Parse()

	log := logger.New(*verboseFlag)

	if env := os.Getenv("RPC_ENDPOINT"); env != "" {
		*rpcEndpointFlag = env
	}
	if env := os.Getenv("AUTHORITY_KEYPAIR"); env != "" {
		*authorityKeypairFlag = env
	}

	if *genKeypairFlag {
		if *keypairOutFlag == "" {
			return fmt.Errorf("--keypair-out is required for --gen-keypair")
		}
		pub, err := attest.WriteKeypairFile(*keypairOutFlag)
		if err != nil {
			return err
		}
		fmt.Printf("wrote keypair %s to %s\n", pub, *keypairOutFlag)
		return nil
	}

	programID := program.DefaultProgramID
	if *programIDFlag != "" {
		parsed, err := solana.PublicKeyFromBase58(*programIDFlag)
		if err != nil {
			return fmt.Errorf("invalid program id %q: %w", *programIDFlag, err)
		}
		programID = parsed
	}

	rpcClient := rpc.New(*rpcEndpointFlag)

	builder, err := txbuilder.New(&txbuilder.Config{
		Logger:    log,
		RPC:       rpcClient,
		ProgramID: programID,
	})
	if err != nil {
		return fmt.Errorf("create transaction builder: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *confirmTimeoutFlag)
	defer cancel()

	if *showGlobalFlag {
		global, err := builder.FetchGlobal(ctx)
		if err != nil {
			return fmt.Errorf("fetch global config: %w", err)
		}
		fmt.Printf("authority:    %s\n", global.Authority)
		fmt.Printf("server key:   %s\n", global.ServerKey)
		fmt.Printf("fees account: %s\n", global.FeesAccount)
		return nil
	}

	if *authorityKeypairFlag == "" {
		return fmt.Errorf("authority keypair is required (--authority-keypair or AUTHORITY_KEYPAIR)")
	}
	authority, err := solana.PrivateKeyFromSolanaKeygenFile(*authorityKeypairFlag)
	if err != nil {
		return fmt.Errorf("load authority keypair: %w", err)
	}
	authorityPub := authority.PublicKey()
	log.Debug("authority keypair loaded", "publicKey", authorityPub.String())

	if *initializeFlag {
		serverKey, err := parseKeyFlag("server-key", *serverKeyFlag)
		if err != nil {
			return err
		}
		feesAccount, err := parseKeyFlag("fees-account", *feesAccountFlag)
		if err != nil {
			return err
		}
		tx, err := builder.BuildInitialize(ctx, authorityPub, serverKey, feesAccount)
		if err != nil {
			return fmt.Errorf("build initialize: %w", err)
		}
		return signAndSubmit(ctx, log, rpcClient, tx, authority)
	}

	if *initCounterFlag {
		tx, err := builder.BuildInitializeCounter(ctx, authorityPub)
		if err != nil {
			return fmt.Errorf("build initialize counter: %w", err)
		}
		return signAndSubmit(ctx, log, rpcClient, tx, authority)
	}

	if *createContestFlag {
		teamAccount, err := parseKeyFlag("team-account", *teamAccountFlag)
		if err != nil {
			return err
		}
		if *durationFlag <= 0 {
			return fmt.Errorf("--duration must be positive")
		}
		tx, contestAddr, err := builder.BuildCreateContest(ctx, authorityPub, teamAccount, int64(durationFlag.Seconds()))
		if err != nil {
			return fmt.Errorf("build create contest: %w", err)
		}
		log.Info("creating contest", "address", contestAddr.String(), "duration", durationFlag.String())
		return signAndSubmit(ctx, log, rpcClient, tx, authority)
	}

	if *rotateServerKeyFlag || *rotateAdminKeyFlag || *rotateFeesAccountFlag {
		action, err := rotationAction(*rotateServerKeyFlag, *rotateAdminKeyFlag, *serverKeyFlag, *adminKeyFlag, *feesAccountFlag)
		if err != nil {
			return err
		}
		tx, err := builder.BuildAdminAction(ctx, authorityPub, action)
		if err != nil {
			return fmt.Errorf("build admin action: %w", err)
		}
		return signAndSubmit(ctx, log, rpcClient, tx, authority)
	}

	flag.Usage()
	return fmt.Errorf("no command specified")
}

func rotationAction(serverKey, adminKey bool, serverKeyRaw, adminKeyRaw, feesAccountRaw string) (program.AdminAction, error) {
	switch {
	case serverKey:
		key, err := parseKeyFlag("server-key", serverKeyRaw)
		if err != nil {
			return program.AdminAction{}, err
		}
		return program.AdminAction{Tag: program.AdminAction_UpdateServerKey, Key: key}, nil
	case adminKey:
		key, err := parseKeyFlag("admin-key", adminKeyRaw)
		if err != nil {
			return program.AdminAction{}, err
		}
		return program.AdminAction{Tag: program.AdminAction_UpdateAdminKey, Key: key}, nil
	default:
		key, err := parseKeyFlag("fees-account", feesAccountRaw)
		if err != nil {
			return program.AdminAction{}, err
		}
		return program.AdminAction{Tag: program.AdminAction_UpdateFeesAccount, Key: key}, nil
	}
}

func parseKeyFlag(name, raw string) (solana.PublicKey, error) {
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("--%s is required", name)
	}
	key, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid --%s %q: %w", name, raw, err)
	}
	return key, nil
}

func signAndSubmit(ctx context.Context, log *slog.Logger, client *rpc.Client, tx *solana.Transaction, authority solana.PrivateKey) error {
	authorityPub := authority.PublicKey()
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authorityPub) {
			return &authority
		}
		return nil
	}); err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		if rej := program.ParseRejection(err); rej != nil {
			return rej
		}
		return fmt.Errorf("send transaction: %w", err)
	}
	log.Info("transaction submitted", "signature", sig.String())

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("confirmation timed out for %s: %w", sig, ctx.Err())
		case <-time.After(confirmPollInterval):
		}
		out, err := client.GetSignatureStatuses(ctx, true, sig)
		if err != nil {
			log.Info("status check failed, retrying", "error", err)
			continue
		}
		if len(out.Value) == 0 || out.Value[0] == nil {
			continue
		}
		status := out.Value[0]
		if status.Err != nil {
			return fmt.Errorf("transaction %s failed on chain: %v", sig, status.Err)
		}
		if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
			fmt.Printf("confirmed %s\n", sig)
			return nil
		}
	}
}

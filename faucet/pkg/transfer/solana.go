// Package transfer moves funds from the faucet account to a recipient.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"

	"github.com/malbeclabs/faucet/faucet/pkg/metrics"
	"github.com/malbeclabs/faucet/faucet/pkg/stats"
)

const (
	DefaultRPCURL       = "https://api.devnet.solana.com"
	defaultPollInterval = 500 * time.Millisecond
)

// RejectedError is an explicit failure reported by the network: the
// transaction will not land.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return e.Reason }

// SolanaRPC is the subset of the solana-go RPC client used for transfers.
type SolanaRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts solanarpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchTransactionHistory bool, sigs ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error)
	GetHealth(ctx context.Context) (string, error)
}

type SolanaConfig struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	RPC        SolanaRPC
	PrivateKey solana.PrivateKey

	// Commitment is the level a transfer must reach before it counts as a
	// success. Defaults to confirmed.
	Commitment   solanarpc.CommitmentType
	PollInterval time.Duration
}

func (cfg *SolanaConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.RPC == nil {
		return errors.New("rpc client is required")
	}
	if len(cfg.PrivateKey) != 64 {
		return errors.New("private key must be 64 bytes")
	}
	if cfg.Commitment == "" {
		cfg.Commitment = solanarpc.CommitmentConfirmed
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Solana pays recipients with a system transfer signed by the faucet key.
type Solana struct {
	log    *slog.Logger
	cfg    SolanaConfig
	signer solana.PublicKey
}

func NewSolana(cfg SolanaConfig) (*Solana, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Solana{log: cfg.Logger, cfg: cfg, signer: cfg.PrivateKey.PublicKey()}, nil
}

// NewSolanaRPC dials a JSON-RPC endpoint.
func NewSolanaRPC(url string) *solanarpc.Client {
	if url == "" {
		url = DefaultRPCURL
	}
	return solanarpc.New(url)
}

// ParsePrivateKey accepts a base58-encoded 64 byte keypair.
func ParsePrivateKey(s string) (solana.PrivateKey, error) {
	key, err := solana.PrivateKeyFromBase58(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if len(key) != 64 {
		return nil, fmt.Errorf("invalid private key: expected 64 bytes, got %d", len(key))
	}
	return key, nil
}

// ValidateAddress reports whether s is a base58-encoded 32 byte public key.
func ValidateAddress(s string) error {
	_, err := parseAddress(s)
	return err
}

func parseAddress(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return solana.PublicKey{}, errors.New("wallet address is not valid base58")
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("wallet address must decode to %d bytes", solana.PublicKeyLength)
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func (s *Solana) Address() string {
	return s.signer.String()
}

// Transfer sends amount lamports to and waits for the configured commitment.
// It returns the transaction signature. If ctx ends first the returned error
// wraps the context error and the outcome is unknown.
func (s *Solana) Transfer(ctx context.Context, to string, amount uint64) (string, error) {
	recipient, err := parseAddress(to)
	if err != nil {
		return "", &RejectedError{Reason: err.Error()}
	}
	if recipient.Equals(s.signer) {
		return "", &RejectedError{Reason: "recipient is the faucet account"}
	}

	recent, err := s.cfg.RPC.GetLatestBlockhash(ctx, solanarpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{system.NewTransferInstruction(amount, s.signer, recipient).Build()},
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.signer) {
			return &s.cfg.PrivateKey
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := s.cfg.RPC.SendTransactionWithOpts(ctx, tx, solanarpc.TransactionOpts{
		PreflightCommitment: solanarpc.CommitmentConfirmed,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// Preflight simulation failures mean the transaction was never
		// broadcast.
		return "", &RejectedError{Reason: fmt.Sprintf("transaction rejected: %v", err)}
	}
	s.log.Debug("transfer: transaction sent", "signature", sig, "to", to, "amount", amount)

	if err := s.await(ctx, sig); err != nil {
		return "", err
	}
	return sig.String(), nil
}

func (s *Solana) await(ctx context.Context, sig solana.Signature) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		out, err := s.cfg.RPC.GetSignatureStatuses(ctx, false, sig)
		if err != nil && ctx.Err() == nil {
			s.log.Debug("transfer: signature status poll failed", "signature", sig, "error", err)
		}
		if err == nil && out != nil && len(out.Value) > 0 && out.Value[0] != nil {
			st := out.Value[0]
			if st.Err != nil {
				return &RejectedError{Reason: fmt.Sprintf("transaction failed: %v", st.Err)}
			}
			if reached(st.ConfirmationStatus, s.cfg.Commitment) {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("awaiting confirmation of %s: %w", sig, ctx.Err())
		case <-ticker.Chan():
		}
	}
}

func reached(status solanarpc.ConfirmationStatusType, want solanarpc.CommitmentType) bool {
	switch want {
	case solanarpc.CommitmentFinalized:
		return status == solanarpc.ConfirmationStatusFinalized
	case solanarpc.CommitmentProcessed:
		return status != ""
	default:
		return status == solanarpc.ConfirmationStatusConfirmed || status == solanarpc.ConfirmationStatusFinalized
	}
}

// Balance reads the faucet account balance at finalized commitment.
func (s *Solana) Balance(ctx context.Context) (stats.Balance, error) {
	out, err := s.cfg.RPC.GetBalance(ctx, s.signer, solanarpc.CommitmentFinalized)
	if err != nil {
		return stats.Balance{}, fmt.Errorf("failed to get balance: %w", err)
	}
	metrics.FaucetBalanceLamports.Set(float64(out.Value))
	return stats.Balance{Address: s.signer.String(), Lamports: out.Value}, nil
}

// Ping checks the RPC node health.
func (s *Solana) Ping(ctx context.Context) error {
	health, err := s.cfg.RPC.GetHealth(ctx)
	if err != nil {
		return err
	}
	if health != "ok" {
		return fmt.Errorf("rpc node unhealthy: %s", health)
	}
	return nil
}

package transfer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	faucettesting "github.com/malbeclabs/faucet/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type fakeRPC struct {
	mu       sync.Mutex
	sent     []*solana.Transaction
	sendErr  error
	statuses []*solanarpc.SignatureStatusesResult
	polls    int
	balance  uint64
	health   string
}

func (f *fakeRPC) GetLatestBlockhash(context.Context, solanarpc.CommitmentType) (*solanarpc.GetLatestBlockhashResult, error) {
	return &solanarpc.GetLatestBlockhashResult{
		Value: &solanarpc.LatestBlockhashResult{Blockhash: solana.Hash{1, 2, 3}, LastValidBlockHeight: 100},
	}, nil
}

func (f *fakeRPC) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ solanarpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

// GetSignatureStatuses walks through statuses, repeating the last one.
func (f *fakeRPC) GetSignatureStatuses(context.Context, bool, ...solana.Signature) (*solanarpc.GetSignatureStatusesResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.polls
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.polls++
	var st *solanarpc.SignatureStatusesResult
	if i >= 0 {
		st = f.statuses[i]
	}
	return &solanarpc.GetSignatureStatusesResult{Value: []*solanarpc.SignatureStatusesResult{st}}, nil
}

func (f *fakeRPC) GetBalance(context.Context, solana.PublicKey, solanarpc.CommitmentType) (*solanarpc.GetBalanceResult, error) {
	return &solanarpc.GetBalanceResult{Value: f.balance}, nil
}

func (f *fakeRPC) GetHealth(context.Context) (string, error) {
	return f.health, nil
}

func newTestSolana(t *testing.T, rpc *fakeRPC) (*Solana, solana.PrivateKey) {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	s, err := NewSolana(SolanaConfig{
		Logger:       faucettesting.NewLogger(),
		RPC:          rpc,
		PrivateKey:   key,
		PollInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return s, key
}

func randomAddress(t *testing.T) string {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return key.PublicKey().String()
}

func TestFaucet_Transfer_ValidateAddress(t *testing.T) {
	t.Parallel()

	require.NoError(t, ValidateAddress(randomAddress(t)))
	require.NoError(t, ValidateAddress("11111111111111111111111111111111"))
	require.Error(t, ValidateAddress("0xdeadbeef"))
	require.Error(t, ValidateAddress("abc"))
	require.Error(t, ValidateAddress(""))
}

func TestFaucet_Transfer_ParsePrivateKey(t *testing.T) {
	t.Parallel()

	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	parsed, err := ParsePrivateKey(key.String())
	require.NoError(t, err)
	require.True(t, parsed.PublicKey().Equals(key.PublicKey()))

	_, err = ParsePrivateKey("not a key")
	require.Error(t, err)
}

func TestFaucet_Transfer_Solana(t *testing.T) {
	t.Parallel()

	t.Run("config requires a 64 byte key", func(t *testing.T) {
		t.Parallel()
		_, err := NewSolana(SolanaConfig{Logger: faucettesting.NewLogger(), RPC: &fakeRPC{}, PrivateKey: solana.PrivateKey{1, 2}})
		require.Error(t, err)
	})

	t.Run("sends signed transfer and waits for confirmation", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{statuses: []*solanarpc.SignatureStatusesResult{
			nil,
			{ConfirmationStatus: solanarpc.ConfirmationStatusProcessed},
			{ConfirmationStatus: solanarpc.ConfirmationStatusConfirmed},
		}}
		s, key := newTestSolana(t, rpc)
		to := randomAddress(t)

		sig, err := s.Transfer(context.Background(), to, 1_000_000_000)
		require.NoError(t, err)
		require.NotEmpty(t, sig)
		require.GreaterOrEqual(t, rpc.polls, 3)

		require.Len(t, rpc.sent, 1)
		tx := rpc.sent[0]
		require.True(t, tx.Message.AccountKeys[0].Equals(key.PublicKey()), "faucet pays the fee")
		require.Contains(t, tx.Message.AccountKeys, solana.MustPublicKeyFromBase58(to))
		require.NoError(t, tx.VerifySignatures())
	})

	t.Run("invalid recipient is rejected without sending", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{}
		s, _ := newTestSolana(t, rpc)

		_, err := s.Transfer(context.Background(), "not-an-address", 1)
		var re *RejectedError
		require.ErrorAs(t, err, &re)
		require.Empty(t, rpc.sent)
	})

	t.Run("preflight failure is rejected", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{sendErr: errors.New("insufficient funds for fee")}
		s, _ := newTestSolana(t, rpc)

		_, err := s.Transfer(context.Background(), randomAddress(t), 1)
		var re *RejectedError
		require.ErrorAs(t, err, &re)
		require.Contains(t, re.Reason, "insufficient funds")
	})

	t.Run("on-chain error is rejected", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{statuses: []*solanarpc.SignatureStatusesResult{
			{Err: map[string]any{"InstructionError": []any{0, "Custom"}}},
		}}
		s, _ := newTestSolana(t, rpc)

		_, err := s.Transfer(context.Background(), randomAddress(t), 1)
		var re *RejectedError
		require.ErrorAs(t, err, &re)
	})

	t.Run("deadline while unconfirmed", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{statuses: []*solanarpc.SignatureStatusesResult{nil}}
		s, _ := newTestSolana(t, rpc)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := s.Transfer(ctx, randomAddress(t), 1)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("balance and health", func(t *testing.T) {
		t.Parallel()
		rpc := &fakeRPC{balance: 5_000_000_000, health: "ok"}
		s, key := newTestSolana(t, rpc)

		b, err := s.Balance(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(5_000_000_000), b.Lamports)
		require.Equal(t, key.PublicKey().String(), b.Address)
		require.NoError(t, s.Ping(context.Background()))

		rpc.health = "behind"
		require.Error(t, s.Ping(context.Background()))
	})
}

func TestFaucet_Transfer_Simulated(t *testing.T) {
	t.Parallel()

	s, err := NewSimulated(SimulatedConfig{Logger: faucettesting.NewLogger(), FailEvery: 3, Balance: 10})
	require.NoError(t, err)
	ctx := context.Background()
	to := randomAddress(t)

	ref, err := s.Transfer(ctx, to, 2)
	require.NoError(t, err)
	require.NotEmpty(t, ref)

	_, err = s.Transfer(ctx, to, 2)
	require.NoError(t, err)

	_, err = s.Transfer(ctx, to, 2)
	var re *RejectedError
	require.ErrorAs(t, err, &re, "every third call fails")

	_, err = s.Transfer(ctx, to, 100)
	require.ErrorAs(t, err, &re, "insufficient funds")

	b, err := s.Balance(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(6), b.Lamports)
}

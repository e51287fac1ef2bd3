package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
)

type fakeBridge struct {
	result *BridgeResult
	err    error
	calls  int32
}

func (f *fakeBridge) WaitForBridgeDone(ctx context.Context, fromChainID, toChainID int64, fromTxHash string, keepAlive func(ctx context.Context) error) (*BridgeResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if keepAlive != nil {
		if err := keepAlive(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestDepositSettlement(t *testing.T) (*DepositSettlementService, repository.DepositIntentRepository, *fakeChain, *fakeBridge) {
	t.Helper()
	gdb := openServiceTestDB(t)
	repo := repository.NewDepositIntentRepository(gdb)
	chain := newFakeChain()
	bridge := &fakeBridge{}
	cfg := testConfig()
	allowance := NewAllowanceDeposit(chain)
	allowance.clock = &fakeClock{now: time.Unix(0, 0)}
	svc := NewDepositSettlementService(cfg, repo, chain, allowance, bridge, nil)
	return svc, repo, chain, bridge
}

func seedLockableDeposit(t *testing.T, repo repository.DepositIntentRepository, mutate func(*models.DepositIntent)) *models.DepositIntent {
	t.Helper()
	intent := &models.DepositIntent{
		RefID:       "0x" + fmt.Sprintf("%064x", 8001),
		User:        "0x1111111111111111111111111111111111111aaa",
		Asset:       "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Amount:      "100000000",
		Deadline:    time.Now().Add(time.Hour).Unix(),
		Nonce:       "1",
		Digest:      "0x" + fmt.Sprintf("%064x", 91),
		Signature:   "0xsig-settlement",
		Status:      models.DepositStatusPending,
		FromChainID: 8453,
		MinAmount:   "99000000",
	}
	if mutate != nil {
		mutate(intent)
	}
	if err := repo.Create(context.Background(), intent); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return intent
}

func TestDepositFinishWaitsForSourceTx(t *testing.T) {
	svc, repo, chain, _ := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, nil)

	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !result.Processing || result.Status != models.DepositStatusWaitingRoute {
		t.Fatalf("expected waiting result, got %+v", result)
	}
	if len(chain.callOps()) != 0 {
		t.Fatalf("no chain calls expected, got %v", chain.callOps())
	}
}

func TestDepositFinishHappyPath(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	fromTx := "0x" + strings.Repeat("aa", 32)
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = fromTx
		i.Status = models.DepositStatusWaitingRoute
	})

	// 100 USDC sent, 99.5 arrives after bridge fees
	bridge.result = &BridgeResult{
		ToTxHash:     "0x" + strings.Repeat("bb", 32),
		ToChainID:    43114,
		Amount:       "99500000",
		TokenAddress: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7",
		TokenSymbol:  "USDT",
	}
	chain.setBalance(43114, "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7", chain.relayer, big.NewInt(99500000))

	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if result.Status != models.DepositStatusMinted {
		t.Fatalf("status = %s, want MINTED", result.Status)
	}

	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if stored.Status != models.DepositStatusMinted {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if stored.BridgedAmount != "99500000" {
		t.Fatalf("bridged amount = %s", stored.BridgedAmount)
	}
	if stored.DepositTxHash == "" || stored.MintTxHash == "" {
		t.Fatalf("step hashes missing: %+v", stored)
	}
	if stored.ConsumedAt == nil {
		t.Fatal("consumedAt must record terminal success")
	}

	// the mint must carry the 6->18 decimal scaled share amount
	var mintCall *chainCall
	chain.mu.Lock()
	for i := range chain.calls {
		if chain.calls[i].Op == "record_deposit" {
			mintCall = &chain.calls[i]
		}
	}
	chain.mu.Unlock()
	if mintCall == nil {
		t.Fatal("no mint call recorded")
	}
	wantShares, _ := new(big.Int).SetString("99500000000000000000", 10)
	if mintCall.Amount.Cmp(wantShares) != 0 {
		t.Fatalf("minted shares = %s, want %s", mintCall.Amount, wantShares)
	}
}

func TestDepositFinishSecondCallIsAlreadyDone(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	fromTx := "0x" + strings.Repeat("cc", 32)
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = fromTx
	})
	bridge.result = &BridgeResult{
		Amount:       "99500000",
		TokenAddress: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7",
	}
	chain.setBalance(43114, "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7", chain.relayer, big.NewInt(99500000))

	if _, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID}); err != nil {
		t.Fatalf("first finish: %v", err)
	}
	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err != nil {
		t.Fatalf("second finish: %v", err)
	}
	if !result.Already || result.Status != models.DepositStatusMinted {
		t.Fatalf("expected already-done, got %+v", result)
	}

	mints := 0
	for _, op := range chain.callOps() {
		if op == "record_deposit" {
			mints++
		}
	}
	if mints != 1 {
		t.Fatalf("exactly one mint expected, got %d", mints)
	}
}

func TestDepositFinishRejectsPoisonedAsset(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = "0x" + strings.Repeat("dd", 32)
	})
	bridge.result = &BridgeResult{
		Amount:       "99500000",
		TokenAddress: "0x4444444444444444444444444444444444444444",
		TokenSymbol:  "EVIL",
	}

	_, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err == nil || !strings.Contains(err.Error(), "unexpected asset") {
		t.Fatalf("expected poisoning rejection, got %v", err)
	}
	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if stored.Status != models.DepositStatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	for _, op := range chain.callOps() {
		if op == "vault_deposit" || op == "record_deposit" {
			t.Fatalf("no deposit or mint may run, got %v", chain.callOps())
		}
	}
}

func TestDepositFinishEnforcesMinAmount(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = "0x" + strings.Repeat("ee", 32)
	})
	bridge.result = &BridgeResult{
		Amount:       "98000000", // below the 99000000 floor
		TokenAddress: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7",
	}

	_, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err == nil || !strings.Contains(err.Error(), "below minimum") {
		t.Fatalf("expected minimum rejection, got %v", err)
	}
	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if stored.Status != models.DepositStatusFailed {
		t.Fatalf("status = %s, want FAILED", stored.Status)
	}
	if len(chain.callOps()) != 0 {
		t.Fatalf("no deposit attempted, got %v", chain.callOps())
	}
}

func TestDepositFinishFailedIsRetryable(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = "0x" + strings.Repeat("ff", 32)
		i.MinAmount = ""
	})

	bridge.err = ErrBridgeFailed
	if _, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID}); err == nil {
		t.Fatal("expected bridge failure")
	}

	// the underlying condition clears; the same call now settles
	bridge.err = nil
	bridge.result = &BridgeResult{
		Amount:       "99500000",
		TokenAddress: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7",
	}
	chain.setBalance(43114, "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7", chain.relayer, big.NewInt(99500000))

	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if result.Status != models.DepositStatusMinted {
		t.Fatalf("status = %s, want MINTED", result.Status)
	}
}

func TestDepositFinishBusyLease(t *testing.T) {
	svc, repo, _, _ := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, nil)

	if _, err := repo.TryLock(ctx, intent.RefID, time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}
	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if !result.Processing {
		t.Fatalf("expected processing result, got %+v", result)
	}
}

func TestDepositFinishMergesMinAmountTighteningOnly(t *testing.T) {
	svc, repo, chain, bridge := newTestDepositSettlement(t)
	ctx := context.Background()
	intent := seedLockableDeposit(t, repo, func(i *models.DepositIntent) {
		i.FromTxHash = "0x" + strings.Repeat("ab", 32)
		i.MinAmount = "99000000"
	})
	bridge.result = &BridgeResult{
		Amount:       "99500000",
		TokenAddress: "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7",
	}
	chain.setBalance(43114, "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7", chain.relayer, big.NewInt(99500000))

	// a larger minAmount never replaces the stored one, it only shrinks
	result, err := svc.Finish(ctx, &DepositFinishRequest{RefID: intent.RefID, MinAmount: "99900000"})
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if result.Status != models.DepositStatusMinted {
		t.Fatalf("status = %s", result.Status)
	}
	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if stored.MinAmount != "99000000" {
		t.Fatalf("minAmount loosened to %s", stored.MinAmount)
	}
}

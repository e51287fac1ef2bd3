package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"yldr-backend/internal/models"
)

func newWithdrawIntent(refID string) *models.WithdrawIntent {
	return &models.WithdrawIntent{
		RefID:        refID,
		User:         "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B",
		AmountShares: "25000000000000000000",
		DstChainID:   8453,
		DstToken:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		MinAmountOut: "24900000",
		Deadline:     time.Now().Add(time.Hour).Unix(),
		Nonce:        "7",
		Digest:       "0xd2" + refID[2:],
		Signature:    "0x5158" + refID[2:],
		Status:       models.WithdrawStatusPending,
	}
}

func TestWithdrawLockLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewWithdrawIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newWithdrawIntent("0x11aa")); err != nil {
		t.Fatalf("create: %v", err)
	}

	owner, err := repo.TryLock(ctx, "0x11aa", 10*time.Minute)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := repo.TryLock(ctx, "0x11aa", 10*time.Minute); err == nil {
		t.Fatal("expected busy against a live lease")
	}
	if err := repo.RenewLease(ctx, "0x11aa", owner, 10*time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	if err := repo.RenewLease(ctx, "0x11aa", "not-the-owner", 10*time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for foreign owner, got %v", err)
	}
}

func TestWithdrawAdvanceSequence(t *testing.T) {
	db := openTestDB(t)
	repo := NewWithdrawIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newWithdrawIntent("0x12aa")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.TryLock(ctx, "0x12aa", 10*time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}

	steps := []struct {
		from, to models.WithdrawStatus
		patch    map[string]interface{}
	}{
		{models.WithdrawStatusProcessing, models.WithdrawStatusBurned,
			map[string]interface{}{"burn_tx_hash": "0xburn"}},
		{models.WithdrawStatusBurned, models.WithdrawStatusRedeeming, nil},
		{models.WithdrawStatusRedeeming, models.WithdrawStatusRedeemed,
			map[string]interface{}{"redeem_tx_hash": "0xredeem"}},
		{models.WithdrawStatusRedeemed, models.WithdrawStatusBridging,
			map[string]interface{}{"from_tx_hash": "0xbridge"}},
	}
	for _, s := range steps {
		out, err := repo.Advance(ctx, "0x12aa", s.from, s.to, s.patch)
		if err != nil || out != OutcomeAdvanced {
			t.Fatalf("advance %s -> %s: outcome=%v err=%v", s.from, s.to, out, err)
		}
	}

	ok, err := repo.CompleteSuccess(ctx, "0x12aa", "0xout", "24950000")
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	// replay does not match
	ok, err = repo.CompleteSuccess(ctx, "0x12aa", "0xout2", "1")
	if err != nil || ok {
		t.Fatalf("replayed complete must not match: ok=%v err=%v", ok, err)
	}

	got, _ := repo.GetByRefID(ctx, "0x12aa")
	if got.Status != models.WithdrawStatusSuccess || got.ToTxHash != "0xout" || got.AmountOut != "24950000" {
		t.Fatalf("unexpected terminal row: %+v", got)
	}
	if _, err := repo.TryLock(ctx, "0x12aa", time.Minute); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone after success, got %v", err)
	}
}

func TestWithdrawRecordStepTxWriteOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewWithdrawIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newWithdrawIntent("0x13aa")); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.RecordStepTx(ctx, "0x13aa", "burn_tx_hash", "0xAB12"); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := repo.RecordStepTx(ctx, "0x13aa", "burn_tx_hash", "0xab12"); err != nil {
		t.Fatalf("case-insensitive replay: %v", err)
	}
	err := repo.RecordStepTx(ctx, "0x13aa", "burn_tx_hash", "0xCD34")
	var imm *ImmutableFieldError
	if !errors.As(err, &imm) || imm.Field != "burn_tx_hash" {
		t.Fatalf("expected immutable burn_tx_hash error, got %v", err)
	}
	if err := repo.RecordStepTx(ctx, "0x13aa", "amount_out", "1"); err == nil {
		t.Fatal("expected rejection of non-step column")
	}
}

func TestWithdrawMarkFailedKeepsStepRecords(t *testing.T) {
	db := openTestDB(t)
	repo := NewWithdrawIntentRepository(db)
	ctx := context.Background()

	it := newWithdrawIntent("0x14aa")
	it.Status = models.WithdrawStatusRedeeming
	it.BurnTxHash = "0xburn"
	if err := repo.Create(ctx, it); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkFailed(ctx, "0x14aa", "redeem reverted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := repo.GetByRefID(ctx, "0x14aa")
	if got.Status != models.WithdrawStatusFailed || got.Error != "redeem reverted" {
		t.Fatalf("unexpected row: status=%s err=%q", got.Status, got.Error)
	}
	if got.BurnTxHash != "0xburn" {
		t.Fatal("step record must survive failure")
	}

	// FAILED is idle-lockable again
	if _, err := repo.TryLock(ctx, "0x14aa", time.Minute); err != nil {
		t.Fatalf("relock failed row: %v", err)
	}
}

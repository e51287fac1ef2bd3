package repository

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"yldr-backend/internal/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap sql db: %v", err)
	}
	// serialize writes so concurrent callers contend on the row predicate,
	// not on the sqlite file lock
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.DepositIntent{}, &models.WithdrawIntent{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newDepositIntent(refID string) *models.DepositIntent {
	return &models.DepositIntent{
		RefID:     refID,
		User:      "0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B",
		Asset:     "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		Amount:    "25000000",
		Deadline:  time.Now().Add(time.Hour).Unix(),
		Nonce:     "1",
		Digest:    "0xd1" + refID[2:],
		Signature: "0x5157" + refID[2:],
		Status:    models.DepositStatusPending,
	}
}

func TestDepositTryLockExactlyOneWinner(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newDepositIntent("0x01aa")); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	owners := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			owner, err := repo.TryLock(ctx, "0x01aa", time.Minute)
			if err == nil {
				owners <- owner
				return
			}
			var busy *LockBusyError
			if !errors.As(err, &busy) {
				t.Errorf("unexpected tryLock error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(owners)

	won := 0
	for range owners {
		won++
	}
	if won != 1 {
		t.Fatalf("expected exactly one lock winner, got %d", won)
	}

	intent, err := repo.GetByRefID(ctx, "0x01aa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if intent.Status != models.DepositStatusProcessing {
		t.Fatalf("expected PROCESSING, got %s", intent.Status)
	}
	if intent.ProcessingOwner == "" || intent.ProcessingLeaseUntil == nil {
		t.Fatal("expected owner and lease to be set")
	}
}

func TestDepositTryLockStaleLeaseReclaim(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newDepositIntent("0x02aa")); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := repo.TryLock(ctx, "0x02aa", time.Minute)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// live lease refuses a second caller
	if _, err := repo.TryLock(ctx, "0x02aa", time.Minute); err == nil {
		t.Fatal("expected busy error against a live lease")
	}

	// expire the lease
	past := time.Now().Add(-time.Second)
	if err := db.Model(&models.DepositIntent{}).
		Where("ref_id = ?", "0x02aa").
		Update("processing_lease_until", past).Error; err != nil {
		t.Fatalf("expire lease: %v", err)
	}

	second, err := repo.TryLock(ctx, "0x02aa", time.Minute)
	if err != nil {
		t.Fatalf("reclaim expired lease: %v", err)
	}
	if second == first {
		t.Fatal("expected a fresh owner token after reclaim")
	}

	// the old owner's lease operations must now fail
	if err := repo.RenewLease(ctx, "0x02aa", first, time.Minute); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
	}
	if err := repo.EnsureOwner(ctx, "0x02aa", first); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost for stale owner, got %v", err)
	}
	if err := repo.EnsureOwner(ctx, "0x02aa", second); err != nil {
		t.Fatalf("current owner check: %v", err)
	}
}

func TestDepositTryLockTerminal(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	intent := newDepositIntent("0x03aa")
	intent.Status = models.DepositStatusMinted
	if err := repo.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.TryLock(ctx, "0x03aa", time.Minute); !errors.Is(err, ErrAlreadyDone) {
		t.Fatalf("expected ErrAlreadyDone, got %v", err)
	}

	if _, err := repo.TryLock(ctx, "0xdead", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDepositAdvanceOutcomes(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newDepositIntent("0x04aa")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := repo.TryLock(ctx, "0x04aa", time.Minute); err != nil {
		t.Fatalf("lock: %v", err)
	}

	out, err := repo.Advance(ctx, "0x04aa", models.DepositStatusProcessing, models.DepositStatusBridgeInFlight, nil)
	if err != nil || out != OutcomeAdvanced {
		t.Fatalf("advance: outcome=%v err=%v", out, err)
	}
	out, err = repo.Advance(ctx, "0x04aa", models.DepositStatusBridgeInFlight, models.DepositStatusBridged,
		map[string]interface{}{"bridged_amount": "24950000"})
	if err != nil || out != OutcomeAdvanced {
		t.Fatalf("advance to BRIDGED: outcome=%v err=%v", out, err)
	}

	// replay of the same step: already ahead, patch still merged
	out, err = repo.Advance(ctx, "0x04aa", models.DepositStatusBridgeInFlight, models.DepositStatusBridged,
		map[string]interface{}{"bridged_amount": "24950000"})
	if err != nil || out != OutcomeAlreadyAhead {
		t.Fatalf("replay: outcome=%v err=%v", out, err)
	}

	// illegal edge is rejected before touching the row
	if _, err := repo.Advance(ctx, "0x04aa", models.DepositStatusBridged, models.DepositStatusMinted, nil); err == nil {
		t.Fatal("expected illegal transition error")
	}

	// stale from-state that is not behind the target is refused
	out, err = repo.Advance(ctx, "0x04aa", models.DepositStatusDeposited, models.DepositStatusMinting, nil)
	if err != nil || out != OutcomeRefused {
		t.Fatalf("expected refusal, got outcome=%v err=%v", out, err)
	}

	intent, err := repo.GetByRefID(ctx, "0x04aa")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if intent.BridgedAmount != "24950000" {
		t.Fatalf("expected bridged amount persisted, got %q", intent.BridgedAmount)
	}
}

func TestDepositAttachProgressWriteOnce(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	if err := repo.Create(ctx, newDepositIntent("0x05aa")); err != nil {
		t.Fatalf("create: %v", err)
	}

	patch := DepositProgressPatch{
		FromTxHash:  "0xAAA111",
		FromChainID: 8453,
	}
	if err := repo.AttachProgress(ctx, "0x05aa", patch); err != nil {
		t.Fatalf("first attach: %v", err)
	}
	intent, _ := repo.GetByRefID(ctx, "0x05aa")
	if intent.Status != models.DepositStatusWaitingRoute {
		t.Fatalf("expected WAITING_ROUTE after source tx, got %s", intent.Status)
	}

	// idempotent replay, case-insensitive
	patch.FromTxHash = "0xaaa111"
	if err := repo.AttachProgress(ctx, "0x05aa", patch); err != nil {
		t.Fatalf("replay attach: %v", err)
	}

	// conflicting value is rejected and names the field
	err := repo.AttachProgress(ctx, "0x05aa", DepositProgressPatch{FromTxHash: "0xBBB222"})
	var imm *ImmutableFieldError
	if !errors.As(err, &imm) || imm.Field != "fromTxHash" {
		t.Fatalf("expected immutable fromTxHash error, got %v", err)
	}

	// destination tx bumps to BRIDGED
	if err := repo.AttachProgress(ctx, "0x05aa", DepositProgressPatch{
		ToTxHash:  "0xCCC333",
		ToChainID: 42161,
	}); err != nil {
		t.Fatalf("attach destination: %v", err)
	}
	intent, _ = repo.GetByRefID(ctx, "0x05aa")
	if intent.Status != models.DepositStatusBridged {
		t.Fatalf("expected BRIDGED after destination tx, got %s", intent.Status)
	}
	if intent.ToChainID != 42161 {
		t.Fatalf("expected destination chain persisted, got %d", intent.ToChainID)
	}

	// a conflicting chain id is immutable too
	err = repo.AttachProgress(ctx, "0x05aa", DepositProgressPatch{ToChainID: 10})
	if !errors.As(err, &imm) || imm.Field != "toChainId" {
		t.Fatalf("expected immutable toChainId error, got %v", err)
	}
}

func TestDepositAttachProgressDoesNotRegressStatus(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	intent := newDepositIntent("0x06aa")
	intent.Status = models.DepositStatusDepositing
	if err := repo.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := repo.AttachProgress(ctx, "0x06aa", DepositProgressPatch{FromTxHash: "0xEEE"}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	got, _ := repo.GetByRefID(ctx, "0x06aa")
	if got.Status != models.DepositStatusDepositing {
		t.Fatalf("late progress must not regress status, got %s", got.Status)
	}
	if got.FromTxHash != "0xEEE" {
		t.Fatalf("fact should still be recorded, got %q", got.FromTxHash)
	}
}

func TestDepositCompleteMint(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	intent := newDepositIntent("0x07aa")
	intent.Status = models.DepositStatusMinting
	if err := repo.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := repo.CompleteMint(ctx, "0x07aa", "0xmint1")
	if err != nil || !ok {
		t.Fatalf("complete mint: ok=%v err=%v", ok, err)
	}
	// second completion finds no eligible row
	ok, err = repo.CompleteMint(ctx, "0x07aa", "0xmint2")
	if err != nil || ok {
		t.Fatalf("double mint must not match: ok=%v err=%v", ok, err)
	}
	got, _ := repo.GetByRefID(ctx, "0x07aa")
	if got.MintTxHash != "0xmint1" || got.Status != models.DepositStatusMinted {
		t.Fatalf("unexpected row after mint: status=%s hash=%s", got.Status, got.MintTxHash)
	}
	if got.ConsumedAt == nil {
		t.Fatal("expected consumedAt set")
	}
}

func TestDepositForceCompleteMint(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	intent := newDepositIntent("0x08aa")
	intent.Status = models.DepositStatusFailed
	if err := repo.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}

	// recovery path: mint landed on chain but a concurrent writer moved the row
	ok, err := repo.ForceCompleteMint(ctx, "0x08aa", "0xmintX")
	if err != nil || !ok {
		t.Fatalf("force complete: ok=%v err=%v", ok, err)
	}

	// a different hash against a recorded mint is refused
	intent2 := newDepositIntent("0x09aa")
	intent2.Status = models.DepositStatusFailed
	intent2.MintTxHash = "0xrecorded"
	if err := repo.Create(ctx, intent2); err != nil {
		t.Fatalf("create: %v", err)
	}
	ok, err = repo.ForceCompleteMint(ctx, "0x09aa", "0xother")
	if err != nil || ok {
		t.Fatalf("conflicting force mint must not match: ok=%v err=%v", ok, err)
	}
}

func TestDepositMarkFailedNeverRegressesMinted(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	intent := newDepositIntent("0x0aaa")
	intent.Status = models.DepositStatusMinted
	if err := repo.Create(ctx, intent); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkFailed(ctx, "0x0aaa", "late worker error"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, _ := repo.GetByRefID(ctx, "0x0aaa")
	if got.Status != models.DepositStatusMinted {
		t.Fatalf("MINTED must be sticky, got %s", got.Status)
	}
}

func TestDepositListRetryable(t *testing.T) {
	db := openTestDB(t)
	repo := NewDepositIntentRepository(db)
	ctx := context.Background()

	failed := newDepositIntent("0x0baa")
	failed.Status = models.DepositStatusFailed
	stale := newDepositIntent("0x0caa")
	stale.Status = models.DepositStatusDepositing
	past := time.Now().Add(-time.Minute)
	stale.ProcessingLeaseUntil = &past
	live := newDepositIntent("0x0daa")
	live.Status = models.DepositStatusDepositing
	future := time.Now().Add(time.Minute)
	live.ProcessingLeaseUntil = &future
	done := newDepositIntent("0x0eaa")
	done.Status = models.DepositStatusMinted

	for _, it := range []*models.DepositIntent{failed, stale, live, done} {
		if err := repo.Create(ctx, it); err != nil {
			t.Fatalf("create %s: %v", it.RefID, err)
		}
	}

	got, err := repo.ListRetryable(ctx, time.Now(), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	refs := map[string]bool{}
	for _, it := range got {
		refs[it.RefID] = true
	}
	if len(refs) != 2 || !refs["0x0baa"] || !refs["0x0caa"] {
		t.Fatalf("expected failed and stale rows, got %v", refs)
	}
}

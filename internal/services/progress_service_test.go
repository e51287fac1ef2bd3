package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"
)

func seedDeposit(t *testing.T, repo repository.DepositIntentRepository, user string) *models.DepositIntent {
	t.Helper()
	intent := &models.DepositIntent{
		RefID:       "0x" + fmt.Sprintf("%064x", 7001),
		User:        user,
		AdapterKey:  utils.ZeroBytes32,
		Asset:       "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913",
		Amount:      "100000000",
		Deadline:    time.Now().Add(time.Hour).Unix(),
		Nonce:       "1",
		Salt:        "0x" + fmt.Sprintf("%064x", 9),
		Digest:      "0x" + fmt.Sprintf("%064x", 77),
		Signature:   "0xsig",
		Status:      models.DepositStatusPending,
		FromChainID: 8453,
	}
	if err := repo.Create(context.Background(), intent); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return intent
}

func newTestProgress(t *testing.T) (*ProgressService, repository.DepositIntentRepository, *fakeChain) {
	t.Helper()
	gdb := openServiceTestDB(t)
	repo := repository.NewDepositIntentRepository(gdb)
	chain := newFakeChain()
	return NewProgressService(testConfig(), repo, chain, nil), repo, chain
}

func TestAttachFromTxHashBumpsToWaitingRoute(t *testing.T) {
	svc, repo, chain := newTestProgress(t)
	ctx := context.Background()
	user := "0x1111111111111111111111111111111111111aaa"
	intent := seedDeposit(t, repo, user)

	fromTx := "0x" + strings.Repeat("ab", 32)
	chain.senders[fromTx] = strings.ToUpper(user[:2]) + user[2:] // different casing on purpose

	updated, err := svc.Attach(ctx, &ProgressRequest{RefID: intent.RefID, FromTxHash: fromTx})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if updated.Status != models.DepositStatusWaitingRoute {
		t.Fatalf("status = %s, want WAITING_ROUTE", updated.Status)
	}
	if !strings.EqualFold(updated.FromTxHash, fromTx) {
		t.Fatalf("fromTxHash not recorded: %s", updated.FromTxHash)
	}
}

func TestAttachRejectsForeignSender(t *testing.T) {
	svc, repo, chain := newTestProgress(t)
	ctx := context.Background()
	intent := seedDeposit(t, repo, "0x1111111111111111111111111111111111111aaa")

	fromTx := "0x" + strings.Repeat("cd", 32)
	chain.senders[fromTx] = "0x2222222222222222222222222222222222222bbb"

	_, err := svc.Attach(ctx, &ProgressRequest{RefID: intent.RefID, FromTxHash: fromTx})
	if !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}

	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if stored.FromTxHash != "" || stored.Status != models.DepositStatusPending {
		t.Fatalf("rejected fact must not be recorded: %+v", stored)
	}
}

func TestAttachRejectsWrongDestinationChain(t *testing.T) {
	svc, repo, _ := newTestProgress(t)
	intent := seedDeposit(t, repo, "0x1111111111111111111111111111111111111aaa")

	_, err := svc.Attach(context.Background(), &ProgressRequest{RefID: intent.RefID, ToChainID: 1})
	var mismatch *DestinationMismatchError
	if !errors.As(err, &mismatch) || mismatch.Field != "toChainId" {
		t.Fatalf("expected toChainId mismatch, got %v", err)
	}
}

func TestAttachRejectsWrongDestinationToken(t *testing.T) {
	svc, repo, _ := newTestProgress(t)
	intent := seedDeposit(t, repo, "0x1111111111111111111111111111111111111aaa")

	_, err := svc.Attach(context.Background(), &ProgressRequest{
		RefID:          intent.RefID,
		ToChainID:      43114,
		ToTokenAddress: "0x4444444444444444444444444444444444444444",
	})
	var mismatch *DestinationMismatchError
	if !errors.As(err, &mismatch) || mismatch.Field != "toTokenAddress" {
		t.Fatalf("expected toTokenAddress mismatch, got %v", err)
	}
}

func TestAttachToTxHashBumpsToBridged(t *testing.T) {
	svc, repo, _ := newTestProgress(t)
	ctx := context.Background()
	intent := seedDeposit(t, repo, "0x1111111111111111111111111111111111111aaa")

	cfg := testConfig()
	updated, err := svc.Attach(ctx, &ProgressRequest{
		RefID:          intent.RefID,
		ToTxHash:       "0x" + strings.Repeat("ef", 32),
		ToChainID:      cfg.Settlement.DestinationChain,
		ToTokenAddress: cfg.Settlement.DestinationToken,
	})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if updated.Status != models.DepositStatusBridged {
		t.Fatalf("status = %s, want BRIDGED", updated.Status)
	}
}

func TestAttachImmutableConflictSurfaces(t *testing.T) {
	svc, repo, chain := newTestProgress(t)
	ctx := context.Background()
	user := "0x1111111111111111111111111111111111111aaa"
	intent := seedDeposit(t, repo, user)

	fromTx := "0x" + strings.Repeat("11", 32)
	otherTx := "0x" + strings.Repeat("22", 32)
	chain.senders[fromTx] = user
	chain.senders[otherTx] = user

	if _, err := svc.Attach(ctx, &ProgressRequest{RefID: intent.RefID, FromTxHash: fromTx}); err != nil {
		t.Fatalf("attach: %v", err)
	}
	_, err := svc.Attach(ctx, &ProgressRequest{RefID: intent.RefID, FromTxHash: otherTx})
	var immutable *repository.ImmutableFieldError
	if !errors.As(err, &immutable) {
		t.Fatalf("expected ImmutableFieldError, got %v", err)
	}

	stored, _ := repo.GetByRefID(ctx, intent.RefID)
	if !strings.EqualFold(stored.FromTxHash, fromTx) {
		t.Fatalf("first writer must win, got %s", stored.FromTxHash)
	}
}

func TestAttachUnknownRefID(t *testing.T) {
	svc, _, _ := newTestProgress(t)
	_, err := svc.Attach(context.Background(), &ProgressRequest{RefID: "0x" + fmt.Sprintf("%064x", 404)})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

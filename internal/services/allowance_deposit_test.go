package services

import (
	"context"
	"math/big"
	"strings"
	"testing"
	"time"
)

func newTestAllowanceDeposit(chain *fakeChain) *AllowanceDeposit {
	a := NewAllowanceDeposit(chain)
	a.clock = &fakeClock{now: time.Unix(0, 0)}
	return a
}

const (
	testToken = "0x9702230a8ea53601f5cd2dc00fdbc13d4df4a8c7"
	testVault = "0x1111111111111111111111111111111111111111"
)

func TestAllowanceDepositInsufficientBalance(t *testing.T) {
	chain := newFakeChain()
	a := newTestAllowanceDeposit(chain)

	chain.setBalance(43114, testToken, chain.relayer, big.NewInt(50))
	_, err := a.Deposit(context.Background(), 43114, testToken, testVault, big.NewInt(100), chain.relayer)
	if err == nil || !strings.Contains(err.Error(), "insufficient balance") {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if len(chain.callOps()) != 0 {
		t.Fatalf("no transaction must be sent, got %v", chain.callOps())
	}
}

func TestAllowanceDepositFreshApproval(t *testing.T) {
	chain := newFakeChain()
	a := newTestAllowanceDeposit(chain)

	amount := big.NewInt(99500000)
	chain.setBalance(43114, testToken, chain.relayer, amount)

	txHash, err := a.Deposit(context.Background(), 43114, testToken, testVault, amount, chain.relayer)
	if err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if txHash == "" {
		t.Fatal("expected a deposit tx hash")
	}

	ops := chain.callOps()
	want := []string{"approve", "vault_deposit"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Fatalf("ops = %v, want %v", ops, want)
		}
	}
}

func TestAllowanceDepositZeroResetBeforeRaise(t *testing.T) {
	chain := newFakeChain()
	a := newTestAllowanceDeposit(chain)

	amount := big.NewInt(100000000)
	chain.setBalance(43114, testToken, chain.relayer, amount)
	// stale nonzero allowance forces the approve(0) -> approve(N) dance
	chain.setAllowance(43114, testToken, chain.relayer, testVault, big.NewInt(7))

	if _, err := a.Deposit(context.Background(), 43114, testToken, testVault, amount, chain.relayer); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	ops := chain.callOps()
	want := []string{"approve", "approve", "vault_deposit"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
	chain.mu.Lock()
	first, second := chain.calls[0], chain.calls[1]
	chain.mu.Unlock()
	if first.Amount.Sign() != 0 {
		t.Fatalf("first approve must be zero, got %s", first.Amount)
	}
	if second.Amount.Cmp(amount) != 0 {
		t.Fatalf("second approve must be %s, got %s", amount, second.Amount)
	}
}

func TestAllowanceDepositSkipsApprovalWhenSufficient(t *testing.T) {
	chain := newFakeChain()
	a := newTestAllowanceDeposit(chain)

	amount := big.NewInt(100)
	chain.setBalance(43114, testToken, chain.relayer, amount)
	chain.setAllowance(43114, testToken, chain.relayer, testVault, big.NewInt(1000))

	if _, err := a.Deposit(context.Background(), 43114, testToken, testVault, amount, chain.relayer); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	ops := chain.callOps()
	if len(ops) != 1 || ops[0] != "vault_deposit" {
		t.Fatalf("expected only vault_deposit, got %v", ops)
	}
}

func TestAllowanceDepositProceedsOnStaleAllowanceRead(t *testing.T) {
	chain := newFakeChain()
	a := newTestAllowanceDeposit(chain)

	amount := big.NewInt(100)
	chain.setBalance(43114, testToken, chain.relayer, amount)

	// approval lands but every allowance read stays stale
	chain.staleAllowanceReads = true
	if _, err := a.Deposit(context.Background(), 43114, testToken, testVault, amount, chain.relayer); err != nil {
		t.Fatalf("deposit must proceed despite re-reads: %v", err)
	}
	ops := chain.callOps()
	if ops[len(ops)-1] != "vault_deposit" {
		t.Fatalf("deposit must still run, got %v", ops)
	}
}

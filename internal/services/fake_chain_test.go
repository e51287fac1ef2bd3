package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"
)

type chainCall struct {
	Op     string
	Chain  int64
	To     string
	Amount *big.Int
	Extra  string
}

// fakeChain is an in-memory ChainClient. Balances and allowances are keyed
// by chain:token:holder; failOps injects an error for a named operation.
type fakeChain struct {
	mu         sync.Mutex
	relayer    string
	senders    map[string]string
	balances   map[string]*big.Int
	allowances map[string]*big.Int
	calls      []chainCall
	failOps    map[string]error
	txLogs     map[string][]types.Log
	txCounter  int

	// when set, Approve lands but allowance reads never reflect it
	staleAllowanceReads bool
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		relayer:    "0x00000000000000000000000000000000000Be001",
		senders:    make(map[string]string),
		balances:   make(map[string]*big.Int),
		allowances: make(map[string]*big.Int),
		failOps:    make(map[string]error),
		txLogs:     make(map[string][]types.Log),
	}
}

func acctKey(chainID int64, token, holder string) string {
	return fmt.Sprintf("%d:%s:%s", chainID, strings.ToLower(token), strings.ToLower(holder))
}

func (f *fakeChain) setBalance(chainID int64, token, holder string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[acctKey(chainID, token, holder)] = new(big.Int).Set(amount)
}

func (f *fakeChain) setAllowance(chainID int64, token, owner, spender string, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[acctKey(chainID, token, owner)+":"+strings.ToLower(spender)] = new(big.Int).Set(amount)
}

func (f *fakeChain) fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOps[op] = err
}

func (f *fakeChain) callOps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ops := make([]string, len(f.calls))
	for i, c := range f.calls {
		ops[i] = c.Op
	}
	return ops
}

func (f *fakeChain) record(op string, chainID int64, to string, amount *big.Int, extra string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOps[op]; err != nil {
		return "", err
	}
	f.calls = append(f.calls, chainCall{Op: op, Chain: chainID, To: to, Amount: amount, Extra: extra})
	f.txCounter++
	return fmt.Sprintf("0x%064x", f.txCounter), nil
}

func (f *fakeChain) RelayerAddress(chainID int64) (string, error) {
	return f.relayer, nil
}

func (f *fakeChain) TransactionSender(ctx context.Context, chainID int64, txHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sender, ok := f.senders[strings.ToLower(txHash)]
	if !ok {
		return "", fmt.Errorf("transaction %s not found on chain %d", txHash, chainID)
	}
	return sender, nil
}

func (f *fakeChain) TransactionLogs(ctx context.Context, chainID int64, txHash string) ([]types.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txLogs[strings.ToLower(txHash)], nil
}

func (f *fakeChain) ConfirmTransaction(ctx context.Context, chainID int64, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failOps["confirm"]
}

func (f *fakeChain) NativeBalance(ctx context.Context, chainID int64, account string) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeChain) TokenBalance(ctx context.Context, chainID int64, token, holder string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[acctKey(chainID, token, holder)]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) TokenAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.allowances[acctKey(chainID, token, owner)+":"+strings.ToLower(spender)]; ok {
		return new(big.Int).Set(a), nil
	}
	return big.NewInt(0), nil
}

func (f *fakeChain) Approve(ctx context.Context, chainID int64, token, spender string, amount *big.Int) (string, error) {
	hash, err := f.record("approve", chainID, token, amount, spender)
	if err != nil {
		return "", err
	}
	if !f.staleAllowanceReads {
		f.setAllowance(chainID, token, f.relayer, spender, amount)
	}
	return hash, nil
}

func (f *fakeChain) TransferToken(ctx context.Context, chainID int64, token, recipient string, amount *big.Int) (string, error) {
	return f.record("transfer", chainID, token, amount, recipient)
}

func (f *fakeChain) VaultDeposit(ctx context.Context, chainID int64, vault string, assets *big.Int, receiver string) (string, error) {
	return f.record("vault_deposit", chainID, vault, assets, receiver)
}

func (f *fakeChain) RecordDeposit(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error) {
	return f.record("record_deposit", chainID, rewardsVault, shares, user)
}

func (f *fakeChain) RecordWithdrawal(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error) {
	return f.record("record_withdrawal", chainID, rewardsVault, shares, user)
}

func (f *fakeChain) SafeVaultWithdraw(ctx context.Context, chainID int64, safe, vault string, assets *big.Int, receiver string) (string, error) {
	return f.record("safe_exec", chainID, safe, assets, receiver)
}

func (f *fakeChain) SubmitCallData(ctx context.Context, chainID int64, to string, data []byte, value *big.Int) (string, error) {
	return f.record("calldata", chainID, to, value, "")
}

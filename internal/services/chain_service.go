package services

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ChainClient is the chain surface the settlement executors run against.
// Every write waits for inclusion plus the configured confirmation depth and
// returns the transaction hash.
type ChainClient interface {
	RelayerAddress(chainID int64) (string, error)
	TransactionSender(ctx context.Context, chainID int64, txHash string) (string, error)
	TransactionLogs(ctx context.Context, chainID int64, txHash string) ([]types.Log, error)
	ConfirmTransaction(ctx context.Context, chainID int64, txHash string) error
	NativeBalance(ctx context.Context, chainID int64, account string) (*big.Int, error)
	TokenBalance(ctx context.Context, chainID int64, token, holder string) (*big.Int, error)
	TokenAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error)
	Approve(ctx context.Context, chainID int64, token, spender string, amount *big.Int) (string, error)
	TransferToken(ctx context.Context, chainID int64, token, recipient string, amount *big.Int) (string, error)
	VaultDeposit(ctx context.Context, chainID int64, vault string, assets *big.Int, receiver string) (string, error)
	RecordDeposit(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error)
	RecordWithdrawal(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error)
	SafeVaultWithdraw(ctx context.Context, chainID int64, safe, vault string, assets *big.Int, receiver string) (string, error)
	SubmitCallData(ctx context.Context, chainID int64, to string, data []byte, value *big.Int) (string, error)
}

// ChainService implements ChainClient over JSON-RPC with the relayer key.
type ChainService struct {
	clients       map[int64]*ethclient.Client
	keys          map[int64]*ecdsa.PrivateKey
	names         map[int64]string
	gasLimits     map[int64]uint64
	confirmations int

	// serializes sends per chain so pending nonces never collide
	sendMu map[int64]*sync.Mutex
}

// NewChainService dials every enabled network. Endpoints are tried in order,
// the first one that answers NetworkID wins.
func NewChainService(cfg *config.Config) (*ChainService, error) {
	s := &ChainService{
		clients:       make(map[int64]*ethclient.Client),
		keys:          make(map[int64]*ecdsa.PrivateKey),
		names:         make(map[int64]string),
		gasLimits:     make(map[int64]uint64),
		confirmations: cfg.Settlement.ConfirmationDepth,
		sendMu:        make(map[int64]*sync.Mutex),
	}

	for networkName, network := range cfg.Blockchain.Networks {
		if !network.Enabled {
			continue
		}

		var client *ethclient.Client
		var lastErr error
		for _, endpoint := range network.RPCEndpoints {
			c, err := ethclient.Dial(endpoint)
			if err != nil {
				lastErr = err
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			_, err = c.NetworkID(ctx)
			cancel()
			if err != nil {
				lastErr = err
				c.Close()
				continue
			}
			client = c
			break
		}
		if client == nil {
			return nil, fmt.Errorf("failed to connect to %s network: %w", networkName, lastErr)
		}

		key, err := crypto.HexToECDSA(network.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("invalid private key for network %s: %w", networkName, err)
		}

		s.clients[network.ChainID] = client
		s.keys[network.ChainID] = key
		s.names[network.ChainID] = networkName
		s.gasLimits[network.ChainID] = network.GasLimit
		s.sendMu[network.ChainID] = &sync.Mutex{}
		log.Printf("✅ connected RPC for %s (chain %d), relayer %s",
			networkName, network.ChainID, crypto.PubkeyToAddress(key.PublicKey).Hex())
	}

	if len(s.clients) == 0 {
		return nil, fmt.Errorf("no enabled blockchain networks")
	}
	return s, nil
}

func (s *ChainService) client(chainID int64) (*ethclient.Client, error) {
	c, ok := s.clients[chainID]
	if !ok {
		return nil, fmt.Errorf("no RPC client for chain %d", chainID)
	}
	return c, nil
}

func (s *ChainService) chainName(chainID int64) string {
	if name, ok := s.names[chainID]; ok {
		return name
	}
	return fmt.Sprintf("%d", chainID)
}

// RelayerAddress returns the relayer address used on the given chain.
func (s *ChainService) RelayerAddress(chainID int64) (string, error) {
	key, ok := s.keys[chainID]
	if !ok {
		return "", fmt.Errorf("no signing key for chain %d", chainID)
	}
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// TransactionSender resolves the from-address of an on-chain transaction.
// Pending transactions resolve too; the caller decides whether that matters.
func (s *ChainService) TransactionSender(ctx context.Context, chainID int64, txHash string) (string, error) {
	client, err := s.client(chainID)
	if err != nil {
		return "", err
	}
	tx, _, err := client.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", fmt.Errorf("transaction %s not found on chain %d: %w", txHash, chainID, err)
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(chainID)), tx)
	if err != nil {
		return "", fmt.Errorf("failed to recover sender of %s: %w", txHash, err)
	}
	return from.Hex(), nil
}

// ConfirmTransaction waits until txHash is buried under the configured
// confirmation depth. Used before trusting amounts delivered by third-party
// transactions, a freshly indexed bridge payout can still reorg away.
func (s *ChainService) ConfirmTransaction(ctx context.Context, chainID int64, txHash string) error {
	client, err := s.client(chainID)
	if err != nil {
		return err
	}
	receipt, err := s.waitForReceipt(ctx, client, common.HexToHash(txHash))
	if err != nil {
		return err
	}
	return s.waitForConfirmations(ctx, client, receipt.BlockNumber)
}

// TransactionLogs returns the event logs of a mined transaction.
func (s *ChainService) TransactionLogs(ctx context.Context, chainID int64, txHash string) ([]types.Log, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	receipt, err := client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("no receipt for %s on chain %d: %w", txHash, chainID, err)
	}
	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, l := range receipt.Logs {
		logs = append(logs, *l)
	}
	return logs, nil
}

func (s *ChainService) NativeBalance(ctx context.Context, chainID int64, account string) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	return client.BalanceAt(ctx, common.HexToAddress(account), nil)
}

func (s *ChainService) readUint256(ctx context.Context, chainID int64, to string, data []byte) (*big.Int, error) {
	client, err := s.client(chainID)
	if err != nil {
		return nil, err
	}
	target := common.HexToAddress(to)
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &target, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call to %s on chain %d failed: %w", to, chainID, err)
	}
	return unpackUint256(out)
}

func (s *ChainService) TokenBalance(ctx context.Context, chainID int64, token, holder string) (*big.Int, error) {
	data, err := packBalanceOf(common.HexToAddress(holder))
	if err != nil {
		return nil, err
	}
	return s.readUint256(ctx, chainID, token, data)
}

func (s *ChainService) TokenAllowance(ctx context.Context, chainID int64, token, owner, spender string) (*big.Int, error) {
	data, err := packAllowance(common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return s.readUint256(ctx, chainID, token, data)
}

func (s *ChainService) Approve(ctx context.Context, chainID int64, token, spender string, amount *big.Int) (string, error) {
	data, err := packApprove(common.HexToAddress(spender), amount)
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, token, data, nil, "approve")
}

func (s *ChainService) TransferToken(ctx context.Context, chainID int64, token, recipient string, amount *big.Int) (string, error) {
	data, err := packTransfer(common.HexToAddress(recipient), amount)
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, token, data, nil, "transfer")
}

func (s *ChainService) VaultDeposit(ctx context.Context, chainID int64, vault string, assets *big.Int, receiver string) (string, error) {
	data, err := packVaultDeposit(assets, common.HexToAddress(receiver))
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, vault, data, nil, "vault_deposit")
}

func (s *ChainService) RecordDeposit(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error) {
	data, err := packRecordDeposit(common.HexToAddress(user), shares)
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, rewardsVault, data, nil, "record_deposit")
}

func (s *ChainService) RecordWithdrawal(ctx context.Context, chainID int64, rewardsVault, user string, shares *big.Int) (string, error) {
	data, err := packRecordWithdrawal(common.HexToAddress(user), shares)
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, rewardsVault, data, nil, "record_withdrawal")
}

// SafeVaultWithdraw redeems vault assets held by the multisig: the Safe calls
// vault.withdraw(assets, receiver, safe) under a pre-validated owner
// signature from the relayer.
func (s *ChainService) SafeVaultWithdraw(ctx context.Context, chainID int64, safe, vault string, assets *big.Int, receiver string) (string, error) {
	relayer, err := s.RelayerAddress(chainID)
	if err != nil {
		return "", err
	}
	inner, err := packVaultWithdraw(assets, common.HexToAddress(receiver), common.HexToAddress(safe))
	if err != nil {
		return "", err
	}
	data, err := packSafeExecTransaction(common.HexToAddress(vault), inner, common.HexToAddress(relayer))
	if err != nil {
		return "", err
	}
	return s.sendAndWait(ctx, chainID, safe, data, nil, "safe_exec")
}

func (s *ChainService) SubmitCallData(ctx context.Context, chainID int64, to string, data []byte, value *big.Int) (string, error) {
	return s.sendAndWait(ctx, chainID, to, data, value, "calldata")
}

// sendAndWait signs and submits an EIP-1559 transaction, waits for the
// receipt and the confirmation depth, and fails on revert.
func (s *ChainService) sendAndWait(ctx context.Context, chainID int64, to string, data []byte, value *big.Int, op string) (string, error) {
	client, err := s.client(chainID)
	if err != nil {
		return "", err
	}
	key, ok := s.keys[chainID]
	if !ok {
		return "", fmt.Errorf("no signing key for chain %d", chainID)
	}
	if value == nil {
		value = big.NewInt(0)
	}

	mu := s.sendMu[chainID]
	mu.Lock()
	signedTx, err := s.buildAndSend(ctx, client, key, chainID, to, data, value)
	mu.Unlock()
	if err != nil {
		metrics.ChainTxFailed.WithLabelValues(s.chainName(chainID), op).Inc()
		return "", err
	}
	metrics.ChainTxSubmitted.WithLabelValues(s.chainName(chainID), op).Inc()

	receipt, err := s.waitForReceipt(ctx, client, signedTx.Hash())
	if err != nil {
		metrics.ChainTxFailed.WithLabelValues(s.chainName(chainID), op).Inc()
		return signedTx.Hash().Hex(), err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		metrics.ChainTxFailed.WithLabelValues(s.chainName(chainID), op).Inc()
		return signedTx.Hash().Hex(), fmt.Errorf("transaction %s reverted on chain %d", signedTx.Hash().Hex(), chainID)
	}
	if err := s.waitForConfirmations(ctx, client, receipt.BlockNumber); err != nil {
		return signedTx.Hash().Hex(), err
	}
	return signedTx.Hash().Hex(), nil
}

func (s *ChainService) buildAndSend(ctx context.Context, client *ethclient.Client, key *ecdsa.PrivateKey, chainID int64, to string, data []byte, value *big.Int) (*types.Transaction, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	target := common.HexToAddress(to)

	nonce, err := client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch nonce: %w", err)
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch gas tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch head: %w", err)
	}
	// feeCap = 2*baseFee + tip, room for two full base fee increases
	feeCap := new(big.Int).Add(
		new(big.Int).Mul(head.BaseFee, big.NewInt(2)),
		tip,
	)

	gasLimit, err := client.EstimateGas(ctx, ethereum.CallMsg{
		From:  from,
		To:    &target,
		Data:  data,
		Value: value,
	})
	if err != nil {
		// estimation can fail transiently on some RPCs; fall back to the
		// configured ceiling
		if fallback := s.gasLimits[chainID]; fallback > 0 {
			gasLimit = fallback
		} else {
			return nil, fmt.Errorf("gas estimation failed: %w", err)
		}
	} else {
		gasLimit = gasLimit + gasLimit/5 // 20% headroom
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(chainID),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(chainID)), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := client.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx, nil
}

func (s *ChainService) waitForReceipt(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.After(5 * time.Minute)

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for receipt of %s", txHash.Hex())
		case <-ticker.C:
		}
	}
}

func (s *ChainService) waitForConfirmations(ctx context.Context, client *ethclient.Client, minedAt *big.Int) error {
	if s.confirmations <= 1 {
		return nil
	}
	target := new(big.Int).Add(minedAt, big.NewInt(int64(s.confirmations-1)))
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	deadline := time.After(5 * time.Minute)

	for {
		head, err := client.BlockNumber(ctx)
		if err == nil && new(big.Int).SetUint64(head).Cmp(target) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("timed out waiting for %d confirmations", s.confirmations)
		case <-ticker.C:
		}
	}
}

// Close releases every RPC connection.
func (s *ChainService) Close() {
	for _, client := range s.clients {
		client.Close()
	}
}

package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
)

var (
	erc20TransferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	vaultDepositTopic  = crypto.Keccak256Hash([]byte("Deposit(address,address,uint256,uint256)"))
)

const (
	allowanceRereadTries = 3
	allowanceRereadDelay = 2 * time.Second
)

// AllowanceDeposit ensures a spender allowance and performs the vault
// deposit. Approvals go through the zero-reset dance because several tokens
// revert on a nonzero-to-nonzero approval change.
type AllowanceDeposit struct {
	chain ChainClient
	clock Clock
	log   *logrus.Entry
}

func NewAllowanceDeposit(chain ChainClient) *AllowanceDeposit {
	return &AllowanceDeposit{
		chain: chain,
		clock: SystemClock,
		log:   logrus.WithField("component", "allowance_deposit"),
	}
}

// Deposit checks balance, ensures allowance and deposits amount into the
// vault crediting receiver. Returns the deposit transaction hash.
func (a *AllowanceDeposit) Deposit(ctx context.Context, chainID int64, token, vault string, amount *big.Int, receiver string) (string, error) {
	holder, err := a.chain.RelayerAddress(chainID)
	if err != nil {
		return "", err
	}

	balance, err := a.chain.TokenBalance(ctx, chainID, token, holder)
	if err != nil {
		return "", fmt.Errorf("failed to read balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		return "", fmt.Errorf("insufficient balance: have %s, need %s", balance, amount)
	}

	if err := a.ensureAllowance(ctx, chainID, token, holder, vault, amount); err != nil {
		return "", err
	}

	txHash, err := a.chain.VaultDeposit(ctx, chainID, vault, amount, receiver)
	if err != nil {
		return "", fmt.Errorf("vault deposit failed: %w", err)
	}

	a.verifyDepositEvents(ctx, chainID, txHash, token, vault, holder, receiver, amount)
	return txHash, nil
}

func (a *AllowanceDeposit) ensureAllowance(ctx context.Context, chainID int64, token, holder, spender string, amount *big.Int) error {
	allowance, err := a.chain.TokenAllowance(ctx, chainID, token, holder, spender)
	if err != nil {
		return fmt.Errorf("failed to read allowance: %w", err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	if allowance.Sign() > 0 {
		if _, err := a.chain.Approve(ctx, chainID, token, spender, big.NewInt(0)); err != nil {
			return fmt.Errorf("approve reset failed: %w", err)
		}
	}
	if _, err := a.chain.Approve(ctx, chainID, token, spender, amount); err != nil {
		return fmt.Errorf("approve failed: %w", err)
	}

	// some RPCs serve stale reads right after the approval lands; re-read a
	// few times but proceed either way, the deposit call is the real gate
	for i := 0; i < allowanceRereadTries; i++ {
		current, err := a.chain.TokenAllowance(ctx, chainID, token, holder, spender)
		if err == nil && current.Cmp(amount) >= 0 {
			return nil
		}
		if err := a.clock.Sleep(ctx, allowanceRereadDelay); err != nil {
			return err
		}
	}
	a.log.WithFields(logrus.Fields{
		"token":   token,
		"spender": spender,
		"amount":  amount.String(),
	}).Warn("allowance still reads low after approval, proceeding anyway")
	return nil
}

// verifyDepositEvents confirms the deposit moved what it should have:
// an ERC-20 Transfer of amount from holder to vault and a vault Deposit
// event crediting the receiver. Best-effort, absence is logged not fatal.
func (a *AllowanceDeposit) verifyDepositEvents(ctx context.Context, chainID int64, txHash, token, vault, holder, receiver string, amount *big.Int) {
	logs, err := a.chain.TransactionLogs(ctx, chainID, txHash)
	if err != nil {
		a.log.WithError(err).WithField("tx", txHash).Warn("could not fetch deposit logs")
		return
	}

	transferSeen := false
	depositSeen := false
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		switch l.Topics[0] {
		case erc20TransferTopic:
			if !strings.EqualFold(l.Address.Hex(), token) || len(l.Topics) < 3 {
				continue
			}
			from := common.BytesToAddress(l.Topics[1].Bytes())
			to := common.BytesToAddress(l.Topics[2].Bytes())
			value := new(big.Int).SetBytes(l.Data)
			if strings.EqualFold(from.Hex(), holder) && strings.EqualFold(to.Hex(), vault) && value.Cmp(amount) == 0 {
				transferSeen = true
			}
		case vaultDepositTopic:
			if !strings.EqualFold(l.Address.Hex(), vault) || len(l.Topics) < 3 {
				continue
			}
			owner := common.BytesToAddress(l.Topics[2].Bytes())
			if strings.EqualFold(owner.Hex(), receiver) {
				depositSeen = true
			}
		}
	}

	if !transferSeen {
		a.log.WithFields(logrus.Fields{"tx": txHash, "amount": amount.String()}).
			Warn("deposit succeeded but no matching token transfer event found")
	}
	if !depositSeen {
		a.log.WithFields(logrus.Fields{"tx": txHash, "receiver": receiver}).
			Warn("deposit succeeded but no vault deposit event credits the receiver")
	}
}

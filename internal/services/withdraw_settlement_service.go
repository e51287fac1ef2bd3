package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"yldr-backend/internal/clients"
	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"

	"github.com/sirupsen/logrus"
)

// BridgeQuoteClient is the quote surface of the bridge API.
type BridgeQuoteClient interface {
	GetQuote(ctx context.Context, req *clients.LiFiQuoteRequest) (*clients.LiFiQuoteResponse, error)
}

// WithdrawFinishResult reports the outcome of a finish call.
type WithdrawFinishResult struct {
	Status     models.WithdrawStatus
	Processing bool
	Already    bool
	ToTxHash   string
	AmountOut  string
}

// CompensationSummary reports which compensating actions ran after a direct
// withdrawal failed partway.
type CompensationSummary struct {
	SharesMintedBack bool `json:"sharesMintedBack"`
	DepositBackTried bool `json:"depositBackTried"`
	DepositBackOk    bool `json:"depositBackOk"`
	TransferFallback bool `json:"transferFallback"`
}

// WithdrawStageError names the failed stage of a direct withdrawal and what
// was compensated. The original failure is never masked by compensation
// outcomes.
type WithdrawStageError struct {
	Stage       string
	Err         error
	Compensated CompensationSummary
}

func (e *WithdrawStageError) Error() string {
	return fmt.Sprintf("withdrawal failed at stage %s: %v", e.Stage, e.Err)
}

func (e *WithdrawStageError) Unwrap() error {
	return e.Err
}

// DirectWithdrawRequest is the directly-invoked compensated variant: no
// stored intent, burn/redeem/bridge in one call.
type DirectWithdrawRequest struct {
	User       string `json:"user" binding:"required"`
	Assets     string `json:"assets" binding:"required"` // 6d underlying units
	DstChainID int64  `json:"dstChainId"`
	DstToken   string `json:"dstToken"`
}

// DirectWithdrawResult is the happy-path response of the direct variant.
type DirectWithdrawResult struct {
	BurnTxHash   string `json:"burnTxHash"`
	SafeExecHash string `json:"safeExecHash"`
	BridgeTxHash string `json:"bridgeTxHash,omitempty"`
	ToAmount     string `json:"toAmount"`
	Receiver     string `json:"receiver"`
}

// WithdrawSettlementService runs the withdrawal pipeline: burn the receipt
// shares, redeem underlying from the vault through the Safe, return value to
// the user. The intent-driven flow resumes from recorded step hashes; the
// direct flow compensates completed steps on failure.
type WithdrawSettlementService struct {
	cfg       *config.Config
	repo      repository.WithdrawIntentRepository
	chain     ChainClient
	allowance *AllowanceDeposit
	bridge    BridgeWaiter
	quotes    BridgeQuoteClient
	fallback  *clients.DeBridgeClient
	publisher StatusPublisher
	clock     Clock
	log       *logrus.Entry
}

func NewWithdrawSettlementService(cfg *config.Config, repo repository.WithdrawIntentRepository, chain ChainClient, allowance *AllowanceDeposit, bridge BridgeWaiter, quotes BridgeQuoteClient, publisher StatusPublisher) *WithdrawSettlementService {
	return &WithdrawSettlementService{
		cfg:       cfg,
		repo:      repo,
		chain:     chain,
		allowance: allowance,
		bridge:    bridge,
		quotes:    quotes,
		publisher: publisher,
		clock:     SystemClock,
		log:       logrus.WithField("component", "withdraw_settlement"),
	}
}

// Finish drives one withdraw intent to SUCCESS or the next retryable stop.
func (s *WithdrawSettlementService) Finish(ctx context.Context, refID string) (*WithdrawFinishResult, error) {
	started := time.Now()

	owner, err := s.repo.TryLock(ctx, refID, s.cfg.WithdrawLeaseTTL())
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyDone) {
			return &WithdrawFinishResult{Status: models.WithdrawStatusSuccess, Already: true}, nil
		}
		var busy *repository.LockBusyError
		if errors.As(err, &busy) {
			metrics.LockContention.WithLabelValues("withdraw").Inc()
			return &WithdrawFinishResult{Status: models.WithdrawStatus(busy.Status), Processing: true}, nil
		}
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"ref_id": refID, "owner": owner})
	result, err := s.runFinish(ctx, log, owner, refID)
	if err != nil {
		stage := "settlement"
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			stage = stepErr.Step
		}
		metrics.IntentsFailed.WithLabelValues("withdraw", stage).Inc()
		if markErr := s.repo.MarkFailed(ctx, refID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to record failure")
		}
		s.publishStatus(ctx, refID, "")
		return nil, err
	}

	metrics.IntentsSettled.WithLabelValues("withdraw").Inc()
	metrics.SettlementDuration.WithLabelValues("withdraw").Observe(time.Since(started).Seconds())
	return result, nil
}

func (s *WithdrawSettlementService) advance(ctx context.Context, refID string, from, to models.WithdrawStatus, patch map[string]interface{}) error {
	outcome, err := s.repo.Advance(ctx, refID, from, to, patch)
	if err != nil {
		return err
	}
	if outcome == repository.OutcomeRefused {
		return fmt.Errorf("cannot advance %s from %s to %s: state changed underneath", refID, from, to)
	}
	return nil
}

func (s *WithdrawSettlementService) runFinish(ctx context.Context, log *logrus.Entry, owner, refID string) (*WithdrawFinishResult, error) {
	intent, err := s.repo.GetByRefID(ctx, refID)
	if err != nil {
		return nil, err
	}

	shares, err := utils.ParseAmount(intent.AmountShares)
	if err != nil {
		return nil, &StepError{Step: "validate", Err: fmt.Errorf("invalid share amount: %w", err)}
	}
	minOut, err := utils.ParseAmount(intent.MinAmountOut)
	if err != nil {
		return nil, &StepError{Step: "validate", Err: fmt.Errorf("invalid minAmountOut: %w", err)}
	}
	assets := utils.ScaleAmount(shares, s.cfg.Settlement.ShareDecimals, s.cfg.Settlement.AssetDecimals)

	// burn the receipt shares on the accounting chain
	if intent.BurnTxHash == "" {
		burnTx, err := s.chain.RecordWithdrawal(ctx, s.cfg.Settlement.AccountingChain,
			s.cfg.Settlement.RewardsVault, intent.User, shares)
		if err != nil {
			return nil, &StepError{Step: "burn", Err: err}
		}
		if err := s.repo.RecordStepTx(ctx, refID, "burn_tx_hash", burnTx); err != nil {
			return nil, &StepError{Step: "burn", Err: err}
		}
		log.WithField("burn_tx", burnTx).Info("receipt shares burned")
	}
	if err := s.advance(ctx, refID, models.WithdrawStatusProcessing, models.WithdrawStatusBurned, nil); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, refID, "")

	// redeem the underlying from the vault through the Safe
	if intent.RedeemTxHash == "" {
		if err := s.advance(ctx, refID, models.WithdrawStatusBurned, models.WithdrawStatusRedeeming, nil); err != nil {
			return nil, err
		}
		if err := s.repo.RenewLease(ctx, refID, owner, s.cfg.WithdrawLeaseTTL()); err != nil {
			return nil, err
		}
		relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
		if err != nil {
			return nil, &StepError{Step: "safe-exec", Err: err}
		}
		redeemTx, err := s.chain.SafeVaultWithdraw(ctx, s.cfg.Settlement.DestinationChain,
			s.cfg.Settlement.SafeVault, s.cfg.Settlement.DestinationVault, assets, relayer)
		if err != nil {
			return nil, &StepError{Step: "safe-exec", Err: err}
		}
		if err := s.repo.RecordStepTx(ctx, refID, "redeem_tx_hash", redeemTx); err != nil {
			return nil, &StepError{Step: "safe-exec", Err: err}
		}
		log.WithField("redeem_tx", redeemTx).Info("vault assets redeemed via Safe")
	} else {
		if err := s.advance(ctx, refID, models.WithdrawStatusBurned, models.WithdrawStatusRedeeming, nil); err != nil {
			return nil, err
		}
	}
	if err := s.advance(ctx, refID, models.WithdrawStatusRedeeming, models.WithdrawStatusRedeemed, nil); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, refID, "")

	// the redeemed assets land with the relayer; wait until they are spendable
	if err := s.waitForBalance(ctx, minOut); err != nil {
		return nil, &StepError{Step: "balance", Err: err}
	}

	if err := s.repo.EnsureOwner(ctx, refID, owner); err != nil {
		return nil, err
	}

	toTx, amountOut, err := s.deliver(ctx, log, owner, intent, assets, minOut)
	if err != nil {
		return nil, &StepError{Step: "bridge", Err: err}
	}

	matched, err := s.repo.CompleteSuccess(ctx, refID, toTx, amountOut)
	if err != nil {
		return nil, err
	}
	if !matched {
		current, err := s.repo.GetByRefID(ctx, refID)
		if err != nil {
			return nil, err
		}
		if current.Status != models.WithdrawStatusSuccess {
			return nil, fmt.Errorf("could not finalize withdrawal from status %s", current.Status)
		}
	}
	s.publishStatus(ctx, refID, toTx)
	log.WithFields(logrus.Fields{"to_tx": toTx, "amount_out": amountOut}).Info("withdraw intent settled")
	return &WithdrawFinishResult{Status: models.WithdrawStatusSuccess, ToTxHash: toTx, AmountOut: amountOut}, nil
}

// waitForBalance polls the relayer's destination-token balance until it
// covers the threshold.
func (s *WithdrawSettlementService) waitForBalance(ctx context.Context, threshold *big.Int) error {
	relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
	if err != nil {
		return err
	}
	interval := time.Duration(s.cfg.Settlement.BalancePollSec) * time.Second
	timeout := time.Duration(s.cfg.Settlement.BalanceWaitSec) * time.Second
	return Poll(ctx, s.clock, interval, timeout, func(ctx context.Context) (bool, error) {
		balance, err := s.chain.TokenBalance(ctx, s.cfg.Settlement.DestinationChain, s.cfg.Settlement.DestinationToken, relayer)
		if err != nil {
			return false, nil
		}
		return balance.Cmp(threshold) >= 0, nil
	})
}

// deliver moves the redeemed assets to the user: a plain transfer when the
// user wants the destination-chain asset, a bridge otherwise.
func (s *WithdrawSettlementService) deliver(ctx context.Context, log *logrus.Entry, owner string, intent *models.WithdrawIntent, assets, minOut *big.Int) (string, string, error) {
	sameChain := intent.DstChainID == s.cfg.Settlement.DestinationChain &&
		strings.EqualFold(intent.DstToken, s.cfg.Settlement.DestinationToken)

	if err := s.advance(ctx, intent.RefID, models.WithdrawStatusRedeemed, models.WithdrawStatusBridging, nil); err != nil {
		return "", "", err
	}

	if sameChain {
		txHash, err := s.chain.TransferToken(ctx, s.cfg.Settlement.DestinationChain,
			s.cfg.Settlement.DestinationToken, intent.User, assets)
		if err != nil {
			return "", "", err
		}
		return txHash, assets.String(), nil
	}

	fromTx := intent.FromTxHash
	if fromTx == "" {
		quote, err := s.quoteBridge(ctx, intent, assets)
		if err != nil {
			return "", "", s.annotateQuoteFailure(ctx, err, intent.DstChainID, intent.DstToken, intent.User, assets)
		}
		if quote.Estimate.ToAmountMin != "" {
			quoted, err := utils.ParseAmount(quote.Estimate.ToAmountMin)
			if err == nil && quoted.Cmp(minOut) < 0 {
				return "", "", fmt.Errorf("bridge quote %s below requested minimum %s", quoted, minOut)
			}
		}
		if quote.TransactionRequest == nil {
			return "", "", fmt.Errorf("bridge quote carries no transaction request")
		}

		relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
		if err != nil {
			return "", "", err
		}
		if quote.Estimate.ApprovalAddress != "" {
			if err := s.allowance.ensureAllowance(ctx, s.cfg.Settlement.DestinationChain,
				s.cfg.Settlement.DestinationToken, relayer, quote.Estimate.ApprovalAddress, assets); err != nil {
				return "", "", err
			}
		}

		data, err := decodeHexData(quote.TransactionRequest.Data)
		if err != nil {
			return "", "", err
		}
		value, err := parseTxValue(quote.TransactionRequest.Value)
		if err != nil {
			return "", "", err
		}
		fromTx, err = s.chain.SubmitCallData(ctx, s.cfg.Settlement.DestinationChain,
			quote.TransactionRequest.To, data, value)
		if err != nil {
			return "", "", err
		}
		if err := s.repo.RecordStepTx(ctx, intent.RefID, "from_tx_hash", fromTx); err != nil {
			return "", "", err
		}
		log.WithField("from_tx", fromTx).Info("bridge transaction submitted")
	}

	keepAlive := func(ctx context.Context) error {
		return s.repo.RenewLease(ctx, intent.RefID, owner, s.cfg.WithdrawLeaseTTL())
	}
	result, err := s.bridge.WaitForBridgeDone(ctx, s.cfg.Settlement.DestinationChain, intent.DstChainID, fromTx, keepAlive)
	if err != nil {
		return "", "", err
	}
	return result.ToTxHash, result.Amount, nil
}

func (s *WithdrawSettlementService) quoteBridge(ctx context.Context, intent *models.WithdrawIntent, assets *big.Int) (*clients.LiFiQuoteResponse, error) {
	relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
	if err != nil {
		return nil, err
	}
	return s.quotes.GetQuote(ctx, &clients.LiFiQuoteRequest{
		FromChain:   fmt.Sprintf("%d", s.cfg.Settlement.DestinationChain),
		ToChain:     fmt.Sprintf("%d", intent.DstChainID),
		FromToken:   s.cfg.Settlement.DestinationToken,
		ToToken:     intent.DstToken,
		FromAmount:  assets.String(),
		FromAddress: relayer,
		ToAddress:   intent.User,
		Slippage:    fmt.Sprintf("%g", s.cfg.Bridge.Slippage),
	})
}

// SetFallbackQuotes installs the deBridge comparison quoter. When the
// primary bridge cannot quote a route, its estimate rides along in the
// reported error so operators can judge whether the route exists at all.
func (s *WithdrawSettlementService) SetFallbackQuotes(client *clients.DeBridgeClient) {
	s.fallback = client
}

func (s *WithdrawSettlementService) annotateQuoteFailure(ctx context.Context, cause error, dstChain int64, dstToken, recipient string, assets *big.Int) error {
	if s.fallback == nil {
		return cause
	}
	est, err := s.fallback.GetQuote(ctx, &clients.DeBridgeQuoteRequest{
		SrcChainId:                fmt.Sprintf("%d", s.cfg.Settlement.DestinationChain),
		SrcChainTokenIn:           s.cfg.Settlement.DestinationToken,
		SrcChainTokenInAmount:     assets.String(),
		DstChainId:                fmt.Sprintf("%d", dstChain),
		DstChainTokenOut:          dstToken,
		DstChainTokenOutRecipient: recipient,
	})
	if err != nil {
		s.log.WithError(err).Debug("deBridge fallback quote also failed")
		return cause
	}
	out := est.Estimation.DstChainTokenOut
	return fmt.Errorf("%w (deBridge estimates %s %s for the same route)", cause, out.Amount, out.Symbol)
}

// Direct runs burn -> safe-exec -> bridge in one compensated call without a
// stored intent. Completed steps are undone in reverse order on failure.
func (s *WithdrawSettlementService) Direct(ctx context.Context, req *DirectWithdrawRequest) (*DirectWithdrawResult, error) {
	if !utils.IsAddress(req.User) {
		return nil, &MissingFieldError{Field: "user"}
	}
	assets, err := utils.ParseAmount(req.Assets)
	if err != nil {
		return nil, &MissingFieldError{Field: "assets"}
	}
	shares := utils.ScaleAmount(assets, s.cfg.Settlement.AssetDecimals, s.cfg.Settlement.ShareDecimals)

	dstChain := req.DstChainID
	dstToken := req.DstToken
	if dstChain == 0 {
		dstChain = s.cfg.Settlement.DestinationChain
	}
	if dstToken == "" {
		dstToken = s.cfg.Settlement.DestinationToken
	}

	relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
	if err != nil {
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"user": req.User, "assets": assets.String(), "mode": "direct"})
	result := &DirectWithdrawResult{Receiver: req.User}
	var summary CompensationSummary
	var preBridgeBalance *big.Int

	steps := []SagaStep{
		{
			Name: "burn",
			Run: func(ctx context.Context) error {
				txHash, err := s.chain.RecordWithdrawal(ctx, s.cfg.Settlement.AccountingChain,
					s.cfg.Settlement.RewardsVault, req.User, shares)
				if err != nil {
					return err
				}
				result.BurnTxHash = txHash
				return nil
			},
			Compensate: func(ctx context.Context) error {
				txHash, err := s.chain.RecordDeposit(ctx, s.cfg.Settlement.AccountingChain,
					s.cfg.Settlement.RewardsVault, req.User, shares)
				if err != nil {
					return err
				}
				summary.SharesMintedBack = true
				log.WithField("mint_back_tx", txHash).Info("burned shares minted back")
				return nil
			},
		},
		{
			Name: "safe-exec",
			Run: func(ctx context.Context) error {
				txHash, err := s.chain.SafeVaultWithdraw(ctx, s.cfg.Settlement.DestinationChain,
					s.cfg.Settlement.SafeVault, s.cfg.Settlement.DestinationVault, assets, relayer)
				if err != nil {
					return err
				}
				result.SafeExecHash = txHash
				balance, err := s.chain.TokenBalance(ctx, s.cfg.Settlement.DestinationChain, s.cfg.Settlement.DestinationToken, relayer)
				if err != nil {
					balance = new(big.Int).Set(assets)
				}
				preBridgeBalance = balance
				return nil
			},
			Compensate: func(ctx context.Context) error {
				return s.depositBack(ctx, log, &summary, relayer, assets, preBridgeBalance)
			},
		},
		{
			Name: "bridge",
			Run: func(ctx context.Context) error {
				toTx, amountOut, err := s.deliverDirect(ctx, log, req.User, dstChain, dstToken, assets)
				if err != nil {
					return err
				}
				result.BridgeTxHash = toTx
				result.ToAmount = amountOut
				return nil
			},
		},
	}

	if err := RunSaga(ctx, log, steps); err != nil {
		var stepErr *StepError
		stage := "burn"
		if errors.As(err, &stepErr) {
			stage = stepErr.Step
		}
		metrics.IntentsFailed.WithLabelValues("withdraw_direct", stage).Inc()
		return nil, &WithdrawStageError{Stage: stage, Err: err, Compensated: summary}
	}

	metrics.IntentsSettled.WithLabelValues("withdraw_direct").Inc()
	return result, nil
}

// depositBack returns stranded assets to the vault for the Safe, capped at
// the pre-bridge snapshot, falling back to a plain transfer.
func (s *WithdrawSettlementService) depositBack(ctx context.Context, log *logrus.Entry, summary *CompensationSummary, relayer string, assets, snapshot *big.Int) error {
	summary.DepositBackTried = true

	balance, err := s.chain.TokenBalance(ctx, s.cfg.Settlement.DestinationChain, s.cfg.Settlement.DestinationToken, relayer)
	if err != nil {
		balance = new(big.Int).Set(assets)
	}
	amount := new(big.Int).Set(balance)
	if snapshot != nil && amount.Cmp(snapshot) > 0 {
		amount = new(big.Int).Set(snapshot)
	}
	if amount.Cmp(assets) > 0 {
		amount = new(big.Int).Set(assets)
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("no redeemed balance left to return")
	}

	if _, err := s.allowance.Deposit(ctx, s.cfg.Settlement.DestinationChain,
		s.cfg.Settlement.DestinationToken, s.cfg.Settlement.DestinationVault, amount, s.cfg.Settlement.SafeVault); err == nil {
		summary.DepositBackOk = true
		return nil
	} else {
		log.WithError(err).Warn("deposit-back failed, falling back to a transfer")
	}

	if _, err := s.chain.TransferToken(ctx, s.cfg.Settlement.DestinationChain,
		s.cfg.Settlement.DestinationToken, s.cfg.Settlement.SafeVault, amount); err != nil {
		return fmt.Errorf("deposit-back and transfer fallback both failed: %w", err)
	}
	summary.TransferFallback = true
	return nil
}

// deliverDirect is the bridge/transfer step of the direct flow.
func (s *WithdrawSettlementService) deliverDirect(ctx context.Context, log *logrus.Entry, user string, dstChain int64, dstToken string, assets *big.Int) (string, string, error) {
	if dstChain == s.cfg.Settlement.DestinationChain && strings.EqualFold(dstToken, s.cfg.Settlement.DestinationToken) {
		txHash, err := s.chain.TransferToken(ctx, s.cfg.Settlement.DestinationChain,
			s.cfg.Settlement.DestinationToken, user, assets)
		if err != nil {
			return "", "", err
		}
		return txHash, assets.String(), nil
	}

	relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain)
	if err != nil {
		return "", "", err
	}
	quote, err := s.quotes.GetQuote(ctx, &clients.LiFiQuoteRequest{
		FromChain:   fmt.Sprintf("%d", s.cfg.Settlement.DestinationChain),
		ToChain:     fmt.Sprintf("%d", dstChain),
		FromToken:   s.cfg.Settlement.DestinationToken,
		ToToken:     dstToken,
		FromAmount:  assets.String(),
		FromAddress: relayer,
		ToAddress:   user,
		Slippage:    fmt.Sprintf("%g", s.cfg.Bridge.Slippage),
	})
	if err != nil {
		return "", "", s.annotateQuoteFailure(ctx, err, dstChain, dstToken, user, assets)
	}
	if quote.TransactionRequest == nil {
		return "", "", fmt.Errorf("bridge quote carries no transaction request")
	}
	if quote.Estimate.ApprovalAddress != "" {
		if err := s.allowance.ensureAllowance(ctx, s.cfg.Settlement.DestinationChain,
			s.cfg.Settlement.DestinationToken, relayer, quote.Estimate.ApprovalAddress, assets); err != nil {
			return "", "", err
		}
	}

	data, err := decodeHexData(quote.TransactionRequest.Data)
	if err != nil {
		return "", "", err
	}
	value, err := parseTxValue(quote.TransactionRequest.Value)
	if err != nil {
		return "", "", err
	}
	fromTx, err := s.chain.SubmitCallData(ctx, s.cfg.Settlement.DestinationChain, quote.TransactionRequest.To, data, value)
	if err != nil {
		return "", "", err
	}
	log.WithField("from_tx", fromTx).Info("bridge transaction submitted")

	result, err := s.bridge.WaitForBridgeDone(ctx, s.cfg.Settlement.DestinationChain, dstChain, fromTx, nil)
	if err != nil {
		return "", "", err
	}
	return result.ToTxHash, result.Amount, nil
}

func (s *WithdrawSettlementService) publishStatus(ctx context.Context, refID, txHash string) {
	if s.publisher == nil {
		return
	}
	if intent, err := s.repo.GetByRefID(ctx, refID); err == nil {
		s.publisher.PublishWithdrawStatus(intent, txHash)
	}
}

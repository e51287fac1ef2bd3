package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"

	"github.com/sirupsen/logrus"
)

// BridgeWaiter is the bridge wait dependency of the executors.
type BridgeWaiter interface {
	WaitForBridgeDone(ctx context.Context, fromChainID, toChainID int64, fromTxHash string, keepAlive func(ctx context.Context) error) (*BridgeResult, error)
}

// DepositFinishRequest triggers (or resumes) settlement of one intent.
// Optional facts ride along and are merged under the lease.
type DepositFinishRequest struct {
	RefID       string `json:"refId" binding:"required"`
	FromTxHash  string `json:"fromTxHash"`
	FromChainID int64  `json:"fromChainId"`
	ToChainID   int64  `json:"toChainId"`
	MinAmount   string `json:"minAmount"`
}

// DepositFinishResult is the settlement outcome reported to the caller.
type DepositFinishResult struct {
	Status     models.DepositStatus
	Processing bool // another attempt holds the lease, or waiting on a fact
	Already    bool // terminal success before this call
	Reason     string
}

// DepositSettlementService drives the deposit pipeline: lock, merge facts,
// wait for the bridge, vault-deposit, mint the receipt token. Every step is
// idempotent so a crashed attempt resumes from the last durable fact.
type DepositSettlementService struct {
	cfg       *config.Config
	repo      repository.DepositIntentRepository
	chain     ChainClient
	allowance *AllowanceDeposit
	bridge    BridgeWaiter
	publisher StatusPublisher
	log       *logrus.Entry
}

func NewDepositSettlementService(cfg *config.Config, repo repository.DepositIntentRepository, chain ChainClient, allowance *AllowanceDeposit, bridge BridgeWaiter, publisher StatusPublisher) *DepositSettlementService {
	return &DepositSettlementService{
		cfg:       cfg,
		repo:      repo,
		chain:     chain,
		allowance: allowance,
		bridge:    bridge,
		publisher: publisher,
		log:       logrus.WithField("component", "deposit_settlement"),
	}
}

// Finish acquires the settlement lease and runs the pipeline to completion
// or to the next retryable stop. Safe to call concurrently and repeatedly.
func (s *DepositSettlementService) Finish(ctx context.Context, req *DepositFinishRequest) (*DepositFinishResult, error) {
	started := time.Now()

	owner, err := s.repo.TryLock(ctx, req.RefID, s.cfg.LeaseTTL())
	if err != nil {
		if errors.Is(err, repository.ErrAlreadyDone) {
			return &DepositFinishResult{Status: models.DepositStatusMinted, Already: true}, nil
		}
		var busy *repository.LockBusyError
		if errors.As(err, &busy) {
			metrics.LockContention.WithLabelValues("deposit").Inc()
			return &DepositFinishResult{
				Status:     models.DepositStatus(busy.Status),
				Processing: true,
				Reason:     "another settlement attempt is in progress",
			}, nil
		}
		return nil, err
	}

	log := s.log.WithFields(logrus.Fields{"ref_id": req.RefID, "owner": owner})
	result, minted, err := s.run(ctx, log, owner, req)
	if err != nil {
		if minted {
			// the mint landed; never regress MINTED over a late failure
			log.WithError(err).Warn("post-mint step failed, keeping terminal status")
			return &DepositFinishResult{Status: models.DepositStatusMinted}, nil
		}
		stage := "settlement"
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			stage = stepErr.Step
		}
		metrics.IntentsFailed.WithLabelValues("deposit", stage).Inc()
		if markErr := s.repo.MarkFailed(ctx, req.RefID, err.Error()); markErr != nil {
			log.WithError(markErr).Error("failed to record failure")
		}
		s.publishStatus(ctx, req.RefID, "")
		return nil, err
	}

	if result.Status == models.DepositStatusMinted && !result.Already {
		metrics.IntentsSettled.WithLabelValues("deposit").Inc()
		metrics.SettlementDuration.WithLabelValues("deposit").Observe(time.Since(started).Seconds())
	}
	return result, nil
}

// run executes the pipeline under a held lease. The bool reports whether a
// mint was confirmed within this call.
func (s *DepositSettlementService) run(ctx context.Context, log *logrus.Entry, owner string, req *DepositFinishRequest) (*DepositFinishResult, bool, error) {
	if err := s.mergeFacts(ctx, req); err != nil {
		return nil, false, err
	}

	intent, err := s.repo.GetByRefID(ctx, req.RefID)
	if err != nil {
		return nil, false, err
	}

	// without a source tx there is nothing to settle yet
	if intent.FromTxHash == "" {
		if err := s.advance(ctx, req.RefID, models.DepositStatusProcessing, models.DepositStatusWaitingRoute, nil); err != nil {
			return nil, false, err
		}
		s.publishStatus(ctx, req.RefID, "")
		return &DepositFinishResult{
			Status:     models.DepositStatusWaitingRoute,
			Processing: true,
			Reason:     "waiting for source transaction",
		}, false, nil
	}

	if err := s.advance(ctx, req.RefID, models.DepositStatusProcessing, models.DepositStatusBridgeInFlight, nil); err != nil {
		return nil, false, err
	}

	bridgedAmount, err := s.ensureBridged(ctx, log, owner, intent)
	if err != nil {
		return nil, false, &StepError{Step: "bridge", Err: err}
	}

	if err := s.repo.EnsureOwner(ctx, req.RefID, owner); err != nil {
		return nil, false, err
	}

	intent, err = s.repo.GetByRefID(ctx, req.RefID)
	if err != nil {
		return nil, false, err
	}

	if err := s.ensureDeposited(ctx, log, owner, intent, bridgedAmount); err != nil {
		return nil, false, &StepError{Step: "deposit", Err: err}
	}

	minted, err := s.ensureMinted(ctx, log, intent, bridgedAmount)
	if err != nil {
		return nil, minted, &StepError{Step: "mint", Err: err}
	}

	s.publishStatus(ctx, req.RefID, "")
	log.WithField("amount", bridgedAmount.String()).Info("deposit intent settled")
	return &DepositFinishResult{Status: models.DepositStatusMinted}, minted, nil
}

// advance wraps the ledger advance; a refused transition is a hard error
// here, the executor always knows which state it expects.
func (s *DepositSettlementService) advance(ctx context.Context, refID string, from, to models.DepositStatus, patch map[string]interface{}) error {
	outcome, err := s.repo.Advance(ctx, refID, from, to, patch)
	if err != nil {
		return err
	}
	if outcome == repository.OutcomeRefused {
		return fmt.Errorf("cannot advance %s from %s to %s: state changed underneath", refID, from, to)
	}
	return nil
}

func (s *DepositSettlementService) mergeFacts(ctx context.Context, req *DepositFinishRequest) error {
	patch := repository.DepositProgressPatch{
		FromTxHash:  req.FromTxHash,
		FromChainID: req.FromChainID,
		ToChainID:   req.ToChainID,
	}
	if patch != (repository.DepositProgressPatch{}) {
		if err := s.repo.AttachProgress(ctx, req.RefID, patch); err != nil {
			return err
		}
	}
	if req.MinAmount != "" {
		if _, err := utils.ParseAmount(req.MinAmount); err != nil {
			return &MissingFieldError{Field: "minAmount"}
		}
		if err := s.repo.TightenMinAmount(ctx, req.RefID, req.MinAmount); err != nil {
			return err
		}
	}
	return nil
}

// ensureBridged returns the amount delivered on the destination chain,
// waiting for the bridge when it has not been observed yet. The amount is
// re-validated against minAmount on every attempt.
func (s *DepositSettlementService) ensureBridged(ctx context.Context, log *logrus.Entry, owner string, intent *models.DepositIntent) (*big.Int, error) {
	var (
		amount *big.Int
		err    error
	)

	if intent.BridgedAmount != "" && intent.ToTxHash != "" {
		// a prior attempt already recorded and confirmed the payout
		amount, err = utils.ParseAmount(intent.BridgedAmount)
		if err != nil {
			return nil, fmt.Errorf("recorded bridged amount is corrupt: %w", err)
		}
	} else {
		keepAlive := func(ctx context.Context) error {
			return s.repo.RenewLease(ctx, intent.RefID, owner, s.cfg.LeaseTTL())
		}
		result, err := s.bridge.WaitForBridgeDone(ctx, intent.FromChainID, s.cfg.Settlement.DestinationChain, intent.FromTxHash, keepAlive)
		if err != nil {
			return nil, err
		}

		// anti-poisoning: only the pinned destination asset may be credited
		if result.TokenAddress != "" && !strings.EqualFold(result.TokenAddress, s.cfg.Settlement.DestinationToken) {
			return nil, fmt.Errorf("bridge delivered unexpected asset %s (%s), expected %s",
				result.TokenAddress, result.TokenSymbol, s.cfg.Settlement.DestinationToken)
		}

		// reorg safety before trusting the delivered amount
		if result.ToTxHash != "" {
			if err := s.chain.ConfirmTransaction(ctx, s.cfg.Settlement.DestinationChain, result.ToTxHash); err != nil {
				return nil, fmt.Errorf("destination payout not confirmed: %w", err)
			}
		}

		amount, err = utils.ParseAmount(result.Amount)
		if err != nil {
			return nil, fmt.Errorf("bridge reported unparseable amount %q: %w", result.Amount, err)
		}

		if err := s.repo.AttachProgress(ctx, intent.RefID, repository.DepositProgressPatch{
			ToTxHash:       result.ToTxHash,
			ToChainID:      result.ToChainID,
			ToTokenAddress: result.TokenAddress,
			ToTokenSymbol:  result.TokenSymbol,
		}); err != nil {
			return nil, err
		}
	}

	if intent.MinAmount != "" {
		min, err := utils.ParseAmount(intent.MinAmount)
		if err == nil && amount.Cmp(min) < 0 {
			return nil, fmt.Errorf("bridged amount %s below minimum %s", amount, min)
		}
	}

	if err := s.advance(ctx, intent.RefID, models.DepositStatusBridgeInFlight, models.DepositStatusBridged, map[string]interface{}{
		"bridged_amount": amount.String(),
	}); err != nil {
		return nil, err
	}
	s.publishStatus(ctx, intent.RefID, intent.ToTxHash)
	return amount, nil
}

func (s *DepositSettlementService) ensureDeposited(ctx context.Context, log *logrus.Entry, owner string, intent *models.DepositIntent, amount *big.Int) error {
	if intent.DepositTxHash != "" {
		// replayed call, the vault deposit is already durable
		if err := s.advance(ctx, intent.RefID, models.DepositStatusBridged, models.DepositStatusDepositing, nil); err != nil {
			return err
		}
		return s.advance(ctx, intent.RefID, models.DepositStatusDepositing, models.DepositStatusDeposited, nil)
	}

	if err := s.advance(ctx, intent.RefID, models.DepositStatusBridged, models.DepositStatusDepositing, nil); err != nil {
		return err
	}
	if err := s.repo.RenewLease(ctx, intent.RefID, owner, s.cfg.LeaseTTL()); err != nil {
		return err
	}

	txHash, err := s.allowance.Deposit(ctx, s.cfg.Settlement.DestinationChain,
		s.cfg.Settlement.DestinationToken, s.cfg.Settlement.DestinationVault, amount, s.cfg.Settlement.SafeVault)
	if err != nil {
		return err
	}
	log.WithField("deposit_tx", txHash).Info("vault deposit confirmed")

	if err := s.advance(ctx, intent.RefID, models.DepositStatusDepositing, models.DepositStatusDeposited, map[string]interface{}{
		"deposit_tx_hash": txHash,
	}); err != nil {
		return err
	}
	s.publishStatus(ctx, intent.RefID, txHash)
	return nil
}

// ensureMinted mints the receipt token and flips the intent terminal. The
// conditional flip tolerates a concurrent finisher winning the race; the
// force fallback refuses to overwrite a different recorded mint hash.
func (s *DepositSettlementService) ensureMinted(ctx context.Context, log *logrus.Entry, intent *models.DepositIntent, amount *big.Int) (bool, error) {
	if intent.MintTxHash != "" && intent.Status == models.DepositStatusMinted {
		return false, nil
	}

	if err := s.advance(ctx, intent.RefID, models.DepositStatusDeposited, models.DepositStatusMinting, nil); err != nil {
		return false, err
	}

	shares := utils.ScaleAmount(amount, s.cfg.Settlement.AssetDecimals, s.cfg.Settlement.ShareDecimals)
	mintTx, err := s.chain.RecordDeposit(ctx, s.cfg.Settlement.AccountingChain,
		s.cfg.Settlement.RewardsVault, intent.User, shares)
	if err != nil {
		return false, err
	}
	log.WithFields(logrus.Fields{"mint_tx": mintTx, "shares": shares.String()}).Info("receipt token minted")

	matched, err := s.repo.CompleteMint(ctx, intent.RefID, mintTx)
	if err != nil {
		return true, err
	}
	if !matched {
		current, err := s.repo.GetByRefID(ctx, intent.RefID)
		if err != nil {
			return true, err
		}
		if current.Status != models.DepositStatusMinted {
			forced, err := s.repo.ForceCompleteMint(ctx, intent.RefID, mintTx)
			if err != nil {
				return true, err
			}
			if !forced {
				return true, fmt.Errorf("mint %s landed but a conflicting mint is already recorded", mintTx)
			}
		}
	}
	return true, nil
}

func (s *DepositSettlementService) publishStatus(ctx context.Context, refID, txHash string) {
	if s.publisher == nil {
		return
	}
	if intent, err := s.repo.GetByRefID(ctx, refID); err == nil {
		s.publisher.PublishDepositStatus(intent, txHash)
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"yldr-backend/internal/config"
	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"

	"github.com/sirupsen/logrus"
)

// ErrSenderMismatch the claimed source transaction was not sent by the
// intent's user; handlers map it to 422.
var ErrSenderMismatch = errors.New("source transaction sender does not match intent user")

// DestinationMismatchError a supplied destination fact disagrees with the
// configured constants.
type DestinationMismatchError struct {
	Field string
}

func (e *DestinationMismatchError) Error() string {
	return fmt.Sprintf("field %s does not match the configured destination", e.Field)
}

// ProgressRequest carries facts discovered off-process about an intent's
// route. All fields except RefID are optional.
type ProgressRequest struct {
	RefID          string `json:"refId" binding:"required"`
	FromTxHash     string `json:"fromTxHash"`
	ToTxHash       string `json:"toTxHash"`
	FromChainID    int64  `json:"fromChainId"`
	ToChainID      int64  `json:"toChainId"`
	ToAddress      string `json:"toAddress"`
	ToTokenAddress string `json:"toTokenAddress"`
	ToTokenSymbol  string `json:"toTokenSymbol"`
}

// ProgressService validates and attaches route facts to deposit intents.
// The repository enforces first-writer-wins; this layer enforces the fixed
// destination constants and the source-sender check.
type ProgressService struct {
	cfg       *config.Config
	repo      repository.DepositIntentRepository
	chain     ChainClient
	publisher StatusPublisher
	log       *logrus.Entry
}

func NewProgressService(cfg *config.Config, repo repository.DepositIntentRepository, chain ChainClient, publisher StatusPublisher) *ProgressService {
	return &ProgressService{
		cfg:       cfg,
		repo:      repo,
		chain:     chain,
		publisher: publisher,
		log:       logrus.WithField("component", "progress"),
	}
}

func (s *ProgressService) validate(req *ProgressRequest) error {
	if req.FromTxHash != "" && !utils.IsTxHash(req.FromTxHash) {
		return &MissingFieldError{Field: "fromTxHash"}
	}
	if req.ToTxHash != "" && !utils.IsTxHash(req.ToTxHash) {
		return &MissingFieldError{Field: "toTxHash"}
	}
	if req.ToAddress != "" && !utils.IsAddress(req.ToAddress) {
		return &MissingFieldError{Field: "toAddress"}
	}
	if req.ToTokenAddress != "" && !utils.IsAddress(req.ToTokenAddress) {
		return &MissingFieldError{Field: "toTokenAddress"}
	}
	return nil
}

// checkDestination rejects facts that contradict the pinned destination.
// A poisoned toTokenAddress would otherwise route the vault deposit into an
// attacker-chosen token.
func (s *ProgressService) checkDestination(req *ProgressRequest) error {
	if req.ToChainID != 0 && req.ToChainID != s.cfg.Settlement.DestinationChain {
		return &DestinationMismatchError{Field: "toChainId"}
	}
	if req.ToTokenAddress != "" && !strings.EqualFold(req.ToTokenAddress, s.cfg.Settlement.DestinationToken) {
		return &DestinationMismatchError{Field: "toTokenAddress"}
	}
	if req.ToAddress != "" {
		expected := s.cfg.Settlement.DestinationReceiver
		if expected == "" && s.chain != nil {
			if relayer, err := s.chain.RelayerAddress(s.cfg.Settlement.DestinationChain); err == nil {
				expected = relayer
			}
		}
		if expected != "" && !strings.EqualFold(req.ToAddress, expected) {
			return &DestinationMismatchError{Field: "toAddress"}
		}
	}
	return nil
}

// Attach applies the facts to the intent in one atomic write.
func (s *ProgressService) Attach(ctx context.Context, req *ProgressRequest) (*models.DepositIntent, error) {
	if err := s.validate(req); err != nil {
		return nil, err
	}
	if err := s.checkDestination(req); err != nil {
		return nil, err
	}

	intent, err := s.repo.GetByRefID(ctx, req.RefID)
	if err != nil {
		return nil, err
	}

	if req.FromTxHash != "" {
		chainID := req.FromChainID
		if chainID == 0 {
			chainID = intent.FromChainID
		}
		sender, err := s.chain.TransactionSender(ctx, chainID, req.FromTxHash)
		if err != nil {
			return nil, fmt.Errorf("failed to verify source transaction: %w", err)
		}
		if !strings.EqualFold(sender, intent.User) {
			s.log.WithFields(logrus.Fields{
				"ref_id": intent.RefID,
				"sender": sender,
				"user":   intent.User,
			}).Warn("rejecting source tx sent by a different account")
			return nil, ErrSenderMismatch
		}
	}

	patch := repository.DepositProgressPatch{
		FromTxHash:     req.FromTxHash,
		ToTxHash:       req.ToTxHash,
		FromChainID:    req.FromChainID,
		ToChainID:      req.ToChainID,
		ToAddress:      req.ToAddress,
		ToTokenAddress: req.ToTokenAddress,
		ToTokenSymbol:  req.ToTokenSymbol,
	}
	if err := s.repo.AttachProgress(ctx, req.RefID, patch); err != nil {
		return nil, err
	}

	updated, err := s.repo.GetByRefID(ctx, req.RefID)
	if err != nil {
		return nil, err
	}
	if updated.Status != intent.Status {
		if s.publisher != nil {
			s.publisher.PublishDepositStatus(updated, "")
		}
		s.log.WithFields(logrus.Fields{
			"ref_id": updated.RefID,
			"from":   intent.Status,
			"to":     updated.Status,
		}).Info("progress facts advanced intent")
	}
	return updated, nil
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"
	"yldr-backend/internal/repository"
	"yldr-backend/internal/utils"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Admission sentinels; handlers map these to HTTP status codes.
var (
	ErrIntentExpired     = errors.New("intent deadline has passed")
	ErrSignatureMismatch = errors.New("signature does not recover to user")
	ErrUnsupportedChain  = errors.New("source chain is not supported")
)

// MissingFieldError names the absent or malformed intent field.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field: %s", e.Field)
}

// DepositIntentRequest is the signed deposit payload presented for admission.
type DepositIntentRequest struct {
	User       string `json:"user" binding:"required"`
	AdapterKey string `json:"key"` // optional, zero-filled for signing
	Asset      string `json:"asset" binding:"required"`
	Amount     string `json:"amount" binding:"required"`
	Deadline   int64  `json:"deadline" binding:"required"`
	Nonce      string `json:"nonce" binding:"required"`
	RefID      string `json:"refId" binding:"required"`
	Salt       string `json:"salt" binding:"required"`
	ChainID    int64  `json:"chainId" binding:"required"`
}

// WithdrawIntentRequest is the signed withdraw payload.
type WithdrawIntentRequest struct {
	User         string `json:"user" binding:"required"`
	AmountShares string `json:"amountShares" binding:"required"`
	DstChainID   int64  `json:"dstChainId" binding:"required"`
	DstToken     string `json:"dstToken" binding:"required"`
	MinAmountOut string `json:"minAmountOut" binding:"required"`
	Deadline     int64  `json:"deadline" binding:"required"`
	Nonce        string `json:"nonce" binding:"required"`
	RefID        string `json:"refId" binding:"required"`
	ChainID      int64  `json:"chainId" binding:"required"`
}

// AdmissionService verifies typed-data signatures and persists intents
// idempotently.
type AdmissionService struct {
	cfg          *config.Config
	depositRepo  repository.DepositIntentRepository
	withdrawRepo repository.WithdrawIntentRepository
	log          *logrus.Entry
}

func NewAdmissionService(cfg *config.Config, depositRepo repository.DepositIntentRepository, withdrawRepo repository.WithdrawIntentRepository) *AdmissionService {
	return &AdmissionService{
		cfg:          cfg,
		depositRepo:  depositRepo,
		withdrawRepo: withdrawRepo,
		log:          logrus.WithField("component", "admission"),
	}
}

func (s *AdmissionService) domain(chainID int64) apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:    s.cfg.Settlement.DomainName,
		Version: s.cfg.Settlement.DomainVersion,
		ChainId: math.NewHexOrDecimal256(chainID),
	}
}

// DepositDigest computes the typed-data digest of a deposit intent.
func (s *AdmissionService) DepositDigest(req *DepositIntentRequest) (string, error) {
	key := req.AdapterKey
	if key == "" {
		key = utils.ZeroBytes32
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"DepositIntent": {
				{Name: "user", Type: "address"},
				{Name: "key", Type: "bytes32"},
				{Name: "asset", Type: "address"},
				{Name: "amount", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "refId", Type: "bytes32"},
				{Name: "salt", Type: "bytes32"},
			},
		},
		PrimaryType: "DepositIntent",
		Domain:      s.domain(req.ChainID),
		Message: apitypes.TypedDataMessage{
			"user":     req.User,
			"key":      key,
			"asset":    req.Asset,
			"amount":   req.Amount,
			"deadline": fmt.Sprintf("%d", req.Deadline),
			"nonce":    req.Nonce,
			"refId":    req.RefID,
			"salt":     req.Salt,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash deposit intent: %w", err)
	}
	return hexutil.Encode(hash), nil
}

// WithdrawDigest computes the typed-data digest of a withdraw intent.
func (s *AdmissionService) WithdrawDigest(req *WithdrawIntentRequest) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"WithdrawIntent": {
				{Name: "user", Type: "address"},
				{Name: "amountShares", Type: "uint256"},
				{Name: "dstChainId", Type: "uint256"},
				{Name: "dstToken", Type: "address"},
				{Name: "minAmountOut", Type: "uint256"},
				{Name: "deadline", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "refId", Type: "bytes32"},
			},
		},
		PrimaryType: "WithdrawIntent",
		Domain:      s.domain(req.ChainID),
		Message: apitypes.TypedDataMessage{
			"user":         req.User,
			"amountShares": req.AmountShares,
			"dstChainId":   fmt.Sprintf("%d", req.DstChainID),
			"dstToken":     req.DstToken,
			"minAmountOut": req.MinAmountOut,
			"deadline":     fmt.Sprintf("%d", req.Deadline),
			"nonce":        req.Nonce,
			"refId":        req.RefID,
		},
	}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("failed to hash withdraw intent: %w", err)
	}
	return hexutil.Encode(hash), nil
}

// recoverSigner recovers the address behind a 65-byte secp256k1 signature.
func recoverSigner(digestHex, signature string) (common.Address, error) {
	digest, err := hexutil.Decode(digestHex)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid digest: %w", err)
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature encoding")
	}
	// wallets emit v in {27, 28}; SigToPub wants {0, 1}
	recovery := make([]byte, 65)
	copy(recovery, sig)
	if recovery[64] >= 27 {
		recovery[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, recovery)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func (s *AdmissionService) validateDeposit(req *DepositIntentRequest) error {
	if !utils.IsAddress(req.User) {
		return &MissingFieldError{Field: "user"}
	}
	if !utils.IsAddress(req.Asset) {
		return &MissingFieldError{Field: "asset"}
	}
	if _, err := utils.ParseAmount(req.Amount); err != nil {
		return &MissingFieldError{Field: "amount"}
	}
	if _, err := utils.ParseAmount(req.Nonce); err != nil {
		return &MissingFieldError{Field: "nonce"}
	}
	if !utils.IsBytes32(req.RefID) {
		return &MissingFieldError{Field: "refId"}
	}
	if !utils.IsBytes32(req.Salt) {
		return &MissingFieldError{Field: "salt"}
	}
	if req.AdapterKey != "" && !utils.IsBytes32(req.AdapterKey) {
		return &MissingFieldError{Field: "key"}
	}
	if req.Deadline <= time.Now().Unix() {
		return ErrIntentExpired
	}
	if !s.cfg.IsSourceChain(req.ChainID) {
		return ErrUnsupportedChain
	}
	return nil
}

// AdmitDeposit verifies and persists a deposit intent. Resubmitting the
// identical (refId, digest, signature) while PENDING is an idempotent
// success returning the original row.
func (s *AdmissionService) AdmitDeposit(ctx context.Context, req *DepositIntentRequest, signature string) (*models.DepositIntent, error) {
	if err := s.validateDeposit(req); err != nil {
		return nil, err
	}

	digest, err := s.DepositDigest(req)
	if err != nil {
		return nil, err
	}
	signer, err := recoverSigner(digest, signature)
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	if !strings.EqualFold(signer.Hex(), req.User) {
		return nil, ErrSignatureMismatch
	}

	if existing, err := s.depositRepo.GetByRefID(ctx, req.RefID); err == nil {
		if strings.EqualFold(existing.Digest, digest) &&
			strings.EqualFold(existing.Signature, signature) &&
			existing.Status == models.DepositStatusPending {
			return existing, nil
		}
		return nil, repository.ErrDuplicateRef
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if bound, err := s.depositRepo.FindBySignatureBinding(ctx, digest, signature); err == nil {
		if !strings.EqualFold(bound.RefID, req.RefID) {
			return nil, repository.ErrSignatureReused
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	key := req.AdapterKey
	if key == "" {
		key = utils.ZeroBytes32
	}
	intent := &models.DepositIntent{
		RefID:       utils.NormalizeHex(req.RefID),
		User:        req.User,
		AdapterKey:  key,
		Asset:       req.Asset,
		Amount:      req.Amount,
		Deadline:    req.Deadline,
		Nonce:       req.Nonce,
		Salt:        req.Salt,
		Digest:      digest,
		Signature:   signature,
		IntentToken: uuid.NewString(),
		Status:      models.DepositStatusPending,
		FromChainID: req.ChainID,
	}
	if err := s.depositRepo.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to persist intent: %w", err)
	}

	metrics.IntentsAdmitted.WithLabelValues("deposit").Inc()
	s.log.WithFields(logrus.Fields{
		"refId": intent.RefID,
		"user":  intent.User,
		"chain": req.ChainID,
	}).Info("deposit intent admitted")
	return intent, nil
}

func (s *AdmissionService) validateWithdraw(req *WithdrawIntentRequest) error {
	if !utils.IsAddress(req.User) {
		return &MissingFieldError{Field: "user"}
	}
	if !utils.IsAddress(req.DstToken) {
		return &MissingFieldError{Field: "dstToken"}
	}
	if _, err := utils.ParseAmount(req.AmountShares); err != nil {
		return &MissingFieldError{Field: "amountShares"}
	}
	if _, err := utils.ParseAmount(req.MinAmountOut); err != nil {
		return &MissingFieldError{Field: "minAmountOut"}
	}
	if _, err := utils.ParseAmount(req.Nonce); err != nil {
		return &MissingFieldError{Field: "nonce"}
	}
	if !utils.IsBytes32(req.RefID) {
		return &MissingFieldError{Field: "refId"}
	}
	if req.DstChainID == 0 {
		return &MissingFieldError{Field: "dstChainId"}
	}
	if req.Deadline <= time.Now().Unix() {
		return ErrIntentExpired
	}
	return nil
}

// AdmitWithdraw verifies and persists a withdraw intent, same contract as
// AdmitDeposit.
func (s *AdmissionService) AdmitWithdraw(ctx context.Context, req *WithdrawIntentRequest, signature string) (*models.WithdrawIntent, error) {
	if err := s.validateWithdraw(req); err != nil {
		return nil, err
	}

	digest, err := s.WithdrawDigest(req)
	if err != nil {
		return nil, err
	}
	signer, err := recoverSigner(digest, signature)
	if err != nil {
		return nil, ErrSignatureMismatch
	}
	if !strings.EqualFold(signer.Hex(), req.User) {
		return nil, ErrSignatureMismatch
	}

	if existing, err := s.withdrawRepo.GetByRefID(ctx, req.RefID); err == nil {
		if strings.EqualFold(existing.Digest, digest) &&
			strings.EqualFold(existing.Signature, signature) &&
			existing.Status == models.WithdrawStatusPending {
			return existing, nil
		}
		return nil, repository.ErrDuplicateRef
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if bound, err := s.withdrawRepo.FindBySignatureBinding(ctx, digest, signature); err == nil {
		if !strings.EqualFold(bound.RefID, req.RefID) {
			return nil, repository.ErrSignatureReused
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	intent := &models.WithdrawIntent{
		RefID:        utils.NormalizeHex(req.RefID),
		User:         req.User,
		AmountShares: req.AmountShares,
		DstChainID:   req.DstChainID,
		DstToken:     req.DstToken,
		MinAmountOut: req.MinAmountOut,
		Deadline:     req.Deadline,
		Nonce:        req.Nonce,
		Digest:       digest,
		Signature:    signature,
		Status:       models.WithdrawStatusPending,
	}
	if err := s.withdrawRepo.Create(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to persist intent: %w", err)
	}

	metrics.IntentsAdmitted.WithLabelValues("withdraw").Inc()
	s.log.WithFields(logrus.Fields{
		"refId":    intent.RefID,
		"user":     intent.User,
		"dstChain": intent.DstChainID,
	}).Info("withdraw intent admitted")
	return intent, nil
}

package models

import (
	"time"
)

// WithdrawStatus settlement status of a withdraw intent
type WithdrawStatus string

const (
	WithdrawStatusPending    WithdrawStatus = "PENDING"
	WithdrawStatusProcessing WithdrawStatus = "PROCESSING"
	WithdrawStatusBurned     WithdrawStatus = "BURNED"    // receipt token burned on the accounting chain
	WithdrawStatusRedeeming  WithdrawStatus = "REDEEMING" // multisig redeem submitted
	WithdrawStatusRedeemed   WithdrawStatus = "REDEEMED"  // vault shares redeemed to the holder
	WithdrawStatusBridging   WithdrawStatus = "BRIDGING"  // proceeds in flight back to the user
	WithdrawStatusSuccess    WithdrawStatus = "SUCCESS"   // terminal success
	WithdrawStatusFailed     WithdrawStatus = "FAILED"    // retryable failure
)

// withdrawStatusRank orders the withdraw pipeline; FAILED is a side-state.
var withdrawStatusRank = map[WithdrawStatus]int{
	WithdrawStatusPending:    1,
	WithdrawStatusProcessing: 2,
	WithdrawStatusBurned:     3,
	WithdrawStatusRedeeming:  4,
	WithdrawStatusRedeemed:   5,
	WithdrawStatusBridging:   6,
	WithdrawStatusSuccess:    7,
}

// Rank returns the pipeline rank of the status; 0 for side-states.
func (s WithdrawStatus) Rank() int {
	return withdrawStatusRank[s]
}

// AheadOrEqual reports whether s already reached the pipeline stage of other.
func (s WithdrawStatus) AheadOrEqual(other WithdrawStatus) bool {
	return s.Rank() >= other.Rank() && other.Rank() > 0
}

// Terminal reports terminal success.
func (s WithdrawStatus) Terminal() bool {
	return s == WithdrawStatusSuccess
}

type withdrawEdge struct {
	from WithdrawStatus
	to   WithdrawStatus
}

var withdrawEdges = map[withdrawEdge]bool{
	{WithdrawStatusPending, WithdrawStatusProcessing}:  true,
	{WithdrawStatusProcessing, WithdrawStatusBurned}:   true,
	{WithdrawStatusBurned, WithdrawStatusRedeeming}:    true,
	{WithdrawStatusRedeeming, WithdrawStatusRedeemed}:  true,
	{WithdrawStatusRedeemed, WithdrawStatusBridging}:   true,
	{WithdrawStatusBridging, WithdrawStatusSuccess}:    true,

	// failures
	{WithdrawStatusProcessing, WithdrawStatusFailed}: true,
	{WithdrawStatusBurned, WithdrawStatusFailed}:     true,
	{WithdrawStatusRedeeming, WithdrawStatusFailed}:  true,
	{WithdrawStatusRedeemed, WithdrawStatusFailed}:   true,
	{WithdrawStatusBridging, WithdrawStatusFailed}:   true,
}

// CanAdvanceWithdraw reports whether from -> to is a legal withdraw transition.
func CanAdvanceWithdraw(from, to WithdrawStatus) bool {
	return from == to || withdrawEdges[withdrawEdge{from, to}]
}

// WithdrawLockableIdle are the statuses a finisher may lock immediately.
var WithdrawLockableIdle = []WithdrawStatus{
	WithdrawStatusPending,
	WithdrawStatusFailed,
}

// WithdrawProcessingClass are statuses held under a lease; lockable again
// once the lease expired.
var WithdrawProcessingClass = []WithdrawStatus{
	WithdrawStatusProcessing,
	WithdrawStatusBurned,
	WithdrawStatusRedeeming,
	WithdrawStatusRedeemed,
	WithdrawStatusBridging,
}

// WithdrawIntent is a user-signed authorization to burn receipt shares and
// receive the underlying value on the user's chosen chain and token.
type WithdrawIntent struct {
	ID    uint64 `json:"id" gorm:"primaryKey;autoIncrement"`
	RefID string `json:"ref_id" gorm:"column:ref_id;size:66;uniqueIndex;not null"`

	// Signed payload
	User         string `json:"user" gorm:"size:66;index;not null"`
	AmountShares string `json:"amount_shares" gorm:"not null"` // 18d receipt shares
	DstChainID   int64  `json:"dst_chain_id" gorm:"column:dst_chain_id;not null"`
	DstToken     string `json:"dst_token" gorm:"size:66;not null"`
	MinAmountOut string `json:"min_amount_out" gorm:"not null"`
	Deadline     int64  `json:"deadline" gorm:"not null"`
	Nonce        string `json:"nonce" gorm:"not null"`

	Digest    string `json:"digest" gorm:"size:66;index"`
	Signature string `json:"signature" gorm:"size:256;index"`

	Status WithdrawStatus `json:"status" gorm:"size:32;not null;default:'PENDING';index"`

	// Step records (write-once)
	BurnTxHash   string `json:"burn_tx_hash" gorm:"size:66"`
	RedeemTxHash string `json:"redeem_tx_hash" gorm:"size:66"`
	FromTxHash   string `json:"from_tx_hash" gorm:"size:66"`
	ToTxHash     string `json:"to_tx_hash" gorm:"size:66"`
	AmountOut    string `json:"amount_out"`

	// Lease
	ProcessingOwner      string     `json:"processing_owner" gorm:"size:64"`
	ProcessingLeaseUntil *time.Time `json:"processing_lease_until"`

	Error      string     `json:"error" gorm:"type:text"`
	ConsumedAt *time.Time `json:"consumed_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (WithdrawIntent) TableName() string {
	return "withdraw_intents"
}

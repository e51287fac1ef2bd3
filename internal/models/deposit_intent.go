package models

import (
	"time"
)

// DepositStatus settlement status of a deposit intent
type DepositStatus string

const (
	DepositStatusPending        DepositStatus = "PENDING"          // intent admitted, waiting for source tx
	DepositStatusProcessing     DepositStatus = "PROCESSING"       // a finisher holds the lease
	DepositStatusWaitingRoute   DepositStatus = "WAITING_ROUTE"    // no source tx hash captured yet
	DepositStatusBridgeInFlight DepositStatus = "BRIDGE_IN_FLIGHT" // waiting for the bridge to settle
	DepositStatusBridged        DepositStatus = "BRIDGED"          // funds arrived on the destination chain
	DepositStatusDepositing     DepositStatus = "DEPOSITING"       // vault deposit in progress
	DepositStatusDeposited      DepositStatus = "DEPOSITED"        // vault deposit confirmed
	DepositStatusMinting        DepositStatus = "MINTING"          // receipt token mint in progress
	DepositStatusMinted         DepositStatus = "MINTED"           // terminal success
	DepositStatusFailed         DepositStatus = "FAILED"           // retryable failure, finish may be called again
)

// depositStatusRank orders the forward pipeline. PROCESSING and FAILED are
// side-states and deliberately rank 0 so they never outrank a pipeline stage.
var depositStatusRank = map[DepositStatus]int{
	DepositStatusPending:        1,
	DepositStatusWaitingRoute:   2,
	DepositStatusBridgeInFlight: 3,
	DepositStatusBridged:        4,
	DepositStatusDepositing:     5,
	DepositStatusDeposited:      6,
	DepositStatusMinting:        7,
	DepositStatusMinted:         8,
}

// Rank returns the pipeline rank of the status; 0 for side-states.
func (s DepositStatus) Rank() int {
	return depositStatusRank[s]
}

// AheadOrEqual reports whether s already reached the pipeline stage of other.
func (s DepositStatus) AheadOrEqual(other DepositStatus) bool {
	return s.Rank() >= other.Rank() && other.Rank() > 0
}

// Terminal reports terminal success.
func (s DepositStatus) Terminal() bool {
	return s == DepositStatusMinted
}

type depositEdge struct {
	from DepositStatus
	to   DepositStatus
}

// depositEdges: forward-only transitions plus resumable jumps taken after
// observation, plus failure edges out of every active stage.
var depositEdges = map[depositEdge]bool{
	{DepositStatusPending, DepositStatusProcessing}:         true,
	{DepositStatusProcessing, DepositStatusWaitingRoute}:    true,
	{DepositStatusProcessing, DepositStatusBridgeInFlight}:  true,
	{DepositStatusWaitingRoute, DepositStatusBridgeInFlight}: true,
	{DepositStatusBridgeInFlight, DepositStatusBridged}:     true,
	{DepositStatusBridged, DepositStatusDepositing}:         true,
	{DepositStatusDepositing, DepositStatusDeposited}:       true,
	{DepositStatusDeposited, DepositStatusMinting}:          true,
	{DepositStatusMinting, DepositStatusMinted}:             true,

	// resumable jumps after observation
	{DepositStatusWaitingRoute, DepositStatusBridged}: true,
	{DepositStatusPending, DepositStatusBridged}:      true,

	// failures
	{DepositStatusProcessing, DepositStatusFailed}:     true,
	{DepositStatusWaitingRoute, DepositStatusFailed}:   true,
	{DepositStatusBridgeInFlight, DepositStatusFailed}: true,
	{DepositStatusDepositing, DepositStatusFailed}:     true,
	{DepositStatusMinting, DepositStatusFailed}:        true,
}

// CanAdvanceDeposit reports whether from -> to is a legal deposit transition.
func CanAdvanceDeposit(from, to DepositStatus) bool {
	return from == to || depositEdges[depositEdge{from, to}]
}

// DepositLockableIdle are the statuses a finisher may lock immediately.
var DepositLockableIdle = []DepositStatus{
	DepositStatusPending,
	DepositStatusWaitingRoute,
	DepositStatusBridged,
	DepositStatusFailed,
}

// DepositProcessingClass are the statuses a worker passes through while it
// holds the lease; lockable again once the lease expired.
var DepositProcessingClass = []DepositStatus{
	DepositStatusProcessing,
	DepositStatusBridgeInFlight,
	DepositStatusDepositing,
	DepositStatusMinting,
}

// DepositIntent is a user-signed authorization to move value from a source
// chain into the destination-chain vault, settled exactly once.
type DepositIntent struct {
	ID    uint64 `json:"id" gorm:"primaryKey;autoIncrement"`
	RefID string `json:"ref_id" gorm:"column:ref_id;size:66;uniqueIndex;not null"` // client-chosen bytes32

	// Signed payload
	User       string `json:"user" gorm:"size:66;index;not null"`
	AdapterKey string `json:"adapter_key" gorm:"size:66"` // target-vault selector, zero-filled when absent
	Asset      string `json:"asset" gorm:"size:66;not null"`
	Amount     string `json:"amount" gorm:"not null"` // integer as string
	Deadline   int64  `json:"deadline" gorm:"not null"`
	Nonce      string `json:"nonce" gorm:"not null"`
	Salt       string `json:"salt" gorm:"size:66"`

	// Signature binding
	Digest    string `json:"digest" gorm:"size:66;index;not null"`
	Signature string `json:"signature" gorm:"size:256;index;not null"`

	// Run correlation token handed back on admission
	IntentToken string `json:"intent_token" gorm:"size:66"`

	Status DepositStatus `json:"status" gorm:"size:32;not null;default:'PENDING';index"`

	// Route facts (write-once)
	FromChainID    int64  `json:"from_chain_id" gorm:"column:from_chain_id"`
	ToChainID      int64  `json:"to_chain_id" gorm:"column:to_chain_id"`
	FromTxHash     string `json:"from_tx_hash" gorm:"size:66;index"`
	ToTxHash       string `json:"to_tx_hash" gorm:"size:66"`
	ToAddress      string `json:"to_address" gorm:"size:66"`
	ToTokenAddress string `json:"to_token_address" gorm:"size:66"`
	ToTokenSymbol  string `json:"to_token_symbol" gorm:"size:32"`

	// Settlement progress
	MinAmount     string `json:"min_amount"` // only ever tightens
	BridgedAmount string `json:"bridged_amount"`
	DepositTxHash string `json:"deposit_tx_hash" gorm:"size:66"`
	MintTxHash    string `json:"mint_tx_hash" gorm:"size:66"`

	// Lease
	ProcessingOwner      string     `json:"processing_owner" gorm:"size:64"`
	ProcessingLeaseUntil *time.Time `json:"processing_lease_until"`

	Error      string     `json:"error" gorm:"type:text"`
	ConsumedAt *time.Time `json:"consumed_at"` // terminal success, for audit

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name stable regardless of GORM pluralization.
func (DepositIntent) TableName() string {
	return "deposit_intents"
}

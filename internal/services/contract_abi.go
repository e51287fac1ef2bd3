package services

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// mustType is a helper function to create an abi.Type from a string
func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("invalid type: %s: %v", t, err))
	}
	return typ
}

var (
	addressType = mustType("address")
	uint256Type = mustType("uint256")
	uint8Type   = mustType("uint8")
	bytesType   = mustType("bytes")
)

func selector(signature string) []byte {
	return crypto.Keccak256([]byte(signature))[:4]
}

func packCall(signature string, args abi.Arguments, values ...interface{}) ([]byte, error) {
	packed, err := args.Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", signature, err)
	}
	return append(selector(signature), packed...), nil
}

// ===== ERC-20 =====

func packBalanceOf(holder common.Address) ([]byte, error) {
	return packCall("balanceOf(address)",
		abi.Arguments{{Type: addressType}}, holder)
}

func packAllowance(owner, spender common.Address) ([]byte, error) {
	return packCall("allowance(address,address)",
		abi.Arguments{{Type: addressType}, {Type: addressType}}, owner, spender)
}

func packApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	return packCall("approve(address,uint256)",
		abi.Arguments{{Type: addressType}, {Type: uint256Type}}, spender, amount)
}

func packTransfer(recipient common.Address, amount *big.Int) ([]byte, error) {
	return packCall("transfer(address,uint256)",
		abi.Arguments{{Type: addressType}, {Type: uint256Type}}, recipient, amount)
}

func unpackUint256(data []byte) (*big.Int, error) {
	args := abi.Arguments{{Type: uint256Type}}
	out, err := args.Unpack(data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack uint256: %w", err)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected return type %T", out[0])
	}
	return n, nil
}

// ===== ERC-4626 vault =====

func packVaultDeposit(assets *big.Int, receiver common.Address) ([]byte, error) {
	return packCall("deposit(uint256,address)",
		abi.Arguments{{Type: uint256Type}, {Type: addressType}}, assets, receiver)
}

func packVaultWithdraw(assets *big.Int, receiver, owner common.Address) ([]byte, error) {
	return packCall("withdraw(uint256,address,address)",
		abi.Arguments{{Type: uint256Type}, {Type: addressType}, {Type: addressType}},
		assets, receiver, owner)
}

// ===== Rewards vault (receipt token ledger) =====

func packRecordDeposit(user common.Address, amount *big.Int) ([]byte, error) {
	return packCall("recordDeposit(address,uint256)",
		abi.Arguments{{Type: addressType}, {Type: uint256Type}}, user, amount)
}

func packRecordWithdrawal(user common.Address, amount *big.Int) ([]byte, error) {
	return packCall("recordWithdrawal(address,uint256)",
		abi.Arguments{{Type: addressType}, {Type: uint256Type}}, user, amount)
}

// ===== Safe multisig =====

// packSafeExecTransaction builds a Safe execTransaction call with a
// pre-validated signature for the sending owner: r carries the owner address,
// s is zero and v is 1. Valid only when the transaction sender is that owner.
func packSafeExecTransaction(to common.Address, data []byte, sender common.Address) ([]byte, error) {
	sig := make([]byte, 65)
	copy(sig[12:32], sender.Bytes())
	sig[64] = 1

	return packCall(
		"execTransaction(address,uint256,bytes,uint8,uint256,uint256,uint256,address,address,bytes)",
		abi.Arguments{
			{Type: addressType}, // to
			{Type: uint256Type}, // value
			{Type: bytesType},   // data
			{Type: uint8Type},   // operation
			{Type: uint256Type}, // safeTxGas
			{Type: uint256Type}, // baseGas
			{Type: uint256Type}, // gasPrice
			{Type: addressType}, // gasToken
			{Type: addressType}, // refundReceiver
			{Type: bytesType},   // signatures
		},
		to, big.NewInt(0), data, uint8(0), big.NewInt(0), big.NewInt(0),
		big.NewInt(0), common.Address{}, common.Address{}, sig,
	)
}

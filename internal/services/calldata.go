package services

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// decodeHexData decodes 0x-prefixed calldata handed back by a bridge quote.
func decodeHexData(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return nil, nil
	}
	data, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid transaction calldata: %w", err)
	}
	return data, nil
}

// parseTxValue parses a transaction value that APIs serve either as a hex
// quantity ("0x0") or a decimal string.
func parseTxValue(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			if s == "0x0" || s == "0x00" {
				return big.NewInt(0), nil
			}
			return nil, fmt.Errorf("invalid transaction value %q: %w", s, err)
		}
		return v, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid transaction value %q", s)
	}
	return v, nil
}

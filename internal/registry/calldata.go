package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// MustABI parses one of the ABI constants in this package. It panics on a
// malformed fragment, which is a programming error.
func MustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// EncodeCall packs method with args and returns 0x-prefixed calldata.
func EncodeCall(contract abi.ABI, method string, args ...any) (string, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(data), nil
}

package jsonrpc

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// PrefixHex adds a 0x prefix when missing.
func PrefixHex(s string) string {
	if has0x(s) {
		return "0x" + s[2:]
	}
	return "0x" + s
}

// UnprefixHex strips a leading 0x (or 0X).
func UnprefixHex(s string) string {
	if has0x(s) {
		return s[2:]
	}
	return s
}

func has0x(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

// EncodeUint64 formats n as a hex quantity.
func EncodeUint64(n uint64) string {
	return hexutil.EncodeUint64(n)
}

// EncodeBig formats n as a hex quantity. nil encodes as 0x0.
func EncodeBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return hexutil.EncodeBig(n)
}

// ParseUint64 accepts a 0x-prefixed hex quantity, a decimal string (the
// explorer dialect) or a JSON number.
func ParseUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case string:
		s := strings.TrimSpace(n)
		if has0x(s) {
			if len(s) == 2 {
				return 0, nil
			}
			return strconv.ParseUint(s[2:], 16, 64)
		}
		if s == "" {
			return 0, fmt.Errorf("empty quantity")
		}
		return strconv.ParseUint(s, 10, 64)
	case json.Number:
		return strconv.ParseUint(n.String(), 10, 64)
	case float64:
		if n < 0 {
			return 0, fmt.Errorf("negative quantity %v", n)
		}
		return uint64(n), nil
	case int:
		if n < 0 {
			return 0, fmt.Errorf("negative quantity %d", n)
		}
		return uint64(n), nil
	case int64:
		if n < 0 {
			return 0, fmt.Errorf("negative quantity %d", n)
		}
		return uint64(n), nil
	case uint64:
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported quantity type %T", v)
	}
}

// ParseBig is ParseUint64 for arbitrary precision values.
func ParseBig(v any) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case string:
		s := strings.TrimSpace(n)
		base := 10
		if has0x(s) {
			s, base = s[2:], 16
			if s == "" {
				return new(big.Int), nil
			}
		}
		out, ok := new(big.Int).SetString(s, base)
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", n)
		}
		return out, nil
	case json.Number:
		out, ok := new(big.Int).SetString(n.String(), 10)
		if !ok {
			return nil, fmt.Errorf("invalid quantity %q", n)
		}
		return out, nil
	default:
		u, err := ParseUint64(v)
		if err != nil {
			return nil, err
		}
		return new(big.Int).SetUint64(u), nil
	}
}

// DecodeBytes decodes 0x-prefixed or bare hex data.
func DecodeBytes(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return hexutil.Decode(PrefixHex(s))
}

// internal/ledger/decode.go
//
// Decoding of the getPlayerStatus return value.
// The tuple may arrive positionally (ABI unpack output) or keyed by name (JSON-RPC
// gateways and indexers); both encodings map onto the same PlayerRecord.

package ledger

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// playerStatusFields is the wire order of the getPlayerStatus tuple.
var playerStatusFields = [6]string{"paid", "highestScore", "mintedClosed", "mintedOpen", "canMintClosed", "canMintOpen"}

var errBadStatus = errors.New("malformed player status")

// DecodePlayerStatus converts a raw getPlayerStatus result into a PlayerRecord.
// Accepts []any of length 6 or map[string]any keyed by the six field names.
func DecodePlayerStatus(raw any) (PlayerRecord, error) {
	var vals [6]any
	switch v := raw.(type) {
	case []any:
		if len(v) != len(playerStatusFields) {
			return PlayerRecord{}, fmt.Errorf("%w: want %d values, got %d", errBadStatus, len(playerStatusFields), len(v))
		}
		copy(vals[:], v)
	case map[string]any:
		if _, ok := v["paid"]; !ok {
			return PlayerRecord{}, fmt.Errorf("%w: missing paid", errBadStatus)
		}
		for i, name := range playerStatusFields {
			vals[i] = v[name]
		}
	default:
		return PlayerRecord{}, fmt.Errorf("%w: unsupported encoding %T", errBadStatus, raw)
	}

	score, err := toUint64(vals[1])
	if err != nil {
		return PlayerRecord{}, fmt.Errorf("%w: highestScore: %v", errBadStatus, err)
	}
	flags := [5]bool{}
	for i, idx := range []int{0, 2, 3, 4, 5} {
		flags[i] = toBool(playerStatusFields[idx], vals[idx])
	}
	return PlayerRecord{
		Paid:          flags[0],
		HighestScore:  score,
		MintedClosed:  flags[1],
		MintedOpen:    flags[2],
		CanMintClosed: flags[3],
		CanMintOpen:   flags[4],
	}, nil
}

// toBool never fails: nil, 0, "", "0" and "false" are false; true, 1, "1" and "true" are
// true. Anything else is truthy when non-zero or non-empty, and logged.
func toBool(field string, v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "", "0", "false":
			return false
		case "1", "true":
			return true
		}
		log.Warn().Str("field", field).Str("value", b).Msg("unexpected boolean value in player status")
		return true
	}
	if n, err := toUint64(v); err == nil && n <= 1 {
		return n == 1
	}
	// zero values were handled above
	log.Warn().Str("field", field).Interface("value", v).Msg("unexpected boolean value in player status")
	return true
}

func toUint64(v any) (uint64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case *big.Int:
		if n == nil {
			return 0, nil
		}
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, fmt.Errorf("out of range: %s", n)
		}
		return n.Uint64(), nil
	case uint64:
		return n, nil
	case uint:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint8:
		return uint64(n), nil
	case int:
		return signed(int64(n))
	case int64:
		return signed(n)
	case float64:
		if n < 0 || n > math.MaxUint64 || n != math.Trunc(n) {
			return 0, fmt.Errorf("not an unsigned integer: %v", n)
		}
		return uint64(n), nil
	case string:
		s := strings.TrimSpace(n)
		if s == "" {
			return 0, nil
		}
		return strconv.ParseUint(s, 10, 64)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func signed(n int64) (uint64, error) {
	if n < 0 {
		return 0, fmt.Errorf("negative: %d", n)
	}
	return uint64(n), nil
}

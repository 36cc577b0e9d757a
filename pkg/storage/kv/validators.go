package kv

import (
	"context"
	"encoding/json"
	"fmt"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

// ValidatorsKey names the Redis hash mapping validator address to
// JSON(ValidatorInfo).
const ValidatorsKey = "validators"

// ValidatorSource adapts a Client's "validators" hash to
// registry.ValidatorSource.
type ValidatorSource struct {
	client Client
}

// NewValidatorSource constructs a ValidatorSource over client.
func NewValidatorSource(client Client) *ValidatorSource {
	return &ValidatorSource{client: client}
}

// LoadValidators reads every field of the "validators" hash and decodes it.
func (s *ValidatorSource) LoadValidators(ctx context.Context) ([]ctypes.ValidatorInfo, error) {
	raw, err := s.client.HGetAll(ctx, ValidatorsKey)
	if err != nil {
		return nil, fmt.Errorf("kv: load validators: %w", err)
	}
	out := make([]ctypes.ValidatorInfo, 0, len(raw))
	for addr, data := range raw {
		var info ctypes.ValidatorInfo
		if err := json.Unmarshal([]byte(data), &info); err != nil {
			return nil, fmt.Errorf("kv: decode validator %s: %w", addr, err)
		}
		out = append(out, info)
	}
	return out, nil
}

// PutValidator writes or updates one validator's record.
func (s *ValidatorSource) PutValidator(ctx context.Context, info ctypes.ValidatorInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.client.HSet(ctx, ValidatorsKey, info.Address.String(), string(data))
}

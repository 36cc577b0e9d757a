package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
)

type fakeClient struct {
	hashes map[string]map[string]string
}

func newFakeClient() *fakeClient {
	return &fakeClient{hashes: make(map[string]map[string]string)}
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeClient) Set(ctx context.Context, key, value string) error   { return nil }
func (f *fakeClient) Del(ctx context.Context, key string) error          { return nil }

func (f *fakeClient) HGet(ctx context.Context, key, field string) (string, error) {
	return f.hashes[key][field], nil
}

func (f *fakeClient) HSet(ctx context.Context, key, field, value string) error {
	if f.hashes[key] == nil {
		f.hashes[key] = make(map[string]string)
	}
	f.hashes[key][field] = value
	return nil
}

func (f *fakeClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return f.hashes[key], nil
}

func (f *fakeClient) HExists(ctx context.Context, key, field string) (bool, error) {
	_, ok := f.hashes[key][field]
	return ok, nil
}

func (f *fakeClient) HDel(ctx context.Context, key, field string) error {
	delete(f.hashes[key], field)
	return nil
}

func (f *fakeClient) Ping(ctx context.Context) error { return nil }

func (f *fakeClient) StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	return "", nil
}

func (f *fakeClient) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]StreamMessage, error) {
	return nil, nil
}

func (f *fakeClient) StreamAck(ctx context.Context, stream, group, id string) error { return nil }

func (f *fakeClient) StreamCreateGroup(ctx context.Context, stream, group string) error { return nil }

func (f *fakeClient) StreamInfo(ctx context.Context, stream string) (StreamInfoResult, error) {
	return StreamInfoResult{}, nil
}

func TestPutValidatorThenLoadValidators(t *testing.T) {
	client := newFakeClient()
	src := NewValidatorSource(client)

	info := ctypes.ValidatorInfo{
		Address:   ctypes.Address{9},
		PublicKey: []byte("pubkey"),
		Stake:     100,
		Status:    ctypes.StatusActive,
	}
	require.NoError(t, src.PutValidator(context.Background(), info))

	loaded, err := src.LoadValidators(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, info.Address, loaded[0].Address)
	require.Equal(t, info.Stake, loaded[0].Stake)
}

func TestLoadValidatorsEmptyWhenHashAbsent(t *testing.T) {
	client := newFakeClient()
	src := NewValidatorSource(client)

	loaded, err := src.LoadValidators(context.Background())
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func TestPutValidatorOverwritesExistingRecord(t *testing.T) {
	client := newFakeClient()
	src := NewValidatorSource(client)

	addr := ctypes.Address{1}
	require.NoError(t, src.PutValidator(context.Background(), ctypes.ValidatorInfo{Address: addr, Stake: 1}))
	require.NoError(t, src.PutValidator(context.Background(), ctypes.ValidatorInfo{Address: addr, Stake: 2}))

	loaded, err := src.LoadValidators(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, uint64(2), loaded[0].Stake)
}

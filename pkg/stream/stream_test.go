package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teamTripCode/tc-validator-node/pkg/consensus/messages"
	ctypes "github.com/teamTripCode/tc-validator-node/pkg/consensus/types"
	"github.com/teamTripCode/tc-validator-node/pkg/storage/kv"
	"github.com/teamTripCode/tc-validator-node/pkg/utils"
)

func testLogger(t *testing.T) *utils.Logger {
	log, err := utils.NewLogger(utils.DefaultLogConfig())
	require.NoError(t, err)
	return log
}

var errHandlerFailed = errors.New("handler failed")

// fakeClient is a minimal in-memory kv.Client: StreamAppend records writes,
// StreamReadGroup drains a queue set up by the test, StreamAck records acks.
type fakeClient struct {
	mu sync.Mutex

	appended []map[string]interface{}
	toRead   []kv.StreamMessage
	acked    []string
	groups   []string
}

func (f *fakeClient) Get(ctx context.Context, key string) (string, error) { return "", nil }
func (f *fakeClient) Set(ctx context.Context, key, value string) error   { return nil }
func (f *fakeClient) Del(ctx context.Context, key string) error          { return nil }
func (f *fakeClient) HGet(ctx context.Context, key, field string) (string, error) {
	return "", nil
}
func (f *fakeClient) HSet(ctx context.Context, key, field, value string) error { return nil }
func (f *fakeClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeClient) HExists(ctx context.Context, key, field string) (bool, error) {
	return false, nil
}
func (f *fakeClient) HDel(ctx context.Context, key, field string) error { return nil }
func (f *fakeClient) Ping(ctx context.Context) error                   { return nil }

func (f *fakeClient) StreamAppend(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.appended = append(f.appended, fields)
	return "1-1", nil
}

func (f *fakeClient) StreamReadGroup(ctx context.Context, stream, group, consumer string, count int, block time.Duration) ([]kv.StreamMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.toRead) == 0 {
		return nil, nil
	}
	out := f.toRead
	f.toRead = nil
	return out, nil
}

func (f *fakeClient) StreamAck(ctx context.Context, stream, group, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeClient) StreamCreateGroup(ctx context.Context, stream, group string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups = append(f.groups, group)
	return nil
}

func (f *fakeClient) StreamInfo(ctx context.Context, stream string) (kv.StreamInfoResult, error) {
	return kv.StreamInfoResult{}, nil
}

func sampleMessage() *ctypes.ConsensusMessage {
	return &ctypes.ConsensusMessage{
		Type:        ctypes.MsgPrepare,
		BlockHeight: 3,
		BlockHash:   ctypes.BlockHash{7},
		Validator:   ctypes.Address{1},
		View:        0,
		Timestamp:   time.Now(),
	}
}

func TestEnqueueAppendsEncodedMessageToStream(t *testing.T) {
	codec, err := messages.New(messages.DefaultConfig(), nil)
	require.NoError(t, err)
	client := &fakeClient{}
	c := New(client, codec, nil, nil)

	m := sampleMessage()
	id, err := c.Enqueue(context.Background(), m)
	require.NoError(t, err)
	require.Equal(t, "1-1", id)

	require.Len(t, client.appended, 1)
	raw, ok := client.appended[0]["data"].(string)
	require.True(t, ok)
	data, err := base64.StdEncoding.DecodeString(raw)
	require.NoError(t, err)

	decoded, err := codec.Decode(data)
	require.NoError(t, err)
	require.Equal(t, m.BlockHeight, decoded.BlockHeight)
	require.Equal(t, m.BlockHash, decoded.BlockHash)
}

func TestEnsureGroupCreatesTheConfiguredGroup(t *testing.T) {
	codec, err := messages.New(messages.DefaultConfig(), nil)
	require.NoError(t, err)
	client := &fakeClient{}
	c := New(client, codec, nil, nil)

	require.NoError(t, c.EnsureGroup(context.Background()))
	require.Equal(t, []string{GroupName}, client.groups)
}

func encodeForDelivery(t *testing.T, codec *messages.Codec, m *ctypes.ConsensusMessage) string {
	data, err := codec.Encode(m)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(data)
}

func TestConsumerAcksOnlyAfterHandlerSucceeds(t *testing.T) {
	codec, err := messages.New(messages.DefaultConfig(), nil)
	require.NoError(t, err)
	m := sampleMessage()
	client := &fakeClient{toRead: []kv.StreamMessage{
		{ID: "5-1", Fields: map[string]string{"data": encodeForDelivery(t, codec, m)}},
	}}

	handled := make(chan struct{}, 1)
	c := New(client, codec, func(ctx context.Context, got *ctypes.ConsensusMessage) error {
		handled <- struct{}{}
		return nil
	}, testLogger(t))

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return len(client.acked) == 1
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	require.Equal(t, []string{"5-1"}, client.acked)
	snap := c.Snapshot()
	require.Equal(t, uint64(1), snap.Delivered)
	require.Equal(t, uint64(1), snap.Acked)
	require.Equal(t, uint64(0), snap.Failed)
}

func TestConsumerLeavesMessagePendingOnHandlerFailure(t *testing.T) {
	codec, err := messages.New(messages.DefaultConfig(), nil)
	require.NoError(t, err)
	m := sampleMessage()
	client := &fakeClient{toRead: []kv.StreamMessage{
		{ID: "6-1", Fields: map[string]string{"data": encodeForDelivery(t, codec, m)}},
	}}

	handled := make(chan struct{}, 1)
	c := New(client, codec, func(ctx context.Context, got *ctypes.ConsensusMessage) error {
		handled <- struct{}{}
		return errHandlerFailed
	}, testLogger(t))

	require.NoError(t, c.Start(context.Background()))
	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was never invoked")
	}
	require.Eventually(t, func() bool {
		return c.Snapshot().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)
	c.Stop()

	client.mu.Lock()
	defer client.mu.Unlock()
	require.Empty(t, client.acked, "a failed handler must not ack, leaving the message for redelivery")
}

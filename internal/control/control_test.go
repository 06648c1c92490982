package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servitorhq/servitor/pkg/config"
	"github.com/servitorhq/servitor/pkg/lifecycle"
	"github.com/servitorhq/servitor/pkg/logging"
	"github.com/servitorhq/servitor/pkg/service"
)

type failingDatabase struct {
	connectErr error
}

func (f *failingDatabase) Connect(ctx context.Context) error { return f.connectErr }
func (f *failingDatabase) Close(ctx context.Context) error   { return nil }
func (f *failingDatabase) Query(ctx context.Context, stmt string, args ...interface{}) ([]map[string]interface{}, error) {
	return nil, nil
}
func (f *failingDatabase) Execute(ctx context.Context, stmt string, args ...interface{}) error {
	return nil
}

func testLogger() *logging.Logger {
	return logging.New(logging.Config{
		Level:       logging.ErrorLevel,
		Output:      io.Discard,
		ServiceName: "servitor",
		Environment: "test",
	})
}

func newTestRegistry(t *testing.T, opts ...lifecycle.Option) (*service.Registry, *lifecycle.Manager) {
	t.Helper()
	registry := service.NewRegistry(testLogger())
	mgr := lifecycle.New(&config.ServiceConfig{Name: "api", Port: 8080, LogLevel: "info"}, testLogger(), opts...)
	require.NoError(t, registry.Register(mgr))
	return registry, mgr
}

func TestDispatchStartCommand(t *testing.T) {
	registry, mgr := newTestRegistry(t)
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-1",
		Service: "api",
		Action:  ActionStart,
	})

	assert.True(t, result.Success)
	assert.Equal(t, "cmd-1", result.ID)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "running", result.Snapshot.Status)
	assert.Equal(t, service.StatusRunning, mgr.Status())
}

func TestDispatchStopCommand(t *testing.T) {
	registry, mgr := newTestRegistry(t)
	require.NoError(t, mgr.Start(context.Background()))
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-2",
		Service: "api",
		Action:  ActionStop,
	})

	assert.True(t, result.Success)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "stopped", result.Snapshot.Status)
	assert.Equal(t, int64(0), result.Snapshot.Uptime)
}

func TestDispatchStatusCommandDoesNotMutate(t *testing.T) {
	registry, mgr := newTestRegistry(t)
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-3",
		Service: "api",
		Action:  ActionStatus,
	})

	assert.True(t, result.Success)
	require.NotNil(t, result.Snapshot)
	assert.Equal(t, "stopped", result.Snapshot.Status)
	assert.Equal(t, service.StatusStopped, mgr.Status())
}

func TestDispatchUnknownService(t *testing.T) {
	registry, _ := newTestRegistry(t)
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-4",
		Service: "ghost",
		Action:  ActionStart,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown service ghost")
	assert.Nil(t, result.Snapshot)
}

func TestDispatchUnknownAction(t *testing.T) {
	registry, _ := newTestRegistry(t)
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-5",
		Service: "api",
		Action:  "restart",
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "unknown action restart")
}

func TestDispatchFailedStartReportsError(t *testing.T) {
	registry, mgr := newTestRegistry(t,
		lifecycle.WithDatabase(&failingDatabase{connectErr: errors.New("conn refused")}))
	dispatcher := NewDispatcher(registry, testLogger())

	result := dispatcher.Dispatch(context.Background(), Command{
		ID:      "cmd-6",
		Service: "api",
		Action:  ActionStart,
	})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "conn refused")
	assert.Equal(t, service.StatusError, mgr.Status())
}

// fakeReader feeds queued messages to the plane, then times out like a
// real consumer with nothing to read.
type fakeReader struct {
	mu       sync.Mutex
	messages []*kafka.Message
	closed   bool
	topics   []string
}

func (f *fakeReader) SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = topics
	return nil
}

func (f *fakeReader) ReadMessage(timeout time.Duration) (*kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.messages) == 0 {
		return nil, kafka.NewError(kafka.ErrTimedOut, "timed out", false)
	}
	msg := f.messages[0]
	f.messages = f.messages[1:]
	return msg, nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeReader) enqueue(value []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, &kafka.Message{Value: value})
}

type fakeWriter struct {
	mu       sync.Mutex
	produced []*kafka.Message
	flushed  bool
	closed   bool
}

func (f *fakeWriter) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.produced = append(f.produced, msg)
	return nil
}

func (f *fakeWriter) Flush(timeoutMs int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushed = true
	return 0
}

func (f *fakeWriter) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeWriter) results(t *testing.T) []Result {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Result, 0, len(f.produced))
	for _, msg := range f.produced {
		var result Result
		require.NoError(t, json.Unmarshal(msg.Value, &result))
		out = append(out, result)
	}
	return out
}

func kafkaConfig() config.KafkaConfig {
	return config.KafkaConfig{
		Brokers:       "localhost:9092",
		CommandTopic:  "servitor.commands",
		ResultTopic:   "servitor.results",
		ConsumerGroup: "servitor_control_plane",
	}
}

func TestPlaneConsumesCommandAndPublishesResult(t *testing.T) {
	registry, mgr := newTestRegistry(t)
	reader := &fakeReader{}
	writer := &fakeWriter{}
	plane := newPlane(kafkaConfig(), reader, writer, registry, testLogger())

	cmd, err := json.Marshal(Command{ID: "cmd-7", Service: "api", Action: ActionStart})
	require.NoError(t, err)
	reader.enqueue(cmd)

	svc := plane.Service(&config.ServiceConfig{Name: "control-plane", Port: 8080, LogLevel: "info"}, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	assert.Equal(t, []string{"servitor.commands"}, reader.topics)

	require.Eventually(t, func() bool {
		return len(writer.results(t)) == 1
	}, time.Second, 5*time.Millisecond)

	results := writer.results(t)
	assert.Equal(t, "cmd-7", results[0].ID)
	assert.True(t, results[0].Success)
	assert.Equal(t, service.StatusRunning, mgr.Status())

	require.NoError(t, svc.Stop(context.Background()))
	assert.True(t, reader.closed)
	assert.True(t, writer.flushed)
	assert.True(t, writer.closed)
}

func TestPlanePublishesDecodeFailure(t *testing.T) {
	registry, _ := newTestRegistry(t)
	reader := &fakeReader{}
	writer := &fakeWriter{}
	plane := newPlane(kafkaConfig(), reader, writer, registry, testLogger())

	reader.enqueue([]byte("not json"))

	svc := plane.Service(&config.ServiceConfig{Name: "control-plane", Port: 8080, LogLevel: "info"}, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer func() { require.NoError(t, svc.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		return len(writer.results(t)) == 1
	}, time.Second, 5*time.Millisecond)

	results := writer.results(t)
	assert.False(t, results[0].Success)
	assert.NotEmpty(t, results[0].ID)
	assert.Contains(t, results[0].Error, "decoding command")
}

func TestPlaneResultKeyedByCommandID(t *testing.T) {
	registry, _ := newTestRegistry(t)
	reader := &fakeReader{}
	writer := &fakeWriter{}
	plane := newPlane(kafkaConfig(), reader, writer, registry, testLogger())

	cmd, err := json.Marshal(Command{ID: "cmd-8", Service: "api", Action: ActionStatus})
	require.NoError(t, err)
	reader.enqueue(cmd)

	svc := plane.Service(&config.ServiceConfig{Name: "control-plane", Port: 8080, LogLevel: "info"}, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	defer func() { require.NoError(t, svc.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		writer.mu.Lock()
		defer writer.mu.Unlock()
		return len(writer.produced) == 1
	}, time.Second, 5*time.Millisecond)

	writer.mu.Lock()
	msg := writer.produced[0]
	writer.mu.Unlock()
	assert.Equal(t, []byte("cmd-8"), msg.Key)
	assert.Equal(t, "servitor.results", *msg.TopicPartition.Topic)
}

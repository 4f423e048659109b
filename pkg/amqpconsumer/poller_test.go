package amqpconsumer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer/amqptest"
	"github.com/illmade-knight/go-amqptrigger/pkg/serde"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPoller(t *testing.T, broker *amqptest.Broker, opts ...amqpconsumer.Option) *amqpconsumer.BatchPoller {
	t.Helper()
	poller, err := amqpconsumer.NewBatchPoller(amqpconsumer.NewConfigDefaults(testQueue), broker, zerolog.Nop(), opts...)
	require.NoError(t, err)
	return poller
}

func TestBatchPoller_MaxRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	for i := 0; i < 5; i++ {
		broker.PublishBody(testQueue, fmt.Sprintf("m%d", i))
	}

	result, err := newTestPoller(t, broker).Poll(ctx, amqpconsumer.PollRequest{
		Queue:       testQueue,
		MaxRecords:  2,
		MaxDuration: 5 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Count)
	assert.Equal(t, amqpconsumer.ReasonMaxRecords, result.Reason)
	require.Len(t, result.Records, 2)
	assert.Equal(t, "m0", result.Records[0].Value)
	assert.Equal(t, "m1", result.Records[1].Value)

	// The batch is acknowledged once, as a whole, up to the last tag.
	ch := broker.LastChannel()
	assert.Equal(t, []amqptest.Ack{{Tag: 2, Multiple: true}}, ch.Acks())
	assert.Equal(t, []string{amqpconsumer.DefaultConsumerTag}, ch.Cancels())
	assert.True(t, ch.IsClosed())
	assert.True(t, broker.Connections()[0].IsClosed())
	assert.Equal(t, 3, broker.Depth(testQueue))
}

func TestBatchPoller_MaxDuration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	broker.PublishBody(testQueue, "m0")

	// Messages keep arriving for the whole poll window and after it.
	var published atomic.Int32
	published.Add(1)
	stopPublishing := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stopPublishing:
				return
			case <-ticker.C:
				n := published.Add(1)
				broker.PublishBody(testQueue, fmt.Sprintf("m%d", n-1))
			}
		}
	}()

	start := time.Now()
	result, err := newTestPoller(t, broker).Poll(ctx, amqpconsumer.PollRequest{
		Queue:       testQueue,
		MaxRecords:  10000,
		MaxDuration: 100 * time.Millisecond,
	})
	close(stopPublishing)
	wg.Wait()
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, amqpconsumer.ReasonMaxDuration, result.Reason)
	require.Greater(t, result.Count, 1)
	for i, rec := range result.Records {
		assert.Equal(t, fmt.Sprintf("m%d", i), rec.Value)
	}
	assert.Equal(t, []amqptest.Ack{{Tag: uint64(result.Count), Multiple: true}}, broker.LastChannel().Acks())
	// Everything not in the batch is still queued.
	assert.Equal(t, int(published.Load())-result.Count, broker.Depth(testQueue))
}

func TestBatchPoller_ConnectionLossDiscardsBatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	for i := 0; i < 3; i++ {
		broker.PublishBody(testQueue, fmt.Sprintf("m%d", i))
	}
	poller := newTestPoller(t, broker)

	type outcome struct {
		result *amqpconsumer.PollResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := poller.Poll(ctx, amqpconsumer.PollRequest{
			Queue:       testQueue,
			MaxRecords:  10,
			MaxDuration: 5 * time.Second,
		})
		done <- outcome{result, err}
	}()

	require.Eventually(t, func() bool {
		ch := broker.LastChannel()
		return ch != nil && ch.Unacked() == 3
	}, 2*time.Second, 5*time.Millisecond)
	broker.DropConnections()

	var out outcome
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Poll did not return after connection loss")
	}
	assert.ErrorIs(t, out.err, amqpconsumer.ErrDeliveriesClosed)
	var connErr *amqpconsumer.ConnectionError
	require.ErrorAs(t, out.err, &connErr)
	assert.Equal(t, "consume", connErr.Op)
	assert.Nil(t, out.result)

	// Nothing was acknowledged, so every message comes back as a redelivery.
	assert.Equal(t, 3, broker.Depth(testQueue))
	result, err := poller.Poll(ctx, amqpconsumer.PollRequest{Queue: testQueue, MaxRecords: 3, MaxDuration: time.Second})
	require.NoError(t, err)
	require.Equal(t, 3, result.Count)
	for i, rec := range result.Records {
		assert.Equal(t, fmt.Sprintf("m%d", i), rec.Value)
		assert.True(t, rec.Redelivered)
	}
}

func TestBatchPoller_EmptyQueue(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	result, err := newTestPoller(t, broker).Poll(ctx, amqpconsumer.PollRequest{
		Queue:       testQueue,
		MaxDuration: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Count)
	assert.Empty(t, result.Records)
	assert.Equal(t, amqpconsumer.ReasonMaxDuration, result.Reason)
	assert.Empty(t, broker.LastChannel().Acks())
}

func TestBatchPoller_DecodeFailureAcksNothing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	broker.PublishBody(testQueue, `{"ok":true}`)
	broker.PublishBody(testQueue, `{broken`)

	result, err := newTestPoller(t, broker).Poll(ctx, amqpconsumer.PollRequest{
		Queue:       testQueue,
		MaxRecords:  5,
		MaxDuration: 5 * time.Second,
		Decoder:     serde.JSON,
	})
	require.Error(t, err)
	assert.Nil(t, result)

	var decodeErr *amqpconsumer.DecodeError
	require.ErrorAs(t, err, &decodeErr)
	assert.Equal(t, uint64(2), decodeErr.DeliveryTag)

	// The partial batch is discarded and redelivered.
	assert.Empty(t, broker.LastChannel().Acks())
	assert.Equal(t, 2, broker.Depth(testQueue))
}

func TestBatchPoller_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)

	broker := amqptest.NewBroker()
	broker.PublishBody(testQueue, "pending")

	_, err := newTestPoller(t, broker).Poll(ctx, amqpconsumer.PollRequest{
		Queue:      testQueue,
		MaxRecords: 10,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, broker.Depth(testQueue))
}

func TestBatchPoller_Failures(t *testing.T) {
	boom := errors.New("boom")

	t.Run("invalid request", func(t *testing.T) {
		poller := newTestPoller(t, amqptest.NewBroker())

		_, err := poller.Poll(context.Background(), amqpconsumer.PollRequest{Queue: testQueue})
		assert.ErrorIs(t, err, amqpconsumer.ErrInvalidConfig)

		_, err = poller.Poll(context.Background(), amqpconsumer.PollRequest{MaxRecords: 1})
		assert.ErrorIs(t, err, amqpconsumer.ErrInvalidConfig)
	})

	t.Run("dial failure", func(t *testing.T) {
		broker := amqptest.NewBroker()
		broker.FailDial(boom)

		_, err := newTestPoller(t, broker).Poll(context.Background(), amqpconsumer.PollRequest{Queue: testQueue, MaxRecords: 1})
		var connErr *amqpconsumer.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "open connection", connErr.Op)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("ack failure returns no records", func(t *testing.T) {
		broker := amqptest.NewBroker()
		broker.PublishBody(testQueue, "x")
		broker.FailAck(boom)

		result, err := newTestPoller(t, broker).Poll(context.Background(), amqpconsumer.PollRequest{Queue: testQueue, MaxRecords: 1})
		assert.Nil(t, result)
		var connErr *amqpconsumer.ConnectionError
		require.ErrorAs(t, err, &connErr)
		assert.Equal(t, "ack", connErr.Op)
		assert.Equal(t, 1, broker.Depth(testQueue))
	})
}

func TestBatchPoller_RequestFromConfig(t *testing.T) {
	cfg := amqpconsumer.NewConfigDefaults(testQueue)
	cfg.MaxRecords = 25
	cfg.MaxDuration = time.Second
	cfg.SerdeType = serde.Binary

	poller, err := amqpconsumer.NewBatchPoller(cfg, amqptest.NewBroker(), zerolog.Nop())
	require.NoError(t, err)

	req := poller.RequestFromConfig()
	assert.Equal(t, testQueue, req.Queue)
	assert.Equal(t, 25, req.MaxRecords)
	assert.Equal(t, time.Second, req.MaxDuration)
	assert.Equal(t, serde.Binary, req.Decoder)
}

func TestBatchPoller_Metrics(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	reg := prometheus.NewRegistry()
	broker := amqptest.NewBroker()
	broker.PublishBody(testQueue, "a")
	poller := newTestPoller(t, broker, amqpconsumer.WithMetrics(amqpconsumer.NewMetrics(reg, "")))

	_, err := poller.Poll(ctx, amqpconsumer.PollRequest{Queue: testQueue, MaxRecords: 1})
	require.NoError(t, err)
	_, err = poller.Poll(ctx, amqpconsumer.PollRequest{Queue: testQueue, MaxDuration: 20 * time.Millisecond})
	require.NoError(t, err)

	expected := `
# HELP amqp_trigger_polls_total Batch polls by outcome.
# TYPE amqp_trigger_polls_total counter
amqp_trigger_polls_total{outcome="max_duration",queue="orders"} 1
amqp_trigger_polls_total{outcome="max_records",queue="orders"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "amqp_trigger_polls_total"))
}

func TestNewBatchPoller_SerdeType(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	cfg := amqpconsumer.NewConfigDefaults(testQueue)
	cfg.SerdeType = serde.Type("avro")
	_, err := amqpconsumer.NewBatchPoller(cfg, amqptest.NewBroker(), zerolog.Nop())
	assert.ErrorIs(t, err, amqpconsumer.ErrInvalidConfig)

	broker := amqptest.NewBroker()
	broker.PublishBody(testQueue, `{"n":1}`)
	cfg.SerdeType = serde.Type("Json")
	poller, err := amqpconsumer.NewBatchPoller(cfg, broker, zerolog.Nop())
	require.NoError(t, err)

	result, err := poller.Poll(ctx, amqpconsumer.PollRequest{Queue: testQueue, MaxRecords: 1})
	require.NoError(t, err)
	require.Equal(t, 1, result.Count)
	assert.EqualValues(t, map[string]any{"n": float64(1)}, result.Records[0].Value)
}

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/taut0logy/kothakoli/pkg/logger"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func header(msg kafka.Message, key string) string {
	return NewHeaderCarrier(&msg.Headers).Get(key)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "kothakoli.auth.otp_issued", Topic("auth", "otp_issued"))
}

func TestNewEvent(t *testing.T) {
	ev, err := NewEvent("otp.issued", "user-1", "user", "kothakoli", map[string]string{"purpose": "password_reset"})
	require.NoError(t, err)

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, SchemaVersion, ev.SchemaVersion)
	assert.False(t, ev.OccurredAt.IsZero())

	var data map[string]string
	require.NoError(t, ev.UnmarshalData(&data))
	assert.Equal(t, "password_reset", data["purpose"])

	raw, err := ev.WithCorrelationID("corr-1").Marshal()
	require.NoError(t, err)
	back, err := UnmarshalEvent(raw)
	require.NoError(t, err)
	assert.Equal(t, "corr-1", back.CorrelationID)
	assert.Equal(t, ev.ID, back.ID)
}

func TestUnmarshalEvent_RejectsUnknownSchema(t *testing.T) {
	_, err := UnmarshalEvent([]byte(`{"id":"e1","type":"otp.issued","schema_version":2,"data":{}}`))
	assert.ErrorContains(t, err, "unsupported schema version 2")

	_, err = UnmarshalEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestNewEvent_InvalidData(t *testing.T) {
	_, err := NewEvent("x", "y", "z", "s", make(chan int))
	assert.Error(t, err)
}

func TestProducer_Publish(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	w := &fakeWriter{}
	p := NewProducerWithWriter(w, nil, logger.Discard())

	ev, err := NewEvent("sessions.revoked", "user-9", "user", "kothakoli", map[string]int{"revoked_count": 2})
	require.NoError(t, err)
	ev.WithCorrelationID("corr-9")

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	topic := Topic("auth", "sessions_revoked")
	require.NoError(t, p.Publish(ctx, topic, ev))

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, topic, msg.Topic)
	assert.Equal(t, "user-9", string(msg.Key))
	assert.Equal(t, "sessions.revoked", header(msg, "event_type"))
	assert.Equal(t, "corr-9", header(msg, "correlation_id"))
	assert.Contains(t, header(msg, "traceparent"), sc.TraceID().String())
	assert.Equal(t, float64(1), testutil.ToFloat64(producerMessagesPublished.WithLabelValues(topic)))
}

func TestProducer_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	p := NewProducerWithWriter(w, nil, logger.Discard())

	ev, err := NewEvent("otp.issued", "a", "user", "kothakoli", nil)
	require.NoError(t, err)

	topic := Topic("auth", "publish_error_test")
	err = p.Publish(context.Background(), topic, ev)
	assert.ErrorContains(t, err, "leader not available")
	assert.Equal(t, float64(1), testutil.ToFloat64(producerPublishErrors.WithLabelValues(topic)))
}

func TestProducer_Close(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, NewProducerWithWriter(w, nil, logger.Discard()).Close())
	assert.True(t, w.closed)
}

func TestPingBrokers_NoBrokers(t *testing.T) {
	assert.Error(t, PingBrokers(context.Background(), nil))
}

func TestHeaderCarrier(t *testing.T) {
	headers := []kafka.Header{{Key: "existing", Value: []byte("v1")}}
	c := NewHeaderCarrier(&headers)

	assert.Equal(t, "v1", c.Get("existing"))
	assert.Empty(t, c.Get("missing"))

	c.Set("existing", "v2")
	c.Set("new", "n")
	assert.Equal(t, "v2", c.Get("existing"))
	assert.ElementsMatch(t, []string{"existing", "new"}, c.Keys())
	assert.Len(t, headers, 2)
}

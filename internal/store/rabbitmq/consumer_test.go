package rabbitmq

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

type fakeAck struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAck) Ack(bool) error { f.acked = true; return nil }
func (f *fakeAck) Nack(_ bool, requeue bool) error {
	f.nacked, f.requeue = true, requeue
	return nil
}

func TestProcess_AcksHandledMessage(t *testing.T) {
	var got string
	d := &fakeAck{}
	process(context.Background(), 0, []byte(`{"video_id":"v1"}`), nil, d,
		func(ctx context.Context, m VideoChanged) error { got = m.VideoID; return nil }, nil)

	assert.Equal(t, "v1", got)
	assert.True(t, d.acked)
	assert.False(t, d.nacked)
}

func TestProcess_MalformedGoesToDLQ(t *testing.T) {
	for _, body := range []string{`not json`, `{"video_id":"  "}`} {
		d := &fakeAck{}
		called := false
		process(context.Background(), 0, []byte(body), nil, d,
			func(ctx context.Context, m VideoChanged) error { called = true; return nil }, nil)
		assert.False(t, called, body)
		assert.True(t, d.nacked, body)
		assert.False(t, d.requeue, body)
	}
}

func TestProcess_FailureIsRetriedThenDeadLettered(t *testing.T) {
	fail := func(ctx context.Context, m VideoChanged) error { return errors.New("redis down") }

	var attempts []int
	retry := func(ctx context.Context, body []byte, attempt int) error {
		attempts = append(attempts, attempt)
		return nil
	}

	d := &fakeAck{}
	process(context.Background(), 0, []byte(`{"video_id":"v1"}`), nil, d, fail, retry)
	assert.Equal(t, []int{1}, attempts)
	assert.True(t, d.acked)

	d = &fakeAck{}
	process(context.Background(), 0, []byte(`{"video_id":"v1"}`), amqp.Table{retryHeader: int32(2)}, d, fail, retry)
	assert.Equal(t, []int{1, 3}, attempts)

	d = &fakeAck{}
	process(context.Background(), 0, []byte(`{"video_id":"v1"}`), amqp.Table{retryHeader: int32(3)}, d, fail, retry)
	assert.Len(t, attempts, 2)
	assert.True(t, d.nacked)
	assert.False(t, d.acked)
}

func TestVideoChangedValidate(t *testing.T) {
	assert.NoError(t, VideoChanged{VideoID: "v"}.Validate())
	assert.Error(t, VideoChanged{}.Validate())
}

package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryDeliversInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(4)

	require.NoError(t, q.Publish(ctx, Message{Type: "credential", Body: []byte("1")}))
	require.NoError(t, q.Publish(ctx, Message{Type: "credential", Body: []byte("2")}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	for _, want := range []string{"1", "2"} {
		select {
		case m := <-msgs:
			assert.Equal(t, "credential", m.Type)
			assert.Equal(t, want, string(m.Body))
		case <-time.After(time.Second):
			t.Fatal("no message")
		}
	}

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-msgs
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestInMemoryPublishHonoursContext(t *testing.T) {
	q := NewInMemory(1)
	require.NoError(t, q.Publish(context.Background(), Message{Type: "x"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "x"}), context.DeadlineExceeded)
}

func TestSerializeKeepsSeparatorsInBody(t *testing.T) {
	in := Message{Type: "credential", Body: []byte(`{"a":"b|c"}`)}
	s, err := serialize(in)
	require.NoError(t, err)
	out, err := deserialize(s)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = deserialize("credential|legacy")
	assert.Error(t, err)
}

func TestRedisQueueRoundTrip(t *testing.T) {
	m := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: m.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewRedisQueue(client, "")
	q.block = 50 * time.Millisecond
	require.NoError(t, q.Ping(ctx))

	require.NoError(t, q.Publish(ctx, Message{Type: "credential", Body: []byte("a")}))
	require.NoError(t, q.Publish(ctx, Message{Type: "credential", Body: []byte("b")}))
	// garbage is skipped rather than stopping the consumer
	m.Lpush("qrattend:deliveries", "not json")
	require.NoError(t, q.Publish(ctx, Message{Type: "credential", Body: []byte("c")}))

	msgs, err := q.Consume(ctx)
	require.NoError(t, err)
	var got []string
	for len(got) < 3 {
		select {
		case msg := <-msgs:
			got = append(got, string(msg.Body))
		case <-time.After(2 * time.Second):
			t.Fatalf("only got %v", got)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, got, "FIFO")

	cancel()
	assert.Eventually(t, func() bool {
		_, open := <-msgs
		return !open
	}, 2*time.Second, 10*time.Millisecond)
}

package redisstream

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestBuildInMemory(t *testing.T) {
	tr, err := Build(Settings{}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { require.NoError(t, tr.Close()) }()
	require.Equal(t, DefaultTopic, tr.Topic)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, tr.Topic)
	require.NoError(t, err)

	// publishing waits for the ack, so it cannot run on the reading goroutine
	published := make(chan error, 1)
	go func() {
		published <- tr.Publisher.Publish(tr.Topic, message.NewMessage(uuid.NewString(), []byte(`{"type":"token"}`)))
	}()

	select {
	case msg := <-msgs:
		require.Equal(t, `{"type":"token"}`, string(msg.Payload))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
	require.NoError(t, <-published)
}

func TestInMemoryDeliversInPublishOrder(t *testing.T) {
	tr, err := Build(Settings{}, zerolog.Nop())
	require.NoError(t, err)
	defer func() { require.NoError(t, tr.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msgs, err := tr.Subscriber.Subscribe(ctx, tr.Topic)
	require.NoError(t, err)

	const n = 500
	received := make(chan []string, 1)
	go func() {
		var got []string
		for len(got) < n {
			select {
			case msg := <-msgs:
				got = append(got, string(msg.Payload))
				msg.Ack()
			case <-ctx.Done():
				received <- got
				return
			}
		}
		received <- got
	}()

	for i := 0; i < n; i++ {
		require.NoError(t, tr.Publisher.Publish(tr.Topic, message.NewMessage(uuid.NewString(), []byte(strconv.Itoa(i)))))
	}

	got := <-received
	require.Len(t, got, n)
	for i, payload := range got {
		require.Equal(t, strconv.Itoa(i), payload)
	}
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.False(t, s.Enabled)
	require.Equal(t, "localhost:6379", s.Addr)
	require.Equal(t, DefaultTopic, s.topic())
	require.Equal(t, "custom", Settings{Topic: " custom "}.topic())
}

func TestBuildRedis(t *testing.T) {
	addr := os.Getenv("STREAMCHAT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STREAMCHAT_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s := Settings{Enabled: true, Addr: addr, Group: "test-" + uuid.NewString(), Consumer: "c1", Topic: "streamchat-test-" + uuid.NewString()}
	require.NoError(t, EnsureGroupAtTail(ctx, addr, s.Topic, s.Group))
	require.NoError(t, EnsureGroupAtTail(ctx, addr, s.Topic, s.Group))

	tr, err := Build(s, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	msgs, err := tr.Subscriber.Subscribe(ctx, tr.Topic)
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish(tr.Topic, message.NewMessage(uuid.NewString(), []byte("hello"))))

	select {
	case msg := <-msgs:
		require.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

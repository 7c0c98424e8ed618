package lock

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() {
		client.Close()
		_ = container.Terminate(ctx)
	})
	return client
}

func testLocker(t *testing.T, l Locker) {
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "creator:c1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "creator:c1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must be refused")

	_, ok, err = l.TryLock(ctx, "creator:c2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "other keys are independent")

	assert.True(t, errors.Is(l.Unlock(ctx, "creator:c1", "wrong-token"), ErrNotHeld))
	require.NoError(t, l.Unlock(ctx, "creator:c1", token))
	assert.True(t, errors.Is(l.Unlock(ctx, "creator:c1", token), ErrNotHeld))

	_, ok, err = l.TryLock(ctx, "creator:c1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released key can be taken again")
}

func TestMemoryLocker(t *testing.T) {
	testLocker(t, NewMemoryLocker())
}

func TestMemoryLocker_Expiry(t *testing.T) {
	l := NewMemoryLocker()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = l.TryLock(ctx, "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be taken")
	assert.True(t, errors.Is(l.Unlock(ctx, "k", token), ErrNotHeld))
}

func TestRedisLocker(t *testing.T) {
	testLocker(t, NewRedisLocker(setupRedis(t), "test"))
}

func TestWith(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	calls := 0
	err := With(ctx, l, "k", time.Minute, func(ctx context.Context) error {
		calls++
		inner := With(ctx, l, "k", time.Minute, func(context.Context) error {
			calls++
			return nil
		})
		assert.True(t, errors.Is(inner, ErrBusy))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	// Released after fn returned.
	_, ok, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	boom := errors.New("boom")
	err = With(ctx, NewMemoryLocker(), "k", time.Minute, func(context.Context) error { return boom })
	assert.True(t, errors.Is(err, boom))
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func TestNewConnectsToSelectedDB(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	client, err := New(context.Background(), Options{Addr: mr.Addr(), Password: "secret", DB: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	require.NoError(t, client.Set(context.Background(), "rebates:ping", "1", 0).Err())
	mr.Select(2)
	require.True(t, mr.Exists("rebates:ping"))
}

func TestNewFailsWhenPingFails(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")

	_, err := New(context.Background(), Options{Addr: mr.Addr(), Password: "wrong", PingTimeout: time.Second})
	require.ErrorContains(t, err, "platform/cache: ping")
}

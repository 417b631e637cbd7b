package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/FeritTasdildiren/nerede-yesem/internal/domain"
)

func TestNewChromedpLimiterValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, nil)
	require.Error(t, err)

	launcher, err := NewChromedp(Config{MaxParallel: 2}, nil)
	require.NoError(t, err)
	require.Equal(t, 2, cap(launcher.limiter))
	require.Equal(t, 30*time.Second, launcher.cfg.NavigationTimeout)
	require.Equal(t, "tr", launcher.cfg.Language)
}

func TestLimiterBlocksUntilRelease(t *testing.T) {
	t.Parallel()

	launcher, err := NewChromedp(Config{MaxParallel: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, launcher.acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, launcher.acquire(ctx), context.DeadlineExceeded)

	launcher.release()
	require.NoError(t, launcher.acquire(context.Background()))
}

func TestAllocatorOptionsIncludeProxy(t *testing.T) {
	t.Parallel()

	launcher, err := NewChromedp(Config{Headless: true}, nil)
	require.NoError(t, err)
	direct := launcher.allocatorOptions(nil)
	proxied := launcher.allocatorOptions(&domain.Proxy{Address: "10.0.0.1", Port: 3128})
	require.Len(t, proxied, len(direct)+1)
}

func TestQueryJS(t *testing.T) {
	t.Parallel()

	require.Equal(t, "document.documentElement", queryJS(""))
	require.Equal(t, `document.querySelector("button[aria-label=\"Yorumlar\"]")`, queryJS(`button[aria-label="Yorumlar"]`))
	require.Equal(t, `"yorum ara"`, jsString("yorum ara"))
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	require.NoError(t, Sleep(context.Background(), 0))
}

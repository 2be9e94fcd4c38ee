package testutil

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
	"github.com/thesyncim/abrstream/pkg/manifest"
)

func TestTrace_BitrateAt(t *testing.T) {
	down := StepDownTrace(4e6, 1e6, 10*time.Second)
	assert.Equal(t, 4e6, down.BitrateAt(0))
	assert.Equal(t, 4e6, down.BitrateAt(9*time.Second))
	assert.Equal(t, 1e6, down.BitrateAt(10*time.Second))
	assert.Equal(t, 1e6, down.BitrateAt(time.Hour), "the last phase lasts forever")

	osc := OscillatingTrace(4e6, 1e6, 10*time.Second)
	assert.Equal(t, 4e6, osc.BitrateAt(time.Second))
	assert.Equal(t, 1e6, osc.BitrateAt(6*time.Second))
	assert.Equal(t, 4e6, osc.BitrateAt(11*time.Second), "oscillating traces loop")

	assert.Equal(t, 0.0, (&Trace{}).BitrateAt(0))
}

func TestProfile(t *testing.T) {
	for _, name := range []string{"stable", "step-down", "oscillating"} {
		tr, err := Profile(name, 3e6)
		require.NoError(t, err)
		assert.Equal(t, name, tr.Name)
		assert.Equal(t, 3e6, tr.BitrateAt(0))
	}
	_, err := Profile("satellite", 3e6)
	assert.Error(t, err)
}

func TestLoadTrace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"name": "cliff",
		"phases": [{"duration": 5000000000, "bitrate": 2000000}, {"bitrate": 500000}]
	}`), 0o600))

	tr, err := LoadTrace(path)
	require.NoError(t, err)
	assert.Equal(t, "cliff", tr.Name)
	assert.Equal(t, 5e5, tr.BitrateAt(6*time.Second))

	empty := filepath.Join(dir, "empty.json")
	require.NoError(t, os.WriteFile(empty, []byte(`{"name": "empty"}`), 0o600))
	_, err = LoadTrace(empty)
	assert.Error(t, err)

	_, err = LoadTrace(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}

func mediaRequest(bitrate, duration float64) fetch.Request {
	rep := manifest.NewRepresentation("r", bitrate, nil)
	return fetch.Request{
		Content: manifest.Content{Representation: rep},
		Segment: manifest.Segment{ID: "1", Duration: duration},
	}
}

type fetchResult struct {
	data []byte
	err  error
}

// fetchAsync runs Fetch in a goroutine and advances clk in 10ms steps
// while the fetch waits on it.
func fetchAsync(t *testing.T, n *Network, clk *clock.MockClock, ctx context.Context, req fetch.Request, onProgress func(fetch.Progress)) fetchResult {
	t.Helper()
	done := make(chan fetchResult, 1)
	go func() {
		data, err := n.Fetch(ctx, req, onProgress)
		done <- fetchResult{data, err}
	}()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r
		case <-deadline:
			t.Fatal("fetch did not complete")
		case <-time.After(time.Millisecond):
			if clk.PendingTimers() > 0 {
				clk.Advance(10 * time.Millisecond)
			}
		}
	}
}

func TestNetwork_LoadsAtTraceBitrate(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	n := NewNetwork(StableTrace(8e6), NetworkConfig{}, WithClock(clk))

	var mu sync.Mutex
	var progress []fetch.Progress
	start := clk.Now()
	// 1 Mbps over 2s is 250kB, a quarter of a second at 8 Mbps.
	res := fetchAsync(t, n, clk, context.Background(), mediaRequest(1e6, 2), func(p fetch.Progress) {
		mu.Lock()
		progress = append(progress, p)
		mu.Unlock()
	})
	require.NoError(t, res.err)
	assert.Len(t, res.data, 250_000)

	elapsed := clk.Now().Sub(start)
	assert.Equal(t, 250*time.Millisecond, elapsed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, progress, 3)
	assert.Equal(t, int64(100_000), progress[0].Size)
	assert.Equal(t, int64(250_000), progress[2].Size)
	assert.Equal(t, int64(250_000), progress[2].TotalSize)

	requests, bytes := n.Stats()
	assert.Equal(t, 1, requests)
	assert.Equal(t, int64(250_000), bytes)
}

func TestNetwork_InitSegment(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	n := NewNetwork(StableTrace(8e6), NetworkConfig{InitSize: 500}, WithClock(clk))

	req := mediaRequest(1e6, 2)
	req.Segment.IsInit = true
	res := fetchAsync(t, n, clk, context.Background(), req, nil)
	require.NoError(t, res.err)
	assert.Len(t, res.data, 500)
}

func TestNetwork_FailSegment(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	n := NewNetwork(StableTrace(8e6), NetworkConfig{Latency: 20 * time.Millisecond}, WithClock(clk))

	n.FailSegment("1", fetch.ErrSegmentNotFound)
	res := fetchAsync(t, n, clk, context.Background(), mediaRequest(1e6, 2), nil)
	assert.True(t, errors.Is(res.err, fetch.ErrSegmentNotFound))

	n.FailSegment("1", nil)
	res = fetchAsync(t, n, clk, context.Background(), mediaRequest(1e6, 2), nil)
	assert.NoError(t, res.err)
}

func TestNetwork_Cancel(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	n := NewNetwork(StableTrace(1e5), NetworkConfig{}, WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := n.Fetch(ctx, mediaRequest(1e6, 2), nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return clk.PendingTimers() > 0 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("fetch ignored cancellation")
	}
	assert.Equal(t, 0, clk.PendingTimers(), "the pending wait is stopped")
	requests, _ := n.Stats()
	assert.Equal(t, 0, requests)
}

func TestNetwork_BitrateNow(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	n := NewNetwork(StepDownTrace(8e6, 1e6, 10*time.Second), NetworkConfig{}, WithClock(clk))

	assert.Equal(t, 8e6, n.BitrateNow())
	clk.Advance(10 * time.Second)
	assert.Equal(t, 1e6, n.BitrateNow())
}

func TestNetwork_SharesBandwidth(t *testing.T) {
	clk := clock.NewMockClock(time.Time{})
	// Both requests are active once they wait on the latency, so the
	// first body step of each sees the other.
	n := NewNetwork(StableTrace(8e6), NetworkConfig{Latency: 10 * time.Millisecond}, WithClock(clk))

	// Two concurrent 100kB requests share 1MB/s: 50kB per interval each.
	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = n.Fetch(context.Background(), mediaRequest(4e5, 2), nil)
		}(i)
	}
	require.Eventually(t, func() bool { return clk.PendingTimers() == 2 }, time.Second, time.Millisecond)

	start := clk.Now()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for finished := false; !finished; {
		select {
		case <-done:
			finished = true
		case <-deadline:
			t.Fatal("fetches did not complete")
		case <-time.After(time.Millisecond):
			if clk.PendingTimers() == 2 {
				clk.Advance(10 * time.Millisecond)
			}
		}
	}
	assert.NoError(t, results[0])
	assert.NoError(t, results[1])
	assert.Equal(t, 210*time.Millisecond, clk.Now().Sub(start))
}

package discovery

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/testutil/nodetest"
	"github.com/danmuck/kaspactl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func listen(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = lis.Close() })
	return lis.Addr().String()
}

func closedAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := lis.Addr().String()
	_ = lis.Close()
	return addr
}

func keys(hs []*peer.Handle) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		out = append(out, h.Key())
	}
	return out
}

func TestPassDeduplicatesAndSkipsFailingSeeds(t *testing.T) {
	testlog.Start(t)
	d := New(Config{
		Seeds: []string{"seed-a", "seed-broken", "seed-b"},
		Resolver: nodetest.Resolver{
			"seed-a": {"10.0.0.1", "10.0.0.2"},
			"seed-b": {"10.0.0.2", "10.0.0.3:17000", " "},
		},
	})
	got := keys(d.Pass(context.Background(), 16110))
	require.ElementsMatch(t, []string{"10.0.0.1:16110", "10.0.0.2:16110", "10.0.0.3:17000"}, got)
}

func TestConcurrentPasses(t *testing.T) {
	testlog.Start(t)
	d := New(Config{
		Seeds:    []string{"seed-a"},
		Resolver: nodetest.Resolver{"seed-a": {"10.0.0.1", "10.0.0.2", "10.0.0.3", "10.0.0.4"}},
	})
	var wg sync.WaitGroup
	results := make([][]string, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				results[i] = keys(d.Pass(context.Background(), 16110))
			}
		}()
	}
	wg.Wait()
	for _, got := range results {
		require.Len(t, got, 4)
		require.ElementsMatch(t, []string{"10.0.0.1:16110", "10.0.0.2:16110", "10.0.0.3:16110", "10.0.0.4:16110"}, got)
	}
}

func TestCandidatesRestartsPasses(t *testing.T) {
	testlog.Start(t)
	d := New(Config{
		Seeds:    []string{"seed"},
		Resolver: nodetest.Resolver{"seed": {"10.0.0.1", "10.0.0.2", "10.0.0.3"}},
	})
	seen := map[string]int{}
	n := 0
	for h := range d.Candidates(context.Background(), 16110) {
		seen[h.Key()]++
		n++
		if n == 9 {
			break
		}
	}
	require.Len(t, seen, 3)
	for key, count := range seen {
		require.Equal(t, 3, count, key)
	}
}

func TestCandidatesProbeSkipsUnreachable(t *testing.T) {
	testlog.Start(t)
	open := listen(t)
	d := New(Config{
		Seeds:        []string{"seed"},
		Resolver:     nodetest.Resolver{"seed": {open, closedAddr(t)}},
		ProbeTimeout: 200 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	n := 0
	for h := range d.Candidates(ctx, 1) {
		require.Equal(t, open, h.Key())
		n++
		if n == 2 {
			break
		}
	}
	require.Equal(t, 2, n)
}

func TestCandidatesEndsWhenContextEnds(t *testing.T) {
	testlog.Start(t)
	d := New(Config{
		Seeds:     []string{"nowhere"},
		Resolver:  nodetest.Resolver{},
		RetryWait: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan int)
	go func() {
		n := 0
		for range d.Candidates(ctx, 16110) {
			n++
		}
		done <- n
	}()
	select {
	case n := <-done:
		require.Zero(t, n)
	case <-time.After(2 * time.Second):
		t.Fatalf("candidate sequence did not end")
	}
}

func TestScannerKeepsReachablePeersBounded(t *testing.T) {
	testlog.Start(t)
	var addrs []string
	for i := 0; i < 4; i++ {
		addrs = append(addrs, listen(t))
	}
	addrs = append(addrs, closedAddr(t))
	d := New(Config{Seeds: []string{"seed"}, Resolver: nodetest.Resolver{"seed": addrs}})
	s, err := NewScanner(d, ScannerConfig{MaxNodes: 3, ProbeTimeout: 200 * time.Millisecond})
	require.NoError(t, err)

	n, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 3, s.Len())

	known := s.Known()
	require.Len(t, known, 3)
	for i := 1; i < len(known); i++ {
		require.LessOrEqual(t, known[i-1].Latency, known[i].Latency)
	}
	s.Forget(known[0].Peer.Key())
	require.Equal(t, 2, s.Len())
}

func TestScannerRunIsExclusive(t *testing.T) {
	testlog.Start(t)
	d := New(Config{Seeds: []string{"seed"}, Resolver: nodetest.Resolver{"seed": {listen(t)}}})
	s, err := NewScanner(d, ScannerConfig{Interval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- s.Run(ctx) }()
	require.True(t, nodetest.WaitFor(2*time.Second, func() bool { return s.Len() == 1 }))
	require.ErrorIs(t, s.Run(ctx), ErrScannerRunning)
	cancel()
	require.NoError(t, <-errs)
}

func TestHandleForPorts(t *testing.T) {
	testlog.Start(t)
	require.Equal(t, "10.1.1.1:16111", handleFor("10.1.1.1", 16111).Key())
	require.Equal(t, "[::1]:16111", handleFor("::1", 16111).Key())
	require.Equal(t, "10.1.1.1:"+strconv.Itoa(9), handleFor("10.1.1.1:9", 16111).Key())
	require.Nil(t, handleFor("10.1.1.1:notaport", 16111))
	require.Nil(t, handleFor("", 16111))
}

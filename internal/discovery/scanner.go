package discovery

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/peer"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultScanInterval = 60 * time.Second
	DefaultMaxNodes     = 64
	defaultProbeWorkers = 16
)

var ErrScannerRunning = errors.New("discovery: scanner already running")

type ScannerConfig struct {
	Port     int
	Interval time.Duration
	// MaxNodes bounds the known table; the least recently confirmed peer is
	// evicted first.
	MaxNodes     int
	ProbeTimeout time.Duration
	ProbeWorkers int
}

// Known is one reachable peer seen by a scan.
type Known struct {
	Peer     *peer.Handle
	Latency  time.Duration
	LastSeen time.Time
}

// Scanner periodically re-resolves seeds and keeps the reachable ones.
type Scanner struct {
	disc    *Discovery
	cfg     ScannerConfig
	known   *lru.Cache[string, Known]
	running chan struct{}
}

func NewScanner(disc *Discovery, cfg ScannerConfig) (*Scanner, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultScanInterval
	}
	if cfg.MaxNodes <= 0 {
		cfg.MaxNodes = DefaultMaxNodes
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.ProbeWorkers <= 0 {
		cfg.ProbeWorkers = defaultProbeWorkers
	}
	known, err := lru.New[string, Known](cfg.MaxNodes)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		disc:    disc,
		cfg:     cfg,
		known:   known,
		running: make(chan struct{}, 1),
	}, nil
}

// Run scans immediately and then every interval until ctx ends.
func (s *Scanner) Run(ctx context.Context) error {
	select {
	case s.running <- struct{}{}:
	default:
		return ErrScannerRunning
	}
	defer func() { <-s.running }()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := s.ScanOnce(ctx); err == nil {
			log.Info().Int("reachable", n).Int("known", s.known.Len()).Msg("discovery.Scanner pass")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ScanOnce runs one pass and probes every address. It returns how many were
// reachable.
func (s *Scanner) ScanOnce(ctx context.Context) (int, error) {
	pass := s.disc.Pass(ctx, s.cfg.Port)
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ProbeWorkers)
	results := make([]Known, len(pass))
	for i, h := range pass {
		g.Go(func() error {
			latency, ok := h.ProbeLatency(gctx, s.cfg.ProbeTimeout)
			if !ok {
				observability.RecordCandidate("unreachable")
				return nil
			}
			results[i] = Known{Peer: h, Latency: latency, LastSeen: time.Now()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	reachable := 0
	for _, k := range results {
		if k.Peer == nil {
			continue
		}
		s.known.Add(k.Peer.Key(), k)
		reachable++
	}
	return reachable, nil
}

// Known returns the table ordered by latency, fastest first.
func (s *Scanner) Known() []Known {
	out := s.known.Values()
	slices.SortFunc(out, func(a, b Known) int {
		return cmp.Compare(a.Latency, b.Latency)
	})
	return out
}

func (s *Scanner) Len() int {
	return s.known.Len()
}

// Forget drops a peer from the table.
func (s *Scanner) Forget(key string) {
	s.known.Remove(key)
}

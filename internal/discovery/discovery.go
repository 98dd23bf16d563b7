// Package discovery turns DNS seed hosts into peer candidates.
//
// Candidates yields shuffled, de-duplicated
// handles pass after pass until the consumer stops. A Scanner keeps a bounded
// table of reachable peers fresh in the background.
package discovery

import (
	"context"
	"iter"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/kaspactl/internal/observability"
	"github.com/danmuck/kaspactl/internal/peer"
	"github.com/danmuck/kaspactl/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRetryWait    = 100 * time.Millisecond
	DefaultProbeTimeout = 500 * time.Millisecond
)

// DefaultSeeds are the public mainnet DNS seeders.
var DefaultSeeds = []string{
	"mainnet-dnsseed.daglabs-dev.com",
	"mainnet-dnsseed-1.kaspanet.org",
	"mainnet-dnsseed-2.kaspanet.org",
	"dnsseed.cbytensky.org",
	"seeder1.kaspad.net",
	"seeder2.kaspad.net",
	"seeder3.kaspad.net",
	"seeder4.kaspad.net",
	"kaspadns.kaspacalc.net",
}

// Resolver maps a seed host to addresses. An address may carry its own port.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// SystemResolver uses the process resolver.
type SystemResolver struct {
	Resolver *net.Resolver
}

func (r SystemResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	res := r.Resolver
	if res == nil {
		res = net.DefaultResolver
	}
	return res.LookupHost(ctx, host)
}

type Config struct {
	Seeds []string
	// RetryWait is the pause after a pass that produced nothing.
	RetryWait time.Duration
	// ProbeTimeout > 0 yields only candidates that accept a TCP connect
	// within it.
	ProbeTimeout time.Duration
	Resolver     Resolver
}

func DefaultConfig() Config {
	return Config{
		Seeds:        append([]string(nil), DefaultSeeds...),
		RetryWait:    DefaultRetryWait,
		ProbeTimeout: DefaultProbeTimeout,
		Resolver:     SystemResolver{},
	}
}

func (c Config) withDefaults() Config {
	if len(c.Seeds) == 0 {
		c.Seeds = append([]string(nil), DefaultSeeds...)
	}
	if c.RetryWait <= 0 {
		c.RetryWait = DefaultRetryWait
	}
	if c.Resolver == nil {
		c.Resolver = SystemResolver{}
	}
	return c
}

// Discovery is safe for concurrent use; passes share one shuffle source.
type Discovery struct {
	cfg Config

	mu  sync.Mutex
	rng *rand.Rand
}

func New(cfg Config) *Discovery {
	return &Discovery{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x6b617370)),
	}
}

func (d *Discovery) Config() Config {
	return d.cfg
}

// Pass resolves every seed once and returns the de-duplicated addresses in
// random order. Addresses without a port get port. A failing seed is skipped.
func (d *Discovery) Pass(ctx context.Context, port int) []*peer.Handle {
	seen := make(map[string]struct{})
	var out []*peer.Handle
	for _, seed := range d.cfg.Seeds {
		if ctx.Err() != nil {
			return nil
		}
		addrs, err := d.cfg.Resolver.LookupHost(ctx, seed)
		if err != nil {
			log.Debug().Str("seed", seed).Err(err).Msg("discovery.Discovery seed failed")
			continue
		}
		found := 0
		for _, addr := range addrs {
			h := handleFor(addr, port)
			if h == nil {
				continue
			}
			if _, dup := seen[h.Key()]; dup {
				continue
			}
			seen[h.Key()] = struct{}{}
			out = append(out, h)
			found++
		}
		log.Debug().Str("seed", seed).Int("new", found).Msg("discovery.Discovery seed resolved")
	}
	d.shuffle(out)
	return out
}

func (d *Discovery) shuffle(hs []*peer.Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rng.Shuffle(len(hs), func(i, j int) { hs[i], hs[j] = hs[j], hs[i] })
}

// Candidates yields handles pass after pass. It ends only when the consumer
// stops ranging or ctx is done.
func (d *Discovery) Candidates(ctx context.Context, port int) iter.Seq[*peer.Handle] {
	return func(yield func(*peer.Handle) bool) {
		for ctx.Err() == nil {
			pass := d.Pass(ctx, port)
			yielded := 0
			for _, h := range pass {
				if ctx.Err() != nil {
					return
				}
				if d.cfg.ProbeTimeout > 0 {
					if _, ok := h.ProbeLatency(ctx, d.cfg.ProbeTimeout); !ok {
						observability.RecordCandidate("unreachable")
						continue
					}
				}
				yielded++
				if !yield(h) {
					return
				}
			}
			if yielded == 0 {
				log.Debug().Int("seeds", len(d.cfg.Seeds)).Msg("discovery.Discovery empty pass")
				if err := session.Sleep(ctx, d.cfg.RetryWait); err != nil {
					return
				}
			}
		}
	}
}

func handleFor(addr string, port int) *peer.Handle {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if host, rawPort, err := net.SplitHostPort(addr); err == nil {
		if p, err := strconv.Atoi(rawPort); err == nil && p > 0 && p <= 65535 {
			return peer.New(host, p)
		}
		return nil
	}
	return peer.New(addr, port)
}

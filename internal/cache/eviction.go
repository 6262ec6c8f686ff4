package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fjacquet/beaconkit/internal/clock"
	log "github.com/sirupsen/logrus"
)

// Eviction strategy names reported to eviction listeners.
const (
	StrategyTime  = "time"
	StrategySpace = "space"
)

// Default eviction bounds.
const (
	DefaultMaxRecordAge        = 105 * time.Minute
	DefaultLowerMemoryBoundary = 80 * 1024 * 1024
	DefaultUpperMemoryBoundary = 100 * 1024 * 1024
)

// Configuration holds the eviction bounds. A non-positive value disables
// the corresponding strategy.
type Configuration struct {
	MaxRecordAge        time.Duration
	LowerMemoryBoundary int64
	UpperMemoryBoundary int64
}

// DefaultConfiguration returns the default eviction bounds.
func DefaultConfiguration() Configuration {
	return Configuration{
		MaxRecordAge:        DefaultMaxRecordAge,
		LowerMemoryBoundary: DefaultLowerMemoryBoundary,
		UpperMemoryBoundary: DefaultUpperMemoryBoundary,
	}
}

// EvictionListener receives the number of records removed by one run of
// a strategy.
type EvictionListener func(strategy string, records int)

// EvictionStrategy is one eviction policy run by the Evictor.
type EvictionStrategy interface {
	Name() string
	Execute()
}

// TimeEvictionStrategy removes records older than MaxRecordAge. It runs at
// most once per MaxRecordAge; the first call only records the start time.
type TimeEvictionStrategy struct {
	cache    *BeaconCache
	maxAge   time.Duration
	clock    clock.Clock
	listener EvictionListener
	lastRun  time.Time
	stopped  func() bool
}

// NewTimeEvictionStrategy creates the age based strategy.
func NewTimeEvictionStrategy(c *BeaconCache, cfg Configuration, clk clock.Clock, listener EvictionListener, stopped func() bool) *TimeEvictionStrategy {
	return &TimeEvictionStrategy{
		cache:    c,
		maxAge:   cfg.MaxRecordAge,
		clock:    clk,
		listener: listener,
		stopped:  stopped,
	}
}

func (s *TimeEvictionStrategy) Name() string { return StrategyTime }

// IsDisabled reports whether age eviction is switched off.
func (s *TimeEvictionStrategy) IsDisabled() bool {
	return s.maxAge <= 0
}

func (s *TimeEvictionStrategy) Execute() {
	if s.IsDisabled() {
		return
	}

	now := s.clock.Now()
	if s.lastRun.IsZero() {
		s.lastRun = now
		return
	}
	if now.Sub(s.lastRun) < s.maxAge {
		return
	}

	minTimestamp := now.Add(-s.maxAge)
	removed := 0
	for _, key := range s.cache.Keys() {
		if s.stopped() {
			break
		}
		n := s.cache.EvictRecordsByAge(key, minTimestamp)
		if n > 0 {
			log.WithFields(log.Fields{
				"beacon_id":        key.BeaconID,
				"session_sequence": key.SessionSequence,
				"records":          n,
			}).Debug("Evicted records by age")
		}
		removed += n
	}
	s.lastRun = now
	s.notify(removed)
}

func (s *TimeEvictionStrategy) notify(removed int) {
	if removed > 0 && s.listener != nil {
		s.listener(StrategyTime, removed)
	}
}

// SpaceEvictionStrategy keeps the cache size between the memory
// boundaries. Once the size exceeds the upper boundary it removes the
// oldest record of every session, round robin, until the size is at or
// below the lower boundary.
type SpaceEvictionStrategy struct {
	cache    *BeaconCache
	lower    int64
	upper    int64
	listener EvictionListener
	stopped  func() bool
}

// NewSpaceEvictionStrategy creates the memory bound strategy.
func NewSpaceEvictionStrategy(c *BeaconCache, cfg Configuration, listener EvictionListener, stopped func() bool) *SpaceEvictionStrategy {
	return &SpaceEvictionStrategy{
		cache:    c,
		lower:    cfg.LowerMemoryBoundary,
		upper:    cfg.UpperMemoryBoundary,
		listener: listener,
		stopped:  stopped,
	}
}

func (s *SpaceEvictionStrategy) Name() string { return StrategySpace }

// IsDisabled reports whether one of the boundaries is non-positive or the
// upper boundary lies below the lower one.
func (s *SpaceEvictionStrategy) IsDisabled() bool {
	return s.lower <= 0 || s.upper <= 0 || s.upper < s.lower
}

func (s *SpaceEvictionStrategy) Execute() {
	if s.IsDisabled() || s.cache.NumBytesInCache() <= s.upper {
		return
	}

	removed := 0
	for s.cache.NumBytesInCache() > s.lower && !s.stopped() {
		round := 0
		for _, key := range s.cache.Keys() {
			round += s.cache.EvictRecordsByNumber(key, 1)
			if s.cache.NumBytesInCache() <= s.lower {
				break
			}
		}
		removed += round
		// only checked out records are left
		if round == 0 {
			break
		}
	}

	if removed > 0 {
		log.WithFields(log.Fields{
			"records":     removed,
			"cache_bytes": s.cache.NumBytesInCache(),
		}).Debug("Evicted records by space")
		if s.listener != nil {
			s.listener(StrategySpace, removed)
		}
	}
}

// Evictor runs the eviction strategies in a background goroutine that is
// woken whenever records are added to the cache.
type Evictor struct {
	cache      *BeaconCache
	strategies []EvictionStrategy

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	stopped atomic.Bool
	alive   atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
}

// EvictorOption configures an Evictor.
type EvictorOption func(*evictorOptions)

type evictorOptions struct {
	clock    clock.Clock
	listener EvictionListener
}

// WithClock sets the clock used by the time strategy.
func WithClock(clk clock.Clock) EvictorOption {
	return func(o *evictorOptions) {
		o.clock = clk
	}
}

// WithEvictionListener registers a listener for evicted record counts.
func WithEvictionListener(listener EvictionListener) EvictorOption {
	return func(o *evictorOptions) {
		o.listener = listener
	}
}

// NewEvictor creates an Evictor with the time and space strategies and
// registers it as an observer of c.
func NewEvictor(c *BeaconCache, cfg Configuration, opts ...EvictorOption) *Evictor {
	o := evictorOptions{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}

	e := &Evictor{
		cache: c,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	e.strategies = []EvictionStrategy{
		NewTimeEvictionStrategy(c, cfg, o.clock, o.listener, e.stopped.Load),
		NewSpaceEvictionStrategy(c, cfg, o.listener, e.stopped.Load),
	}
	c.AddObserver(e.onDataAdded)
	return e
}

func (e *Evictor) onDataAdded() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Start launches the eviction goroutine. Calling Start more than once has
// no effect.
func (e *Evictor) Start() {
	e.startOnce.Do(func() {
		e.alive.Store(true)
		go e.run()
	})
}

func (e *Evictor) run() {
	defer func() {
		e.alive.Store(false)
		close(e.done)
	}()

	log.Debug("Beacon cache evictor started")
	for {
		select {
		case <-e.stop:
			log.Debug("Beacon cache evictor stopped")
			return
		case <-e.wake:
		}
		e.RunOnce()
	}
}

// RunOnce executes every strategy once on the calling goroutine.
func (e *Evictor) RunOnce() {
	for _, s := range e.strategies {
		if e.stopped.Load() {
			return
		}
		s.Execute()
	}
}

// Stop asks the eviction goroutine to exit and waits at most timeout for
// it. It reports whether the goroutine exited in time.
func (e *Evictor) Stop(timeout time.Duration) bool {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		close(e.stop)
	})
	if !e.alive.Load() {
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		log.WithField("timeout", timeout).Warn("Beacon cache evictor did not stop in time")
		return false
	}
}

// IsAlive reports whether the eviction goroutine is running.
func (e *Evictor) IsAlive() bool {
	return e.alive.Load()
}

package search

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"govorilka/internal/models"

	"github.com/c-pro/geche"
)

const (
	DefaultDebounce = 300 * time.Millisecond
	DefaultTTL      = 5 * time.Minute

	// MinQueryLength is the shortest query (after trimming) that ever
	// reaches the network.
	MinQueryLength = 2
)

// Fetcher runs the remote search for a query.
type Fetcher func(ctx context.Context, query string) ([]models.SearchResult, error)

// DeliverFunc receives the results for the query they belong to. A
// failed fetch delivers nil results and the error.
type DeliverFunc func(query string, results []models.SearchResult, err error)

type entry struct {
	results   []models.SearchResult
	fetchedAt time.Time
}

// Searcher debounces query input and serves repeated queries from a
// TTL cache. Results are cached by the lower-cased trimmed query;
// expired entries are purged lazily when a lookup touches them, there
// is no background sweeper. A fetch that finishes after the user has
// already typed a different query delivers nothing: every keystroke
// advances a generation and only the latest generation may deliver.
type Searcher struct {
	fetch    Fetcher
	deliver  DeliverFunc
	debounce time.Duration
	ttl      time.Duration
	now      func() time.Time
	log      *slog.Logger

	cache *geche.Locker[string, entry]

	mu    sync.Mutex
	timer *time.Timer
	gen   uint64
}

type Option func(*Searcher)

func WithDebounce(d time.Duration) Option {
	return func(s *Searcher) { s.debounce = d }
}

func WithTTL(d time.Duration) Option {
	return func(s *Searcher) { s.ttl = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Searcher) { s.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(s *Searcher) { s.log = log }
}

func New(fetch Fetcher, deliver DeliverFunc, opts ...Option) *Searcher {
	s := &Searcher{
		fetch:    fetch,
		deliver:  deliver,
		debounce: DefaultDebounce,
		ttl:      DefaultTTL,
		now:      time.Now,
		log:      slog.Default(),
		cache:    geche.NewLocker[string, entry](geche.NewMapCache[string, entry]()),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Query schedules a search for the given input. Short queries resolve
// to empty results immediately without touching the network.
func (s *Searcher) Query(ctx context.Context, query string) {
	trimmed := strings.TrimSpace(query)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if len([]rune(trimmed)) < MinQueryLength {
		s.mu.Unlock()
		s.deliver(trimmed, nil, nil)
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		s.run(ctx, trimmed, gen)
	})
	s.mu.Unlock()
}

func (s *Searcher) run(ctx context.Context, query string, gen uint64) {
	key := strings.ToLower(query)

	tx := s.cache.Lock()
	if e, err := tx.Get(key); err == nil {
		if s.now().Sub(e.fetchedAt) < s.ttl {
			tx.Unlock()
			s.deliverIfCurrent(gen, query, e.results, nil)
			return
		}
		// Expired: purge on touch.
		_ = tx.Del(key)
	}
	tx.Unlock()

	results, err := s.fetch(ctx, query)
	if err != nil {
		s.log.Warn("message search failed", "query", query, "error", err)
		s.deliverIfCurrent(gen, query, nil, err)
		return
	}

	tx = s.cache.Lock()
	tx.Set(key, entry{results: results, fetchedAt: s.now()})
	tx.Unlock()

	s.deliverIfCurrent(gen, query, results, nil)
}

func (s *Searcher) deliverIfCurrent(gen uint64, query string, results []models.SearchResult, err error) {
	s.mu.Lock()
	current := s.gen == gen
	s.mu.Unlock()
	if !current {
		return
	}
	s.deliver(query, results, err)
}

// ClearCache drops every cached result.
func (s *Searcher) ClearCache() {
	tx := s.cache.Lock()
	defer tx.Unlock()
	for key := range tx.Snapshot() {
		_ = tx.Del(key)
	}
}

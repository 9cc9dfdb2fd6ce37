package embedded

import (
	"context"
	"sync"

	"github.com/germanamz/vitalscan/pkg/metrics"
)

// Loader resolves a script URL to a vendor module.
type Loader interface {
	Load(ctx context.Context, url string) (Module, error)
}

// FetchFunc performs one actual module load.
type FetchFunc func(ctx context.Context, url string) (Module, error)

type future struct {
	done chan struct{}
	mod  Module
	err  error
}

// SharedLoader memoizes module loads per URL. The first caller starts the
// load; later callers wait on the same result. Failures are cached too.
// A caller whose context ends stops waiting but does not abort the load.
type SharedLoader struct {
	fetch FetchFunc

	mu      sync.Mutex
	futures map[string]*future
	loads   int
}

var _ Loader = (*SharedLoader)(nil)

// NewSharedLoader returns a loader backed by fetch. A nil fetch resolves
// URLs against the Register registry.
func NewSharedLoader(fetch FetchFunc) *SharedLoader {
	if fetch == nil {
		fetch = lookup
	}
	return &SharedLoader{fetch: fetch, futures: make(map[string]*future)}
}

var defaultLoader = sync.OnceValue(func() *SharedLoader { return NewSharedLoader(nil) })

// DefaultLoader returns the process-wide loader.
func DefaultLoader() *SharedLoader { return defaultLoader() }

// Load returns the module at url, loading it at most once.
func (l *SharedLoader) Load(ctx context.Context, url string) (Module, error) {
	l.mu.Lock()
	f, ok := l.futures[url]
	if !ok {
		f = &future{done: make(chan struct{})}
		l.futures[url] = f
		l.loads++
		go l.run(context.WithoutCancel(ctx), url, f)
	}
	l.mu.Unlock()

	select {
	case <-f.done:
		return f.mod, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *SharedLoader) run(ctx context.Context, url string, f *future) {
	defer close(f.done)
	f.mod, f.err = l.fetch(ctx, url)
	metrics.RecordModuleLoad(f.err)
}

// Loads returns how many fetches were started.
func (l *SharedLoader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Reset forgets every memoized load. Intended for tests.
func (l *SharedLoader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.futures = make(map[string]*future)
	l.loads = 0
}

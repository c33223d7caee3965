package ledger

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"ledger-transfer/pkg/logging"

	"github.com/bits-and-blooms/bloom/v3"
	"go.uber.org/zap"
)

// maxNegative bounds the remembered-absent set before expired entries are pruned.
const maxNegative = 4096

// FilterConfig sizes a FilteredReader.
type FilterConfig struct {
	// Expected is the number of accounts the filter is sized for.
	Expected uint

	// FalsePositiveRate is the target false positive rate of the filter.
	FalsePositiveRate float64

	// NegativeTTL is how long an id the reader confirmed absent is answered
	// without asking the reader again.
	NegativeTTL time.Duration
}

// DefaultFilterConfig returns the filter sizing used by NewFilteredReader.
func DefaultFilterConfig() FilterConfig {
	return FilterConfig{
		Expected:          10000,
		FalsePositiveRate: 0.01,
		NegativeTTL:       5 * time.Second,
	}
}

// FilteredReader puts a bloom filter of known account ids in front of a
// Reader. A filter hit goes straight to the reader. A miss is verified
// against the reader once; found ids join the filter and absent ids are
// answered from memory for NegativeTTL.
type FilteredReader struct {
	reader Reader
	config FilterConfig
	logger *logging.Logger
	now    func() time.Time

	mu       sync.RWMutex
	filter   *bloom.BloomFilter
	negative map[int64]time.Time

	totalQueries   uint64
	rejected       uint64
	recovered      uint64
	falsePositives uint64
}

var _ Reader = (*FilteredReader)(nil)

// NewFilteredReader creates an empty filter sized for expected accounts.
func NewFilteredReader(reader Reader, expected uint, falsePositiveRate float64) *FilteredReader {
	config := DefaultFilterConfig()
	config.Expected = expected
	config.FalsePositiveRate = falsePositiveRate
	return NewFilteredReaderWithConfig(reader, config)
}

// NewFilteredReaderWithConfig creates an empty filter. Zero fields take
// their defaults.
func NewFilteredReaderWithConfig(reader Reader, config FilterConfig) *FilteredReader {
	defaults := DefaultFilterConfig()
	if config.Expected == 0 {
		config.Expected = defaults.Expected
	}
	if config.FalsePositiveRate <= 0 || config.FalsePositiveRate >= 1 {
		config.FalsePositiveRate = defaults.FalsePositiveRate
	}
	if config.NegativeTTL <= 0 {
		config.NegativeTTL = defaults.NegativeTTL
	}

	return &FilteredReader{
		reader:   reader,
		config:   config,
		logger:   logging.Global().Named("ledger"),
		now:      time.Now,
		filter:   bloom.NewWithEstimates(config.Expected, config.FalsePositiveRate),
		negative: make(map[int64]time.Time),
	}
}

func idKey(id int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Refresh rebuilds the filter from the reader's current account list and
// forgets every remembered absence.
func (f *FilteredReader) Refresh(ctx context.Context) error {
	accounts, err := f.reader.List(ctx)
	if err != nil {
		return err
	}

	filter := bloom.NewWithEstimates(f.config.Expected, f.config.FalsePositiveRate)
	for _, a := range accounts {
		filter.Add(idKey(a.ID))
	}

	f.mu.Lock()
	f.filter = filter
	f.negative = make(map[int64]time.Time)
	f.mu.Unlock()
	return nil
}

// Run refreshes the filter every interval until ctx ends. A failed refresh
// is logged and the previous filter stays in place.
func (f *FilteredReader) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
				f.logger.Warn("account filter refresh failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Add registers an account id.
func (f *FilteredReader) Add(id int64) {
	f.mu.Lock()
	f.filter.Add(idKey(id))
	delete(f.negative, id)
	f.mu.Unlock()
}

// Get answers recently confirmed absences from memory and delegates the rest.
func (f *FilteredReader) Get(ctx context.Context, id int64) (Account, error) {
	if err := ctx.Err(); err != nil {
		return Account{}, err
	}

	f.mu.Lock()
	f.totalQueries++
	known := f.filter.Test(idKey(id))
	if !known {
		if until, ok := f.negative[id]; ok && f.now().Before(until) {
			f.rejected++
			f.mu.Unlock()
			return Account{}, NotFound(id)
		}
	}
	f.mu.Unlock()

	a, err := f.reader.Get(ctx, id)
	switch {
	case err == nil && !known:
		f.mu.Lock()
		f.recovered++
		f.filter.Add(idKey(id))
		delete(f.negative, id)
		f.mu.Unlock()
	case IsNotFound(err) && known:
		f.mu.Lock()
		f.falsePositives++
		f.mu.Unlock()
	case IsNotFound(err):
		f.mu.Lock()
		f.rejected++
		f.rememberAbsent(id)
		f.mu.Unlock()
	}
	return a, err
}

// rememberAbsent must be called with mu held.
func (f *FilteredReader) rememberAbsent(id int64) {
	now := f.now()
	if len(f.negative) >= maxNegative {
		for k, until := range f.negative {
			if !now.Before(until) {
				delete(f.negative, k)
			}
		}
	}
	if len(f.negative) < maxNegative {
		f.negative[id] = now.Add(f.config.NegativeTTL)
	}
}

// List delegates to the wrapped reader.
func (f *FilteredReader) List(ctx context.Context) ([]Account, error) {
	return f.reader.List(ctx)
}

// FilterStats reports how the filter has been performing.
type FilterStats struct {
	TotalQueries   uint64
	Rejected       uint64
	Recovered      uint64
	FalsePositives uint64
	NegativeCount  int
}

// Stats returns a snapshot of the filter counters.
func (f *FilteredReader) Stats() FilterStats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return FilterStats{
		TotalQueries:   f.totalQueries,
		Rejected:       f.rejected,
		Recovered:      f.recovered,
		FalsePositives: f.falsePositives,
		NegativeCount:  len(f.negative),
	}
}

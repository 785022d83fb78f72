package application

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

// fakeRepo 内存仓储，同时实现 Bucket/Ledger/Settings 三个接口
type fakeRepo struct {
	mu          sync.Mutex
	buckets     map[string]*domain.Bucket
	balances    map[string]decimal.Decimal
	txs         []*domain.BucketTransaction
	settings    map[string]float64
	satSettings map[string]*domain.SatelliteSettings
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		buckets:     make(map[string]*domain.Bucket),
		balances:    make(map[string]decimal.Decimal),
		settings:    make(map[string]float64),
		satSettings: make(map[string]*domain.SatelliteSettings),
	}
}

func balanceKey(bucketID, currency string) string {
	return bucketID + "|" + currency
}

// --- BucketRepository ---

func (f *fakeRepo) Save(ctx context.Context, bucket *domain.Bucket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *bucket
	f.buckets[bucket.BucketID] = &copied
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.buckets[bucketID]
	if !ok {
		return nil, nil
	}
	copied := *b
	return &copied, nil
}

func (f *fakeRepo) List(ctx context.Context) ([]*domain.Bucket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Bucket
	for _, b := range f.buckets {
		copied := *b
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketID < out[j].BucketID })
	return out, nil
}

func (f *fakeRepo) ListSatellites(ctx context.Context) ([]*domain.Bucket, error) {
	all, _ := f.List(ctx)
	var out []*domain.Bucket
	for _, b := range all {
		if b.Type == domain.BucketTypeSatellite {
			out = append(out, b)
		}
	}
	return out, nil
}

// --- LedgerRepository ---

func (f *fakeRepo) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

func (f *fakeRepo) GetBalance(ctx context.Context, bucketID, currency string) (*domain.BucketBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[balanceKey(bucketID, currency)]
	if !ok {
		return nil, nil
	}
	return &domain.BucketBalance{BucketID: bucketID, Currency: currency, Balance: balance}, nil
}

func (f *fakeRepo) ListBalancesByBucket(ctx context.Context, bucketID string) ([]*domain.BucketBalance, error) {
	return f.listBalances(func(bID, _ string) bool { return bID == bucketID })
}

func (f *fakeRepo) ListBalancesByCurrency(ctx context.Context, currency string) ([]*domain.BucketBalance, error) {
	return f.listBalances(func(_, cur string) bool { return cur == currency })
}

func (f *fakeRepo) listBalances(match func(bucketID, currency string) bool) ([]*domain.BucketBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.BucketBalance
	for key, balance := range f.balances {
		parts := strings.SplitN(key, "|", 2)
		if match(parts[0], parts[1]) {
			out = append(out, &domain.BucketBalance{BucketID: parts[0], Currency: parts[1], Balance: balance})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BucketID != out[j].BucketID {
			return out[i].BucketID < out[j].BucketID
		}
		return out[i].Currency < out[j].Currency
	})
	return out, nil
}

func (f *fakeRepo) AdjustBalance(ctx context.Context, bucketID, currency string, delta decimal.Decimal) (*domain.BucketBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := balanceKey(bucketID, currency)
	next := f.balances[key].Add(delta)
	f.balances[key] = next
	return &domain.BucketBalance{BucketID: bucketID, Currency: currency, Balance: next}, nil
}

func (f *fakeRepo) SetBalance(ctx context.Context, bucketID, currency string, amount decimal.Decimal) (*domain.BucketBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(bucketID, currency)] = amount
	return &domain.BucketBalance{BucketID: bucketID, Currency: currency, Balance: amount}, nil
}

func (f *fakeRepo) SumByCurrency(ctx context.Context, currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := decimal.Zero
	for key, balance := range f.balances {
		if strings.HasSuffix(key, "|"+currency) {
			total = total.Add(balance)
		}
	}
	return total, nil
}

func (f *fakeRepo) InsertTransaction(ctx context.Context, tx *domain.BucketTransaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *tx
	copied.ID = uint(len(f.txs) + 1)
	f.txs = append(f.txs, &copied)
	return nil
}

func (f *fakeRepo) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.BucketTransaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.BucketTransaction
	for i := len(f.txs) - 1; i >= 0; i-- {
		tx := f.txs[i]
		if filter.BucketID != "" && tx.BucketID != filter.BucketID {
			continue
		}
		if filter.Currency != "" && tx.Currency != filter.Currency {
			continue
		}
		if filter.Type != nil && tx.Type != *filter.Type {
			continue
		}
		copied := *tx
		out = append(out, &copied)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- SettingsRepository ---

func (f *fakeRepo) GetFloat(ctx context.Context, key string, defaultValue float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.settings[key]; ok {
		return v, nil
	}
	return defaultValue, nil
}

func (f *fakeRepo) SetFloat(ctx context.Context, key string, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings[key] = value
	return nil
}

func (f *fakeRepo) SaveSatelliteSettings(ctx context.Context, settings *domain.SatelliteSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *settings
	f.satSettings[settings.BucketID] = &copied
	return nil
}

func (f *fakeRepo) GetSatelliteSettings(ctx context.Context, bucketID string) (*domain.SatelliteSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.satSettings[bucketID]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

// fakePublisher 记录发布的事件
type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(ctx context.Context, topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	return nil
}

func (p *fakePublisher) published(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.topics {
		if t == topic {
			n++
		}
	}
	return n
}

// fakePerformance 以固定得分表响应
type fakePerformance struct {
	scores map[string]float64
}

func (p *fakePerformance) GetPerformance(ctx context.Context, bucketID string, periodDays int) (*domain.PerformanceReport, error) {
	score, ok := p.scores[bucketID]
	if !ok {
		return nil, nil
	}
	return &domain.PerformanceReport{CompositeScore: score}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

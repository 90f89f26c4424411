package storage

import (
	"context"
	"errors"
	"time"

	"github.com/epw80/studyhall/pkg/keys"
	"github.com/epw80/studyhall/pkg/metrics"
)

// InstrumentedStore records the count, outcome and latency of every call
type InstrumentedStore struct {
	next      Store
	collector *metrics.Collector
}

// Instrument wraps store with metrics. A nil collector returns store unchanged.
func Instrument(store Store, collector *metrics.Collector) Store {
	if collector == nil {
		return store
	}
	return &InstrumentedStore{next: store, collector: collector}
}

func (s *InstrumentedStore) observe(op string, start time.Time, err error) {
	outcome := metrics.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConditionFailed), errors.Is(err, ErrAlreadyExists):
		outcome = metrics.OutcomeRejected
	default:
		outcome = metrics.OutcomeError
	}
	s.collector.ObserveStore(op, outcome, time.Since(start))
}

func (s *InstrumentedStore) Get(ctx context.Context, key keys.Key) (Item, error) {
	start := time.Now()
	it, err := s.next.Get(ctx, key)
	s.observe("Get", start, err)
	return it, err
}

func (s *InstrumentedStore) Put(ctx context.Context, item Item, opts ...PutOption) error {
	start := time.Now()
	err := s.next.Put(ctx, item, opts...)
	s.observe("Put", start, err)
	return err
}

func (s *InstrumentedStore) Update(ctx context.Context, key keys.Key, patch *Patch) (Item, error) {
	start := time.Now()
	it, err := s.next.Update(ctx, key, patch)
	s.observe("Update", start, err)
	return it, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, key keys.Key, conds ...Condition) error {
	start := time.Now()
	err := s.next.Delete(ctx, key, conds...)
	s.observe("Delete", start, err)
	return err
}

func (s *InstrumentedStore) QueryByPartition(ctx context.Context, partitionKey string, opts QueryOptions) (*Page, error) {
	start := time.Now()
	page, err := s.next.QueryByPartition(ctx, partitionKey, opts)
	s.observe("QueryByPartition", start, err)
	return page, err
}

func (s *InstrumentedStore) QueryByIndex(ctx context.Context, index, partitionKey string, opts QueryOptions) (*Page, error) {
	start := time.Now()
	page, err := s.next.QueryByIndex(ctx, index, partitionKey, opts)
	s.observe("QueryByIndex", start, err)
	return page, err
}

package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/btsvob/backtest-engine/internal/model"
)

// CachedSource wraps a primary BarSource with a Redis read-through cache.
// Historical bars never change, so entries are cached on first read and
// only expire by TTL.
type CachedSource struct {
	primary BarSource
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedSource creates a cached wrapper around a primary source.
func NewCachedSource(primary BarSource, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedSource) GetBar(ctx context.Context, instrument string, dt time.Time) (model.Bar, error) {
	key := barKey(instrument, dt)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var bar model.Bar
		if json.Unmarshal(data, &bar) == nil {
			return bar, nil
		}
	}

	bar, err := s.primary.GetBar(ctx, instrument, dt)
	if err != nil {
		return model.Bar{}, err
	}

	if data, err := json.Marshal(bar); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return bar, nil
}

func (s *CachedSource) History(ctx context.Context, instrument string, dt time.Time, barCount int) ([]model.Bar, error) {
	key := historyKey(instrument, dt, barCount)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var bars []model.Bar
		if json.Unmarshal(data, &bars) == nil {
			return bars, nil
		}
	}

	bars, err := s.primary.History(ctx, instrument, dt, barCount)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(bars); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return bars, nil
}

func (s *CachedSource) Instrument(ctx context.Context, id string) (Instrument, error) {
	key := instrumentKey(id)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var ins Instrument
		if json.Unmarshal(data, &ins) == nil {
			return ins, nil
		}
	}

	ins, err := s.primary.Instrument(ctx, id)
	if err != nil {
		return Instrument{}, err
	}

	if data, err := json.Marshal(ins); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return ins, nil
}

// TradingDates is not cached: it is read once per run.
func (s *CachedSource) TradingDates(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	return s.primary.TradingDates(ctx, start, end)
}

func barKey(instrument string, dt time.Time) string {
	return fmt.Sprintf("bar:%s:%d", instrument, dt.Unix())
}

func historyKey(instrument string, dt time.Time, barCount int) string {
	return fmt.Sprintf("hist:%s:%d:%d", instrument, dt.Unix(), barCount)
}

func instrumentKey(id string) string {
	return fmt.Sprintf("instrument:%s", id)
}

package tracker

import (
	"context"
	"testing"

	"github.com/nexus-edge/plant-poller/internal/domain"
	"github.com/rs/zerolog"
)

type discardLedger struct{}

func (discardLedger) LatestCumulative(context.Context, domain.Key) (int64, bool, error) {
	return 0, false, nil
}

func (discardLedger) Append(context.Context, Entry) error { return nil }

func BenchmarkObserve_Unchanged(b *testing.B) {
	tr := New(nil, discardLedger{}, zerolog.Nop())
	ctx := context.Background()
	r := reading(100)
	if _, err := tr.Observe(ctx, key, r); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tr.Observe(ctx, key, r)
	}
}

func BenchmarkObserve_Increasing(b *testing.B) {
	tr := New(nil, discardLedger{}, zerolog.Nop())
	ctx := context.Background()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = tr.Observe(ctx, key, reading(int64(i+1)))
	}
}

package pricewatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/price-pulse/internal/pricegraph"
)

func TestCalculateDisparity(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		kr, us    float64
		rate      float64
		percent   float64
		cheaperIn string
		savings   float64
	}{
		{name: "korea cheaper", kr: 1300000, us: 1200, rate: 1300, percent: 16.6667, cheaperIn: CheaperInKR, savings: 200},
		{name: "us cheaper", kr: 1560000, us: 1000, rate: 1300, percent: 20, cheaperIn: CheaperInUS, savings: 200},
		{name: "equal prices", kr: 1300000, us: 1000, rate: 1300, percent: 0, cheaperIn: CheaperInUS, savings: 0},
		{name: "missing korean price", kr: 0, us: 1000, rate: 1300, cheaperIn: CheaperInUnknown},
		{name: "missing us price", kr: 1300000, us: 0, rate: 1300, cheaperIn: CheaperInUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			percent, cheaperIn, savings := CalculateDisparity(tt.kr, tt.us, tt.rate)
			require.InDelta(t, tt.percent, percent, 1e-3)
			require.Equal(t, tt.cheaperIn, cheaperIn)
			require.InDelta(t, tt.savings, savings, 1e-9)
		})
	}
}

func TestSweepComputesAndCachesDisparity(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,300,000</span>`
	f.crawler.pages[galaxyUS] = `<span class="price">$1,200.00</span>`
	ctx := context.Background()

	report, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Disparities, 1)

	d := report.Disparities[0]
	require.Equal(t, "galaxy-s24", d.Product)
	require.Equal(t, "phones", d.Category)
	require.Equal(t, CheaperInKR, d.CheaperIn)
	require.InDelta(t, 1000, d.KRPriceUSD, 1e-9)
	require.InDelta(t, 200, d.PotentialSavings, 1e-9)
	require.InDelta(t, 100.0/6, d.Percent, 1e-9)
	require.InDelta(t, 100, d.Confidence, 1e-9)
	require.Equal(t, DefaultKRWPerUSD, d.ExchangeRate)

	key := DisparityKey("galaxy-s24", report.FinishedAt)
	require.Equal(t, "disparity:galaxy-s24:2025-03-01", key)
	raw, err := f.store.Get(ctx, key)
	require.NoError(t, err)
	var cached Disparity
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	require.Equal(t, d.Product, cached.Product)
	ttl, err := f.store.TTL(ctx, key)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, ttl)

	rel, err := f.graph.GetRelationship(ctx, pricegraph.RelationshipID(
		pricegraph.Ref{Type: pricegraph.NodeProduct, ID: "galaxy-s24"},
		pricegraph.RelAvailableIn,
		pricegraph.Ref{Type: pricegraph.NodeMarket, ID: MarketKR},
	))
	require.NoError(t, err)
	require.InDelta(t, 1+d.Percent/10, rel.Strength, 1e-9)
}

func TestSweepSkipsDisparityWithOneMarket(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,300,000</span>`
	f.crawler.pages[galaxyUS] = `<span class="price">Sold out</span>`

	report, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	require.Empty(t, report.Disparities)

	keys, err := f.store.Scan(context.Background(), "disparity:*")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestDisparityReportKeepsNewestPerProduct(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,300,000</span>`
	f.crawler.pages[galaxyUS] = `<span class="price">$1,200.00</span>`
	ctx := context.Background()

	stale := Disparity{
		Product:          "galaxy-s24",
		Category:         "phones",
		CheaperIn:        CheaperInUS,
		PotentialSavings: 5,
		Percent:          1,
		CalculatedAt:     time.Date(2025, 2, 28, 6, 0, 0, 0, time.UTC),
	}
	raw, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(ctx, DisparityKey(stale.Product, stale.CalculatedAt), string(raw), time.Hour))

	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)

	report, err := f.svc.DisparityReport(ctx)
	require.NoError(t, err)
	require.Len(t, report.Disparities, 1)
	require.Equal(t, CheaperInKR, report.Disparities[0].CheaperIn)
	require.Equal(t, 1, report.Summary.TotalItems)
	require.Equal(t, 1, report.Summary.ItemsWithDisparities)
	require.InDelta(t, 200, report.Summary.TotalPotentialSavings, 1e-9)
	require.InDelta(t, 100.0/6, report.Summary.AverageDisparity, 1e-9)

	require.Len(t, report.Recommendations, 2)
	require.Equal(t, "Save $200.00 on galaxy-s24", report.Recommendations[0].Title)
	require.Equal(t, "Buy galaxy-s24 from Korea instead of the US", report.Recommendations[0].Description)
	require.Equal(t, PriorityHigh, report.Recommendations[0].Priority)
	require.Equal(t, "phones", report.Recommendations[1].Category)
	require.Equal(t, PriorityMedium, report.Recommendations[1].Priority)
}

func TestDisparityReportFallsBackToObservations(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.svc.deps.Store = nil
	ctx := context.Background()

	report, err := f.svc.DisparityReport(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Disparities)
	require.Empty(t, report.Recommendations)

	f.crawler.pages[galaxyKR] = `<span class="total-price">₩1,560,000</span>`
	f.crawler.pages[galaxyUS] = `<span class="price">$1,000.00</span>`
	_, err = f.svc.Sweep(ctx)
	require.NoError(t, err)

	report, err = f.svc.DisparityReport(ctx)
	require.NoError(t, err)
	require.Len(t, report.Disparities, 1)
	d := report.Disparities[0]
	require.Equal(t, CheaperInUS, d.CheaperIn)
	require.InDelta(t, 20, d.Percent, 1e-9)
	require.InDelta(t, 200, d.PotentialSavings, 1e-9)
	require.Equal(t, "Buy galaxy-s24 from the US instead of Korea", report.Recommendations[0].Description)
}

func TestDisparityReportFallbackFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 5, galaxyTargets()...)
	f.svc.deps.Store = nil
	f.obs.readErr = errors.New("connection refused")

	_, err := f.svc.DisparityReport(context.Background())
	require.ErrorContains(t, err, "connection refused")
}

func TestRecommendThresholds(t *testing.T) {
	t.Parallel()
	require.Empty(t, Recommend(nil))

	small := []Disparity{
		{Product: "airpods", Category: "audio", CheaperIn: CheaperInUS, PotentialSavings: 40},
		{Product: "buds", Category: "audio", CheaperIn: CheaperInKR, PotentialSavings: 30},
	}
	require.Empty(t, Recommend(small))

	recs := Recommend([]Disparity{
		{Product: "airpods", Category: "audio", CheaperIn: CheaperInUS, PotentialSavings: 60},
		{Product: "buds", Category: "audio", CheaperIn: CheaperInKR, PotentialSavings: 45},
	})
	require.Len(t, recs, 2)
	require.Equal(t, "Buy airpods from the US instead of Korea", recs[0].Description)
	require.Equal(t, "audio offers the best savings", recs[1].Title)
	require.InDelta(t, 105, recs[1].EstimatedSavings, 1e-9)
}

package pricewatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/price-pulse/internal/kvstore"
	"github.com/JakeFAU/price-pulse/internal/metrics"
	"github.com/JakeFAU/price-pulse/internal/pricegraph"
	"github.com/JakeFAU/price-pulse/internal/resilience"
)

// DefaultKRWPerUSD is the exchange rate used when none is configured.
const DefaultKRWPerUSD = 1300.0

// Where a product is cheaper.
const (
	CheaperInKR      = "KR"
	CheaperInUS      = "US"
	CheaperInUnknown = "unknown"
)

// Recommendation priorities.
const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
)

const (
	topSavingThreshold      = 50.0
	categorySavingThreshold = 100.0
	maxGraphStrength        = 10.0
)

var errNoDisparityStore = errors.New("disparity store unavailable")

// Disparity compares one product's KR and US prices in USD.
type Disparity struct {
	Product          string    `json:"product"`
	Category         string    `json:"category,omitempty"`
	KRPrice          float64   `json:"krPrice"`
	USPrice          float64   `json:"usPrice"`
	KRPriceUSD       float64   `json:"krPriceUsd"`
	BestKRPrice      float64   `json:"bestKrPrice"`
	BestUSPrice      float64   `json:"bestUsPrice"`
	ExchangeRate     float64   `json:"exchangeRate"`
	Percent          float64   `json:"disparity"`
	CheaperIn        string    `json:"cheaperIn"`
	PotentialSavings float64   `json:"potentialSavings"`
	Confidence       float64   `json:"confidence"`
	CalculatedAt     time.Time `json:"calculatedAt"`
}

// Recommendation points at the biggest savings in a disparity report.
type Recommendation struct {
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	EstimatedSavings float64 `json:"estimatedSavings"`
	Category         string  `json:"category,omitempty"`
	Priority         string  `json:"priority"`
}

// DisparitySummary aggregates the stored disparities.
type DisparitySummary struct {
	TotalItems            int     `json:"totalItems"`
	ItemsWithDisparities  int     `json:"itemsWithDisparities"`
	AverageDisparity      float64 `json:"averageDisparity"`
	TotalPotentialSavings float64 `json:"totalPotentialSavings"`
}

// DisparityReport is the latest disparity of every product plus recommendations.
type DisparityReport struct {
	GeneratedAt     time.Time        `json:"generatedAt"`
	Summary         DisparitySummary `json:"summary"`
	Disparities     []Disparity      `json:"disparities"`
	Recommendations []Recommendation `json:"recommendations"`
}

// CalculateDisparity compares a KRW price with a USD price at krwPerUSD. The percentage is
// the absolute gap relative to the US price. A zero price on either side yields an unknown
// comparison.
func CalculateDisparity(krPriceKRW, usPriceUSD, krwPerUSD float64) (percent float64, cheaperIn string, savings float64) {
	if krPriceKRW == 0 || usPriceUSD == 0 || krwPerUSD <= 0 {
		return 0, CheaperInUnknown, 0
	}
	krUSD := krPriceKRW / krwPerUSD
	percent = math.Abs((usPriceUSD - krUSD) / usPriceUSD * 100)
	if krUSD < usPriceUSD {
		return percent, CheaperInKR, usPriceUSD - krUSD
	}
	return percent, CheaperInUS, krUSD - usPriceUSD
}

// DisparityKey is the cache key of a product's disparity on the given day.
func DisparityKey(product string, day time.Time) string {
	return "disparity:" + product + ":" + day.UTC().Format(time.DateOnly)
}

// analyze computes a disparity for every product observed in both markets during a sweep,
// caches it and feeds it into the price graph.
func (s *Service) analyze(ctx context.Context, report SweepReport) []Disparity {
	type prices struct{ kr, us []float64 }
	byProduct := map[string]*prices{}
	var order []string
	for _, outcome := range report.Outcomes {
		obs := outcome.Observation
		if obs == nil {
			continue
		}
		p, ok := byProduct[obs.Product]
		if !ok {
			p = &prices{}
			byProduct[obs.Product] = p
			order = append(order, obs.Product)
		}
		switch obs.Market {
		case MarketKR:
			p.kr = append(p.kr, s.toKRW(obs.Price, obs.Currency))
		case MarketUS:
			p.us = append(p.us, s.toUSD(obs.Price, obs.Currency))
		}
	}

	var out []Disparity
	for _, product := range order {
		p := byProduct[product]
		if len(p.kr) == 0 || len(p.us) == 0 {
			continue
		}
		d := s.disparity(product, p.kr, p.us, report.FinishedAt)
		metrics.SetDisparity(product, d.Percent)
		s.storeDisparity(ctx, d)
		s.weightCheaperMarket(ctx, d)
		s.log.Info("price disparity calculated",
			zap.String("product", product),
			zap.Float64("disparity", d.Percent),
			zap.String("cheaper_in", d.CheaperIn),
			zap.Float64("potential_savings", d.PotentialSavings),
		)
		out = append(out, d)
	}
	return out
}

// disparity compares averaged KRW and USD prices for product.
func (s *Service) disparity(product string, krKRW, usUSD []float64, at time.Time) Disparity {
	d := Disparity{
		Product:      product,
		Category:     s.categoryOf(product),
		KRPrice:      mean(krKRW),
		USPrice:      mean(usUSD),
		BestKRPrice:  minOf(krKRW),
		BestUSPrice:  minOf(usUSD),
		ExchangeRate: s.cfg.KRWPerUSD,
		Confidence:   math.Min(100, float64(len(krKRW)+len(usUSD))/float64(s.targetCount(product))*100),
		CalculatedAt: at,
	}
	d.KRPriceUSD = d.KRPrice / s.cfg.KRWPerUSD
	d.Percent, d.CheaperIn, d.PotentialSavings = CalculateDisparity(d.KRPrice, d.USPrice, s.cfg.KRWPerUSD)
	return d
}

func (s *Service) storeDisparity(ctx context.Context, d Disparity) {
	if s.deps.Store == nil {
		return
	}
	raw, err := json.Marshal(d)
	if err != nil {
		s.log.Warn("encode disparity failed", zap.String("product", d.Product), zap.Error(err))
		return
	}
	if err := s.deps.Store.Set(ctx, DisparityKey(d.Product, d.CalculatedAt), string(raw), s.cfg.DisparityTTL); err != nil {
		s.log.Warn("store disparity failed", zap.String("product", d.Product), zap.Error(err))
	}
}

// weightCheaperMarket strengthens the product's edge to the market where it is cheaper in
// proportion to the gap.
func (s *Service) weightCheaperMarket(ctx context.Context, d Disparity) {
	if s.deps.Graph == nil || d.CheaperIn == CheaperInUnknown {
		return
	}
	product := pricegraph.Ref{Type: pricegraph.NodeProduct, ID: d.Product}
	market := pricegraph.Ref{Type: pricegraph.NodeMarket, ID: d.CheaperIn}
	strength := math.Min(maxGraphStrength, 1+d.Percent/10)
	id := pricegraph.RelationshipID(product, pricegraph.RelAvailableIn, market)
	if _, err := s.deps.Graph.UpdateStrength(ctx, id, strength); err != nil {
		s.log.Warn("price graph strength update failed", zap.String("relationship", id), zap.Error(err))
	}
}

// DisparityReport collects the newest disparity per product and derives the summary and
// recommendations. Disparities come from the cache; when it cannot be read they are
// recomputed from each product's latest stored observations.
func (s *Service) DisparityReport(ctx context.Context) (DisparityReport, error) {
	ds, err := resilience.ExecuteWithFallback(ctx, s.deps.Degradation, "disparity_report",
		s.cachedDisparities, s.observedDisparities)
	if err != nil {
		return DisparityReport{}, err
	}
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].PotentialSavings != ds[j].PotentialSavings {
			return ds[i].PotentialSavings > ds[j].PotentialSavings
		}
		return ds[i].Product < ds[j].Product
	})
	return DisparityReport{
		GeneratedAt:     s.deps.Clock.Now(),
		Summary:         s.summarize(ds),
		Disparities:     ds,
		Recommendations: Recommend(ds),
	}, nil
}

func (s *Service) cachedDisparities(ctx context.Context) ([]Disparity, error) {
	if s.deps.Store == nil {
		return nil, errNoDisparityStore
	}
	keys, err := s.deps.Store.Scan(ctx, "disparity:*")
	if err != nil {
		return nil, fmt.Errorf("scan disparities: %w", err)
	}

	latest := map[string]Disparity{}
	for _, key := range keys {
		raw, err := s.deps.Store.Get(ctx, key)
		if errors.Is(err, kvstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		var d Disparity
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			s.log.Warn("skipping undecodable disparity", zap.String("key", key), zap.Error(err))
			continue
		}
		if prev, ok := latest[d.Product]; !ok || d.CalculatedAt.After(prev.CalculatedAt) {
			latest[d.Product] = d
		}
	}

	out := make([]Disparity, 0, len(latest))
	for _, d := range latest {
		out = append(out, d)
	}
	return out, nil
}

// observedDisparities compares each product's latest KR and US observations.
func (s *Service) observedDisparities(ctx context.Context) ([]Disparity, error) {
	out := []Disparity{}
	for _, product := range s.products() {
		kr, err := s.deps.Observations.LatestObservation(ctx, product, MarketKR)
		if errors.Is(err, ErrNoObservation) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s in %s: %w", product, MarketKR, err)
		}
		us, err := s.deps.Observations.LatestObservation(ctx, product, MarketUS)
		if errors.Is(err, ErrNoObservation) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("latest %s in %s: %w", product, MarketUS, err)
		}
		at := kr.FetchedAt
		if us.FetchedAt.After(at) {
			at = us.FetchedAt
		}
		out = append(out, s.disparity(product,
			[]float64{s.toKRW(kr.Price, kr.Currency)},
			[]float64{s.toUSD(us.Price, us.Currency)},
			at))
	}
	return out, nil
}

func (s *Service) summarize(ds []Disparity) DisparitySummary {
	sum := DisparitySummary{TotalItems: len(s.products()), ItemsWithDisparities: len(ds)}
	if len(ds) == 0 {
		return sum
	}
	for _, d := range ds {
		sum.AverageDisparity += d.Percent
		sum.TotalPotentialSavings += d.PotentialSavings
	}
	sum.AverageDisparity /= float64(len(ds))
	return sum
}

// Recommend suggests the single largest saving when it exceeds $50 and the category with the
// largest combined saving when that exceeds $100.
func Recommend(ds []Disparity) []Recommendation {
	recs := []Recommendation{}
	if len(ds) == 0 {
		return recs
	}

	top := ds[0]
	for _, d := range ds[1:] {
		if d.PotentialSavings > top.PotentialSavings {
			top = d
		}
	}
	if top.PotentialSavings > topSavingThreshold && top.CheaperIn != CheaperInUnknown {
		buy, skip := marketName(top.CheaperIn), marketName(otherMarket(top.CheaperIn))
		recs = append(recs, Recommendation{
			Title:            fmt.Sprintf("Save $%.2f on %s", top.PotentialSavings, top.Product),
			Description:      fmt.Sprintf("Buy %s from %s instead of %s", top.Product, buy, skip),
			EstimatedSavings: top.PotentialSavings,
			Category:         top.Category,
			Priority:         PriorityHigh,
		})
	}

	byCategory := map[string]float64{}
	for _, d := range ds {
		if d.Category != "" {
			byCategory[d.Category] += d.PotentialSavings
		}
	}
	bestCategory, bestSaving := "", 0.0
	for category, saving := range byCategory {
		if saving > bestSaving || (saving == bestSaving && category < bestCategory) {
			bestCategory, bestSaving = category, saving
		}
	}
	if bestSaving > categorySavingThreshold {
		recs = append(recs, Recommendation{
			Title:            bestCategory + " offers the best savings",
			Description:      "Focus on " + bestCategory + " products for maximum savings",
			EstimatedSavings: bestSaving,
			Category:         bestCategory,
			Priority:         PriorityMedium,
		})
	}
	return recs
}

func (s *Service) toKRW(price float64, currency string) float64 {
	if strings.EqualFold(currency, "USD") {
		return price * s.cfg.KRWPerUSD
	}
	return price
}

func (s *Service) toUSD(price float64, currency string) float64 {
	if strings.EqualFold(currency, "KRW") {
		return price / s.cfg.KRWPerUSD
	}
	return price
}

// products lists the configured products in target order.
func (s *Service) products() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range s.cfg.Targets {
		if !seen[t.Product] {
			seen[t.Product] = true
			out = append(out, t.Product)
		}
	}
	return out
}

func (s *Service) categoryOf(product string) string {
	for _, t := range s.cfg.Targets {
		if t.Product == product && t.Category != "" {
			return t.Category
		}
	}
	return ""
}

func (s *Service) targetCount(product string) int {
	n := 0
	for _, t := range s.cfg.Targets {
		if t.Product == product {
			n++
		}
	}
	return max(n, 1)
}

func marketName(market string) string {
	if market == CheaperInKR {
		return "Korea"
	}
	return "the US"
}

func otherMarket(market string) string {
	if market == CheaperInKR {
		return CheaperInUS
	}
	return CheaperInKR
}

func mean(xs []float64) float64 {
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}

func minOf(xs []float64) float64 {
	m := xs[0]
	for _, x := range xs[1:] {
		m = min(m, x)
	}
	return m
}

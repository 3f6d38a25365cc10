package normalize

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RateTable supplies exchange rates. Rate returns how many units of to buy
// one unit of from on the given date.
type RateTable interface {
	Rate(from, to string, on time.Time) (decimal.Decimal, bool)
}

// Rate is one quoted exchange rate. A zero Date applies to every date.
type Rate struct {
	From string
	To   string
	Date time.Time
	Rate decimal.Decimal
}

// StaticRates is an in-memory RateTable. For each pair it uses the latest
// quote dated on or before the requested day, and derives the inverse pair
// when only the opposite direction is quoted.
type StaticRates struct {
	mu    sync.RWMutex
	rates map[string][]Rate
}

func NewStaticRates(rates ...Rate) *StaticRates {
	t := &StaticRates{rates: make(map[string][]Rate)}
	for _, r := range rates {
		t.Add(r)
	}
	return t
}

func pair(from, to string) string {
	return strings.ToUpper(from) + "/" + strings.ToUpper(to)
}

// Add records a quote. Non-positive rates are ignored.
func (t *StaticRates) Add(r Rate) {
	if !r.Rate.IsPositive() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	k := pair(r.From, r.To)
	quotes := append(t.rates[k], r)
	sort.SliceStable(quotes, func(i, j int) bool { return quotes[i].Date.Before(quotes[j].Date) })
	t.rates[k] = quotes
}

func (t *StaticRates) Rate(from, to string, on time.Time) (decimal.Decimal, bool) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if r, ok := latest(t.rates[pair(from, to)], on); ok {
		return r, true
	}
	if r, ok := latest(t.rates[pair(to, from)], on); ok {
		return decimal.NewFromInt(1).DivRound(r, 16), true
	}
	return decimal.Decimal{}, false
}

func latest(quotes []Rate, on time.Time) (decimal.Decimal, bool) {
	for i := len(quotes) - 1; i >= 0; i-- {
		if quotes[i].Date.IsZero() || !quotes[i].Date.After(on) {
			return quotes[i].Rate, true
		}
	}
	return decimal.Decimal{}, false
}

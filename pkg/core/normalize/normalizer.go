package normalize

import (
	"fmt"
	"strings"
	"unicode"

	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PeriodTypeMismatchError rejects a fact whose context shape does not fit
// the concept's period type. The fact is skipped; the file continues.
type PeriodTypeMismatchError struct {
	ConceptQName string
	ContextID    string
	Expected     models.PeriodType
	Reason       string
}

func (e *PeriodTypeMismatchError) Error() string {
	return fmt.Sprintf("%s in context %s: expected %s period, %s", e.ConceptQName, e.ContextID, e.Expected, e.Reason)
}

// InvalidValueError rejects a fact whose value is not a number.
type InvalidValueError struct {
	ConceptQName string
	ContextID    string
	Value        string
	Err          error
}

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("%s in context %s: invalid value %q: %v", e.ConceptQName, e.ContextID, e.Value, e.Err)
}

func (e *InvalidValueError) Unwrap() error { return e.Err }

// Input is everything needed to normalize one fact.
// Concept is nil when the taxonomy does not define the fact's concept and
// CanonicalCode is nil when the concept is unmapped.
type Input struct {
	FileID        uuid.UUID
	EntityID      string
	Fact          models.RawFact
	Concept       *models.Concept
	CanonicalCode *string
}

// Normalizer turns raw facts into normalized facts. It holds no mutable
// state, so one instance serves concurrent callers.
type Normalizer struct {
	baseCurrency string
	rates        RateTable
}

// New creates a normalizer converting monetary facts into baseCurrency.
// rates may be nil, leaving foreign amounts unconverted.
func New(baseCurrency string, rates RateTable) *Normalizer {
	return &Normalizer{baseCurrency: strings.ToUpper(strings.TrimSpace(baseCurrency)), rates: rates}
}

func (n *Normalizer) BaseCurrency() string { return n.baseCurrency }

// Normalize checks the period and rescales by decimals before converting
// the currency; dimensions are kept sorted. Warnings describe
// degraded but usable output; an error means the fact must be skipped.
func (n *Normalizer) Normalize(in Input) (models.NormalizedFact, []models.Warning, error) {
	raw := in.Fact
	var warnings []models.Warning
	warn := func(code models.WarningCode, msg string) {
		warnings = append(warnings, models.Warning{Code: code, ContextID: raw.ContextID, ConceptQName: raw.ConceptQName, Message: msg})
	}

	// 1. period
	periodType := models.PeriodInstant
	if in.Concept != nil {
		periodType = in.Concept.PeriodType
	} else {
		if raw.Start != nil {
			periodType = models.PeriodDuration
		}
		warn(models.WarnUnknownConcept, "concept not in taxonomy; period type inferred from context")
	}
	period, err := checkPeriod(raw, periodType)
	if err != nil {
		return models.NormalizedFact{}, warnings, err
	}

	reported, err := decimal.NewFromString(strings.TrimSpace(raw.Value))
	if err != nil {
		return models.NormalizedFact{}, warnings, &InvalidValueError{ConceptQName: raw.ConceptQName, ContextID: raw.ContextID, Value: raw.Value, Err: err}
	}

	// 2. scale: decimals=-3 means the value is stated in thousands
	var exp int32
	if raw.Decimals != nil && *raw.Decimals < 0 {
		exp = int32(-*raw.Decimals)
	}
	value := reported.Shift(exp)

	fact := models.NormalizedFact{
		FileID:        in.FileID,
		EntityID:      in.EntityID,
		PeriodID:      period.ID(),
		Period:        period,
		ContextID:     raw.ContextID,
		ConceptQName:  raw.ConceptQName,
		CanonicalCode: in.CanonicalCode,
		Value:         value,
		Unit:          strings.TrimSpace(raw.Unit),
		ScaleApplied:  exp,
		PeriodType:    periodType,
		Dimensions:    models.SortDimensions(raw.Dimensions),
	}

	// 3. currency
	currency, monetary := CurrencyOf(raw.Unit)
	switch {
	case !monetary:
		v := value
		fact.ValueInBaseUnit = &v
	case currency == n.baseCurrency:
		v := value
		fact.ValueInBaseUnit = &v
		fact.Currency = currency
	default:
		fact.Currency = currency
		if n.rates != nil {
			if rate, ok := n.rates.Rate(currency, n.baseCurrency, period.End); ok {
				v := value.Mul(rate)
				fact.ValueInBaseUnit = &v
				fact.Currency = n.baseCurrency
			}
		}
		if fact.ValueInBaseUnit == nil {
			warn(models.WarnUnconvertedUnit, fmt.Sprintf("no %s/%s rate for %s", currency, n.baseCurrency, period.End.Format("2006-01-02")))
		}
	}

	return fact, warnings, nil
}

func checkPeriod(raw models.RawFact, expected models.PeriodType) (models.Period, error) {
	mismatch := func(reason string) error {
		return &PeriodTypeMismatchError{ConceptQName: raw.ConceptQName, ContextID: raw.ContextID, Expected: expected, Reason: reason}
	}
	if raw.End.IsZero() {
		return models.Period{}, mismatch("context has no end date")
	}
	switch expected {
	case models.PeriodInstant:
		if raw.Start != nil {
			return models.Period{}, mismatch("context has a start date")
		}
		return models.InstantPeriod(raw.End), nil
	case models.PeriodDuration:
		if raw.Start == nil {
			return models.Period{}, mismatch("context has no start date")
		}
		if raw.End.Before(*raw.Start) {
			return models.Period{}, mismatch("context ends before it starts")
		}
		return models.DurationPeriod(*raw.Start, raw.End), nil
	}
	return models.Period{}, mismatch(fmt.Sprintf("unknown period type %q", expected))
}

// CurrencyOf extracts an ISO 4217 code from an XBRL unit such as
// "iso4217:COP" or "USD". The second result is false for non-monetary
// units like shares or pure.
func CurrencyOf(unit string) (string, bool) {
	u := strings.TrimSpace(unit)
	if i := strings.Index(u, ":"); i >= 0 {
		if !strings.EqualFold(u[:i], "iso4217") {
			return "", false
		}
		u = strings.ToUpper(u[i+1:])
	}
	if len(u) != 3 {
		return "", false
	}
	for _, r := range u {
		if !unicode.IsUpper(r) {
			return "", false
		}
	}
	return u, true
}

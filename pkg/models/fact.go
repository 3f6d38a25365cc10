package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Dimension is one explicit (axis, member) qualifier of an XBRL context.
type Dimension struct {
	Axis   string `json:"axis"`
	Member string `json:"member"`
}

// SortDimensions returns a copy of dims ordered by axis then member.
func SortDimensions(dims []Dimension) []Dimension {
	if len(dims) == 0 {
		return nil
	}
	out := make([]Dimension, len(dims))
	copy(out, dims)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Axis != out[j].Axis {
			return out[i].Axis < out[j].Axis
		}
		return out[i].Member < out[j].Member
	})
	return out
}

// SameDimensions compares two dimension sets regardless of order.
func SameDimensions(a, b []Dimension) bool {
	if len(a) != len(b) {
		return false
	}
	as, bs := SortDimensions(a), SortDimensions(b)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// RawFact is a fact as delivered by the XBRL parser. Start is nil for
// instant contexts.
type RawFact struct {
	ConceptQName     string      `json:"concept_qname"`
	ContextID        string      `json:"context_id"`
	EntityScheme     string      `json:"entity_scheme,omitempty"`
	EntityIdentifier string      `json:"entity_identifier"`
	Start            *time.Time  `json:"start,omitempty"`
	End              time.Time   `json:"end"`
	Unit             string      `json:"unit"`
	Decimals         *int        `json:"decimals,omitempty"`
	Value            string      `json:"value"`
	Dimensions       []Dimension `json:"dimensions,omitempty"`
}

// NormalizedFact is the uniform record produced from a RawFact.
//
// Value is the rescaled amount in the reported unit. ValueInBaseUnit is the
// same amount converted to the base currency, or nil when no rate was
// available. Currency is the base currency after conversion and the
// reported currency otherwise; it is empty for non-monetary units.
type NormalizedFact struct {
	FileID          uuid.UUID        `json:"file_id"`
	EntityID        string           `json:"entity_id"`
	PeriodID        string           `json:"period_id"`
	Period          Period           `json:"period"`
	ContextID       string           `json:"context_id"`
	ConceptQName    string           `json:"concept_qname"`
	CanonicalCode   *string          `json:"canonical_code"`
	Value           decimal.Decimal  `json:"value"`
	ValueInBaseUnit *decimal.Decimal `json:"value_in_base_unit"`
	Currency        string           `json:"currency,omitempty"`
	Unit            string           `json:"unit"`
	ScaleApplied    int32            `json:"scale_applied"`
	PeriodType      PeriodType       `json:"period_type"`
	Dimensions      []Dimension      `json:"dimensions,omitempty"`
}

// FactKey identifies a normalized fact inside the store.
type FactKey struct {
	FileID       uuid.UUID
	ContextID    string
	ConceptQName string
}

func (f NormalizedFact) Key() FactKey {
	return FactKey{FileID: f.FileID, ContextID: f.ContextID, ConceptQName: f.ConceptQName}
}

// UnitTag is the unit a fact's effective value is expressed in.
func (f NormalizedFact) UnitTag() string {
	if f.Currency != "" {
		return f.Currency
	}
	return f.Unit
}

// EffectiveValue is the base-currency value when converted and the
// rescaled reported value otherwise.
func (f NormalizedFact) EffectiveValue() decimal.Decimal {
	if f.ValueInBaseUnit != nil {
		return *f.ValueInBaseUnit
	}
	return f.Value
}

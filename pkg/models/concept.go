package models

// PeriodType is the period shape a concept reports against.
type PeriodType string

const (
	PeriodInstant  PeriodType = "instant"
	PeriodDuration PeriodType = "duration"
)

// Valid reports whether p is a known period type.
func (p PeriodType) Valid() bool {
	return p == PeriodInstant || p == PeriodDuration
}

type Balance string

const (
	BalanceDebit  Balance = "debit"
	BalanceCredit Balance = "credit"
	BalanceNone   Balance = "none"
)

func (b Balance) Valid() bool {
	return b == BalanceDebit || b == BalanceCredit || b == BalanceNone
}

// Statement identifies one of the canonical financial statements.
type Statement string

const (
	StatementBalance  Statement = "balance"
	StatementIncome   Statement = "income"
	StatementCashflow Statement = "cashflow"
	StatementEquity   Statement = "equity"
)

func (s Statement) Valid() bool {
	switch s {
	case StatementBalance, StatementIncome, StatementCashflow, StatementEquity:
		return true
	}
	return false
}

// Concept is a taxonomy element as published by one taxonomy version.
// Concepts are immutable once imported.
type Concept struct {
	TaxonomyVersion string     `json:"taxonomy_version"`
	QName           string     `json:"qname"`
	DataType        string     `json:"data_type"`
	PeriodType      PeriodType `json:"period_type"`
	Balance         Balance    `json:"balance"`
}

// CanonicalLine is a node of the canonical statement hierarchy.
// ParentCode is empty for statement roots.
type CanonicalLine struct {
	Code       string    `json:"code"`
	Name       string    `json:"name"`
	Statement  Statement `json:"statement"`
	ParentCode string    `json:"parent_code,omitempty"`
	Order      int       `json:"order"`
	Synonyms   []string  `json:"synonyms,omitempty"`
}

// Mapping homologates one taxonomy concept to a canonical line.
type Mapping struct {
	TaxonomyVersion string `json:"taxonomy_version"`
	ConceptQName    string `json:"concept_qname"`
	CanonicalCode   string `json:"canonical_code"`
}

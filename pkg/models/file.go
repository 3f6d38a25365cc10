package models

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalState gates the visibility of an uploaded file's facts.
type ApprovalState string

const (
	StatePending   ApprovalState = "pending"
	StateValidated ApprovalState = "validated"
	StateRejected  ApprovalState = "rejected"
)

func (s ApprovalState) Valid() bool {
	return s == StatePending || s == StateValidated || s == StateRejected
}

// File is one uploaded XBRL instance for an (entity, period).
type File struct {
	ID              uuid.UUID     `json:"id"`
	FileName        string        `json:"file_name"`
	TaxonomyVersion string        `json:"taxonomy_version"`
	EntityID        string        `json:"entity_id"`
	PeriodID        string        `json:"period_id"`
	UploadedBy      string        `json:"uploaded_by"`
	State           ApprovalState `json:"state"`
	CreatedAt       time.Time     `json:"created_at"`
}

// WarningCode classifies a non-fatal issue raised during ingestion or analysis.
type WarningCode string

const (
	WarnPeriodTypeMismatch WarningCode = "PeriodTypeMismatch"
	WarnUnconvertedUnit    WarningCode = "UnconvertedUnit"
	WarnUnknownConcept     WarningCode = "UnknownConcept"
	WarnInvalidValue       WarningCode = "InvalidValue"
	WarnDuplicateFact      WarningCode = "DuplicateFact"
	WarnEntityMismatch     WarningCode = "EntityMismatch"
	WarnDivisionByZero     WarningCode = "DivisionByZero"
	WarnMissingOperand     WarningCode = "MissingOperand"
	WarnInsufficientData   WarningCode = "InsufficientData"
	WarnNoBasisConfigured  WarningCode = "NoBasisConfigured"
	WarnNoData             WarningCode = "NoData"
	WarnNoPriorPeriod      WarningCode = "NoPriorPeriod"
	WarnCurrencyMismatch   WarningCode = "CurrencyMismatch"
)

type Warning struct {
	Code         WarningCode `json:"code"`
	ContextID    string      `json:"context_id,omitempty"`
	ConceptQName string      `json:"concept_qname,omitempty"`
	Message      string      `json:"message"`
}

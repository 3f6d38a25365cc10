package hierarchy

import (
	"errors"
	"fmt"
	"strings"

	"corvus_analytics/pkg/models"
)

// ErrLineNotFound is returned for unknown canonical codes.
var ErrLineNotFound = errors.New("canonical line not found")

type DuplicateCodeError struct {
	Code string
}

func (e *DuplicateCodeError) Error() string {
	return fmt.Sprintf("canonical line %q already exists", e.Code)
}

// CycleError lists the codes that would form a parent cycle, starting and
// ending with the same code.
type CycleError struct {
	Codes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("parent cycle: %s", strings.Join(e.Codes, " -> "))
}

type UnknownParentError struct {
	Code       string
	ParentCode string
}

func (e *UnknownParentError) Error() string {
	return fmt.Sprintf("line %q references unknown parent %q", e.Code, e.ParentCode)
}

type DuplicateOrderError struct {
	Code       string
	Sibling    string
	ParentCode string
	Order      int
}

func (e *DuplicateOrderError) Error() string {
	parent := e.ParentCode
	if parent == "" {
		parent = "(root)"
	}
	return fmt.Sprintf("line %q reuses order %d of sibling %q under %s", e.Code, e.Order, e.Sibling, parent)
}

type StatementMismatchError struct {
	Code            string
	Statement       models.Statement
	ParentCode      string
	ParentStatement models.Statement
}

func (e *StatementMismatchError) Error() string {
	return fmt.Sprintf("line %q (%s) cannot hang from %q (%s)", e.Code, e.Statement, e.ParentCode, e.ParentStatement)
}

type InvalidLineError struct {
	Code   string
	Reason string
}

func (e *InvalidLineError) Error() string {
	return fmt.Sprintf("invalid line %q: %s", e.Code, e.Reason)
}

type NoBasisConfiguredError struct {
	Statement models.Statement
}

func (e *NoBasisConfiguredError) Error() string {
	return fmt.Sprintf("no total basis configured for %s statement", e.Statement)
}

// RowError ties a validation failure to its 1-based row in a batch.
type RowError struct {
	Row  int    `json:"row"`
	Code string `json:"code"`
	Err  error  `json:"-"`
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %d (%s): %v", e.Row, e.Code, e.Err)
}

// ImportError reports every offending row of a rejected batch.
type ImportError struct {
	Rows []RowError
}

func (e *ImportError) Error() string {
	msgs := make([]string, 0, len(e.Rows))
	for _, r := range e.Rows {
		msgs = append(msgs, r.Error())
	}
	return fmt.Sprintf("hierarchy import rejected, %d offending rows: %s", len(e.Rows), strings.Join(msgs, "; "))
}

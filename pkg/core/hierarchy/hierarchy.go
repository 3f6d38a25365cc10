package hierarchy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"
)

// Hierarchy is the canonical statement -> section -> line forest.
// It is held in memory and written through to the line store. Writes reload
// the store first; readers see other processes' changes after Refresh.
type Hierarchy struct {
	mu    sync.RWMutex
	store store.LineStore
	log   *slog.Logger

	lines    map[string]models.CanonicalLine
	children map[string][]string // parent code -> child codes
	roots    map[models.Statement][]string
	bases    map[models.Statement]string
}

// Row is one line of a statement listing with its depth from the root.
type Row struct {
	Line  models.CanonicalLine `json:"line"`
	Depth int                  `json:"depth"`
}

// New loads the hierarchy persisted in s.
func New(ctx context.Context, s store.LineStore, log *slog.Logger) (*Hierarchy, error) {
	if log == nil {
		log = slog.Default()
	}
	h := &Hierarchy{store: s, log: log}
	if err := h.reload(ctx); err != nil {
		return nil, err
	}
	return h, nil
}

// Refresh reloads lines and bases from the store, picking up changes made
// by other processes sharing it.
func (h *Hierarchy) Refresh(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reload(ctx)
}

// reload replaces the in-memory maps with the store contents. Callers hold
// h.mu or own h. The maps are left untouched when the store fails.
func (h *Hierarchy) reload(ctx context.Context) error {
	lines, err := h.store.ListLines(ctx)
	if err != nil {
		return fmt.Errorf("load lines: %w", err)
	}
	bases, err := h.store.ListBases(ctx)
	if err != nil {
		return fmt.Errorf("load bases: %w", err)
	}

	h.lines = make(map[string]models.CanonicalLine, len(lines))
	h.children = make(map[string][]string)
	h.roots = make(map[models.Statement][]string)
	h.bases = make(map[models.Statement]string, len(bases))
	h.index(lines)
	for st, code := range bases {
		h.bases[st] = code
	}
	return nil
}

// AddLine inserts a single line.
func (h *Hierarchy) AddLine(ctx context.Context, line models.CanonicalLine) error {
	err := h.Import(ctx, []models.CanonicalLine{line})
	if ie, ok := err.(*ImportError); ok && len(ie.Rows) > 0 {
		return ie.Rows[0].Err
	}
	return err
}

// Import validates the whole batch against the current forest and commits
// it only when no row is rejected. Rows may reference parents defined
// later in the same batch.
func (h *Hierarchy) Import(ctx context.Context, lines []models.CanonicalLine) error {
	batch := make([]models.CanonicalLine, len(lines))
	for i, l := range lines {
		batch[i] = clean(l)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reload(ctx); err != nil {
		return err
	}
	if rows := h.validate(batch); len(rows) > 0 {
		return &ImportError{Rows: rows}
	}
	if len(batch) == 0 {
		return nil
	}
	if err := h.store.PutLines(ctx, batch); err != nil {
		return fmt.Errorf("persist lines: %w", err)
	}
	h.index(batch)
	h.log.Info("hierarchy lines added", "count", len(batch))
	return nil
}

func clean(l models.CanonicalLine) models.CanonicalLine {
	l.Code = strings.TrimSpace(l.Code)
	l.Name = strings.TrimSpace(l.Name)
	l.ParentCode = strings.TrimSpace(l.ParentCode)
	l.Statement = models.Statement(strings.ToLower(strings.TrimSpace(string(l.Statement))))
	return l
}

type siblingKey struct {
	statement models.Statement
	parent    string
	order     int
}

// validate returns every rejected row of batch. Callers hold h.mu.
func (h *Hierarchy) validate(batch []models.CanonicalLine) []RowError {
	var rows []RowError
	reject := func(i int, err error) {
		rows = append(rows, RowError{Row: i + 1, Code: batch[i].Code, Err: err})
	}

	pending := make(map[string]int, len(batch))
	for i, l := range batch {
		switch {
		case l.Code == "":
			reject(i, &InvalidLineError{Code: l.Code, Reason: "code is required"})
			continue
		case l.Name == "":
			reject(i, &InvalidLineError{Code: l.Code, Reason: "name is required"})
			continue
		case !l.Statement.Valid():
			reject(i, &InvalidLineError{Code: l.Code, Reason: fmt.Sprintf("unknown statement %q", l.Statement)})
			continue
		case l.Order < 0:
			reject(i, &InvalidLineError{Code: l.Code, Reason: "order must not be negative"})
			continue
		}
		if _, exists := h.lines[l.Code]; exists {
			reject(i, &DuplicateCodeError{Code: l.Code})
			continue
		}
		if _, dup := pending[l.Code]; dup {
			reject(i, &DuplicateCodeError{Code: l.Code})
			continue
		}
		if l.ParentCode == l.Code {
			reject(i, &CycleError{Codes: []string{l.Code, l.Code}})
			continue
		}
		pending[l.Code] = i
	}

	lookup := func(code string) (models.CanonicalLine, bool) {
		if l, ok := h.lines[code]; ok {
			return l, true
		}
		if i, ok := pending[code]; ok {
			return batch[i], true
		}
		return models.CanonicalLine{}, false
	}

	siblings := make(map[siblingKey]string)
	for code, l := range h.lines {
		siblings[siblingKey{l.Statement, l.ParentCode, l.Order}] = code
	}

	inCycle := make(map[string]bool)
	for i, l := range batch {
		if idx, ok := pending[l.Code]; !ok || idx != i {
			continue
		}
		if l.ParentCode != "" {
			parent, ok := lookup(l.ParentCode)
			if !ok {
				reject(i, &UnknownParentError{Code: l.Code, ParentCode: l.ParentCode})
				continue
			}
			if parent.Statement != l.Statement {
				reject(i, &StatementMismatchError{Code: l.Code, Statement: l.Statement, ParentCode: parent.Code, ParentStatement: parent.Statement})
				continue
			}
			if cycle := findCycle(l.Code, batch, pending); cycle != nil {
				if !inCycle[l.Code] {
					for _, c := range cycle {
						inCycle[c] = true
					}
					reject(i, &CycleError{Codes: cycle})
				}
				continue
			}
		}
		key := siblingKey{l.Statement, l.ParentCode, l.Order}
		if other, taken := siblings[key]; taken {
			reject(i, &DuplicateOrderError{Code: l.Code, Sibling: other, ParentCode: l.ParentCode, Order: l.Order})
			continue
		}
		siblings[key] = l.Code
	}

	sort.SliceStable(rows, func(a, b int) bool { return rows[a].Row < rows[b].Row })
	return rows
}

// findCycle follows parent links inside the batch. Existing lines cannot
// point back into the batch, so a walk that leaves it terminates.
func findCycle(start string, batch []models.CanonicalLine, pending map[string]int) []string {
	path := []string{start}
	seen := map[string]bool{start: true}
	code := start
	for {
		i, ok := pending[code]
		if !ok {
			return nil
		}
		parent := batch[i].ParentCode
		if parent == "" {
			return nil
		}
		path = append(path, parent)
		if parent == start {
			return path
		}
		if seen[parent] {
			// the cycle does not include start; it is reported from its own members
			return nil
		}
		seen[parent] = true
		code = parent
	}
}

// index adds lines to the in-memory maps. Callers hold h.mu or own h.
func (h *Hierarchy) index(lines []models.CanonicalLine) {
	for _, l := range lines {
		h.lines[l.Code] = l
	}
	for _, l := range lines {
		if l.ParentCode == "" {
			h.roots[l.Statement] = append(h.roots[l.Statement], l.Code)
			h.sortCodes(h.roots[l.Statement])
			continue
		}
		h.children[l.ParentCode] = append(h.children[l.ParentCode], l.Code)
		h.sortCodes(h.children[l.ParentCode])
	}
}

func (h *Hierarchy) sortCodes(codes []string) {
	sort.Slice(codes, func(i, j int) bool {
		a, b := h.lines[codes[i]], h.lines[codes[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.Code < b.Code
	})
}

// Line returns the line with code.
func (h *Hierarchy) Line(code string) (models.CanonicalLine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	l, ok := h.lines[code]
	if !ok {
		return models.CanonicalLine{}, fmt.Errorf("%q: %w", code, ErrLineNotFound)
	}
	return l, nil
}

// Has reports whether code is a known line.
func (h *Hierarchy) Has(code string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.lines[code]
	return ok
}

// All returns every line ordered by code.
func (h *Hierarchy) All() []models.CanonicalLine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]models.CanonicalLine, 0, len(h.lines))
	for _, l := range h.lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Path returns the ancestors of code, root first.
func (h *Hierarchy) Path(code string) ([]models.CanonicalLine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	l, ok := h.lines[code]
	if !ok {
		return nil, fmt.Errorf("%q: %w", code, ErrLineNotFound)
	}
	var path []models.CanonicalLine
	for l.ParentCode != "" {
		l = h.lines[l.ParentCode]
		path = append(path, l)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Children returns the direct children of code ordered by Order.
func (h *Hierarchy) Children(code string) ([]models.CanonicalLine, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if _, ok := h.lines[code]; !ok {
		return nil, fmt.Errorf("%q: %w", code, ErrLineNotFound)
	}
	return h.resolve(h.children[code]), nil
}

// Roots returns the root lines of a statement ordered by Order.
func (h *Hierarchy) Roots(statement models.Statement) []models.CanonicalLine {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resolve(h.roots[statement])
}

func (h *Hierarchy) resolve(codes []string) []models.CanonicalLine {
	out := make([]models.CanonicalLine, len(codes))
	for i, c := range codes {
		out[i] = h.lines[c]
	}
	return out
}

// StatementLines walks a statement depth-first in sibling order.
func (h *Hierarchy) StatementLines(statement models.Statement) []Row {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var rows []Row
	var walk func(code string, depth int)
	walk = func(code string, depth int) {
		rows = append(rows, Row{Line: h.lines[code], Depth: depth})
		for _, child := range h.children[code] {
			walk(child, depth+1)
		}
	}
	for _, root := range h.roots[statement] {
		walk(root, 0)
	}
	return rows
}

// SetTotalBasis designates the line vertical analysis divides by.
func (h *Hierarchy) SetTotalBasis(ctx context.Context, statement models.Statement, code string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reload(ctx); err != nil {
		return err
	}
	l, ok := h.lines[code]
	if !ok {
		return fmt.Errorf("%q: %w", code, ErrLineNotFound)
	}
	if l.Statement != statement {
		return &InvalidLineError{Code: code, Reason: fmt.Sprintf("belongs to %s, not %s", l.Statement, statement)}
	}
	if err := h.store.PutBasis(ctx, statement, code); err != nil {
		return fmt.Errorf("persist basis: %w", err)
	}
	h.bases[statement] = code
	return nil
}

// TotalBasis returns the basis line code of a statement.
func (h *Hierarchy) TotalBasis(statement models.Statement) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	code, ok := h.bases[statement]
	if !ok {
		return "", &NoBasisConfiguredError{Statement: statement}
	}
	return code, nil
}

package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"corvus_analytics/pkg/core/audit"
	"corvus_analytics/pkg/core/store"
	"corvus_analytics/pkg/models"

	"github.com/google/uuid"
)

// TransitionError rejects a state change the workflow does not allow.
type TransitionError struct {
	FileID uuid.UUID
	From   models.ApprovalState
	To     models.ApprovalState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("file %s: transition %s -> %s is not allowed", e.FileID, e.From, e.To)
}

// OverrideError rejects an administrative override.
type OverrideError struct {
	FileID uuid.UUID
	Reason string
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("file %s: override rejected: %s", e.FileID, e.Reason)
}

// CanTransition reports whether the regular workflow allows from -> to.
func CanTransition(from, to models.ApprovalState) bool {
	switch from {
	case models.StatePending:
		return to == models.StateValidated || to == models.StateRejected
	case models.StateRejected:
		return to == models.StatePending
	}
	return false
}

// CanOverride reports whether an administrative override allows from -> to.
// Only a validated file can be withdrawn this way.
func CanOverride(from, to models.ApprovalState) bool {
	return from == models.StateValidated && to == models.StateRejected
}

// Visible reports whether viewer may see the facts of f.
func Visible(f models.File, viewer string) bool {
	if f.State == models.StateValidated {
		return true
	}
	return viewer != "" && viewer == f.UploadedBy
}

// Gate applies approval transitions and audits them.
type Gate struct {
	files store.FileStore
	audit audit.Sink
	log   *slog.Logger
}

func NewGate(files store.FileStore, sink audit.Sink, log *slog.Logger) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{files: files, audit: sink, log: log}
}

// Transition moves a file along the regular workflow.
func (g *Gate) Transition(ctx context.Context, fileID uuid.UUID, to models.ApprovalState, actor string) (models.File, error) {
	f, err := g.files.GetFile(ctx, fileID)
	if err != nil {
		return models.File{}, err
	}
	if !CanTransition(f.State, to) {
		return models.File{}, &TransitionError{FileID: fileID, From: f.State, To: to}
	}
	return g.apply(ctx, f, to, actor, "approval.transition", "")
}

// Override withdraws a validated file. It requires an actor and a reason,
// both of which are kept in the audit log.
func (g *Gate) Override(ctx context.Context, fileID uuid.UUID, to models.ApprovalState, actor, reason string) (models.File, error) {
	if strings.TrimSpace(actor) == "" {
		return models.File{}, &OverrideError{FileID: fileID, Reason: "actor is required"}
	}
	if strings.TrimSpace(reason) == "" {
		return models.File{}, &OverrideError{FileID: fileID, Reason: "reason is required"}
	}
	f, err := g.files.GetFile(ctx, fileID)
	if err != nil {
		return models.File{}, err
	}
	if !CanOverride(f.State, to) {
		return models.File{}, &TransitionError{FileID: fileID, From: f.State, To: to}
	}
	return g.apply(ctx, f, to, actor, "approval.override", reason)
}

func (g *Gate) apply(ctx context.Context, f models.File, to models.ApprovalState, actor, action, reason string) (models.File, error) {
	from := f.State
	if err := g.files.UpdateFileState(ctx, f.ID, from, to); err != nil {
		return models.File{}, err
	}
	f.State = to
	g.log.Info("file state changed", "file_id", f.ID.String(), "from", from, "to", to, "actor", actor, "action", action)

	if g.audit != nil {
		e := audit.NewEvent(actor, action, "file", f.ID.String(),
			map[string]any{"state": string(from)},
			map[string]any{"state": string(to)})
		e.Reason = reason
		if err := g.audit.Record(ctx, e); err != nil {
			g.log.Error("audit record failed", "action", action, "error", err)
			return f, fmt.Errorf("state changed but audit failed: %w", err)
		}
	}
	return f, nil
}

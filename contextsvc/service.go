// Package contextsvc implements the Context Service: the
// hydrate/classify/validate pipeline that turns one user utterance into
// a patient-context decision and applies it to the registry, plus the
// clear operation that archives a conversation's durable state.
package contextsvc

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Azure-Samples/healthcare-agent-orchestrator/analyzer"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/chatmodel"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/history"
	"github.com/Azure-Samples/healthcare-agent-orchestrator/registry"
)

// Decision is the Context Service's per-turn verdict, layered over the
// Analyzer's raw Decision with the outcomes that only the service can
// produce (NEEDS_PATIENT_ID, RESTORED_FROM_STORAGE).
type Decision string

const (
	DecisionNone                Decision = "NONE"
	DecisionUnchanged           Decision = "UNCHANGED"
	DecisionNewBlank            Decision = "NEW_BLANK"
	DecisionSwitchExisting      Decision = "SWITCH_EXISTING"
	DecisionClear               Decision = "CLEAR"
	DecisionRestoredFromStorage Decision = "RESTORED_FROM_STORAGE"
	DecisionNeedsPatientID      Decision = "NEEDS_PATIENT_ID"
)

// clearFolderLayout is the microsecond-precision, path-safe layout
// used for the clear operation's archive folder name. time.Format does
// not support fractional seconds via a literal zero run after a
// separator, so the microsecond component is appended manually.
const clearFolderLayout = "2006-01-02T15-04-05"

// archivedFileTimestampLayout is the compact, separator-free layout
// used for individual archived file names within a clear folder.
const archivedFileTimestampLayout = "20060102T150405"

// ClearResult reports the outcome of a clear operation, including any
// per-patient archival failures that did not block the rest of the
// operation.
type ClearResult struct {
	ArchiveFolder   string
	FailedPatients  []chatmodel.PatientID
}

// Service is the Context Service.
type Service struct {
	registryStore *registry.Store
	historyStore  *history.Store
	validator     *chatmodel.PatientIDValidator
	analyzer      *analyzer.Analyzer
	logger        *zap.Logger
	now           func() time.Time
}

// New creates a Context Service.
func New(registryStore *registry.Store, historyStore *history.Store, validator *chatmodel.PatientIDValidator, az *analyzer.Analyzer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		registryStore: registryStore,
		historyStore:  historyStore,
		validator:     validator,
		analyzer:      az,
		logger:        logger.With(zap.String("component", "contextsvc.Service")),
		now:           time.Now,
	}
}

// DecideAndApply runs the four-step pipeline: hydrate the registry,
// classify the user's intent (short-message heuristic or full
// analysis), validate and transform that intent against the roster,
// and persist any resulting registry change. It does not touch chat
// history or inject snapshots; that is the Snapshot Injector's and
// Turn Controller's job.
func (s *Service) DecideAndApply(ctx context.Context, conversationID, userText string) (Decision, *chatmodel.Registry, error) {
	reg, err := s.registryStore.Read(ctx, conversationID)
	if err != nil {
		return DecisionNone, nil, err
	}

	var priorID string
	if reg.ActivePatientID != nil {
		priorID = string(*reg.ActivePatientID)
	}
	knownIDs := make([]string, 0, len(reg.PatientRegistry))
	for _, id := range reg.Roster() {
		knownIDs = append(knownIDs, string(id))
	}

	if analyzer.IsShortMessage(userText) {
		return s.applyShortMessage(ctx, reg)
	}

	d := s.analyzer.Classify(ctx, userText, priorID, knownIDs)
	return s.applyDecision(ctx, reg, d)
}

// applyShortMessage handles the short-message heuristic: a brief,
// keyword-free utterance is assumed to continue the active patient
// without spending a classification call. If no patient is active yet,
// it attempts a storage-restore of the most recently touched roster
// entry before giving up with NONE.
func (s *Service) applyShortMessage(ctx context.Context, reg *chatmodel.Registry) (Decision, *chatmodel.Registry, error) {
	if reg.ActivePatientID != nil {
		return DecisionUnchanged, reg, nil
	}

	roster := reg.Roster()
	if len(roster) == 0 {
		return DecisionNone, reg, nil
	}

	restore := roster[0]
	for _, id := range roster[1:] {
		if reg.PatientRegistry[id].UpdatedAt.After(reg.PatientRegistry[restore].UpdatedAt) {
			restore = id
		}
	}

	updated, err := s.registryStore.Upsert(ctx, reg.ConversationID, reg.PatientRegistry[restore], &restore)
	if err != nil {
		return DecisionNone, reg, err
	}
	s.analyzer.Reset()
	return DecisionRestoredFromStorage, updated, nil
}

// applyDecision validates and transforms the Analyzer's raw Decision
// against the current registry.
func (s *Service) applyDecision(ctx context.Context, reg *chatmodel.Registry, d *analyzer.Decision) (Decision, *chatmodel.Registry, error) {
	switch d.Action {
	case analyzer.ActionNone:
		return DecisionNone, reg, nil

	case analyzer.ActionUnchanged:
		if reg.ActivePatientID == nil {
			return DecisionNone, reg, nil
		}
		return DecisionUnchanged, reg, nil

	case analyzer.ActionClear:
		return DecisionClear, reg, nil

	// ACTIVATE_NEW with a valid-pattern id already in the roster is
	// treated identically to SWITCH_EXISTING: the patient's existing
	// context (and created_at) survives, and a no-op switch to the
	// already-active patient is reported as UNCHANGED without
	// resetting the analyzer.
	case analyzer.ActionActivateNew, analyzer.ActionSwitchExisting:
		pid, err := s.validator.Validate(d.PatientID)
		if err != nil {
			return DecisionNeedsPatientID, reg, nil
		}
		if reg.ActivePatientID != nil && pid == *reg.ActivePatientID {
			return DecisionUnchanged, reg, nil
		}
		if existing, ok := reg.PatientRegistry[pid]; ok {
			updated, err := s.registryStore.Upsert(ctx, reg.ConversationID, existing, &pid)
			if err != nil {
				return DecisionNone, reg, err
			}
			s.analyzer.Reset()
			return DecisionSwitchExisting, updated, nil
		}
		pc := chatmodel.NewPatientContext(reg.ConversationID, pid, s.now())
		updated, err := s.registryStore.Upsert(ctx, reg.ConversationID, pc, &pid)
		if err != nil {
			return DecisionNone, reg, err
		}
		s.analyzer.Reset()
		return DecisionNewBlank, updated, nil

	default:
		return DecisionNone, reg, nil
	}
}

// SetExplicitPatientContext activates candidate directly, bypassing the
// Analyzer entirely. It is the entry point for callers (e.g. an
// external ingress channel) that already know the target patient.
func (s *Service) SetExplicitPatientContext(ctx context.Context, conversationID, candidate string) (*chatmodel.Registry, error) {
	pid, err := s.validator.Validate(candidate)
	if err != nil {
		return nil, err
	}

	reg, err := s.registryStore.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	pc, ok := reg.PatientRegistry[pid]
	if !ok {
		pc = chatmodel.NewPatientContext(conversationID, pid, s.now())
	}

	changed := reg.ActivePatientID == nil || *reg.ActivePatientID != pid
	updated, err := s.registryStore.Upsert(ctx, conversationID, pc, &pid)
	if err != nil {
		return nil, err
	}
	if changed {
		s.analyzer.Reset()
	}
	return updated, nil
}

// Clear archives the conversation's session history, every patient
// history file in the roster, and the registry document into one
// timestamped archive folder, leaving no live registry document
// behind. Per-patient archival is best-effort: one patient's failure
// does not block the others or the overall operation, and is surfaced
// in ClearResult.FailedPatients for the caller to report.
func (s *Service) Clear(ctx context.Context, conversationID string) (*ClearResult, error) {
	now := s.now().UTC()
	folderTS := fmt.Sprintf("%s-%06d", now.Format(clearFolderLayout), now.Nanosecond()/1000)
	fileTS := now.Format(archivedFileTimestampLayout)
	archiveFolder := fmt.Sprintf("%s/archive/%s", conversationID, folderTS)

	reg, err := s.registryStore.Read(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if err := s.historyStore.ArchiveToFolder(ctx, conversationID, nil, archiveFolder, fileTS); err != nil {
		return nil, err
	}

	roster := reg.Roster()
	var failedMu sync.Mutex
	var failed []chatmodel.PatientID
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range roster {
		id := id
		g.Go(func() error {
			if err := s.historyStore.ArchiveToFolder(gctx, conversationID, &id, archiveFolder, fileTS); err != nil {
				s.logger.Warn("per-patient archive failed, continuing",
					zap.String("conversation_id", conversationID),
					zap.String("patient_id", string(id)),
					zap.Error(err))
				failedMu.Lock()
				failed = append(failed, id)
				failedMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := s.registryStore.Archive(ctx, conversationID, archiveFolder, fileTS); err != nil {
		return nil, err
	}

	s.analyzer.Reset()

	return &ClearResult{ArchiveFolder: archiveFolder, FailedPatients: failed}, nil
}

// IsClearCommand reports whether trimmed, case-insensitive userText
// matches one of commands.
func IsClearCommand(userText string, commands []string) bool {
	normalized := strings.ToLower(strings.TrimSpace(userText))
	for _, c := range commands {
		if normalized == strings.ToLower(strings.TrimSpace(c)) {
			return true
		}
	}
	return false
}

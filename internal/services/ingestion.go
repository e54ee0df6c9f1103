package services

import (
	"errors"
	"time"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// ResultStore abstracts persistence for the result ingestion pipeline.
type ResultStore interface {
	AddData(d *models.Data) error
	GetResultByToken(token string) (*models.Result, error)
	// CreateResult inserts a new result row. It returns ErrTokenExists when
	// another row already holds the token, so two concurrent submissions for
	// the same token can never both take the create branch.
	CreateResult(r *models.Result) error
	// AppendSubmission increments the result's quantity by one and, when
	// dataID is non-empty, attaches the blob to incrementalData.
	AppendSubmission(resultID, dataID string) (*models.Result, error)
	ApplyResultInfo(resultID, dataPolicy string, info map[string]any) error
	// RetireIncrementalResult deletes the incremental result and all of its
	// attached data blobs in one transaction.
	RetireIncrementalResult(resultID string) error
	GetResult(id string) (*models.Result, error)
	DeleteResultWithData(id string) error
	UpdateResultStatus(resultID, status string) error
	ListResultsByParticipantStudy(participantID, studyID string) ([]*models.Result, error)
	GetStudy(id string) (*models.Study, error)
	MergeProfileTaskInfo(profileID, taskID string, info map[string]any) error
	// MergeProfileConsent merges the ledger entry into the profile's
	// consentsInfo and connects the profile to the consent record.
	MergeProfileConsent(profileID, consentID string, entry models.ConsentEntry) error
}

// SubmitMetadata identifies one experiment run submission.
type SubmitMetadata struct {
	ID      string `json:"id"`
	Payload string `json:"payload"` // "full" or "incremental"
}

// SubmitResultRequest is one submission from the open API. Exactly one of
// ProfileID/GuestID must be set.
type SubmitResultRequest struct {
	ProfileID   string
	GuestID     string
	TemplateID  string
	TaskID      string
	StudyID     string
	Metadata    SubmitMetadata
	DataString  string
	DataPolicy  string
	ResultType  string
	TestVersion string
}

// Submission statuses reported to the caller.
const (
	SubmitCreated = "created"
	SubmitUpdated = "updated"
)

// SubmitResultOutcome reports what one submission did.
type SubmitResultOutcome struct {
	Status string
	Result *models.Result
}

// TaskCompletion carries per-task metadata attached at session end.
type TaskCompletion struct {
	ID   string         `json:"id"`
	Info map[string]any `json:"info,omitempty"`
}

// ConsentDecision is a post-hoc consent update attached at session end.
type ConsentDecision struct {
	ID                 string `json:"id"`
	ConsentGiven       bool   `json:"consentGiven"`
	SaveCoveredConsent bool   `json:"saveCoveredConsent"`
}

// ResultInfoUpdate is the reconcileResultInfo payload.
type ResultInfoUpdate struct {
	Email      string           `json:"email,omitempty"`
	DataPolicy string           `json:"data,omitempty"`
	Info       map[string]any   `json:"info,omitempty"`
	Task       TaskCompletion   `json:"task"`
	Consent    *ConsentDecision `json:"consent,omitempty"`
}

// ResultService is the idempotent, token-keyed ingestion pipeline for
// experiment results.
type ResultService struct {
	store ResultStore
	guard *OwnershipGuard
	now   func() time.Time
	idGen func() string
}

func NewResultService(store ResultStore, guard *OwnershipGuard) *ResultService {
	if guard == nil {
		guard = NewOwnershipGuard()
	}
	return &ResultService{
		store: store,
		guard: guard,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return shortID(12) },
	}
}

// PayloadToken derives the idempotency token for a run: the first four
// characters of the payload kind, a dash, and the run id. Full and
// incremental submissions for the same run therefore live under distinct
// tokens ("full-<id>", "incr-<id>") until reconciled.
func PayloadToken(payloadKind, runID string) string {
	prefix := payloadKind
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return prefix + "-" + runID
}

// SubmitResult persists one submission exactly-once per token. The data
// chunk is always stored as a new immutable blob; the result row is created
// on first sight of the token and updated (quantity+1, incremental blobs
// accumulated) on every later one.
func (s *ResultService) SubmitResult(req SubmitResultRequest) (*SubmitResultOutcome, error) {
	if req.Metadata.ID == "" || req.Metadata.Payload == "" {
		return nil, NewInvalidError("metadata id and payload are required")
	}
	if req.Metadata.Payload != models.PayloadFull && req.Metadata.Payload != models.PayloadIncremental {
		return nil, NewInvalidError("payload must be full or incremental")
	}
	if (req.ProfileID == "") == (req.GuestID == "") {
		return nil, NewInvalidError("exactly one of user or guest must own a result")
	}

	token := PayloadToken(req.Metadata.Payload, req.Metadata.ID)
	now := s.now()

	// Every chunk is persisted before the row is touched. A duplicate full
	// submission leaves its chunk unattached: the first full blob stays
	// authoritative and the later one is kept only as a raw record.
	blob := &models.Data{ID: s.idGen(), Content: req.DataString, CreatedAt: now}
	if err := s.store.AddData(blob); err != nil {
		return nil, err
	}

	existing, err := s.store.GetResultByToken(token)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		created := &models.Result{
			ID:          s.idGen(),
			ProfileID:   req.ProfileID,
			GuestID:     req.GuestID,
			TemplateID:  req.TemplateID,
			TaskID:      req.TaskID,
			StudyID:     req.StudyID,
			Quantity:    1,
			DataPolicy:  req.DataPolicy,
			Payload:     req.Metadata.Payload,
			Token:       token,
			ResultType:  req.ResultType,
			TestVersion: req.TestVersion,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if req.Metadata.Payload == models.PayloadIncremental {
			created.IncrementalDataIDs = []string{blob.ID}
		} else {
			created.FullDataID = blob.ID
		}
		err = s.store.CreateResult(created)
		if err == nil {
			return &SubmitResultOutcome{Status: SubmitCreated, Result: created}, nil
		}
		if !errors.Is(err, ErrTokenExists) {
			return nil, err
		}
		// Lost the create race: another submission claimed the token
		// between our read and write. Retry as an update.
		existing, err = s.store.GetResultByToken(token)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, NewConflictError("result token contended")
		}
	}

	attachID := ""
	if req.Metadata.Payload == models.PayloadIncremental {
		attachID = blob.ID
	}
	updated, err := s.store.AppendSubmission(existing.ID, attachID)
	if err != nil {
		return nil, err
	}
	return &SubmitResultOutcome{Status: SubmitUpdated, Result: updated}, nil
}

// ReconcileResultInfo attaches final task/consent metadata to whichever
// result rows exist for the run. When a full result exists it becomes
// authoritative and the incremental staging row (and its blobs) is retired.
// A run with no rows at all is a silent no-op: it may have been submitted
// under a different flow.
func (s *ResultService) ReconcileResultInfo(actor Actor, runID string, upd ResultInfoUpdate) error {
	if actor.ID == "" {
		return NewUnauthorizedError("you must be logged in to do that")
	}
	if runID == "" {
		return NewInvalidError("run id is required")
	}

	full, err := s.store.GetResultByToken(PayloadToken(models.PayloadFull, runID))
	if err != nil {
		return err
	}
	incr, err := s.store.GetResultByToken(PayloadToken(models.PayloadIncremental, runID))
	if err != nil {
		return err
	}
	if full == nil && incr == nil {
		return nil
	}

	target := full
	if target == nil {
		target = incr
	}
	if !s.guard.CanMutate(actor, KindResult, Owned{OwnerID: resultOwner(target)}) {
		return NewForbiddenError("you don't have permission to do that")
	}
	if full != nil && incr != nil && !s.guard.CanMutate(actor, KindResult, Owned{OwnerID: resultOwner(incr)}) {
		return NewForbiddenError("you don't have permission to do that")
	}

	if err := s.store.ApplyResultInfo(target.ID, upd.DataPolicy, upd.Info); err != nil {
		return err
	}
	if full != nil && incr != nil {
		if err := s.store.RetireIncrementalResult(incr.ID); err != nil {
			return err
		}
	}

	if target.ProfileID != "" {
		if upd.Task.ID != "" {
			if err := s.store.MergeProfileTaskInfo(target.ProfileID, upd.Task.ID, upd.Task.Info); err != nil {
				return err
			}
		}
		if upd.Consent != nil && upd.Consent.ID != "" {
			now := s.now()
			decision := "decline"
			if upd.Consent.ConsentGiven {
				decision = "agree"
			}
			entry := models.ConsentEntry{
				Decision:           decision,
				CreatedAt:          now,
				UpdatedAt:          now,
				SaveCoveredConsent: upd.Consent.SaveCoveredConsent,
			}
			if err := s.store.MergeProfileConsent(target.ProfileID, upd.Consent.ID, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// DeleteResult removes a result and its attached data blobs. Allowed for the
// result's owner, the owning study's author or collaborators, and admins.
func (s *ResultService) DeleteResult(actor Actor, id string) error {
	if actor.ID == "" {
		return NewUnauthorizedError("you must be logged in to do that")
	}
	result, err := s.store.GetResult(id)
	if err != nil {
		return err
	}
	if result == nil {
		return NewNotFoundError("result not found")
	}
	if !s.canMutateResult(actor, result) {
		return NewForbiddenError("you don't have permission to do that")
	}
	return s.store.DeleteResultWithData(result.ID)
}

// ChangeResultStatus moves one result to a new status tag.
func (s *ResultService) ChangeResultStatus(actor Actor, id, status string) error {
	if status == "" {
		return NewInvalidError("status is required")
	}
	result, err := s.store.GetResult(id)
	if err != nil {
		return err
	}
	if result == nil {
		return NewNotFoundError("result not found")
	}
	if !s.canMutateResult(actor, result) {
		return NewForbiddenError("you don't have permission to do that")
	}
	return s.store.UpdateResultStatus(result.ID, status)
}

// ChangeStatusParticipantStudyResults moves every result a participant holds
// in a study to the given status.
func (s *ResultService) ChangeStatusParticipantStudyResults(actor Actor, participantID, studyID, status string) error {
	if status == "" {
		return NewInvalidError("status is required")
	}
	if participantID == "" || studyID == "" {
		return NewInvalidError("participant and study ids are required")
	}
	results, err := s.store.ListResultsByParticipantStudy(participantID, studyID)
	if err != nil {
		return err
	}
	for _, r := range results {
		if !s.canMutateResult(actor, r) {
			return NewForbiddenError("you don't have permission to do that")
		}
	}
	for _, r := range results {
		if err := s.store.UpdateResultStatus(r.ID, status); err != nil {
			return err
		}
	}
	return nil
}

func (s *ResultService) canMutateResult(actor Actor, r *models.Result) bool {
	if s.guard.CanMutate(actor, KindResult, Owned{OwnerID: resultOwner(r)}) {
		return true
	}
	if r.StudyID == "" {
		return false
	}
	study, err := s.store.GetStudy(r.StudyID)
	if err != nil || study == nil {
		return false
	}
	return s.guard.CanMutate(actor, KindStudy, Owned{OwnerID: study.AuthorID, Collaborators: study.Collaborators})
}

func resultOwner(r *models.Result) string {
	if r.ProfileID != "" {
		return r.ProfileID
	}
	return r.GuestID
}

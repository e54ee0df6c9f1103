package services

import (
	"bytes"
	"encoding/csv"
	"sort"
	"strconv"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// ExportStore abstracts persistence for result exports.
type ExportStore interface {
	GetStudy(id string) (*models.Study, error)
	ListResultsByStudy(studyID string) ([]*models.Result, error)
}

// ExportService renders a study's results as CSV for offline analysis.
// Gated on study ownership: the author, collaborators and admins may export.
type ExportService struct {
	store ExportStore
	guard *OwnershipGuard
}

func NewExportService(store ExportStore, guard *OwnershipGuard) *ExportService {
	if guard == nil {
		guard = NewOwnershipGuard()
	}
	return &ExportService{store: store, guard: guard}
}

// ExportStudyResultsCSV renders one row per result, ordered by creation time
// then id so repeated exports of the same data are byte-identical.
func (s *ExportService) ExportStudyResultsCSV(actor Actor, studyID string) ([]byte, error) {
	if actor.ID == "" {
		return nil, NewUnauthorizedError("you must be logged in to do that")
	}
	if studyID == "" {
		return nil, NewInvalidError("study id is required")
	}
	study, err := s.store.GetStudy(studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError("study not found")
	}
	if !s.guard.CanMutate(actor, KindStudy, Owned{OwnerID: study.AuthorID, Collaborators: study.Collaborators}) {
		return nil, NewForbiddenError("you don't have permission to do that")
	}

	results, err := s.store.ListResultsByStudy(studyID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{
		"result_id", "participant_id", "participant_kind", "task_id", "template_id",
		"token", "payload", "quantity", "data_policy", "status", "test_version", "created_at",
	})
	for _, r := range results {
		owner, kind := r.ProfileID, "profile"
		if owner == "" {
			owner, kind = r.GuestID, "guest"
		}
		rec := []string{
			r.ID,
			owner,
			kind,
			r.TaskID,
			r.TemplateID,
			r.Token,
			r.Payload,
			strconv.Itoa(r.Quantity),
			r.DataPolicy,
			r.ResultType,
			r.TestVersion,
			r.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

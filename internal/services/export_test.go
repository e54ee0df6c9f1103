package services

import (
	"strings"
	"testing"
	"time"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

type stubExportStore struct {
	study   *models.Study
	results []*models.Result
}

func (s *stubExportStore) GetStudy(id string) (*models.Study, error) {
	if s.study != nil && s.study.ID == id {
		return s.study, nil
	}
	return nil, nil
}

func (s *stubExportStore) ListResultsByStudy(studyID string) ([]*models.Result, error) {
	return s.results, nil
}

func TestExportStudyResultsCSV(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := &stubExportStore{
		study: &models.Study{ID: "s1", AuthorID: "author", Collaborators: []string{"collab"}},
		results: []*models.Result{
			{ID: "r2", GuestID: "g1", StudyID: "s1", Token: "incr-run2", Payload: "incremental", Quantity: 3, CreatedAt: t0.Add(time.Minute)},
			{ID: "r1", ProfileID: "p1", StudyID: "s1", TaskID: "t1", Token: "full-run1", Payload: "full", Quantity: 1, DataPolicy: "science", CreatedAt: t0},
		},
	}
	svc := NewExportService(store, nil)

	out, err := svc.ExportStudyResultsCSV(Actor{ID: "collab"}, "s1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 3 {
		t.Fatalf("line count %d, want header + 2 rows", len(lines))
	}
	if !strings.HasPrefix(lines[0], "result_id,participant_id,participant_kind") {
		t.Fatalf("header: %q", lines[0])
	}
	// Stable order: older result first regardless of input order.
	if !strings.HasPrefix(lines[1], "r1,p1,profile,t1,") {
		t.Fatalf("first row: %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "r2,g1,guest,") {
		t.Fatalf("second row: %q", lines[2])
	}
	if !strings.Contains(lines[1], "2024-05-01T12:00:00Z") {
		t.Fatalf("timestamp missing: %q", lines[1])
	}
}

func TestExportStudyResultsCSVGuards(t *testing.T) {
	store := &stubExportStore{study: &models.Study{ID: "s1", AuthorID: "author"}}
	svc := NewExportService(store, nil)

	_, err := svc.ExportStudyResultsCSV(Actor{}, "s1")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = svc.ExportStudyResultsCSV(Actor{ID: "stranger"}, "s1")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	_, err = svc.ExportStudyResultsCSV(Actor{ID: "author"}, "missing")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.ExportStudyResultsCSV(Actor{ID: "staff", Permissions: []string{"ADMIN"}}, "s1"); err != nil {
		t.Fatalf("admin export: %v", err)
	}
}

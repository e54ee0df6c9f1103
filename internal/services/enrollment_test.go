package services

import (
	"testing"
	"time"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

type stubEnrollmentStore struct {
	study   *models.Study
	profile *models.Profile

	lastUpdate  *ProfileEnrollmentUpdate
	lastGuest   *models.Guest
	removedFrom string
	removedInfo map[string]map[string]any
}

func (s *stubEnrollmentStore) GetStudy(id string) (*models.Study, error) {
	if s.study != nil && s.study.ID == id {
		return s.study, nil
	}
	return nil, nil
}

func (s *stubEnrollmentStore) GetProfile(id string) (*models.Profile, error) {
	if s.profile != nil && s.profile.ID == id {
		return s.profile, nil
	}
	return nil, nil
}

func (s *stubEnrollmentStore) UpdateProfileEnrollment(u *ProfileEnrollmentUpdate) (*models.Profile, error) {
	s.lastUpdate = u
	out := *s.profile
	out.StudiesInfo = u.StudiesInfo
	out.ConsentsInfo = u.ConsentsInfo
	out.GeneralInfo = u.GeneralInfo
	return &out, nil
}

func (s *stubEnrollmentStore) CreateGuest(g *models.Guest) (*models.Guest, error) {
	s.lastGuest = g
	return g, nil
}

func (s *stubEnrollmentStore) RemoveProfileStudy(profileID, studyID string, studiesInfo map[string]map[string]any) error {
	s.removedFrom = studyID
	s.removedInfo = studiesInfo
	return nil
}

func enrollmentFixture() (*stubEnrollmentStore, *EnrollmentService) {
	store := &stubEnrollmentStore{
		study: &models.Study{
			ID:    "s1",
			Title: "Memory study",
			Components: models.StudyComponents{Blocks: []models.Block{
				{BlockID: "x", Title: "X", Skip: false},
				{BlockID: "y", Title: "Y", Skip: true},
			}},
		},
		profile: &models.Profile{
			ID: "p1",
			StudiesInfo: map[string]map[string]any{
				"other": {"blockName": "Old"},
			},
			GeneralInfo: map[string]any{"age": 25, "city": "Oslo"},
		},
	}
	svc := NewEnrollmentService(store, NewBlockRandomizerWithPick(func(n int) int { return 0 }))
	svc.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	svc.idGen = func() string { return "guest-1" }
	return store, svc
}

func TestJoinStudyMergesOnlyTargetStudy(t *testing.T) {
	store, svc := enrollmentFixture()

	_, err := svc.JoinStudy("p1", "s1", map[string]any{"consent-c1": "agree", "age": 30})
	if err != nil {
		t.Fatalf("JoinStudy: %v", err)
	}
	u := store.lastUpdate
	if u == nil {
		t.Fatalf("no enrollment update persisted")
	}
	if u.StudyID != "s1" || u.ProfileID != "p1" {
		t.Fatalf("unexpected ids: %q %q", u.StudyID, u.ProfileID)
	}
	if got := u.StudiesInfo["other"]["blockName"]; got != "Old" {
		t.Fatalf("other study entry disturbed: %v", got)
	}
	session := u.StudiesInfo["s1"]
	if session["blockId"] != "x" || session["blockName"] != "X" {
		t.Fatalf("block not stamped: %v", session)
	}
	if session["consent-c1"] != "agree" || session["age"] != 30 {
		t.Fatalf("answers not carried: %v", session)
	}
	entry, ok := u.ConsentsInfo["c1"]
	if !ok || entry.Decision != "agree" || !entry.SaveCoveredConsent {
		t.Fatalf("consent entry wrong: %+v", entry)
	}
	if len(u.AgreedConsentIDs) != 1 || u.AgreedConsentIDs[0] != "c1" {
		t.Fatalf("agreed ids wrong: %v", u.AgreedConsentIDs)
	}
}

func TestJoinStudyGeneralInfoLastWriteWins(t *testing.T) {
	store, svc := enrollmentFixture()

	if _, err := svc.JoinStudy("p1", "s1", map[string]any{"age": 31}); err != nil {
		t.Fatalf("JoinStudy: %v", err)
	}
	gi := store.lastUpdate.GeneralInfo
	if gi["age"] != 31 {
		t.Fatalf("age not overwritten: %v", gi["age"])
	}
	if gi["city"] != "Oslo" {
		t.Fatalf("untouched key lost: %v", gi["city"])
	}
	// Session bookkeeping must not leak block keys further than the copy did.
	if _, ok := store.profile.GeneralInfo["blockId"]; ok {
		t.Fatalf("source profile mutated")
	}
}

func TestJoinStudyNoConsentsConnectsNothing(t *testing.T) {
	store, svc := enrollmentFixture()

	if _, err := svc.JoinStudy("p1", "s1", map[string]any{"consent-c1": "decline"}); err != nil {
		t.Fatalf("JoinStudy: %v", err)
	}
	if len(store.lastUpdate.AgreedConsentIDs) != 0 {
		t.Fatalf("declined consent connected: %v", store.lastUpdate.AgreedConsentIDs)
	}
	if store.lastUpdate.ConsentsInfo["c1"].Decision != "decline" {
		t.Fatalf("decline not recorded in ledger")
	}
}

func TestJoinStudyErrors(t *testing.T) {
	store, svc := enrollmentFixture()

	_, err := svc.JoinStudy("", "s1", nil)
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = svc.JoinStudy("p1", "missing", nil)
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected study not found, got %v", err)
	}
	store.profile = nil
	_, err = svc.JoinStudy("p1", "s1", nil)
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected profile not found, got %v", err)
	}
}

func TestJoinStudyAsGuest(t *testing.T) {
	store, svc := enrollmentFixture()

	guest, err := svc.JoinStudyAsGuest("s1", map[string]any{"consent-c1": "agree", "id": "wiz", "age": 40})
	if err != nil {
		t.Fatalf("JoinStudyAsGuest: %v", err)
	}
	if guest.ID != "guest-1" {
		t.Fatalf("guest id: %q", guest.ID)
	}
	if store.lastGuest != guest {
		t.Fatalf("guest not persisted")
	}
	if got := guest.StudiesInfo["s1"]["blockName"]; got != "X" {
		t.Fatalf("block not stamped for guest: %v", got)
	}
	if guest.ConsentsInfo["c1"].Decision != "agree" {
		t.Fatalf("guest consent ledger wrong: %+v", guest.ConsentsInfo)
	}
	if len(guest.ConsentedTo) != 1 || guest.ConsentedTo[0] != "c1" {
		t.Fatalf("guest consent connection wrong: %v", guest.ConsentedTo)
	}
	if len(guest.GuestParticipantIn) != 1 || guest.GuestParticipantIn[0] != "s1" {
		t.Fatalf("guest participation wrong: %v", guest.GuestParticipantIn)
	}
	if _, ok := guest.GeneralInfo["id"]; ok {
		t.Fatalf("wizard key kept in guest generalInfo")
	}
	if guest.GeneralInfo["age"] != 40 {
		t.Fatalf("guest generalInfo missing answers: %v", guest.GeneralInfo)
	}
}

func TestLeaveStudy(t *testing.T) {
	store, svc := enrollmentFixture()
	store.profile.StudiesInfo["s1"] = map[string]any{"blockName": "X"}

	if err := svc.LeaveStudy("p1", "s1"); err != nil {
		t.Fatalf("LeaveStudy: %v", err)
	}
	if store.removedFrom != "s1" {
		t.Fatalf("wrong study removed: %q", store.removedFrom)
	}
	if _, ok := store.removedInfo["s1"]; ok {
		t.Fatalf("study entry survived removal")
	}
	if _, ok := store.removedInfo["other"]; !ok {
		t.Fatalf("unrelated study entry dropped")
	}
}

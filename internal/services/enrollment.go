package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// EnrollmentStore abstracts persistence for study joins.
type EnrollmentStore interface {
	GetStudy(id string) (*models.Study, error)
	GetProfile(id string) (*models.Profile, error)
	// UpdateProfileEnrollment persists one logical enrollment update: the
	// participant relation, the merged studiesInfo/consentsInfo/generalInfo
	// maps and the agreed-consent connections. An empty AgreedConsentIDs
	// slice connects nothing and disconnects nothing.
	UpdateProfileEnrollment(u *ProfileEnrollmentUpdate) (*models.Profile, error)
	CreateGuest(g *models.Guest) (*models.Guest, error)
	// RemoveProfileStudy disconnects the participant relation and replaces
	// the profile's studiesInfo with the given map.
	RemoveProfileStudy(profileID, studyID string, studiesInfo map[string]map[string]any) error
}

// ProfileEnrollmentUpdate carries the persisted effects of one join.
type ProfileEnrollmentUpdate struct {
	ProfileID        string
	StudyID          string
	StudiesInfo      map[string]map[string]any
	ConsentsInfo     map[string]models.ConsentEntry
	GeneralInfo      map[string]any
	AgreedConsentIDs []string
}

// EnrollmentService joins identities (profiles or guests) to studies and
// keeps their consent, block assignment and demographic state in step with
// the join.
type EnrollmentService struct {
	store      EnrollmentStore
	randomizer *BlockRandomizer
	now        func() time.Time
	idGen      func() string
}

func NewEnrollmentService(store EnrollmentStore, randomizer *BlockRandomizer) *EnrollmentService {
	if randomizer == nil {
		randomizer = NewBlockRandomizer()
	}
	return &EnrollmentService{
		store:      store,
		randomizer: randomizer,
		now:        func() time.Time { return time.Now().UTC() },
		idGen:      func() string { return shortID(12) },
	}
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// JoinStudy enrolls an authenticated profile into a study. Re-joining the
// same study overwrites that study's session answers; other studies' entries
// are untouched.
func (s *EnrollmentService) JoinStudy(profileID, studyID string, answers map[string]any) (*models.Profile, error) {
	if profileID == "" {
		return nil, NewUnauthorizedError("you must be logged in to do that")
	}
	study, err := s.store.GetStudy(studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError("study not found")
	}
	profile, err := s.store.GetProfile(profileID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, NewNotFoundError("profile not found")
	}

	session := s.sessionAnswers(study, answers)
	consentUpdate, agreed := ExtractConsentDecisions(session, s.now())

	studiesInfo := make(map[string]map[string]any, len(profile.StudiesInfo)+1)
	for id, info := range profile.StudiesInfo {
		studiesInfo[id] = info
	}
	studiesInfo[study.ID] = session

	return s.store.UpdateProfileEnrollment(&ProfileEnrollmentUpdate{
		ProfileID:        profile.ID,
		StudyID:          study.ID,
		StudiesInfo:      studiesInfo,
		ConsentsInfo:     MergeConsentEntries(profile.ConsentsInfo, consentUpdate),
		GeneralInfo:      mergeGeneralInfo(profile.GeneralInfo, StripWizardKeys(session)),
		AgreedConsentIDs: agreed,
	})
}

// JoinStudyAsGuest creates a fresh guest identity enrolled in the study.
func (s *EnrollmentService) JoinStudyAsGuest(studyID string, answers map[string]any) (*models.Guest, error) {
	study, err := s.store.GetStudy(studyID)
	if err != nil {
		return nil, err
	}
	if study == nil {
		return nil, NewNotFoundError("study not found")
	}

	session := s.sessionAnswers(study, answers)
	now := s.now()
	consentUpdate, agreed := ExtractConsentDecisions(session, now)

	return s.store.CreateGuest(&models.Guest{
		ID:                 s.idGen(),
		StudiesInfo:        map[string]map[string]any{study.ID: session},
		ConsentsInfo:       consentUpdate,
		GeneralInfo:        StripWizardKeys(session),
		GuestParticipantIn: []string{study.ID},
		ConsentedTo:        agreed,
		CreatedAt:          now,
	})
}

// LeaveStudy removes the study's entry from the profile's studiesInfo and
// disconnects the participant relation.
func (s *EnrollmentService) LeaveStudy(profileID, studyID string) error {
	if profileID == "" {
		return NewUnauthorizedError("you must be logged in to do that")
	}
	profile, err := s.store.GetProfile(profileID)
	if err != nil {
		return err
	}
	if profile == nil {
		return NewNotFoundError("profile not found")
	}
	studiesInfo := make(map[string]map[string]any, len(profile.StudiesInfo))
	for id, info := range profile.StudiesInfo {
		if id == studyID {
			continue
		}
		studiesInfo[id] = info
	}
	return s.store.RemoveProfileStudy(profileID, studyID, studiesInfo)
}

// sessionAnswers copies the submitted answers and stamps the block
// assignment into the copy when the study has active blocks.
func (s *EnrollmentService) sessionAnswers(study *models.Study, answers map[string]any) map[string]any {
	session := make(map[string]any, len(answers)+2)
	for k, v := range answers {
		session[k] = v
	}
	if assignment := s.randomizer.Assign(study.Components.Blocks); assignment != nil {
		session["blockId"] = assignment.BlockID
		session["blockName"] = assignment.BlockName
	}
	return session
}

func mergeGeneralInfo(current, update map[string]any) map[string]any {
	out := make(map[string]any, len(current)+len(update))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range update {
		out[k] = v
	}
	return out
}

package api

import (
	"sync"

	"github.com/fieldworkhq/fieldwork/internal/models"
	"github.com/fieldworkhq/fieldwork/internal/services"
)

// MemoryStore is the in-process Store implementation. All maps are guarded by
// one mutex, which also serves as the single-writer serialization point per
// result token.
type MemoryStore struct {
	mu              sync.RWMutex
	profiles        map[string]*models.Profile
	profilesByName  map[string]string
	profilesByEmail map[string]string
	guests          map[string]*models.Guest
	studies         map[string]*models.Study
	consents        map[string]*models.Consent
	results         map[string]*models.Result
	resultsByToken  map[string]string
	data            map[string]*models.Data
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles:        map[string]*models.Profile{},
		profilesByName:  map[string]string{},
		profilesByEmail: map[string]string{},
		guests:          map[string]*models.Guest{},
		studies:         map[string]*models.Study{},
		consents:        map[string]*models.Consent{},
		results:         map[string]*models.Result{},
		resultsByToken:  map[string]string{},
		data:            map[string]*models.Data{},
	}
}

var _ Store = (*MemoryStore)(nil)

// profiles

func (s *MemoryStore) CreateProfile(p *models.Profile) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.profiles[cp.ID] = &cp
	if cp.Username != "" {
		s.profilesByName[cp.Username] = cp.ID
	}
	if cp.Email != "" {
		s.profilesByEmail[cp.Email] = cp.ID
	}
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetProfile(id string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyProfile(s.profiles[id]), nil
}

func (s *MemoryStore) GetProfileByUsername(username string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyProfile(s.profiles[s.profilesByName[username]]), nil
}

func (s *MemoryStore) GetProfileByEmail(email string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyProfile(s.profiles[s.profilesByEmail[email]]), nil
}

func (s *MemoryStore) UpdateProfileEnrollment(u *services.ProfileEnrollmentUpdate) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[u.ProfileID]
	if p == nil {
		return nil, services.NewNotFoundError("profile not found")
	}
	p.StudiesInfo = u.StudiesInfo
	p.ConsentsInfo = u.ConsentsInfo
	p.GeneralInfo = u.GeneralInfo
	p.ParticipantIn = appendUnique(p.ParticipantIn, u.StudyID)
	for _, id := range u.AgreedConsentIDs {
		p.ConsentedTo = appendUnique(p.ConsentedTo, id)
	}
	return copyProfile(p), nil
}

func (s *MemoryStore) RemoveProfileStudy(profileID, studyID string, studiesInfo map[string]map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[profileID]
	if p == nil {
		return services.NewNotFoundError("profile not found")
	}
	p.StudiesInfo = studiesInfo
	out := p.ParticipantIn[:0]
	for _, id := range p.ParticipantIn {
		if id != studyID {
			out = append(out, id)
		}
	}
	p.ParticipantIn = out
	return nil
}

func (s *MemoryStore) MergeProfileTaskInfo(profileID, taskID string, info map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[profileID]
	if p == nil {
		return services.NewNotFoundError("profile not found")
	}
	if p.TasksInfo == nil {
		p.TasksInfo = map[string]map[string]any{}
	}
	p.TasksInfo[taskID] = info
	return nil
}

func (s *MemoryStore) MergeProfileConsent(profileID, consentID string, entry models.ConsentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profiles[profileID]
	if p == nil {
		return services.NewNotFoundError("profile not found")
	}
	if p.ConsentsInfo == nil {
		p.ConsentsInfo = map[string]models.ConsentEntry{}
	}
	p.ConsentsInfo[consentID] = entry
	p.ConsentedTo = appendUnique(p.ConsentedTo, consentID)
	return nil
}

// guests

func (s *MemoryStore) CreateGuest(g *models.Guest) (*models.Guest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.guests[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *MemoryStore) GetGuest(id string) (*models.Guest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g := s.guests[id]
	if g == nil {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

// studies and consents

func (s *MemoryStore) AddStudy(st *models.Study) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *st
	s.studies[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStudy(id string) (*models.Study, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.studies[id]
	if st == nil {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

func (s *MemoryStore) AddConsent(c *models.Consent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.consents[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetConsent(id string) (*models.Consent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.consents[id]
	if c == nil {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// results and data

func (s *MemoryStore) AddData(d *models.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.data[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) GetData(id string) (*models.Data, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := s.data[id]
	if d == nil {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetResult(id string) (*models.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyResult(s.results[id]), nil
}

func (s *MemoryStore) GetResultByToken(token string) (*models.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyResult(s.results[s.resultsByToken[token]]), nil
}

func (s *MemoryStore) CreateResult(r *models.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.resultsByToken[r.Token]; taken {
		return services.ErrTokenExists
	}
	cp := *r
	cp.IncrementalDataIDs = append([]string(nil), r.IncrementalDataIDs...)
	s.results[cp.ID] = &cp
	s.resultsByToken[cp.Token] = cp.ID
	return nil
}

func (s *MemoryStore) AppendSubmission(resultID, dataID string) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[resultID]
	if r == nil {
		return nil, services.NewNotFoundError("result not found")
	}
	r.Quantity++
	if dataID != "" {
		r.IncrementalDataIDs = append(r.IncrementalDataIDs, dataID)
	}
	return copyResult(r), nil
}

func (s *MemoryStore) ApplyResultInfo(resultID, dataPolicy string, info map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[resultID]
	if r == nil {
		return services.NewNotFoundError("result not found")
	}
	if dataPolicy != "" {
		r.DataPolicy = dataPolicy
	}
	if len(info) > 0 {
		if r.Info == nil {
			r.Info = map[string]any{}
		}
		for k, v := range info {
			r.Info[k] = v
		}
	}
	return nil
}

func (s *MemoryStore) RetireIncrementalResult(resultID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteResultLocked(resultID)
}

func (s *MemoryStore) DeleteResultWithData(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteResultLocked(id)
}

// deleteResultLocked removes the result, its token index entry and every
// attached data blob while the caller holds the write lock.
func (s *MemoryStore) deleteResultLocked(id string) error {
	r := s.results[id]
	if r == nil {
		return services.NewNotFoundError("result not found")
	}
	for _, dataID := range r.IncrementalDataIDs {
		delete(s.data, dataID)
	}
	if r.FullDataID != "" {
		delete(s.data, r.FullDataID)
	}
	delete(s.resultsByToken, r.Token)
	delete(s.results, id)
	return nil
}

func (s *MemoryStore) UpdateResultStatus(resultID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.results[resultID]
	if r == nil {
		return services.NewNotFoundError("result not found")
	}
	r.ResultType = status
	return nil
}

func (s *MemoryStore) ListResultsByParticipantStudy(participantID, studyID string) ([]*models.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Result
	for _, r := range s.results {
		owner := r.ProfileID
		if owner == "" {
			owner = r.GuestID
		}
		if owner == participantID && r.StudyID == studyID {
			out = append(out, copyResult(r))
		}
	}
	return out, nil
}

func (s *MemoryStore) ListResultsByStudy(studyID string) ([]*models.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Result
	for _, r := range s.results {
		if r.StudyID == studyID {
			out = append(out, copyResult(r))
		}
	}
	return out, nil
}

// DataCount reports how many data blobs are stored. Used by tests to assert
// reconciliation leaves no orphans.
func (s *MemoryStore) DataCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func copyProfile(p *models.Profile) *models.Profile {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Permissions = append([]string(nil), p.Permissions...)
	cp.ParticipantIn = append([]string(nil), p.ParticipantIn...)
	cp.ConsentedTo = append([]string(nil), p.ConsentedTo...)
	return &cp
}

func copyResult(r *models.Result) *models.Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.IncrementalDataIDs = append([]string(nil), r.IncrementalDataIDs...)
	return &cp
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

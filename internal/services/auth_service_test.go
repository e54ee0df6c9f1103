package services

import (
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

type stubAuthStore struct {
	byUsername map[string]*models.Profile
	byEmail    map[string]*models.Profile
	created    *models.Profile
}

func newStubAuthStore() *stubAuthStore {
	return &stubAuthStore{
		byUsername: map[string]*models.Profile{},
		byEmail:    map[string]*models.Profile{},
	}
}

func (s *stubAuthStore) GetProfileByUsername(username string) (*models.Profile, error) {
	return s.byUsername[username], nil
}

func (s *stubAuthStore) GetProfileByEmail(email string) (*models.Profile, error) {
	return s.byEmail[email], nil
}

func (s *stubAuthStore) CreateProfile(p *models.Profile) (*models.Profile, error) {
	s.created = p
	s.byUsername[p.Username] = p
	if p.Email != "" {
		s.byEmail[p.Email] = p
	}
	return p, nil
}

func staticSigner(uid string, permissions []string, ttl time.Duration) (string, error) {
	return "token-" + uid, nil
}

func authFixture() (*stubAuthStore, *stubEnrollmentStore, *AuthService) {
	authStore := newStubAuthStore()
	enrollStore, enroll := enrollmentFixture()
	svc := NewAuthService(authStore, enroll, staticSigner)
	svc.idGen = func() string { return "p1" }
	return authStore, enrollStore, svc
}

func TestRegisterNormalizesAndStripsWizardKeys(t *testing.T) {
	store, _, svc := authFixture()

	res, err := svc.Register(RegisterRequest{
		Username: "  Alice ",
		Email:    "Alice@Example.COM",
		Password: "secret",
		Info:     map[string]any{"age": 30, "id": "wiz", "step": 3},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if res.Token != "token-p1" {
		t.Fatalf("token %q", res.Token)
	}
	p := store.created
	if p.Username != "alice" || p.Email != "alice@example.com" {
		t.Fatalf("normalization: %q %q", p.Username, p.Email)
	}
	if err := bcrypt.CompareHashAndPassword(p.PassHash, []byte("secret")); err != nil {
		t.Fatalf("password hash does not verify: %v", err)
	}
	if _, ok := p.GeneralInfo["id"]; ok {
		t.Fatalf("wizard key kept: %v", p.GeneralInfo)
	}
	if p.GeneralInfo["age"] != 30 {
		t.Fatalf("generalInfo: %v", p.GeneralInfo)
	}
}

func TestRegisterDuplicateConflicts(t *testing.T) {
	store, _, svc := authFixture()
	store.byUsername["alice"] = &models.Profile{ID: "p0", Username: "alice"}
	store.byEmail["bob@example.com"] = &models.Profile{ID: "p2", Email: "bob@example.com"}

	_, err := svc.Register(RegisterRequest{Username: "Alice", Password: "x"})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorConflict {
		t.Fatalf("expected username conflict, got %v", err)
	}
	_, err = svc.Register(RegisterRequest{Username: "carol", Email: "bob@example.com", Password: "x"})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorConflict {
		t.Fatalf("expected email conflict, got %v", err)
	}
	_, err = svc.Register(RegisterRequest{Username: "", Password: "x"})
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorInvalid {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func TestRegisterWithJoinEnrolls(t *testing.T) {
	_, enrollStore, svc := authFixture()
	enrollStore.profile = &models.Profile{ID: "p1"}

	_, err := svc.Register(RegisterRequest{
		Username: "alice",
		Password: "secret",
		Join:     &JoinRequest{StudyID: "s1", SessionAnswers: map[string]any{"consent-c1": "agree"}},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if enrollStore.lastUpdate == nil || enrollStore.lastUpdate.StudyID != "s1" {
		t.Fatalf("join not funneled through enrollment: %+v", enrollStore.lastUpdate)
	}
}

func TestLoginByUsernameOrEmail(t *testing.T) {
	store, _, svc := authFixture()
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	p := &models.Profile{ID: "p1", Username: "alice", Email: "alice@example.com", PassHash: hash}
	store.byUsername["alice"] = p
	store.byEmail["alice@example.com"] = p

	if _, err := svc.Login("Alice", "secret"); err != nil {
		t.Fatalf("login by username: %v", err)
	}
	if _, err := svc.Login("alice@example.com", "secret"); err != nil {
		t.Fatalf("login by email: %v", err)
	}
	_, err := svc.Login("alice", "wrong")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	_, err = svc.Login("nobody", "secret")
	if se, ok := AsServiceError(err); !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestParticipantLoginJoins(t *testing.T) {
	store, enrollStore, svc := authFixture()
	hash, _ := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	store.byUsername["alice"] = &models.Profile{ID: "p1", Username: "alice", PassHash: hash}
	enrollStore.profile = &models.Profile{ID: "p1"}

	res, err := svc.ParticipantLogin("alice", "secret", &JoinRequest{StudyID: "s1"})
	if err != nil {
		t.Fatalf("ParticipantLogin: %v", err)
	}
	if res.Token != "token-p1" {
		t.Fatalf("token %q", res.Token)
	}
	if enrollStore.lastUpdate == nil || enrollStore.lastUpdate.StudyID != "s1" {
		t.Fatalf("participant login did not enroll: %+v", enrollStore.lastUpdate)
	}
	if _, err := svc.ParticipantLogin("alice", "secret", nil); err != nil {
		t.Fatalf("ParticipantLogin without join: %v", err)
	}
}

package services

import (
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/fieldworkhq/fieldwork/internal/models"
)

// AuthStore abstracts profile lookup and creation for the auth flows.
type AuthStore interface {
	GetProfileByUsername(username string) (*models.Profile, error)
	GetProfileByEmail(email string) (*models.Profile, error)
	CreateProfile(p *models.Profile) (*models.Profile, error)
}

// TokenSigner issues an auth token for a profile.
type TokenSigner func(uid string, permissions []string, ttl time.Duration) (string, error)

// JoinRequest asks an auth flow to also enroll the profile into a study.
type JoinRequest struct {
	StudyID        string         `json:"studyId"`
	SessionAnswers map[string]any `json:"sessionAnswers,omitempty"`
}

// RegisterRequest is the sign-up input.
type RegisterRequest struct {
	Username    string
	Email       string
	Password    string
	Permissions []string
	Info        map[string]any
	Join        *JoinRequest
}

// AuthResult is the outcome of a successful auth flow.
type AuthResult struct {
	Token   string
	Profile *models.Profile
}

// AuthService implements sign-up and login. Both funnel optional study joins
// through the EnrollmentService so every entry point shares the same
// enrollment contract.
type AuthService struct {
	store     AuthStore
	enroll    *EnrollmentService
	signToken TokenSigner
	tokenTTL  time.Duration
	now       func() time.Time
	idGen     func() string
}

func NewAuthService(store AuthStore, enroll *EnrollmentService, signer TokenSigner) *AuthService {
	return &AuthService{
		store:     store,
		enroll:    enroll,
		signToken: signer,
		tokenTTL:  365 * 24 * time.Hour,
		now:       func() time.Time { return time.Now().UTC() },
		idGen:     func() string { return shortID(12) },
	}
}

// Register creates a profile, optionally enrolls it into a study, and issues
// a token.
func (s *AuthService) Register(req RegisterRequest) (*AuthResult, error) {
	username := strings.ToLower(strings.TrimSpace(req.Username))
	if username == "" || req.Password == "" {
		return nil, NewInvalidError("username and password are required")
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if existing, err := s.store.GetProfileByUsername(username); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, NewConflictError("username " + username + " is taken")
	}
	if email != "" {
		if existing, err := s.store.GetProfileByEmail(email); err != nil {
			return nil, err
		} else if existing != nil {
			return nil, NewConflictError("email " + email + " is taken")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	profile, err := s.store.CreateProfile(&models.Profile{
		ID:          s.idGen(),
		Username:    username,
		Email:       email,
		PassHash:    hash,
		Permissions: req.Permissions,
		GeneralInfo: StripWizardKeys(req.Info),
		CreatedAt:   s.now(),
	})
	if err != nil {
		return nil, err
	}

	if req.Join != nil && req.Join.StudyID != "" {
		profile, err = s.enroll.JoinStudy(profile.ID, req.Join.StudyID, req.Join.SessionAnswers)
		if err != nil {
			return nil, err
		}
	}
	return s.issue(profile)
}

// Login authenticates by username or email.
func (s *AuthService) Login(usernameOrEmail, password string) (*AuthResult, error) {
	profile, err := s.lookup(usernameOrEmail)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(profile.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid password")
	}
	return s.issue(profile)
}

// ParticipantLogin authenticates a participant and, when a join request is
// present, enrolls them into the study in the same call.
func (s *AuthService) ParticipantLogin(usernameOrEmail, password string, join *JoinRequest) (*AuthResult, error) {
	profile, err := s.lookup(usernameOrEmail)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword(profile.PassHash, []byte(password)); err != nil {
		return nil, NewUnauthorizedError("invalid password")
	}
	if join != nil && join.StudyID != "" {
		profile, err = s.enroll.JoinStudy(profile.ID, join.StudyID, join.SessionAnswers)
		if err != nil {
			return nil, err
		}
	}
	return s.issue(profile)
}

func (s *AuthService) lookup(usernameOrEmail string) (*models.Profile, error) {
	key := strings.ToLower(strings.TrimSpace(usernameOrEmail))
	if key == "" {
		return nil, NewInvalidError("invalid login details")
	}
	profile, err := s.store.GetProfileByUsername(key)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		profile, err = s.store.GetProfileByEmail(key)
		if err != nil {
			return nil, err
		}
	}
	if profile == nil {
		return nil, NewNotFoundError("no such user found for " + key)
	}
	return profile, nil
}

func (s *AuthService) issue(profile *models.Profile) (*AuthResult, error) {
	if s.signToken == nil {
		return nil, NewInvalidError("token signer not configured")
	}
	token, err := s.signToken(profile.ID, profile.Permissions, s.tokenTTL)
	if err != nil {
		return nil, err
	}
	return &AuthResult{Token: token, Profile: profile}, nil
}

// TokenTTL exposes the issued token lifetime.
func (s *AuthService) TokenTTL() time.Duration {
	return s.tokenTTL
}

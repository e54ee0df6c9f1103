package models

import "time"

// Permission tags carried on a profile.
const (
	PermissionStudent     = "STUDENT"
	PermissionTeacher     = "TEACHER"
	PermissionParticipant = "PARTICIPANT"
	PermissionAdmin       = "ADMIN"
)

// ConsentEntry is one decision in an identity's consent ledger.
type ConsentEntry struct {
	Decision           string    `json:"decision"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	SaveCoveredConsent bool      `json:"saveCoveredConsent"`
}

// Profile is an authenticated account. PII should be minimized.
type Profile struct {
	ID            string
	Username      string
	Email         string // via the linked auth identity; optional
	PassHash      []byte
	Permissions   []string
	StudiesInfo   map[string]map[string]any // study id -> per-study answer blob
	ConsentsInfo  map[string]ConsentEntry   // consent id -> ledger entry
	TasksInfo     map[string]map[string]any // task id -> completion info
	GeneralInfo   map[string]any            // free-form demographics
	ParticipantIn []string                  // study ids
	ConsentedTo   []string                  // consent ids the profile agreed to
	CreatedAt     time.Time
}

// Guest is an unauthenticated participant identity, created lazily when a
// guest joins a study. Enrollment-relevant fields mirror Profile.
type Guest struct {
	ID                 string
	StudiesInfo        map[string]map[string]any
	ConsentsInfo       map[string]ConsentEntry
	GeneralInfo        map[string]any
	GuestParticipantIn []string
	ConsentedTo        []string
	CreatedAt          time.Time
}

// Block is one condition in a between-subjects study design.
type Block struct {
	BlockID string `json:"blockId"`
	Title   string `json:"title"`
	Skip    bool   `json:"skip,omitempty"`
}

// StudyComponents holds the pieces of a study relevant to enrollment.
type StudyComponents struct {
	Blocks []Block `json:"blocks,omitempty"`
}

// Study is a research study participants enroll into.
type Study struct {
	ID            string
	Title         string
	AuthorID      string
	Collaborators []string
	Components    StudyComponents
	ConsentIDs    []string
	CreatedAt     time.Time
}

// Consent is a consent form referenced by key "consent-<id>" inside a
// session answer blob.
type Consent struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

// Payload kinds for result submissions.
const (
	PayloadFull        = "full"
	PayloadIncremental = "incremental"
)

// Result statuses.
const (
	ResultMain = "MAIN"
	ResultTest = "TEST"
)

// Result is one row per participant-or-guest and experiment run, keyed by an
// idempotency token derived from the payload kind and the run id. Exactly one
// of ProfileID/GuestID is set.
type Result struct {
	ID                 string
	ProfileID          string
	GuestID            string
	TemplateID         string
	TaskID             string
	StudyID            string
	Quantity           int
	DataPolicy         string
	Payload            string // "full" or "incremental"
	Token              string // unique
	IncrementalDataIDs []string
	FullDataID         string
	ResultType         string
	TestVersion        string
	Info               map[string]any
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Data is an immutable content blob holding one submitted payload chunk.
type Data struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

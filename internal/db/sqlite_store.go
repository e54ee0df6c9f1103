package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/fieldworkhq/fieldwork/internal/api"
	"github.com/fieldworkhq/fieldwork/internal/models"
	"github.com/fieldworkhq/fieldwork/internal/services"
)

// SQLiteStore is the durable Store implementation. Result token uniqueness
// is enforced by the UNIQUE constraint on results.token, and reconciliation
// cleanup runs inside a single transaction.
type SQLiteStore struct {
	db  *sql.DB
	log *logrus.Logger
}

func NewSQLiteStore(db *sql.DB, log *logrus.Logger) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db, log: log}, nil
}

func NewStore(db *sql.DB, log *logrus.Logger) (api.Store, error) {
	return NewSQLiteStore(db, log)
}

var _ api.Store = (*SQLiteStore)(nil)

func toNullString(s string) sql.NullString {
	if strings.TrimSpace(s) == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *SQLiteStore) decodeJSON(ns sql.NullString, out any, what string) {
	if !ns.Valid || strings.TrimSpace(ns.String) == "" {
		return
	}
	if err := json.Unmarshal([]byte(ns.String), out); err != nil {
		s.log.Warnf("sqlite store: decode %s: %v", what, err)
	}
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// profiles

func (s *SQLiteStore) CreateProfile(p *models.Profile) (*models.Profile, error) {
	permissions, err := encodeJSON(p.Permissions)
	if err != nil {
		return nil, err
	}
	studiesInfo, err := encodeJSON(p.StudiesInfo)
	if err != nil {
		return nil, err
	}
	consentsInfo, err := encodeJSON(p.ConsentsInfo)
	if err != nil {
		return nil, err
	}
	tasksInfo, err := encodeJSON(p.TasksInfo)
	if err != nil {
		return nil, err
	}
	generalInfo, err := encodeJSON(p.GeneralInfo)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(`INSERT INTO profiles (id, username, email, pass_hash, permissions, studies_info, consents_info, tasks_info, general_info, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, toNullString(p.Username), toNullString(p.Email), p.PassHash,
		permissions, studiesInfo, consentsInfo, tasksInfo, generalInfo, p.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, services.NewConflictError("username " + p.Username + " is taken")
		}
		return nil, err
	}
	return s.GetProfile(p.ID)
}

func (s *SQLiteStore) GetProfile(id string) (*models.Profile, error) {
	return s.getProfileWhere("id = ?", id)
}

func (s *SQLiteStore) GetProfileByUsername(username string) (*models.Profile, error) {
	return s.getProfileWhere("username = ?", username)
}

func (s *SQLiteStore) GetProfileByEmail(email string) (*models.Profile, error) {
	return s.getProfileWhere("email = ?", email)
}

func (s *SQLiteStore) getProfileWhere(where string, arg any) (*models.Profile, error) {
	row := s.db.QueryRow(`SELECT id, username, email, pass_hash, permissions, studies_info, consents_info, tasks_info, general_info, created_at
		FROM profiles WHERE `+where, arg)
	var (
		p                                                          models.Profile
		username, email                                            sql.NullString
		permissions, studiesInfo, consentsInfo, tasksInfo, general sql.NullString
	)
	err := row.Scan(&p.ID, &username, &email, &p.PassHash, &permissions, &studiesInfo, &consentsInfo, &tasksInfo, &general, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.Username = username.String
	p.Email = email.String
	s.decodeJSON(permissions, &p.Permissions, "profile permissions")
	s.decodeJSON(studiesInfo, &p.StudiesInfo, "profile studies_info")
	s.decodeJSON(consentsInfo, &p.ConsentsInfo, "profile consents_info")
	s.decodeJSON(tasksInfo, &p.TasksInfo, "profile tasks_info")
	s.decodeJSON(general, &p.GeneralInfo, "profile general_info")

	var err2 error
	p.ParticipantIn, err2 = s.listIDs("SELECT study_id FROM study_participants WHERE profile_id = ?", p.ID)
	if err2 != nil {
		return nil, err2
	}
	p.ConsentedTo, err2 = s.listIDs("SELECT consent_id FROM profile_consents WHERE profile_id = ?", p.ID)
	if err2 != nil {
		return nil, err2
	}
	return &p, nil
}

func (s *SQLiteStore) listIDs(query, arg string) ([]string, error) {
	rows, err := s.db.Query(query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateProfileEnrollment(u *services.ProfileEnrollmentUpdate) (*models.Profile, error) {
	studiesInfo, err := encodeJSON(u.StudiesInfo)
	if err != nil {
		return nil, err
	}
	consentsInfo, err := encodeJSON(u.ConsentsInfo)
	if err != nil {
		return nil, err
	}
	generalInfo, err := encodeJSON(u.GeneralInfo)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE profiles SET studies_info = ?, consents_info = ?, general_info = ? WHERE id = ?`,
		studiesInfo, consentsInfo, generalInfo, u.ProfileID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, services.NewNotFoundError("profile not found")
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO study_participants (study_id, profile_id) VALUES (?, ?)`, u.StudyID, u.ProfileID); err != nil {
		return nil, err
	}
	for _, consentID := range u.AgreedConsentIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO profile_consents (profile_id, consent_id) VALUES (?, ?)`, u.ProfileID, consentID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetProfile(u.ProfileID)
}

func (s *SQLiteStore) RemoveProfileStudy(profileID, studyID string, studiesInfo map[string]map[string]any) error {
	encoded, err := encodeJSON(studiesInfo)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE profiles SET studies_info = ? WHERE id = ?`, encoded, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM study_participants WHERE study_id = ? AND profile_id = ?`, studyID, profileID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) MergeProfileTaskInfo(profileID, taskID string, info map[string]any) error {
	p, err := s.GetProfile(profileID)
	if err != nil {
		return err
	}
	if p == nil {
		return services.NewNotFoundError("profile not found")
	}
	if p.TasksInfo == nil {
		p.TasksInfo = map[string]map[string]any{}
	}
	p.TasksInfo[taskID] = info
	encoded, err := encodeJSON(p.TasksInfo)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE profiles SET tasks_info = ? WHERE id = ?`, encoded, profileID)
	return err
}

func (s *SQLiteStore) MergeProfileConsent(profileID, consentID string, entry models.ConsentEntry) error {
	p, err := s.GetProfile(profileID)
	if err != nil {
		return err
	}
	if p == nil {
		return services.NewNotFoundError("profile not found")
	}
	if p.ConsentsInfo == nil {
		p.ConsentsInfo = map[string]models.ConsentEntry{}
	}
	p.ConsentsInfo[consentID] = entry
	encoded, err := encodeJSON(p.ConsentsInfo)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`UPDATE profiles SET consents_info = ? WHERE id = ?`, encoded, profileID); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR IGNORE INTO profile_consents (profile_id, consent_id) VALUES (?, ?)`, profileID, consentID); err != nil {
		return err
	}
	return tx.Commit()
}

// guests

func (s *SQLiteStore) CreateGuest(g *models.Guest) (*models.Guest, error) {
	studiesInfo, err := encodeJSON(g.StudiesInfo)
	if err != nil {
		return nil, err
	}
	consentsInfo, err := encodeJSON(g.ConsentsInfo)
	if err != nil {
		return nil, err
	}
	generalInfo, err := encodeJSON(g.GeneralInfo)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`INSERT INTO guests (id, studies_info, consents_info, general_info, created_at) VALUES (?, ?, ?, ?, ?)`,
		g.ID, studiesInfo, consentsInfo, generalInfo, g.CreatedAt); err != nil {
		return nil, err
	}
	for _, studyID := range g.GuestParticipantIn {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO guest_participants (study_id, guest_id) VALUES (?, ?)`, studyID, g.ID); err != nil {
			return nil, err
		}
	}
	for _, consentID := range g.ConsentedTo {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO guest_consents (guest_id, consent_id) VALUES (?, ?)`, g.ID, consentID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetGuest(g.ID)
}

func (s *SQLiteStore) GetGuest(id string) (*models.Guest, error) {
	row := s.db.QueryRow(`SELECT id, studies_info, consents_info, general_info, created_at FROM guests WHERE id = ?`, id)
	var (
		g                                      models.Guest
		studiesInfo, consentsInfo, generalInfo sql.NullString
	)
	err := row.Scan(&g.ID, &studiesInfo, &consentsInfo, &generalInfo, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.decodeJSON(studiesInfo, &g.StudiesInfo, "guest studies_info")
	s.decodeJSON(consentsInfo, &g.ConsentsInfo, "guest consents_info")
	s.decodeJSON(generalInfo, &g.GeneralInfo, "guest general_info")
	g.GuestParticipantIn, err = s.listIDs("SELECT study_id FROM guest_participants WHERE guest_id = ?", g.ID)
	if err != nil {
		return nil, err
	}
	g.ConsentedTo, err = s.listIDs("SELECT consent_id FROM guest_consents WHERE guest_id = ?", g.ID)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// studies and consents

func (s *SQLiteStore) AddStudy(st *models.Study) error {
	collaborators, err := encodeJSON(st.Collaborators)
	if err != nil {
		return err
	}
	components, err := encodeJSON(st.Components)
	if err != nil {
		return err
	}
	consentIDs, err := encodeJSON(st.ConsentIDs)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT OR REPLACE INTO studies (id, title, author_id, collaborators, components, consent_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Title, toNullString(st.AuthorID), collaborators, components, consentIDs, st.CreatedAt)
	return err
}

func (s *SQLiteStore) GetStudy(id string) (*models.Study, error) {
	row := s.db.QueryRow(`SELECT id, title, author_id, collaborators, components, consent_ids, created_at FROM studies WHERE id = ?`, id)
	var (
		st                                    models.Study
		authorID                              sql.NullString
		collaborators, components, consentIDs sql.NullString
	)
	err := row.Scan(&st.ID, &st.Title, &authorID, &collaborators, &components, &consentIDs, &st.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.AuthorID = authorID.String
	s.decodeJSON(collaborators, &st.Collaborators, "study collaborators")
	s.decodeJSON(components, &st.Components, "study components")
	s.decodeJSON(consentIDs, &st.ConsentIDs, "study consent_ids")
	return &st, nil
}

func (s *SQLiteStore) AddConsent(c *models.Consent) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO consents (id, content, created_at) VALUES (?, ?, ?)`,
		c.ID, c.Content, c.CreatedAt)
	return err
}

func (s *SQLiteStore) GetConsent(id string) (*models.Consent, error) {
	row := s.db.QueryRow(`SELECT id, content, created_at FROM consents WHERE id = ?`, id)
	var c models.Consent
	err := row.Scan(&c.ID, &c.Content, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// results and data

func (s *SQLiteStore) AddData(d *models.Data) error {
	_, err := s.db.Exec(`INSERT INTO data_blobs (id, content, created_at) VALUES (?, ?, ?)`,
		d.ID, d.Content, d.CreatedAt)
	return err
}

func (s *SQLiteStore) GetData(id string) (*models.Data, error) {
	row := s.db.QueryRow(`SELECT id, content, created_at FROM data_blobs WHERE id = ?`, id)
	var d models.Data
	err := row.Scan(&d.ID, &d.Content, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

const resultColumns = `id, profile_id, guest_id, template_id, task_id, study_id, quantity, data_policy, payload, token, full_data_id, result_type, test_version, info, created_at, updated_at`

func (s *SQLiteStore) scanResult(row interface{ Scan(...any) error }) (*models.Result, error) {
	var (
		r                                                models.Result
		profileID, guestID, templateID, taskID, studyID  sql.NullString
		dataPolicy, fullDataID, resultType, testVersion  sql.NullString
		info                                             sql.NullString
	)
	err := row.Scan(&r.ID, &profileID, &guestID, &templateID, &taskID, &studyID, &r.Quantity,
		&dataPolicy, &r.Payload, &r.Token, &fullDataID, &resultType, &testVersion, &info,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.ProfileID = profileID.String
	r.GuestID = guestID.String
	r.TemplateID = templateID.String
	r.TaskID = taskID.String
	r.StudyID = studyID.String
	r.DataPolicy = dataPolicy.String
	r.FullDataID = fullDataID.String
	r.ResultType = resultType.String
	r.TestVersion = testVersion.String
	s.decodeJSON(info, &r.Info, "result info")

	r.IncrementalDataIDs, err = s.listIDs("SELECT data_id FROM result_incremental_data WHERE result_id = ? ORDER BY position", r.ID)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetResult(id string) (*models.Result, error) {
	return s.scanResult(s.db.QueryRow(`SELECT `+resultColumns+` FROM results WHERE id = ?`, id))
}

func (s *SQLiteStore) GetResultByToken(token string) (*models.Result, error) {
	return s.scanResult(s.db.QueryRow(`SELECT `+resultColumns+` FROM results WHERE token = ?`, token))
}

func (s *SQLiteStore) CreateResult(r *models.Result) error {
	info, err := encodeJSON(r.Info)
	if err != nil {
		return err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.Exec(`INSERT INTO results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, toNullString(r.ProfileID), toNullString(r.GuestID), toNullString(r.TemplateID),
		toNullString(r.TaskID), toNullString(r.StudyID), r.Quantity, toNullString(r.DataPolicy),
		r.Payload, r.Token, toNullString(r.FullDataID), toNullString(r.ResultType),
		toNullString(r.TestVersion), info, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return services.ErrTokenExists
		}
		return err
	}
	for i, dataID := range r.IncrementalDataIDs {
		if _, err := tx.Exec(`INSERT INTO result_incremental_data (result_id, data_id, position) VALUES (?, ?, ?)`, r.ID, dataID, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendSubmission(resultID, dataID string) (*models.Result, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	res, err := tx.Exec(`UPDATE results SET quantity = quantity + 1, updated_at = ? WHERE id = ?`, time.Now().UTC(), resultID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, services.NewNotFoundError("result not found")
	}
	if dataID != "" {
		var next int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM result_incremental_data WHERE result_id = ?`, resultID).Scan(&next); err != nil {
			return nil, err
		}
		if _, err := tx.Exec(`INSERT INTO result_incremental_data (result_id, data_id, position) VALUES (?, ?, ?)`, resultID, dataID, next); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return s.GetResult(resultID)
}

func (s *SQLiteStore) ApplyResultInfo(resultID, dataPolicy string, info map[string]any) error {
	r, err := s.GetResult(resultID)
	if err != nil {
		return err
	}
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
	encoded, err := encodeJSON(r.Info)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`UPDATE results SET data_policy = ?, info = ?, updated_at = ? WHERE id = ?`,
		toNullString(r.DataPolicy), encoded, time.Now().UTC(), resultID)
	return err
}

// RetireIncrementalResult removes the staging row and every blob it owns in
// one transaction, so a failed delete never strands a retired record.
func (s *SQLiteStore) RetireIncrementalResult(resultID string) error {
	return s.deleteResultTx(resultID)
}

func (s *SQLiteStore) DeleteResultWithData(id string) error {
	return s.deleteResultTx(id)
}

func (s *SQLiteStore) deleteResultTx(id string) error {
	r, err := s.GetResult(id)
	if err != nil {
		return err
	}
	if r == nil {
		return services.NewNotFoundError("result not found")
	}
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, dataID := range r.IncrementalDataIDs {
		if _, err := tx.Exec(`DELETE FROM data_blobs WHERE id = ?`, dataID); err != nil {
			return err
		}
	}
	if r.FullDataID != "" {
		if _, err := tx.Exec(`DELETE FROM data_blobs WHERE id = ?`, r.FullDataID); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`DELETE FROM result_incremental_data WHERE result_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM results WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) UpdateResultStatus(resultID, status string) error {
	res, err := s.db.Exec(`UPDATE results SET result_type = ?, updated_at = ? WHERE id = ?`, status, time.Now().UTC(), resultID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("result not found")
	}
	return nil
}

func (s *SQLiteStore) ListResultsByParticipantStudy(participantID, studyID string) ([]*models.Result, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM results WHERE (profile_id = ? OR guest_id = ?) AND study_id = ?`,
		participantID, participantID, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Result
	for rows.Next() {
		r, err := s.scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ListResultsByStudy(studyID string) ([]*models.Result, error) {
	rows, err := s.db.Query(`SELECT `+resultColumns+` FROM results WHERE study_id = ?`, studyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Result
	for rows.Next() {
		r, err := s.scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

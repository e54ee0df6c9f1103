package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/fieldworkhq/fieldwork/internal/middleware"
	"github.com/fieldworkhq/fieldwork/internal/models"
	"github.com/fieldworkhq/fieldwork/internal/services"
)

// Router wires the enrollment and ingestion services onto HTTP endpoints.
type Router struct {
	store   Store
	auth    *services.AuthService
	enroll  *services.EnrollmentService
	results *services.ResultService
	export  *services.ExportService
}

func NewRouter(store Store) *Router {
	enroll := services.NewEnrollmentService(store, nil)
	guard := services.NewOwnershipGuard()
	return &Router{
		store:   store,
		auth:    services.NewAuthService(store, enroll, middleware.SignToken),
		enroll:  enroll,
		results: services.NewResultService(store, guard),
		export:  services.NewExportService(store, guard),
	}
}

func (rt *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/signup", rt.handleSignUp)                    // POST
	mux.HandleFunc("/api/auth/login", rt.handleLogin)                      // POST
	mux.HandleFunc("/api/auth/participant-login", rt.handleParticipantLogin) // POST
	mux.HandleFunc("/api/study/join", rt.handleJoinStudy)                  // POST
	mux.HandleFunc("/api/study/join-guest", rt.handleJoinStudyAsGuest)     // POST
	mux.HandleFunc("/api/study/leave", rt.handleLeaveStudy)                // POST
	mux.HandleFunc("/api/results", rt.handleSubmitResult)                  // POST
	mux.HandleFunc("/api/results/info", rt.handleResultsInfo)              // POST
	mux.HandleFunc("/api/results/participant-status", rt.handleParticipantStatus) // POST
	mux.HandleFunc("/api/results/export", rt.handleExportResults)          // GET ?studyId=
	mux.HandleFunc("/api/results/", rt.handleResultScoped)                 // DELETE, POST .../status
	mux.HandleFunc("/api/seed", rt.handleSeed)                             // POST
}

func actorFrom(r *http.Request) services.Actor {
	uid, _ := middleware.UserIDFromContext(r.Context())
	return services.Actor{ID: uid, Permissions: middleware.PermissionsFromContext(r.Context())}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if se, ok := services.AsServiceError(err); ok {
		status := http.StatusInternalServerError
		switch se.Code {
		case services.ErrorInvalid:
			status = http.StatusBadRequest
		case services.ErrorUnauthorized:
			status = http.StatusUnauthorized
		case services.ErrorForbidden:
			status = http.StatusForbidden
		case services.ErrorNotFound:
			status = http.StatusNotFound
		case services.ErrorConflict:
			status = http.StatusConflict
		}
		http.Error(w, se.Message, status)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func requirePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// POST /api/auth/signup
func (rt *Router) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		Username    string                `json:"username"`
		Email       string                `json:"email"`
		Password    string                `json:"password"`
		Permissions []string              `json:"permissions"`
		Info        map[string]any        `json:"info"`
		Study       *services.JoinRequest `json:"study,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Register(services.RegisterRequest{
		Username:    req.Username,
		Email:       req.Email,
		Password:    req.Password,
		Permissions: req.Permissions,
		Info:        req.Info,
		Join:        req.Study,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, authResponse(res))
}

// POST /api/auth/login
func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		UsernameEmail string `json:"usernameEmail"`
		Password      string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.Login(req.UsernameEmail, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, authResponse(res))
}

// POST /api/auth/participant-login
func (rt *Router) handleParticipantLogin(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		UsernameEmail string                `json:"usernameEmail"`
		Password      string                `json:"password"`
		Study         *services.JoinRequest `json:"study,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := rt.auth.ParticipantLogin(req.UsernameEmail, req.Password, req.Study)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, authResponse(res))
}

func authResponse(res *services.AuthResult) map[string]any {
	return map[string]any{
		"token": res.Token,
		"profile": map[string]any{
			"id":          res.Profile.ID,
			"username":    res.Profile.Username,
			"permissions": res.Profile.Permissions,
		},
	}
}

// POST /api/study/join
func (rt *Router) handleJoinStudy(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		StudyID        string         `json:"studyId"`
		SessionAnswers map[string]any `json:"sessionAnswers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := actorFrom(r)
	profile, err := rt.enroll.JoinStudy(actor.ID, req.StudyID, req.SessionAnswers)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":           profile.ID,
		"studiesInfo":  profile.StudiesInfo,
		"consentsInfo": profile.ConsentsInfo,
	})
}

// POST /api/study/join-guest
func (rt *Router) handleJoinStudyAsGuest(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		StudyID string         `json:"studyId"`
		Info    map[string]any `json:"info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	guest, err := rt.enroll.JoinStudyAsGuest(req.StudyID, req.Info)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"id":           guest.ID,
		"studiesInfo":  guest.StudiesInfo,
		"consentsInfo": guest.ConsentsInfo,
	})
}

// POST /api/study/leave
func (rt *Router) handleLeaveStudy(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		StudyID string `json:"studyId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	actor := actorFrom(r)
	if err := rt.enroll.LeaveStudy(actor.ID, req.StudyID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"message": "You left the study!"})
}

// POST /api/results is the open submission endpoint.
func (rt *Router) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		UserID     string                  `json:"userId"`
		GuestID    string                  `json:"guestId"`
		TemplateID string                  `json:"templateId"`
		TaskID     string                  `json:"taskId"`
		StudyID    string                  `json:"studyId"`
		Metadata   services.SubmitMetadata `json:"metadata"`
		DataString string                  `json:"dataString"`
		DataPolicy string                  `json:"dataPolicy"`
		ResultType string                  `json:"resultType"`
		Version    string                  `json:"version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	outcome, err := rt.results.SubmitResult(services.SubmitResultRequest{
		ProfileID:   req.UserID,
		GuestID:     req.GuestID,
		TemplateID:  req.TemplateID,
		TaskID:      req.TaskID,
		StudyID:     req.StudyID,
		Metadata:    req.Metadata,
		DataString:  req.DataString,
		DataPolicy:  req.DataPolicy,
		ResultType:  req.ResultType,
		TestVersion: req.Version,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{
		"message":  outcome.Status,
		"id":       outcome.Result.ID,
		"token":    outcome.Result.Token,
		"quantity": outcome.Result.Quantity,
	})
}

// POST /api/results/info handles session-end reconciliation.
func (rt *Router) handleResultsInfo(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		RunID string                    `json:"runId"`
		Info  services.ResultInfoUpdate `json:"info"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.results.ReconcileResultInfo(actorFrom(r), req.RunID, req.Info); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"message": "OK"})
}

// POST /api/results/participant-status is the bulk status transition.
func (rt *Router) handleParticipantStatus(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	var req struct {
		ParticipantID string `json:"participantId"`
		StudyID       string `json:"studyId"`
		Status        string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := rt.results.ChangeStatusParticipantStudyResults(actorFrom(r), req.ParticipantID, req.StudyID, req.Status); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"message": "OK"})
}

// GET /api/results/export?studyId={id} downloads a study's results as CSV.
func (rt *Router) handleExportResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	studyID := r.URL.Query().Get("studyId")
	out, err := rt.export.ExportStudyResultsCSV(actorFrom(r), studyID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="results_`+studyID+`.csv"`)
	_, _ = w.Write(out)
}

// DELETE /api/results/{id}
// POST   /api/results/{id}/status
func (rt *Router) handleResultScoped(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/results/")
	parts := strings.Split(rest, "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	id := parts[0]
	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := rt.results.DeleteResult(actorFrom(r), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"message": "Result deleted"})
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodPost:
		var req struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := rt.results.ChangeResultStatus(actorFrom(r), id, req.Status); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"message": "OK"})
	default:
		http.NotFound(w, r)
	}
}

// POST /api/seed creates a sample study with blocks and a consent form.
func (rt *Router) handleSeed(w http.ResponseWriter, r *http.Request) {
	if !requirePost(w, r) {
		return
	}
	consent := &models.Consent{ID: "SAMPLE-CONSENT", Content: "Sample consent form"}
	if err := rt.store.AddConsent(consent); err != nil {
		writeError(w, err)
		return
	}
	study := &models.Study{
		ID:    "SAMPLE",
		Title: "Sample Study",
		Components: models.StudyComponents{Blocks: []models.Block{
			{BlockID: "A", Title: "Condition A"},
			{BlockID: "B", Title: "Condition B"},
			{BlockID: "C", Title: "Pilot", Skip: true},
		}},
		ConsentIDs: []string{consent.ID},
	}
	if err := rt.store.AddStudy(study); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ok": true, "study_id": study.ID, "consent_id": consent.ID})
}

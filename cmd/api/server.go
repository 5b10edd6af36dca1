package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"caseflow/auth"
	"caseflow/casefile"
	"caseflow/caseref"
	"caseflow/engagement"
)

type caseEngine interface {
	Create(ctx context.Context, params casefile.CreateParams) (casefile.Case, error)
	Transition(ctx context.Context, caseID string, cmd casefile.Command, actor casefile.Actor) (casefile.Case, error)
	UpdateFields(ctx context.Context, caseID string, patch casefile.FieldPatch, actor casefile.Actor) (casefile.Case, error)
	AddNote(ctx context.Context, caseID, content string, visibility casefile.Visibility, actor casefile.Actor) (casefile.Case, error)
	Delete(ctx context.Context, caseID string, actor casefile.Actor) error
	Get(ctx context.Context, caseID string, actor casefile.Actor) (casefile.Case, error)
	List(ctx context.Context, filters casefile.Filters, actor casefile.Actor) ([]casefile.Case, int, error)
}

type engagementService interface {
	Toggle(ctx context.Context, caseID string, action engagement.Action, identifier string) (engagement.Totals, error)
	RecordView(ctx context.Context, caseID, identifier string) (int, error)
}

type authService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
}

// Server maps the engine's command surface onto HTTP/JSON.
type Server struct {
	engine        caseEngine
	engagement    engagementService
	auth          authService
	sentimentSalt string
	trustProxy    bool
	log           zerolog.Logger
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/cases", s.withActor(s.handleCreateCase, false))
	mux.HandleFunc("GET /api/cases", s.withActor(s.handleListCases, true))
	mux.HandleFunc("GET /api/cases/{id}", s.withActor(s.handleGetCase, false))
	mux.HandleFunc("PATCH /api/cases/{id}", s.withActor(s.handleUpdateCase, true))
	mux.HandleFunc("POST /api/cases/{id}/commands", s.withActor(s.handleCommand, true))
	mux.HandleFunc("POST /api/cases/{id}/notes", s.withActor(s.handleAddNote, true))
	mux.HandleFunc("DELETE /api/cases/{id}", s.withActor(s.handleDeleteCase, true))
	mux.HandleFunc("POST /api/cases/{id}/sentiment", s.withActor(s.handleSentiment, false))
	mux.HandleFunc("POST /api/cases/{id}/views", s.withActor(s.handleView, false))
	return mux
}

type actorHandler func(w http.ResponseWriter, r *http.Request, actor casefile.Actor)

// withActor resolves the bearer token into an actor. When required is false
// the handler also serves anonymous callers.
func (s *Server) withActor(next actorHandler, required bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var actor casefile.Actor
		header := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			userID, role, err := s.auth.VerifyToken(token)
			if err != nil {
				writeJSONError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			actor = casefile.Actor{ID: userID, Role: role}
		} else if required {
			writeJSONError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next(w, r, actor)
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.auth.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			writeJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":        user.ID,
		"email":     user.Email,
		"full_name": user.FullName,
		"role":      user.Role,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "login failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": result.Token,
		"user": map[string]any{
			"id":        result.User.ID,
			"email":     result.User.Email,
			"full_name": result.User.FullName,
			"role":      result.User.Role,
		},
	})
}

type createCaseRequest struct {
	Kind        string `json:"kind"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Goal        string `json:"goal"`
	IsPublic    bool   `json:"is_public"`
	AsDraft     bool   `json:"as_draft"`
	Anonymous   bool   `json:"anonymous"`
}

func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	var req createCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	params := casefile.CreateParams{
		Kind:        casefile.Kind(req.Kind),
		OwnerID:     actor.ID,
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Goal:        req.Goal,
		IsPublic:    req.IsPublic,
		AsDraft:     req.AsDraft,
	}
	if req.Anonymous {
		params.OwnerID = ""
	}

	c, err := s.engine.Create(r.Context(), params)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, caseResponseFrom(c))
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	c, err := s.engine.Get(r.Context(), r.PathValue("id"), actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	filters := casefile.Filters{
		Status:   casefile.Status(q.Get("status")),
		Page:     page,
		PageSize: pageSize,
	}
	list, total, err := s.engine.List(r.Context(), filters, actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	items := make([]caseResponse, 0, len(list))
	for _, c := range list {
		items = append(items, caseResponseFrom(c))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": total})
}

type updateCaseRequest struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	Category    *string `json:"category"`
	Goal        *string `json:"goal"`
	IsPublic    *bool   `json:"is_public"`
}

func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	var req updateCaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	patch := casefile.FieldPatch{
		Title:       req.Title,
		Description: req.Description,
		Category:    req.Category,
		Goal:        req.Goal,
		IsPublic:    req.IsPublic,
	}
	c, err := s.engine.UpdateFields(r.Context(), r.PathValue("id"), patch, actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

type commandRequest struct {
	Command      string  `json:"command"`
	Note         string  `json:"note"`
	Date         string  `json:"date"`
	Time         string  `json:"time"`
	Location     string  `json:"location"`
	Response     string  `json:"response"`
	ProposedDate string  `json:"proposed_date"`
	ProposedTime string  `json:"proposed_time"`
	Reason       string  `json:"reason"`
	Message      string  `json:"message"`
	Resolution   string  `json:"resolution"`
	Title        *string `json:"title"`
	Description  *string `json:"description"`
	Category     *string `json:"category"`
	Goal         *string `json:"goal"`
}

func buildCommand(req commandRequest) (casefile.Command, error) {
	switch req.Command {
	case "submit":
		return casefile.Submit{}, nil
	case "approve":
		return casefile.Approve{}, nil
	case "reject":
		return casefile.Reject{Note: req.Note}, nil
	case "resubmit":
		return casefile.Resubmit{Patch: casefile.FieldPatch{
			Title:       req.Title,
			Description: req.Description,
			Category:    req.Category,
			Goal:        req.Goal,
		}}, nil
	case "invite":
		return casefile.Invite{Date: req.Date, Time: req.Time, Location: req.Location}, nil
	case "revert":
		return casefile.Revert{}, nil
	case "respond_to_invitation":
		return casefile.RespondToInvitation{
			Response:     casefile.ResponseStatus(req.Response),
			ProposedDate: req.ProposedDate,
			ProposedTime: req.ProposedTime,
			Reason:       req.Reason,
		}, nil
	case "respond_to_proposal":
		return casefile.RespondToProposal{
			Response: casefile.ResponseStatus(req.Response),
			Message:  req.Message,
		}, nil
	case "activate":
		return casefile.Activate{}, nil
	case "close":
		return casefile.Close{Resolution: casefile.Resolution(req.Resolution)}, nil
	default:
		return nil, errors.New("unknown command")
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	cmd, err := buildCommand(req)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	c, err := s.engine.Transition(r.Context(), r.PathValue("id"), cmd, actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

type noteRequest struct {
	Content    string `json:"content"`
	Visibility string `json:"visibility"`
}

func (s *Server) handleAddNote(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := s.engine.AddNote(r.Context(), r.PathValue("id"), req.Content, casefile.Visibility(req.Visibility), actor)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, caseResponseFrom(c))
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	if err := s.engine.Delete(r.Context(), r.PathValue("id"), actor); err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
}

type sentimentRequest struct {
	Action string `json:"action"`
}

func (s *Server) handleSentiment(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	var req sentimentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identifier := engagement.Identity(actor.ID, s.remoteHost(r), s.sentimentSalt)
	totals, err := s.engagement.Toggle(r.Context(), r.PathValue("id"), engagement.Action(req.Action), identifier)
	if err != nil {
		s.writeEngagementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"likes": totals.Likes, "dislikes": totals.Dislikes})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, actor casefile.Actor) {
	identifier := engagement.Identity(actor.ID, s.remoteHost(r), s.sentimentSalt)
	views, err := s.engagement.RecordView(r.Context(), r.PathValue("id"), identifier)
	if err != nil {
		s.writeEngagementError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"views": views})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, casefile.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, casefile.ErrForbidden):
		writeJSONError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, casefile.ErrConflictingState):
		writeJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, casefile.ErrValidation):
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, casefile.ErrStoreUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	case errors.Is(err, caseref.ErrReferenceCollision):
		writeJSONError(w, http.StatusServiceUnavailable, "could not allocate a case reference")
	default:
		s.log.Error().Err(err).Msg("case command failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeEngagementError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engagement.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "case not found")
	case errors.Is(err, engagement.ErrNotPublic):
		writeJSONError(w, http.StatusForbidden, "case is not public")
	case errors.Is(err, engagement.ErrInvalidAction):
		writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engagement.ErrStoreUnavailable):
		writeJSONError(w, http.StatusServiceUnavailable, "storage unavailable, retry later")
	default:
		s.log.Error().Err(err).Msg("engagement action failed")
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

type invitationResponse struct {
	Date         string `json:"date"`
	Time         string `json:"time"`
	Location     string `json:"location"`
	UserResponse *struct {
		Status       string `json:"status"`
		ProposedDate string `json:"proposed_date,omitempty"`
		ProposedTime string `json:"proposed_time,omitempty"`
		Reason       string `json:"reason,omitempty"`
	} `json:"user_response,omitempty"`
}

type historyEntryResponse struct {
	Status    string  `json:"status"`
	Note      *string `json:"note,omitempty"`
	CreatedAt string  `json:"created_at"`
}

type noteResponse struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	AuthorID   string `json:"author_id,omitempty"`
	Visibility string `json:"visibility"`
	CreatedAt  string `json:"created_at"`
}

type caseResponse struct {
	ID          string                 `json:"id"`
	Ref         string                 `json:"case_ref"`
	Kind        string                 `json:"kind"`
	OwnerID     *string                `json:"owner_id,omitempty"`
	Status      string                 `json:"status"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Category    string                 `json:"category,omitempty"`
	Goal        string                 `json:"goal,omitempty"`
	IsPublic    bool                   `json:"is_public"`
	Resolution  *string                `json:"resolution,omitempty"`
	Invitation  *invitationResponse    `json:"invitation,omitempty"`
	History     []historyEntryResponse `json:"status_history"`
	Notes       []noteResponse         `json:"notes"`
	CreatedAt   string                 `json:"created_at"`
	UpdatedAt   string                 `json:"updated_at"`
}

func caseResponseFrom(c casefile.Case) caseResponse {
	resp := caseResponse{
		ID:          c.ID,
		Ref:         c.Ref,
		Kind:        string(c.Kind),
		OwnerID:     c.OwnerID,
		Status:      string(c.Status),
		Title:       c.Title,
		Description: c.Description,
		Category:    c.Category,
		Goal:        c.Goal,
		IsPublic:    c.IsPublic,
		History:     []historyEntryResponse{},
		Notes:       []noteResponse{},
		CreatedAt:   c.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   c.UpdatedAt.Format(time.RFC3339),
	}
	if c.Resolution != nil {
		r := string(*c.Resolution)
		resp.Resolution = &r
	}
	if c.Invitation != nil {
		inv := &invitationResponse{
			Date:     c.Invitation.Date,
			Time:     c.Invitation.Time,
			Location: c.Invitation.Location,
		}
		if ur := c.Invitation.UserResponse; ur != nil {
			inv.UserResponse = &struct {
				Status       string `json:"status"`
				ProposedDate string `json:"proposed_date,omitempty"`
				ProposedTime string `json:"proposed_time,omitempty"`
				Reason       string `json:"reason,omitempty"`
			}{
				Status:       string(ur.Status),
				ProposedDate: ur.ProposedDate,
				ProposedTime: ur.ProposedTime,
				Reason:       ur.Reason,
			}
		}
		resp.Invitation = inv
	}
	for _, e := range c.History {
		resp.History = append(resp.History, historyEntryResponse{
			Status:    string(e.Status),
			Note:      e.Note,
			CreatedAt: e.CreatedAt.Format(time.RFC3339),
		})
	}
	for _, n := range c.Notes {
		resp.Notes = append(resp.Notes, noteResponse{
			ID:         n.ID,
			Content:    n.Content,
			AuthorID:   n.AuthorID,
			Visibility: string(n.Visibility),
			CreatedAt:  n.CreatedAt.Format(time.RFC3339),
		})
	}
	return resp
}

// remoteHost resolves the caller's address for anonymous identity hashing.
// X-Forwarded-For is attacker-controlled unless a trusted proxy sets it, so
// it is only honored when the server is configured to run behind one.
func (s *Server) remoteHost(r *http.Request) string {
	if s.trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if first, _, ok := strings.Cut(fwd, ","); ok {
				return strings.TrimSpace(first)
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"caseflow/auth"
	"caseflow/casefile"
	"caseflow/engagement"
)

type stubEngine struct {
	created    casefile.Case
	createErr  error
	transition casefile.Case
	transErr   error
	updated    casefile.Case
	updateErr  error
	noted      casefile.Case
	noteErr    error
	deleteErr  error
	got        casefile.Case
	getErr     error
	list       []casefile.Case
	listTotal  int
	listErr    error

	lastCommand casefile.Command
	lastActor   casefile.Actor
}

func (s *stubEngine) Create(_ context.Context, _ casefile.CreateParams) (casefile.Case, error) {
	return s.created, s.createErr
}

func (s *stubEngine) Transition(_ context.Context, _ string, cmd casefile.Command, actor casefile.Actor) (casefile.Case, error) {
	s.lastCommand = cmd
	s.lastActor = actor
	return s.transition, s.transErr
}

func (s *stubEngine) UpdateFields(_ context.Context, _ string, _ casefile.FieldPatch, _ casefile.Actor) (casefile.Case, error) {
	return s.updated, s.updateErr
}

func (s *stubEngine) AddNote(_ context.Context, _, _ string, _ casefile.Visibility, _ casefile.Actor) (casefile.Case, error) {
	return s.noted, s.noteErr
}

func (s *stubEngine) Delete(_ context.Context, _ string, _ casefile.Actor) error {
	return s.deleteErr
}

func (s *stubEngine) Get(_ context.Context, _ string, _ casefile.Actor) (casefile.Case, error) {
	return s.got, s.getErr
}

func (s *stubEngine) List(_ context.Context, _ casefile.Filters, _ casefile.Actor) ([]casefile.Case, int, error) {
	return s.list, s.listTotal, s.listErr
}

type stubEngagement struct {
	totals    engagement.Totals
	toggleErr error
	views     int
	viewErr   error

	lastIdentifier string
}

func (s *stubEngagement) Toggle(_ context.Context, _ string, _ engagement.Action, identifier string) (engagement.Totals, error) {
	s.lastIdentifier = identifier
	return s.totals, s.toggleErr
}

func (s *stubEngagement) RecordView(_ context.Context, _, identifier string) (int, error) {
	s.lastIdentifier = identifier
	return s.views, s.viewErr
}

type stubAuth struct {
	user      *auth.User
	regErr    error
	login     auth.LoginResult
	loginErr  error
	verifyID  string
	verifyRol auth.Role
	verifyErr error
}

func (s *stubAuth) Register(_ context.Context, _ auth.RegisterRequest) (*auth.User, error) {
	return s.user, s.regErr
}

func (s *stubAuth) Login(_ context.Context, _ auth.LoginRequest) (auth.LoginResult, error) {
	return s.login, s.loginErr
}

func (s *stubAuth) VerifyToken(_ string) (string, auth.Role, error) {
	return s.verifyID, s.verifyRol, s.verifyErr
}

func sampleCase(now time.Time) casefile.Case {
	owner := "u1"
	return casefile.Case{
		ID:          "c1",
		Ref:         "C-2026-0001",
		Kind:        casefile.KindDispute,
		OwnerID:     &owner,
		Status:      casefile.StatusPendingReview,
		Title:       "Broken fence",
		Description: "The boundary fence collapsed",
		Category:    "property",
		IsPublic:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func newTestServer(engine caseEngine, eng engagementService, a authService) *Server {
	if a == nil {
		a = &stubAuth{verifyID: "u1", verifyRol: auth.RoleCitizen}
	}
	return &Server{engine: engine, engagement: eng, auth: a, log: zerolog.Nop()}
}

func doRequest(t *testing.T, server *Server, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleGetCase_Success(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	engine := &stubEngine{got: sampleCase(now)}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodGet, "/api/cases/c1", "", "t")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp caseResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "c1" || resp.Ref != "C-2026-0001" || resp.Status != "pending_review" {
		t.Fatalf("unexpected payload: %+v", resp)
	}
	if resp.CreatedAt != now.Format(time.RFC3339) {
		t.Fatalf("expected createdAt %s, got %s", now.Format(time.RFC3339), resp.CreatedAt)
	}
}

func TestHandleGetCase_NotFound(t *testing.T) {
	engine := &stubEngine{getErr: casefile.ErrNotFound}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodGet, "/api/cases/missing", "", "t")

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleCreateCase_ValidationError(t *testing.T) {
	engine := &stubEngine{createErr: casefile.ErrValidation}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases", `{"kind":"dispute"}`, "t")

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", rec.Code)
	}
}

func TestHandleCreateCase_AnonymousAllowed(t *testing.T) {
	now := time.Now().UTC()
	c := sampleCase(now)
	c.OwnerID = nil
	c.Kind = casefile.KindAidInitiative
	engine := &stubEngine{created: c}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases",
		`{"kind":"aid_initiative","title":"Food drive","description":"weekly","goal":"feed 50"}`, "")

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleCommand_MapsPayload(t *testing.T) {
	now := time.Now().UTC()
	engine := &stubEngine{transition: sampleCase(now)}
	server := newTestServer(engine, nil, &stubAuth{verifyID: "staff-1", verifyRol: auth.RoleStaff})

	body := `{"command":"invite","date":"2026-04-01","time":"10:30","location":"Town hall"}`
	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", body, "t")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	invite, ok := engine.lastCommand.(casefile.Invite)
	if !ok {
		t.Fatalf("expected Invite command, got %T", engine.lastCommand)
	}
	if invite.Date != "2026-04-01" || invite.Time != "10:30" || invite.Location != "Town hall" {
		t.Fatalf("unexpected command payload: %+v", invite)
	}
	if engine.lastActor.ID != "staff-1" || engine.lastActor.Role != auth.RoleStaff {
		t.Fatalf("unexpected actor: %+v", engine.lastActor)
	}
}

func TestHandleCommand_UnknownCommand(t *testing.T) {
	server := newTestServer(&stubEngine{}, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", `{"command":"teleport"}`, "t")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleCommand_ConflictingState(t *testing.T) {
	engine := &stubEngine{transErr: casefile.ErrConflictingState}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", `{"command":"approve"}`, "t")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleCommand_StoreUnavailable(t *testing.T) {
	engine := &stubEngine{transErr: casefile.ErrStoreUnavailable}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", `{"command":"submit"}`, "t")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestHandleCommand_Unauthenticated(t *testing.T) {
	server := newTestServer(&stubEngine{}, nil, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", `{"command":"approve"}`, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleCommand_InvalidToken(t *testing.T) {
	server := newTestServer(&stubEngine{}, nil, &stubAuth{verifyErr: errors.New("expired")})

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/commands", `{"command":"approve"}`, "bad")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestHandleListCases_Success(t *testing.T) {
	now := time.Now().UTC()
	engine := &stubEngine{list: []casefile.Case{sampleCase(now)}, listTotal: 1}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodGet, "/api/cases?status=pending_review&page=1", "", "t")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Items []caseResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode list response: %v", err)
	}
	if len(payload.Items) != 1 || payload.Total != 1 || payload.Items[0].ID != "c1" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHandleDeleteCase_Forbidden(t *testing.T) {
	engine := &stubEngine{deleteErr: casefile.ErrForbidden}
	server := newTestServer(engine, nil, nil)

	rec := doRequest(t, server, http.MethodDelete, "/api/cases/c1", "", "t")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleSentiment_Success(t *testing.T) {
	server := newTestServer(&stubEngine{}, &stubEngagement{totals: engagement.Totals{Likes: 3, Dislikes: 1}}, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/sentiment", `{"action":"like"}`, "t")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var payload struct {
		Likes    int `json:"likes"`
		Dislikes int `json:"dislikes"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Likes != 3 || payload.Dislikes != 1 {
		t.Fatalf("unexpected totals: %+v", payload)
	}
}

func TestHandleSentiment_NotPublic(t *testing.T) {
	server := newTestServer(&stubEngine{}, &stubEngagement{toggleErr: engagement.ErrNotPublic}, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/sentiment", `{"action":"like"}`, "t")

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestHandleSentiment_StoreUnavailable(t *testing.T) {
	server := newTestServer(&stubEngine{}, &stubEngagement{toggleErr: engagement.ErrStoreUnavailable}, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/sentiment", `{"action":"like"}`, "t")

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
}

func sentimentRequestWithForwarded(t *testing.T, server *Server, forwarded string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/cases/c1/sentiment", strings.NewReader(`{"action":"like"}`))
	if forwarded != "" {
		req.Header.Set("X-Forwarded-For", forwarded)
	}
	rec := httptest.NewRecorder()
	server.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleSentiment_ForwardedHeaderIgnoredByDefault(t *testing.T) {
	eng := &stubEngagement{}
	server := newTestServer(&stubEngine{}, eng, nil)
	server.sentimentSalt = "s"

	sentimentRequestWithForwarded(t, server, "203.0.113.10")
	first := eng.lastIdentifier
	sentimentRequestWithForwarded(t, server, "203.0.113.99")
	second := eng.lastIdentifier

	if first == "" || first != second {
		t.Fatalf("spoofed header changed anonymous identity: %q vs %q", first, second)
	}
}

func TestHandleSentiment_ForwardedHeaderHonoredBehindProxy(t *testing.T) {
	eng := &stubEngagement{}
	server := newTestServer(&stubEngine{}, eng, nil)
	server.sentimentSalt = "s"
	server.trustProxy = true

	sentimentRequestWithForwarded(t, server, "203.0.113.10")
	first := eng.lastIdentifier
	sentimentRequestWithForwarded(t, server, "203.0.113.99")
	second := eng.lastIdentifier

	if first == second {
		t.Fatalf("forwarded addresses mapped to the same identity: %q", first)
	}
	sentimentRequestWithForwarded(t, server, "")
	if eng.lastIdentifier == first {
		t.Fatal("missing header should fall back to the socket address")
	}
}

func TestHandleView_Anonymous(t *testing.T) {
	server := newTestServer(&stubEngine{}, &stubEngagement{views: 7}, nil)

	rec := doRequest(t, server, http.MethodPost, "/api/cases/c1/views", "", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Views int `json:"views"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Views != 7 {
		t.Fatalf("expected 7 views, got %d", payload.Views)
	}
}

func TestHandleRegister_DuplicateEmail(t *testing.T) {
	server := newTestServer(&stubEngine{}, nil, &stubAuth{regErr: auth.ErrDuplicateEmail})

	body := `{"email":"a@b.c","password":"secret123","full_name":"Ada"}`
	rec := doRequest(t, server, http.MethodPost, "/api/auth/register", body, "")

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	server := newTestServer(&stubEngine{}, nil, &stubAuth{loginErr: auth.ErrInvalidCredentials})

	body := `{"email":"a@b.c","password":"wrong"}`
	rec := doRequest(t, server, http.MethodPost, "/api/auth/login", body, "")

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

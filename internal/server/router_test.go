package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/papermerge/papermerge-core-sub000/internal/apperr"
	"github.com/papermerge/papermerge-core-sub000/internal/artifacts"
	"github.com/papermerge/papermerge-core-sub000/internal/auth"
	"github.com/papermerge/papermerge-core-sub000/internal/customfields"
	"github.com/papermerge/papermerge-core-sub000/internal/documents"
	"github.com/papermerge/papermerge-core-sub000/internal/ownership"
	"github.com/papermerge/papermerge-core-sub000/internal/pageops"
	"github.com/papermerge/papermerge-core-sub000/internal/pdfops"
	"github.com/papermerge/papermerge-core-sub000/internal/tasks"
	"github.com/papermerge/papermerge-core-sub000/internal/testutil"
	"github.com/papermerge/papermerge-core-sub000/internal/users"
	"github.com/papermerge/papermerge-core-sub000/internal/versions"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

const testSigningSecret = "router-test-secret"

type routerFixture struct {
	handler http.Handler
	db      *gorm.DB
	users   *users.Service
	fields  *customfields.Service
	issuer  *auth.TokenIssuer
}

func newRouterFixture(t *testing.T) routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	models := append(documents.Models(), ownership.Models()...)
	models = append(models, users.Models()...)
	models = append(models, customfields.Models()...)
	db := testutil.OpenSQLite(t, models...)
	store, err := artifacts.NewFileStore(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	resolver := ownership.NewResolver(db, nil)
	docs, err := documents.NewService(documents.ServiceConfig{Database: db, Ownership: resolver, Store: store})
	if err != nil {
		t.Fatalf("documents: %v", err)
	}
	processor := pdfops.New(2, nil)
	recorder := &tasks.Recorder{}
	engine, err := versions.NewEngine(versions.EngineConfig{
		Database:   db,
		Documents:  docs,
		Store:      store,
		PDF:        processor,
		Dispatcher: recorder,
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	pages, err := pageops.NewService(pageops.ServiceConfig{
		Database:   db,
		Documents:  docs,
		Versions:   engine,
		Store:      store,
		PDF:        processor,
		Dispatcher: recorder,
	})
	if err != nil {
		t.Fatalf("pageops: %v", err)
	}
	fields, err := customfields.NewService(customfields.ServiceConfig{Database: db, Ownership: resolver, Documents: docs})
	if err != nil {
		t.Fatalf("customfields: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db, Ledger: resolver})
	if err != nil {
		t.Fatalf("users: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    "access_token",
	})
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte(testSigningSecret)})
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		Sessions:     validator,
		Identities:   stubIdentities{},
		Tokens:       issuer,
		Users:        userService,
		Documents:    docs,
		Versions:     engine,
		Pages:        pages,
		CustomFields: fields,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return routerFixture{handler: handler, db: db, users: userService, fields: fields, issuer: issuer}
}

// mustLogin creates a local user and returns it with a bearer token.
func mustLogin(t *testing.T, f routerFixture, username string) (users.User, string) {
	t.Helper()
	user, err := f.users.CreateUser(context.Background(), username, username+"@example.com")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	token, _, err := f.issuer.IssueSessionToken(auth.Identity{Provider: "local", Subject: username, Username: username})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return user, token
}

func doJSON(t *testing.T, f routerFixture, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func mustUploadPDF(t *testing.T, f routerFixture, token string, labels ...string) uploadResponsePayload {
	t.Helper()
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	header := textproto.MIMEHeader{}
	header.Set("Content-Disposition", `form-data; name="file"; filename="scan.pdf"`)
	header.Set("Content-Type", "application/pdf")
	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(testutil.LabelledPDF(labels...)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.WriteField("title", "scan.pdf"); err != nil {
		t.Fatalf("write title: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/api/documents", &body)
	request.Header.Set("Content-Type", writer.FormDataContentType())
	request.Header.Set("Authorization", "Bearer "+token)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", recorder.Code, recorder.Body.String())
	}
	var payload uploadResponsePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode upload: %v", err)
	}
	return payload
}

func decodeEnvelope(t *testing.T, recorder *httptest.ResponseRecorder) apperr.Envelope {
	t.Helper()
	var envelope apperr.Envelope
	if err := json.Unmarshal(recorder.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode envelope %q: %v", recorder.Body.String(), err)
	}
	return envelope
}

func mustPageIDs(t *testing.T, f routerFixture, versionID string) []string {
	t.Helper()
	pages, err := documents.VersionPages(f.db, versionID)
	if err != nil {
		t.Fatalf("pages: %v", err)
	}
	out := make([]string, 0, len(pages))
	for _, page := range pages {
		out = append(out, page.ID)
	}
	return out
}

func TestUploadThenDeletePageCreatesVersion(t *testing.T) {
	f := newRouterFixture(t)
	_, token := mustLogin(t, f, "alice")
	uploaded := mustUploadPDF(t, f, token, "cat", "dog", "fish")
	if uploaded.Status != string(documents.StatusReady) {
		t.Fatalf("expected ready document, got %q", uploaded.Status)
	}

	pageIDs := mustPageIDs(t, f, uploaded.VersionID)
	recorder := doJSON(t, f, http.MethodPost, "/api/pages/delete", token, gin.H{"page_ids": []string{pageIDs[1]}})
	if recorder.Code != http.StatusOK {
		t.Fatalf("delete status %d: %s", recorder.Code, recorder.Body.String())
	}
	var created versionPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if created.Number != 2 || created.PageCount != 2 || created.CreationReason != string(documents.ReasonPageEdit) {
		t.Fatalf("unexpected version %+v", created)
	}

	recorder = doJSON(t, f, http.MethodGet, "/api/documents/"+uploaded.DocumentID+"/versions", token, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("list status %d: %s", recorder.Code, recorder.Body.String())
	}
	var listed struct {
		Versions []versionPayload `json:"versions"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listed.Versions) != 2 || listed.Versions[0].PageCount != 3 || listed.Versions[1].Number != 2 {
		t.Fatalf("expected the original and the edited version, got %+v", listed.Versions)
	}
}

func TestRequestsWithoutSessionAreRejected(t *testing.T) {
	f := newRouterFixture(t)
	recorder := doJSON(t, f, http.MethodGet, "/api/documents/whatever/versions", "", nil)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	recorder = doJSON(t, f, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("health check should be public, got %d", recorder.Code)
	}
}

func TestForeignDocumentsLookMissing(t *testing.T) {
	f := newRouterFixture(t)
	_, aliceToken := mustLogin(t, f, "alice")
	_, bobToken := mustLogin(t, f, "bob")
	uploaded := mustUploadPDF(t, f, aliceToken, "a")

	recorder := doJSON(t, f, http.MethodGet, "/api/documents/"+uploaded.DocumentID+"/versions", bobToken, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign document, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if envelope := decodeEnvelope(t, recorder); envelope.Kind != apperr.KindNotFound {
		t.Fatalf("expected NotFound envelope, got %+v", envelope)
	}
}

func TestRequestValidationNamesField(t *testing.T) {
	f := newRouterFixture(t)
	_, token := mustLogin(t, f, "alice")
	uploaded := mustUploadPDF(t, f, token, "a", "b")

	recorder := doJSON(t, f, http.MethodPost, "/api/documents/"+uploaded.DocumentID+"/versions", token, gin.H{"page_count": 0})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	if envelope := decodeEnvelope(t, recorder); envelope.Kind != apperr.KindValidation || envelope.Field != "page_count" {
		t.Fatalf("unexpected envelope %+v", envelope)
	}

	pageIDs := mustPageIDs(t, f, uploaded.VersionID)
	recorder = doJSON(t, f, http.MethodPost, "/api/pages/move", token, gin.H{
		"source_page_ids": pageIDs[:1],
		"target_page_id":  pageIDs[1],
		"move_strategy":   "shuffle",
	})
	if envelope := decodeEnvelope(t, recorder); envelope.Field != "move_strategy" {
		t.Fatalf("expected move_strategy field, got %+v", envelope)
	}

	recorder = doJSON(t, f, http.MethodPost, "/api/pages/ops", token, gin.H{
		"items": []gin.H{{"page_id": pageIDs[0], "angle": 45}},
	})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad angle, got %d", recorder.Code)
	}
}

func TestBumpVersionEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	_, token := mustLogin(t, f, "alice")
	uploaded := mustUploadPDF(t, f, token, "a", "b", "c")

	recorder := doJSON(t, f, http.MethodPost, "/api/documents/"+uploaded.DocumentID+"/versions", token, gin.H{"page_count": 2})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("bump status %d: %s", recorder.Code, recorder.Body.String())
	}
	var created versionPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Number != 2 || created.PageCount != 2 {
		t.Fatalf("unexpected bumped version %+v", created)
	}
}

func TestCustomFieldValueEndpoints(t *testing.T) {
	f := newRouterFixture(t)
	alice, token := mustLogin(t, f, "alice")
	uploaded := mustUploadPDF(t, f, token, "a")
	field, err := f.fields.CreateField(context.Background(), ownership.User(alice.ID), "Tags", customfields.TypeMultiSelect, customfields.Config{
		Options: []customfields.Option{{Value: "a", Label: "Alpha"}, {Value: "b", Label: "Beta"}},
	})
	if err != nil {
		t.Fatalf("create field: %v", err)
	}
	path := fmt.Sprintf("/api/documents/%s/custom-fields/%s", uploaded.DocumentID, field.ID)

	recorder := doJSON(t, f, http.MethodGet, path, token, nil)
	if recorder.Code != http.StatusOK || !strings.Contains(recorder.Body.String(), `"value":null`) {
		t.Fatalf("expected empty value, got %d %s", recorder.Code, recorder.Body.String())
	}

	recorder = doJSON(t, f, http.MethodPut, path, token, gin.H{"value": []string{"b", "a"}})
	if recorder.Code != http.StatusOK {
		t.Fatalf("set status %d: %s", recorder.Code, recorder.Body.String())
	}
	var stored customFieldValuePayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(stored.Value) != `["a","b"]` {
		t.Fatalf("expected sorted options, got %s", stored.Value)
	}

	recorder = doJSON(t, f, http.MethodPut, path, token, gin.H{"value": []string{"a", "z"}})
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown option, got %d", recorder.Code)
	}
	envelope := decodeEnvelope(t, recorder)
	if envelope.Kind != apperr.KindValidation || envelope.Field != field.ID || !strings.Contains(envelope.Detail, "z") {
		t.Fatalf("unexpected envelope %+v", envelope)
	}
}

func TestCORSPreflightAllowsCredentials(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/api/pages/move", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/api/pages/move", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if !strings.Contains(strings.ToLower(recorder.Header().Get("Access-Control-Allow-Headers")), "authorization") {
		t.Fatalf("expected Authorization to be allowed, got %q", recorder.Header().Get("Access-Control-Allow-Headers"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

// stubIdentities accepts "good:<subject>" as an ID token.
type stubIdentities struct{}

func (stubIdentities) Verify(_ context.Context, rawToken string) (auth.Identity, error) {
	subject, ok := strings.CutPrefix(rawToken, "good:")
	if !ok {
		return auth.Identity{}, errors.New("bad id token")
	}
	return auth.Identity{Provider: "example", Subject: subject, Username: subject, Email: subject + "@example.com"}, nil
}

func TestSessionExchangeCreatesUserAndToken(t *testing.T) {
	f := newRouterFixture(t)

	recorder := doJSON(t, f, http.MethodPost, "/auth/session", "", gin.H{"id_token": "good:carol"})
	if recorder.Code != http.StatusCreated {
		t.Fatalf("session status %d: %s", recorder.Code, recorder.Body.String())
	}
	var session struct {
		Token    string `json:"token"`
		UserID   string `json:"user_id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if session.Token == "" || session.Username != "carol" {
		t.Fatalf("unexpected session %+v", session)
	}
	if !strings.Contains(recorder.Header().Get("Set-Cookie"), "access_token=") {
		t.Fatalf("expected session cookie, got %q", recorder.Header().Get("Set-Cookie"))
	}

	uploaded := mustUploadPDF(t, f, session.Token, "a")
	if uploaded.DocumentID == "" {
		t.Fatalf("expected the new session to upload")
	}

	recorder = doJSON(t, f, http.MethodPost, "/auth/session", "", gin.H{"id_token": "forged"})
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a rejected id token, got %d", recorder.Code)
	}
	recorder = doJSON(t, f, http.MethodPost, "/auth/session", "", gin.H{})
	if envelope := decodeEnvelope(t, recorder); envelope.Field != "id_token" {
		t.Fatalf("expected id_token validation error, got %+v", envelope)
	}
}

type stubSessions struct {
	err error
}

func (s stubSessions) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, s.err
}

func TestAuthorizeRequestLogLevels(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{name: "expired", err: auth.ErrExpiredSessionToken, level: zapcore.InfoLevel},
		{name: "tampered", err: errors.New("signature mismatch"), level: zapcore.WarnLevel},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/api/documents/d/versions", http.NoBody)

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{sessions: stubSessions{err: tc.err}, logger: zap.New(core)}
			handler.authorizeRequest(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
			}
			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != tc.level {
				t.Fatalf("expected one %s entry, got %+v", tc.level, entries)
			}
		})
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingSessionValidator) {
		t.Fatalf("expected missing validator error, got %v", err)
	}
}

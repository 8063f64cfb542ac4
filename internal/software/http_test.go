package software

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/abduss/pkgvault/internal/auth"
	"github.com/abduss/pkgvault/internal/blobstore"
	"github.com/abduss/pkgvault/internal/config"
)

// testUserStore backs the auth service for handler tests.
type testUserStore struct {
	users map[uuid.UUID]auth.User
	admin bool
}

func (s *testUserStore) CreateUser(_ context.Context, username, email, passwordHash string, fullName *string) (auth.User, error) {
	user := auth.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        email,
		FullName:     fullName,
		IsAdmin:      s.admin,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *testUserStore) FindUserByLogin(_ context.Context, login string) (auth.User, error) {
	for _, u := range s.users {
		if u.Username == login || u.Email == login {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrUserNotFound
}

func (s *testUserStore) FindUserByID(_ context.Context, userID uuid.UUID) (auth.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func (s *testUserStore) StoreRefreshToken(context.Context, uuid.UUID, string, time.Time) error {
	return nil
}

func (s *testUserStore) ConsumeRefreshToken(context.Context, string) (uuid.UUID, error) {
	return uuid.Nil, auth.ErrRefreshTokenInvalid
}

func (s *testUserStore) RevokeToken(context.Context, uuid.UUID, string) error {
	return nil
}

type testAPI struct {
	router     *gin.Engine
	store      *fakeStore
	backend    *blobstore.Local
	userToken  string
	adminToken string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	backend, err := blobstore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	store := newFakeStore()
	service := NewService(store, backend, NoopScanner{}, testLimits(), zap.NewNop())

	userStore := &testUserStore{users: map[uuid.UUID]auth.User{}}
	authService := auth.NewService(userStore, config.AuthConfig{
		AccessTokenSecret:  "access-secret",
		RefreshTokenSecret: "refresh-secret",
		AccessTokenTTL:     time.Minute,
		RefreshTokenTTL:    time.Hour,
		BcryptCost:         4,
	})

	registered, err := authService.Register(context.Background(), auth.RegisterInput{
		Username: "uploader",
		Email:    "uploader@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register user: %v", err)
	}

	userStore.admin = true
	adminUser, err := authService.Register(context.Background(), auth.RegisterInput{
		Username: "operator",
		Email:    "operator@example.com",
		Password: "StrongPass1!",
	})
	if err != nil {
		t.Fatalf("register admin: %v", err)
	}
	userStore.admin = false

	router := gin.New()
	api := router.Group("/v1")
	protected := api.Group("/")
	protected.Use(auth.AuthMiddleware(authService))
	RegisterRoutes(protected, service)

	adminGroup := protected.Group("/admin")
	adminGroup.Use(auth.AdminMiddleware())
	RegisterAdminRoutes(adminGroup, service)

	return &testAPI{
		router:     router,
		store:      store,
		backend:    backend,
		userToken:  registered.Tokens.AccessToken,
		adminToken: adminUser.Tokens.AccessToken,
	}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func multipartPackage(t *testing.T, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fields := map[string]string{
		"name":        "netprobe",
		"description": "lightweight network probing toolkit",
		"category":    "networking software",
		"language":    "Go",
		"version":     "v1.0.0",
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	part, err := writer.CreateFormFile("file", "netprobe.zip")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func (a *testAPI) uploadPackage(t *testing.T, payload []byte) FileVersion {
	t.Helper()
	body, contentType := multipartPackage(t, payload)
	rec := a.do(t, http.MethodPost, "/v1/software-packages", a.userToken, body,
		map[string]string{"Content-Type": contentType})
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload status %d: %s", rec.Code, rec.Body.String())
	}
	var version FileVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &version); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	return version
}

func TestOneShotUploadEndpoint(t *testing.T) {
	api := newTestAPI(t)
	payload := []byte("the whole archive in one request")

	version := api.uploadPackage(t, payload)
	if version.SizeBytes != int64(len(payload)) {
		t.Fatalf("size %d, want %d", version.SizeBytes, len(payload))
	}
	if version.Version != "v1.0.0" {
		t.Fatalf("unexpected version %s", version.Version)
	}
}

func TestUploadRequiresAuthentication(t *testing.T) {
	api := newTestAPI(t)
	body, contentType := multipartPackage(t, []byte("payload"))

	rec := api.do(t, http.MethodPost, "/v1/software-packages", "", body,
		map[string]string{"Content-Type": contentType})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestResumableUploadEndpoints(t *testing.T) {
	api := newTestAPI(t)

	initBody := `{"name":"netprobe","description":"probing toolkit","category":"networking software",
		"language":"Go","version":"v2.0.0","file_name":"netprobe.zip"}`
	rec := api.do(t, http.MethodPost, "/v1/uploads", api.userToken,
		bytes.NewBufferString(initBody), map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("init status %d: %s", rec.Code, rec.Body.String())
	}
	var init UploadInitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &init); err != nil {
		t.Fatalf("decode init: %v", err)
	}

	chunk1 := []byte("chunk one ")
	chunk2 := []byte("chunk two")

	rec = api.do(t, http.MethodPatch, "/v1/uploads/"+init.UploadID, api.userToken,
		bytes.NewReader(chunk1), map[string]string{uploadOffsetHeader: "0"})
	if rec.Code != http.StatusOK {
		t.Fatalf("first append status %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(uploadOffsetHeader); got != strconv.Itoa(len(chunk1)) {
		t.Fatalf("offset header %s, want %d", got, len(chunk1))
	}

	// Wrong offset is rejected without consuming bytes.
	rec = api.do(t, http.MethodPatch, "/v1/uploads/"+init.UploadID, api.userToken,
		bytes.NewReader(chunk2), map[string]string{uploadOffsetHeader: "0"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("mismatched append status %d, want 409", rec.Code)
	}

	rec = api.do(t, http.MethodPatch, "/v1/uploads/"+init.UploadID, api.userToken,
		bytes.NewReader(chunk2), map[string]string{uploadOffsetHeader: strconv.Itoa(len(chunk1))})
	if rec.Code != http.StatusOK {
		t.Fatalf("second append status %d: %s", rec.Code, rec.Body.String())
	}

	rec = api.do(t, http.MethodPost, "/v1/uploads/"+init.UploadID+"/complete", api.userToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete status %d: %s", rec.Code, rec.Body.String())
	}
	var version FileVersion
	if err := json.Unmarshal(rec.Body.Bytes(), &version); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if version.SizeBytes != int64(len(chunk1)+len(chunk2)) {
		t.Fatalf("size %d, want %d", version.SizeBytes, len(chunk1)+len(chunk2))
	}

	rec = api.do(t, http.MethodGet, "/v1/uploads/"+init.UploadID, api.userToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status endpoint returned %d", rec.Code)
	}
	var status uploadStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", status.Status)
	}
}

func TestAppendWithoutOffsetHeaderRejected(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPatch, "/v1/uploads/deadbeef", api.userToken,
		bytes.NewReader([]byte("data")), nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestDownloadEndpointFullAndRange(t *testing.T) {
	api := newTestAPI(t)
	payload := []byte("0123456789abcdef")
	version := api.uploadPackage(t, payload)

	path := fmt.Sprintf("/v1/software-packages/%d/versions/%d/download", version.PackageID, version.ID)

	rec := api.do(t, http.MethodGet, path, api.userToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("full download status %d", rec.Code)
	}
	if !bytes.Equal(rec.Body.Bytes(), payload) {
		t.Fatalf("full download body mismatch")
	}
	if rec.Header().Get("Accept-Ranges") != "bytes" {
		t.Fatalf("missing Accept-Ranges header")
	}

	rec = api.do(t, http.MethodGet, path, api.userToken, nil, map[string]string{"Range": "bytes=4-7"})
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("range download status %d", rec.Code)
	}
	if rec.Body.String() != "4567" {
		t.Fatalf("range body %q, want %q", rec.Body.String(), "4567")
	}
	wantContentRange := fmt.Sprintf("bytes 4-7/%d", len(payload))
	if got := rec.Header().Get("Content-Range"); got != wantContentRange {
		t.Fatalf("Content-Range %q, want %q", got, wantContentRange)
	}

	rec = api.do(t, http.MethodGet, path, api.userToken, nil, map[string]string{"Range": "bytes=999-"})
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("out-of-bounds range status %d, want 416", rec.Code)
	}

	rec = api.do(t, http.MethodGet, path, api.userToken, nil, map[string]string{"Range": "bytes=0-3,8-11"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("multi-range status %d, want 400", rec.Code)
	}
}

func TestListAndVersionEndpoints(t *testing.T) {
	api := newTestAPI(t)
	version := api.uploadPackage(t, []byte("archive"))

	rec := api.do(t, http.MethodGet, "/v1/software-packages?language=go", api.userToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status %d", rec.Code)
	}
	var listResp struct {
		Packages []Package `json:"packages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(listResp.Packages) != 1 {
		t.Fatalf("expected 1 package, got %d", len(listResp.Packages))
	}

	rec = api.do(t, http.MethodGet, fmt.Sprintf("/v1/software-packages/%d/versions", version.PackageID), api.userToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("versions status %d", rec.Code)
	}
	var versionsResp struct {
		Versions []FileVersion `json:"versions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &versionsResp); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versionsResp.Versions) != 1 {
		t.Fatalf("expected 1 version, got %d", len(versionsResp.Versions))
	}
}

func TestAdminEndpointsRequireAdmin(t *testing.T) {
	api := newTestAPI(t)
	api.uploadPackage(t, []byte("archive"))

	rec := api.do(t, http.MethodGet, "/v1/admin/summary", api.userToken, nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("non-admin summary status %d, want 403", rec.Code)
	}

	rec = api.do(t, http.MethodGet, "/v1/admin/summary", api.adminToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin summary status %d", rec.Code)
	}
	var summary AdminSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.TotalPackages != 1 {
		t.Fatalf("expected 1 package in summary, got %d", summary.TotalPackages)
	}

	rec = api.do(t, http.MethodGet, "/v1/admin/packages", api.adminToken, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin packages status %d", rec.Code)
	}
}

func TestDeletePackageEndpoint(t *testing.T) {
	api := newTestAPI(t)
	version := api.uploadPackage(t, []byte("deletable archive"))

	rec := api.do(t, http.MethodDelete, fmt.Sprintf("/v1/software-packages/%d", version.PackageID), api.userToken, nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d", rec.Code)
	}

	rec = api.do(t, http.MethodGet, fmt.Sprintf("/v1/software-packages/%d", version.PackageID), api.userToken, nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

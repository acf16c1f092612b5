package testutils

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rongwang/points-ledger/internal/api"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/service"
	"github.com/rongwang/points-ledger/internal/testutils"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-secret-key"

// TestContext holds all dependencies for tests
type TestContext struct {
	Router     *gin.Engine
	Repository *testutils.MemoryRepository
	Service    service.Service
	JWTSecret  []byte
	Now        time.Time
}

// SetupTestContext builds a router over an in-memory repository with a fixed clock.
func SetupTestContext(t *testing.T, opts ...api.HandlerOption) *TestContext {
	t.Helper()

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := testutils.NewMemoryRepository()
	svc := service.NewDefaultService(repo, zerolog.Nop(), service.WithClock(func() time.Time { return now }))

	handler := api.NewHandler(svc, zerolog.Nop(), opts...)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(api.RequestIDMiddleware())
	router.Use(api.JWTSecretMiddleware([]byte(testJWTSecret)))
	handler.SetupRoutes(router)

	return &TestContext{
		Router:     router,
		Repository: repo,
		Service:    svc,
		JWTSecret:  []byte(testJWTSecret),
		Now:        now,
	}
}

// CreateUser stores a verified user with the given role and balance.
func (tc *TestContext) CreateUser(t *testing.T, utorid string, role models.Role, balance int64) *models.User {
	t.Helper()

	user := &models.User{
		UTORid:   utorid,
		Name:     "User " + utorid,
		Role:     role,
		Verified: true,
		Balance:  balance,
	}
	require.NoError(t, tc.Repository.CreateUser(context.Background(), user))
	return user
}

// Token signs a token for userID.
func (tc *TestContext) Token(t *testing.T, userID int64) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"exp": time.Now().Add(24 * time.Hour).Unix(),
		"iat": time.Now().Unix(),
	})

	tokenString, err := token.SignedString(tc.JWTSecret)
	require.NoError(t, err, "Failed to generate JWT token")
	return tokenString
}

// As returns auth headers for userID.
func (tc *TestContext) As(t *testing.T, userID int64) map[string]string {
	return AuthHeaders(tc.Token(t, userID))
}

// Balance reads the stored balance of userID.
func (tc *TestContext) Balance(t *testing.T, userID int64) int64 {
	t.Helper()

	user, err := tc.Repository.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, user)
	return user.Balance
}

// PerformRequest executes an HTTP request against the router
func PerformRequest(r http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	var reqBody *bytes.Buffer

	if body != nil {
		jsonBody, _ := json.Marshal(body)
		reqBody = bytes.NewBuffer(jsonBody)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, _ := http.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")

	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// AuthHeaders returns headers with Authorization token
func AuthHeaders(token string) map[string]string {
	return map[string]string{
		"Authorization": fmt.Sprintf("Bearer %s", token),
	}
}

// DecodeError parses an error body.
func DecodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

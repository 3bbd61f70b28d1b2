package middleware_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"judgeflow/internal/common/auth"
	"judgeflow/internal/common/http/middleware"
	pkgerrors "judgeflow/pkg/errors"
	"judgeflow/pkg/utils/contextkey"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

type errorBody struct {
	Code int    `json:"code"`
	Kind string `json:"kind"`
}

func performRequest(t *testing.T, router http.Handler, path string, headers map[string]string) (*httptest.ResponseRecorder, errorBody) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	var body errorBody
	if rec.Body.Len() > 0 {
		_ = json.Unmarshal(rec.Body.Bytes(), &body)
	}
	return rec, body
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	authn := auth.NewAuthenticator(auth.Config{Secret: "test-secret", Issuer: "judgeflow"})

	router := gin.New()
	router.GET("/protected", middleware.AuthMiddleware(authn, middleware.AuthPolicy{Roles: []string{"admin"}}), func(c *gin.Context) {
		id, _ := middleware.CurrentIdentity(c)
		c.Header("X-User-Id", id.UserID)
		c.Status(http.StatusOK)
	})
	router.GET("/optional", middleware.AuthMiddleware(authn, middleware.AuthPolicy{Mode: "optional"}), func(c *gin.Context) {
		if _, ok := middleware.CurrentIdentity(c); ok {
			c.Status(http.StatusOK)
			return
		}
		c.Status(http.StatusNoContent)
	})

	adminToken, err := authn.Issue(auth.Identity{UserID: "u-42", Role: "admin"}, time.Minute)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	userToken, err := authn.Issue(auth.Identity{UserID: "u-7", Role: "user"}, time.Minute)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	cases := []struct {
		name       string
		path       string
		authHeader string
		wantStatus int
		wantCode   pkgerrors.ErrorCode
		wantUserID string
	}{
		{name: "missing token", path: "/protected", wantStatus: http.StatusUnauthorized, wantCode: pkgerrors.TokenInvalid},
		{name: "valid admin", path: "/protected", authHeader: "Bearer " + adminToken, wantStatus: http.StatusOK, wantUserID: "u-42"},
		{name: "role denied", path: "/protected", authHeader: "Bearer " + userToken, wantStatus: http.StatusForbidden, wantCode: pkgerrors.Forbidden},
		{name: "optional anonymous", path: "/optional", wantStatus: http.StatusNoContent},
		{name: "optional bad token", path: "/optional", authHeader: "Bearer garbage", wantStatus: http.StatusNoContent},
		{name: "optional valid token", path: "/optional", authHeader: "Bearer " + userToken, wantStatus: http.StatusOK},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.authHeader != "" {
				headers["Authorization"] = tc.authHeader
			}
			rec, body := performRequest(t, router, tc.path, headers)
			if rec.Code != tc.wantStatus {
				t.Fatalf("unexpected status: %d", rec.Code)
			}
			if tc.wantCode != 0 && body.Code != int(tc.wantCode) {
				t.Fatalf("unexpected error code: %d", body.Code)
			}
			if tc.wantUserID != "" && rec.Header().Get("X-User-Id") != tc.wantUserID {
				t.Fatalf("unexpected user id: %s", rec.Header().Get("X-User-Id"))
			}
		})
	}
}

func TestAuthenticatorRejectsBadTokens(t *testing.T) {
	t.Parallel()
	secret := "test-secret"
	authn := auth.NewAuthenticator(auth.Config{Secret: secret, Issuer: "judgeflow"})

	sign := func(claims jwt.MapClaims) string {
		raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			t.Fatalf("sign token failed: %v", err)
		}
		return raw
	}
	now := time.Now()

	cases := []struct {
		name  string
		token string
		want  pkgerrors.ErrorCode
	}{
		{name: "empty", token: "", want: pkgerrors.TokenInvalid},
		{name: "expired", token: sign(jwt.MapClaims{"sub": "1", "iss": "judgeflow", "typ": "access", "exp": now.Add(-time.Minute).Unix()}), want: pkgerrors.TokenExpired},
		{name: "wrong issuer", token: sign(jwt.MapClaims{"sub": "1", "iss": "other", "typ": "access", "exp": now.Add(time.Minute).Unix()}), want: pkgerrors.TokenInvalid},
		{name: "refresh token", token: sign(jwt.MapClaims{"sub": "1", "iss": "judgeflow", "typ": "refresh", "exp": now.Add(time.Minute).Unix()}), want: pkgerrors.TokenInvalid},
		{name: "no subject", token: sign(jwt.MapClaims{"iss": "judgeflow", "typ": "access", "exp": now.Add(time.Minute).Unix()}), want: pkgerrors.TokenInvalid},
	}
	for _, tc := range cases {
		if _, err := authn.Authenticate(tc.token); pkgerrors.GetCode(err) != tc.want {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
	}
}

func TestTraceContextMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(middleware.TraceContextMiddleware())
	router.GET("/trace", func(c *gin.Context) {
		v, _ := c.Request.Context().Value(contextkey.TraceID).(string)
		c.String(http.StatusOK, v)
	})

	rec, _ := performRequest(t, router, "/trace", map[string]string{"X-Trace-Id": "trace-1"})
	if rec.Body.String() != "trace-1" || rec.Header().Get("X-Trace-Id") != "trace-1" {
		t.Fatalf("trace id not propagated: body=%q header=%q", rec.Body.String(), rec.Header().Get("X-Trace-Id"))
	}

	rec, _ = performRequest(t, router, "/trace", nil)
	if rec.Body.String() == "" || rec.Header().Get("X-Request-Id") == "" {
		t.Fatalf("expected generated ids")
	}
}

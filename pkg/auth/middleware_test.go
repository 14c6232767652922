package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

var testSecret = []byte("unit-test-secret")

func authRouter(secret []byte) (*gin.Engine, *string) {
	gin.SetMode(gin.TestMode)
	var seenUserID string
	router := gin.New()
	router.GET("/protected", JWTAuthMiddleware(secret), func(c *gin.Context) {
		seenUserID = c.GetString("user_id")
		c.Status(http.StatusOK)
	})
	return router, &seenUserID
}

func TestJWTAuthMiddlewareSetsUserContext(t *testing.T) {
	token, err := GenerateToken(testSecret, "user-1", "ada@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	router, seenUserID := authRouter(testSecret)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if *seenUserID != "user-1" {
		t.Errorf("expected user_id user-1 in context, got %q", *seenUserID)
	}
}

func TestJWTAuthMiddlewareRejects(t *testing.T) {
	expired, err := GenerateToken(testSecret, "user-1", "ada@example.com", -time.Minute)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	wrongKey, err := GenerateToken([]byte("other-secret"), "user-1", "ada@example.com", time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"malformed header", "Token abc"},
		{"garbage token", "Bearer not-a-jwt"},
		{"expired token", "Bearer " + expired},
		{"wrong signing key", "Bearer " + wrongKey},
	}

	router, _ := authRouter(testSecret)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/protected", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestServiceAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/internal/run", ServiceAuthMiddleware("svc-token"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid token", "Bearer svc-token", http.StatusOK},
		{"wrong token", "Bearer other", http.StatusUnauthorized},
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "svc-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/internal/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			router.ServeHTTP(w, req)

			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

func TestValidateServiceTokenUnconfigured(t *testing.T) {
	if err := ValidateServiceToken("anything", ""); err == nil {
		t.Fatal("expected an error when no service token is configured")
	}
}

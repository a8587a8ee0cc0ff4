package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aurorapos/aurora-server/internal/config"
	"github.com/gin-gonic/gin"
)

func TestCORS_AllowedOrigin(t *testing.T) {
	mw := CORS([]string{"https://pos.aurorapos.io", "https://admin.aurorapos.io"}, config.EnvDevelopment)

	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://pos.aurorapos.io")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://pos.aurorapos.io" {
		t.Fatalf("expected Access-Control-Allow-Origin 'https://pos.aurorapos.io', got %q", got)
	}
	if got := w.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("expected Access-Control-Allow-Credentials 'true', got %q", got)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	mw := CORS([]string{"https://pos.aurorapos.io"}, config.EnvDevelopment)

	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	r.ServeHTTP(w, req)

	// Request should still succeed (CORS doesn't block server-side)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	// But no CORS headers should be set
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no Access-Control-Allow-Origin header, got %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	mw := CORS([]string{"https://pos.aurorapos.io"}, config.EnvDevelopment)

	r := gin.New()
	r.Use(mw)
	r.OPTIONS("/test", func(c *gin.Context) {
		t.Error("handler should not be reached for preflight")
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("OPTIONS", "/test", nil)
	req.Header.Set("Origin", "https://pos.aurorapos.io")
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got == "" {
		t.Fatal("expected Access-Control-Allow-Methods header on preflight")
	}
}

func TestCORS_EmptyOriginsAllowsAll(t *testing.T) {
	mw := CORS(nil, config.EnvDevelopment)

	r := gin.New()
	r.Use(mw)
	r.GET("/test", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req, _ := http.NewRequest("GET", "/test", nil)
	req.Header.Set("Origin", "https://anything.example.com")
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://anything.example.com" {
		t.Fatalf("expected origin to be echoed, got %q", got)
	}
}

func TestCORS_ProductionRequiresOrigins(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for empty origins in production")
		}
	}()
	CORS(nil, config.EnvProduction)
}

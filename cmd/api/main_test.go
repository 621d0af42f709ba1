package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/uniconvert/internal/config"
	"github.com/yourusername/uniconvert/internal/media"
)

func TestCorsConfigOrigins(t *testing.T) {
	c := corsConfig(" https://a.example , https://b.example,")
	if c.AllowAllOrigins {
		t.Fatal("explicit origins should not allow all")
	}
	if len(c.AllowOrigins) != 2 || c.AllowOrigins[0] != "https://a.example" || c.AllowOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", c.AllowOrigins)
	}

	for _, raw := range []string{"*", "", "https://a.example,*"} {
		c := corsConfig(raw)
		if !c.AllowAllOrigins || len(c.AllowOrigins) != 0 {
			t.Fatalf("%q: expected allow-all, got %+v", raw, c.AllowOrigins)
		}
	}
}

func TestConcurrencyByTypeSkipsUnknown(t *testing.T) {
	cfg := &config.Config{Concurrency: map[string]int{"video": 3, "image": 6, "archive": 9}}
	got := concurrencyByType(cfg)
	if len(got) != 2 || got[media.Video] != 3 || got[media.Image] != 6 {
		t.Fatalf("unexpected concurrency: %v", got)
	}
}

func TestLivenessRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", handleHealth)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "ok" || body["service"] != serviceName {
		t.Fatalf("unexpected body: %v", body)
	}
}

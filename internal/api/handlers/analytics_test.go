package handlers

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/aurorapos/aurora-server/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

type mockAnalyticsService struct {
	health   *models.LicenseHealthMetric
	patterns []*models.FailurePattern
	points   []*models.PerformanceMetric
	err      error

	gotMetric string
	gotSince  time.Time
}

func (m *mockAnalyticsService) Health(_ context.Context, _ string) (*models.LicenseHealthMetric, error) {
	return m.health, m.err
}

func (m *mockAnalyticsService) Patterns(_ context.Context, _ string) ([]*models.FailurePattern, error) {
	return m.patterns, m.err
}

func (m *mockAnalyticsService) Trend(_ context.Context, metricName string, since time.Time) ([]*models.PerformanceMetric, error) {
	m.gotMetric = metricName
	m.gotSince = since
	return m.points, m.err
}

func setupAnalyticsRouter(service AnalyticsService) *gin.Engine {
	r := gin.New()
	handler := NewAnalyticsHandler(service, zerolog.Nop())
	handler.RegisterRoutes(r.Group("/api/v1"))
	return r
}

const analyticsLicense = "AUR-PRO-V2-AAAAAAAA-BBBBBBBB"

func TestAnalyticsHealth(t *testing.T) {
	t.Run("returns metric", func(t *testing.T) {
		service := &mockAnalyticsService{
			health: &models.LicenseHealthMetric{LicenseKey: analyticsLicense, HealthScore: 97.5},
		}
		r := setupAnalyticsRouter(service)

		req, _ := http.NewRequest("GET", "/api/v1/licenses/"+analyticsLicense+"/health", nil)
		resp := doRequest(r, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.Code)
		}

		var metric models.LicenseHealthMetric
		decodeBody(t, resp, &metric)
		if metric.HealthScore != 97.5 {
			t.Errorf("expected score 97.5, got %v", metric.HealthScore)
		}
	})

	t.Run("no data", func(t *testing.T) {
		r := setupAnalyticsRouter(&mockAnalyticsService{})

		req, _ := http.NewRequest("GET", "/api/v1/licenses/"+analyticsLicense+"/health", nil)
		resp := doRequest(r, req)

		if resp.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", resp.Code)
		}
	})
}

func TestAnalyticsPatterns(t *testing.T) {
	service := &mockAnalyticsService{
		patterns: []*models.FailurePattern{
			{LicenseKey: analyticsLicense, MachineHash: "m1", PatternType: models.PatternRepeatedTimeout},
		},
	}
	r := setupAnalyticsRouter(service)

	req, _ := http.NewRequest("GET", "/api/v1/licenses/"+analyticsLicense+"/patterns", nil)
	resp := doRequest(r, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body struct {
		Patterns []models.FailurePattern `json:"patterns"`
	}
	decodeBody(t, resp, &body)
	if len(body.Patterns) != 1 {
		t.Fatalf("expected 1 pattern, got %d", len(body.Patterns))
	}
	if body.Patterns[0].PatternType != models.PatternRepeatedTimeout {
		t.Errorf("unexpected pattern type %q", body.Patterns[0].PatternType)
	}
}

func TestAnalyticsTrend(t *testing.T) {
	t.Run("passes metric and since", func(t *testing.T) {
		service := &mockAnalyticsService{}
		r := setupAnalyticsRouter(service)

		since := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
		req, _ := http.NewRequest("GET", "/api/v1/analytics/trends/health_score?since="+since.Format(time.RFC3339), nil)
		resp := doRequest(r, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", resp.Code)
		}
		if service.gotMetric != "health_score" {
			t.Errorf("expected metric health_score, got %q", service.gotMetric)
		}
		if !service.gotSince.Equal(since) {
			t.Errorf("expected since %v, got %v", since, service.gotSince)
		}
	})

	t.Run("invalid since rejected", func(t *testing.T) {
		r := setupAnalyticsRouter(&mockAnalyticsService{})

		req, _ := http.NewRequest("GET", "/api/v1/analytics/trends/health_score?since=lastweek", nil)
		resp := doRequest(r, req)

		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", resp.Code)
		}
	})
}

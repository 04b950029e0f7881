package http

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/oaklabs/oakd/internal/config"
)

func (s *Server) handleGetConfig(c echo.Context) error {
	// Secrets render redacted through their marshaler.
	return c.JSON(http.StatusOK, s.deps.Config)
}

// handlePutConfig persists a new configuration. Live state is never
// mutated; the caller restarts the daemon to apply it.
func (s *Server) handlePutConfig(c echo.Context) error {
	incoming := *s.deps.Config
	if err := c.Bind(&incoming); err != nil {
		return apiError(c, http.StatusBadRequest, "bad_request", "invalid config body")
	}
	if err := incoming.Validate(); err != nil {
		return apiError(c, http.StatusBadRequest, "config_invalid", err.Error())
	}
	if err := config.Save(&incoming); err != nil {
		return apiError(c, http.StatusInternalServerError, "internal", err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"status":           "saved",
		"restart_required": true,
	})
}

// detectCandidate is one provider endpoint probed by test-detect.
type detectCandidate struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	probe    string
}

// handleTestDetect probes well-known local provider endpoints and
// reports which answer, so setup can suggest a working configuration.
func (s *Server) handleTestDetect(c echo.Context) error {
	candidates := []detectCandidate{
		{Provider: "ollama", BaseURL: "http://localhost:11434", probe: "/api/tags"},
		{Provider: "lmstudio", BaseURL: "http://localhost:1234", probe: "/v1/models"},
	}
	if cfg := s.deps.Config.Embedding; cfg.BaseURL != "" {
		candidates = append(candidates, detectCandidate{
			Provider: cfg.Provider, BaseURL: cfg.BaseURL, probe: probeFor(cfg.Provider),
		})
	}

	client := &http.Client{Timeout: 2 * time.Second}
	available := []detectCandidate{}
	seen := map[string]bool{}
	for _, cand := range candidates {
		if seen[cand.BaseURL] {
			continue
		}
		seen[cand.BaseURL] = true
		if probeEndpoint(c.Request().Context(), client, cand.BaseURL+cand.probe) {
			available = append(available, cand)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"available": available})
}

func probeFor(provider string) string {
	if provider == "ollama" {
		return "/api/tags"
	}
	return "/v1/models"
}

func probeEndpoint(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}

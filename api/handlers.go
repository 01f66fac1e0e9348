package api

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/appgen-eval/internal/store"
)

type promptSummary struct {
	Name  string `json:"name"`
	Steps int    `json:"steps"`
	Phase string `json:"phase"`
}

type environmentSummary struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	Frameworks  []string `json:"frameworks,omitempty"`
	RatingHash  string   `json:"rating_hash"`
	RatingCount int      `json:"rating_count"`
	MaxPoints   int      `json:"max_points"`
	Labels      []string `json:"labels,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleGetEnvironment(c *gin.Context) {
	if s.env == nil {
		respondError(c, http.StatusInternalServerError, errors.New("environment not configured"))
		return
	}
	c.JSON(http.StatusOK, environmentSummary{
		ID:          s.env.ID,
		DisplayName: s.env.DisplayName,
		Frameworks:  s.env.Frameworks,
		RatingHash:  s.env.RatingHash,
		RatingCount: len(s.env.Ratings),
		MaxPoints:   s.env.MaxPoints(),
		Labels:      s.env.Labels,
	})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	out := make([]promptSummary, 0, len(s.prompts))
	name := strings.TrimSpace(c.Query("name"))
	for _, p := range s.prompts {
		if p == nil {
			continue
		}
		if name != "" && !strings.EqualFold(strings.TrimSpace(p.Name), name) {
			continue
		}
		out = append(out, promptSummary{
			Name:  p.Name,
			Steps: len(p.Leaves()),
			Phase: string(p.Phase),
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := parseLimitParam(c.Query("limit"), 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	filter := store.RunFilter{
		EnvironmentID: strings.TrimSpace(c.Query("environment")),
		GroupID:       strings.TrimSpace(c.Query("group")),
		Limit:         limit,
	}
	if raw := strings.TrimSpace(c.Query("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, fmt.Errorf("invalid since timestamp %q", raw))
			return
		}
		filter.Since = since
	}

	runs, err := s.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if runs == nil {
		runs = []*store.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) handleGetRun(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing run id"))
		return
	}

	run, err := s.store.GetRun(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, http.StatusNotFound, fmt.Errorf("run %q not found", id))
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) handleGetRunResults(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing run id"))
		return
	}

	if _, err := s.store.GetRun(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			respondError(c, http.StatusNotFound, fmt.Errorf("run %q not found", id))
			return
		}
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	results, err := s.store.GetResults(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if results == nil {
		results = []*store.ResultRecord{}
	}
	c.JSON(http.StatusOK, results)
}

func (s *Server) handleGetPromptHistory(c *gin.Context) {
	name := strings.TrimSpace(c.Param("prompt"))
	if name == "" {
		respondError(c, http.StatusBadRequest, errors.New("missing prompt name"))
		return
	}
	limit, err := parseLimitParam(c.Query("limit"), 0)
	if err != nil {
		respondError(c, http.StatusBadRequest, err)
		return
	}

	history, err := s.store.GetPromptHistory(c.Request.Context(), name, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}
	if history == nil {
		history = []*store.PromptScore{}
	}
	c.JSON(http.StatusOK, history)
}

func respondError(c *gin.Context, status int, err error) {
	if err == nil {
		c.Status(status)
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseLimitParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	if n > 500 {
		n = 500
	}
	return n, nil
}

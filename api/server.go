// Package api exposes stored assessment runs over HTTP for dashboards and
// tooling.
package api

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stellarlinkco/appgen-eval/internal/environment"
	"github.com/stellarlinkco/appgen-eval/internal/prompt"
	"github.com/stellarlinkco/appgen-eval/internal/store"
)

type Server struct {
	router      *gin.Engine
	store       store.Store
	env         *environment.Environment
	prompts     []*prompt.Definition
	corsOrigins []string
}

// NewServer wires the API over the store. corsOrigins lists the dashboard
// origins allowed to read it cross-origin; empty disables CORS.
func NewServer(st store.Store, env *environment.Environment, prompts []*prompt.Definition, corsOrigins []string) (*Server, error) {
	r := gin.New()
	s := &Server{
		router:      r,
		store:       st,
		env:         env,
		prompts:     prompts,
		corsOrigins: corsOrigins,
	}
	s.registerMiddleware()
	if err := s.registerRoutes(); err != nil {
		return nil, err
	}
	s.registerStatic()
	return s, nil
}

func (s *Server) Run(addr string) error {
	if s == nil || s.router == nil {
		return errors.New("api: nil server")
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		addr = ":8080"
	}
	return s.router.Run(addr)
}

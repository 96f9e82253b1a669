package api

import (
	"net/http"
	"time"

	"fieldroute/internal/buildinfo"
)

func (s *Server) debugInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"build":  buildinfo.Info(),
		"time":   time.Now().UTC().Format(time.RFC3339),
		"config": s.Debug,
	})
}

package httpapi

import "net/http"

// StatusDocument describes the running backend. Workers treat a 2xx here as
// "host reachable" and adopt Hostnames as their candidate list.
type StatusDocument struct {
	Version      string   `json:"version"`
	Integrations []string `json:"integrations"`
	Hostnames    []string `json:"hostnames"`
}

// Status handles GET and HEAD /api/status
func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	doc := StatusDocument{
		Version:      s.Version,
		Integrations: s.Integrations,
		Hostnames:    s.Hostnames,
	}
	if doc.Integrations == nil {
		doc.Integrations = []string{}
	}
	if doc.Hostnames == nil {
		doc.Hostnames = []string{}
	}

	if r.Method == http.MethodHead {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

package sandbox

import (
	"encoding/json"
	"net/http"

	"github.com/hochfrequenz/provision-runner/internal/domain"
)

type locationBody struct {
	LocID     string `json:"locId"`
	Kind      string `json:"kind"`
	DomainURL string `json:"domainUrl"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	kind := r.URL.Query().Get("kind")
	s.mu.Lock()
	var rows []domain.LocationRow
	for _, row := range s.rows[kind] {
		if row.Pending() {
			rows = append(rows, row)
		}
	}
	s.mu.Unlock()
	writeJSON(w, map[string]interface{}{"rows": rows})
}

func (s *Server) handleBotOK(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleHeaders(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{
		"ok": true,
		"payload": domain.BotPayload{
			ActivationURL:  "sandbox://activate/" + body.LocID,
			DomainToPaste:  body.DomainURL,
			RobotsTxt:      "User-agent: *\nAllow: /",
			PageTypeNeedle: "website",
		},
	})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	s.mu.Lock()
	rows := s.rows[body.Kind]
	for i := range rows {
		if rows[i].LocID == body.LocID {
			rows[i].Status = string(domain.ItemDone)
		}
	}
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	writeJSON(w, map[string]interface{}{"ok": true, "href": "https://" + body.DomainURL})
}

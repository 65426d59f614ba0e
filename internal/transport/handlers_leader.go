package transport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

func (s *Server) registerLeaderRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/register_follower", s.handleRegisterFollower)
	mux.HandleFunc("/log_entries/", s.handleLogEntries)
	mux.HandleFunc("/follower_status", s.handleFollowerStatus)
	mux.HandleFunc("/cluster_status", s.handleClusterStatus)
}

type registerFollowerRequest struct {
	ID            string `json:"id"`
	URL           string `json:"url"`
	LastAppliedID uint64 `json:"last_applied_id"`
}

type registerFollowerResponse struct {
	Status    string `json:"status"`
	LastLogID uint64 `json:"last_log_id"`
}

func (s *Server) handleRegisterFollower(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req registerFollowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" || req.URL == "" {
		badRequest(w, "id and url are required")
		return
	}

	s.Dispatcher.RegisterFollower(req.ID, req.URL, req.LastAppliedID)
	s.Heartbeat.RegisterPeer(req.ID, req.URL)
	writeJSON(w, http.StatusOK, registerFollowerResponse{Status: "ok", LastLogID: s.WAL.LastID()})
}

type logEntriesResponse struct {
	Entries []crcentry.Entry `json:"entries"`
}

// handleLogEntries serves "/log_entries/{last_id}": every entry with
// id > last_id, used by a follower's gap-filling pull.
func (s *Server) handleLogEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	lastIDRaw := strings.TrimPrefix(r.URL.Path, "/log_entries/")
	lastID, err := strconv.ParseUint(lastIDRaw, 10, 64)
	if err != nil {
		badRequest(w, "last_id must be a non-negative integer")
		return
	}

	entries, err := s.WAL.ReadFrom(lastID + 1)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, logEntriesResponse{Entries: entries})
}

type followerStatusEntry struct {
	ID               string `json:"id"`
	URL              string `json:"url"`
	LastReplicatedID uint64 `json:"last_replicated_id"`
}

type followerStatusResponse struct {
	Followers []followerStatusEntry `json:"followers"`
}

func (s *Server) handleFollowerStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.Dispatcher.Status()
	resp := followerStatusResponse{Followers: make([]followerStatusEntry, 0, len(statuses))}
	for _, st := range statuses {
		resp.Followers = append(resp.Followers, followerStatusEntry{ID: st.ID, URL: st.URL, LastReplicatedID: st.LastReplicatedID})
	}
	writeJSON(w, http.StatusOK, resp)
}

type clusterStatusResponse struct {
	LastLogID uint64                `json:"last_log_id"`
	Followers []followerStatusEntry `json:"followers"`
	Peers     []peerStatusEntry     `json:"peers"`
}

type peerStatusEntry struct {
	ID                        string  `json:"id"`
	URL                       string  `json:"url"`
	Status                    string  `json:"status"`
	SecondsSinceLastHeartbeat float64 `json:"seconds_since_last_heartbeat"`
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	statuses := s.Dispatcher.Status()
	resp := clusterStatusResponse{
		LastLogID: s.WAL.LastID(),
		Followers: make([]followerStatusEntry, 0, len(statuses)),
	}
	for _, st := range statuses {
		resp.Followers = append(resp.Followers, followerStatusEntry{ID: st.ID, URL: st.URL, LastReplicatedID: st.LastReplicatedID})
	}
	for _, p := range s.Heartbeat.AllStatuses() {
		resp.Peers = append(resp.Peers, peerStatusEntry{
			ID:                        p.ID,
			URL:                       p.URL,
			Status:                    string(p.Status),
			SecondsSinceLastHeartbeat: p.SecondsSinceLastHeartbeat,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

package transport

import (
	"encoding/json"
	"net/http"

	"github.com/go-kit/log/level"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

func (s *Server) registerFollowerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/replicate", s.handleReplicate)
	mux.HandleFunc("/follower_state", s.handleFollowerState)
}

type replicateRequest struct {
	Entries []crcentry.Entry `json:"entries"`
}

type replicateResponse struct {
	Status        string `json:"status"`
	LastAppliedID uint64 `json:"last_applied_id"`
}

// handleReplicate applies a batch of entries pushed by the leader. Each
// entry is CRC-validated and deduplicated by id before being appended and
// applied, per the receiver's idempotent-replay contract.
func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	var valid []crcentry.Entry
	for _, e := range req.Entries {
		if crcentry.Validate(e) {
			valid = append(valid, e)
		}
	}

	lastApplied, err := s.Receiver.Replicate(valid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if s.FollowerState != nil {
		if err := s.FollowerState.SetLastAppliedID(lastApplied); err != nil {
			level.Warn(s.logger).Log("msg", "failed to persist last applied id", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, replicateResponse{Status: "ok", LastAppliedID: lastApplied})
}

type followerStateResponse struct {
	FollowerID       string `json:"follower_id"`
	PersistedApplied uint64 `json:"persisted_last_applied_id"`
	LeaderURL        string `json:"leader_url"`
}

// handleFollowerState answers from the durable bbolt-backed
// followerstate.Store rather than the live Receiver: it is the record
// that survives a process restart, so it can diverge from the
// in-memory Receiver.LastAppliedID() in the window between a restart and
// the next Bootstrap call persisting a fresh value.
func (s *Server) handleFollowerState(w http.ResponseWriter, r *http.Request) {
	if s.FollowerState == nil {
		http.Error(w, "follower state store not configured", http.StatusNotImplemented)
		return
	}

	lastApplied, err := s.FollowerState.LastAppliedID()
	if err != nil {
		s.writeError(w, err)
		return
	}
	leaderURL, err := s.FollowerState.LeaderURL()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, followerStateResponse{
		FollowerID:       s.FollowerID,
		PersistedApplied: lastApplied,
		LeaderURL:        leaderURL,
	})
}

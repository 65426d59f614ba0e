package transport

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/shahriyarr/kvlog/internal/crcentry"
)

func (s *Server) registerCommonRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/key/", s.handleKey)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/compaction/run", s.handleCompactionRun)
	mux.HandleFunc("/compaction/status", s.handleCompactionStatus)
	mux.HandleFunc("/compaction/configure", s.handleCompactionConfigure)
	mux.HandleFunc("/segments", s.handleSegments)
	mux.HandleFunc("/keys", s.handleKeys)
	mux.HandleFunc("/deduplication_stats", s.handleDedupStats)
	mux.HandleFunc("/request_status", s.handleRequestStatus)
}

// handleKey dispatches every "/key/..." route: the bare key for
// GET/PUT/DELETE, and the "/history" and "/versions" suffixes for the
// two read-only sub-resources.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/key/")
	if rest == "" {
		badRequest(w, "missing key")
		return
	}

	if key, ok := strings.CutSuffix(rest, "/history"); ok {
		s.handleKeyHistory(w, r, key)
		return
	}
	if key, ok := strings.CutSuffix(rest, "/versions"); ok {
		s.handleKeyVersions(w, r, key)
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.handleGetKey(w, r, rest)
	case http.MethodPut:
		s.handleSetKey(w, r, rest)
	case http.MethodDelete:
		s.handleDeleteKey(w, r, rest)
	default:
		w.Header().Set("Allow", "GET, PUT, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// parseVersionQuery reads an optional "version" query parameter.
func parseVersionQuery(r *http.Request) (*uint64, error) {
	raw := r.URL.Query().Get("version")
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func dedupKeys(r *http.Request) (clientID, requestID string) {
	q := r.URL.Query()
	return q.Get("client_id"), q.Get("request_id")
}

type getKeyResponse struct {
	Key     string `json:"key"`
	Value   any    `json:"value"`
	Version uint64 `json:"version"`
}

func (s *Server) handleGetKey(w http.ResponseWriter, r *http.Request, key string) {
	version, err := parseVersionQuery(r)
	if err != nil {
		badRequest(w, "invalid version query parameter")
		return
	}

	clientID, requestID := dedupKeys(r)
	if clientID != "" && requestID != "" {
		if cached, hit := s.Dedup.Lookup(clientID, requestID, crcentry.OpGet); hit {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	value, actual, err := s.Storage.GetWithVersion(key, version)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := getKeyResponse{Key: key, Value: value, Version: actual}
	if clientID != "" && requestID != "" {
		s.Dedup.MarkProcessed(clientID, requestID, crcentry.OpGet, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

type setKeyRequest struct {
	Value   any     `json:"value"`
	Version *uint64 `json:"version"`
}

type setKeyResponse struct {
	Status  string `json:"status"`
	ID      uint64 `json:"id"`
	Key     string `json:"key"`
	Version uint64 `json:"version"`
}

func (s *Server) handleSetKey(w http.ResponseWriter, r *http.Request, key string) {
	clientID, requestID := dedupKeys(r)
	if clientID != "" && requestID != "" {
		if cached, hit := s.Dedup.Lookup(clientID, requestID, crcentry.OpSet); hit {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	var req setKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}

	entry, version, err := s.Storage.Set(key, req.Value, req.Version)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.Dispatcher != nil {
		s.Dispatcher.Dispatch(r.Context(), entry)
	}

	resp := setKeyResponse{Status: "ok", ID: entry.ID, Key: key, Version: version}
	if clientID != "" && requestID != "" {
		s.Dedup.MarkProcessed(clientID, requestID, crcentry.OpSet, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

type deleteKeyResponse struct {
	Status string `json:"status"`
	ID     uint64 `json:"id"`
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request, key string) {
	clientID, requestID := dedupKeys(r)
	if clientID != "" && requestID != "" {
		if cached, hit := s.Dedup.Lookup(clientID, requestID, crcentry.OpDelete); hit {
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	entry, err := s.Storage.Delete(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.Dispatcher != nil {
		s.Dispatcher.Dispatch(r.Context(), entry)
	}

	resp := deleteKeyResponse{Status: "ok", ID: entry.ID}
	if clientID != "" && requestID != "" {
		s.Dedup.MarkProcessed(clientID, requestID, crcentry.OpDelete, resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

type historyEntry struct {
	Version uint64 `json:"version"`
	Value   any    `json:"value"`
}

type historyResponse struct {
	Key      string         `json:"key"`
	Versions []uint64       `json:"versions"`
	History  []historyEntry `json:"history"`
}

func (s *Server) handleKeyHistory(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	history, err := s.Storage.VersionHistory(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := historyResponse{Key: key}
	for v, val := range history {
		resp.Versions = append(resp.Versions, v)
		resp.History = append(resp.History, historyEntry{Version: v, Value: val})
	}
	sortUint64s(resp.Versions)
	sortHistory(resp.History)
	writeJSON(w, http.StatusOK, resp)
}

type versionsResponse struct {
	Key           string   `json:"key"`
	Versions      []uint64 `json:"versions"`
	LatestVersion uint64   `json:"latest_version"`
}

func (s *Server) handleKeyVersions(w http.ResponseWriter, r *http.Request, key string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	history, err := s.Storage.VersionHistory(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := versionsResponse{Key: key}
	for v := range history {
		resp.Versions = append(resp.Versions, v)
		if v > resp.LatestVersion {
			resp.LatestVersion = v
		}
	}
	sortUint64s(resp.Versions)
	writeJSON(w, http.StatusOK, resp)
}

type heartbeatRequest struct {
	ServerID  string `json:"server_id"`
	Timestamp int64  `json:"timestamp"`
}

type heartbeatResponse struct {
	Status    string `json:"status"`
	ServerID  string `json:"server_id"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ServerID == "" {
		badRequest(w, "server_id is required")
		return
	}

	s.Heartbeat.RecordHeartbeat(req.ServerID)
	writeJSON(w, http.StatusOK, heartbeatResponse{Status: "ok", ServerID: req.ServerID, Timestamp: req.Timestamp})
}

type compactionRunResponse struct {
	Status            string `json:"status"`
	SegmentsCompacted int    `json:"segments_compacted"`
	EntriesRemoved    int    `json:"entries_removed"`
}

func (s *Server) handleCompactionRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	force := r.URL.Query().Get("force") == "true"
	segments, entries, err := s.Compactor.RunCompaction(force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, compactionRunResponse{Status: "ok", SegmentsCompacted: segments, EntriesRemoved: entries})
}

func (s *Server) handleCompactionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Compactor.Status())
}

type compactionConfigureRequest struct {
	Enabled  *bool `json:"enabled"`
	Interval *int  `json:"interval_seconds"`
}

func (s *Server) handleCompactionConfigure(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req compactionConfigureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid request body")
		return
	}
	if req.Enabled != nil {
		s.Compactor.SetEnabled(*req.Enabled)
	}
	if req.Interval != nil {
		s.Compactor.SetInterval(secondsToDuration(*req.Interval))
	}
	writeJSON(w, http.StatusOK, s.Compactor.Status())
}

type segmentInfo struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	IsActive bool   `json:"is_active"`
}

type segmentsResponse struct {
	Segments       []segmentInfo `json:"segments"`
	TotalSegments  int           `json:"total_segments"`
	MaxSegmentSize int64         `json:"max_segment_size"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	active := s.WAL.ActiveSegment()
	files := s.WAL.SegmentFiles()

	resp := segmentsResponse{MaxSegmentSize: s.WAL.MaxSegmentSize(), TotalSegments: len(files)}
	for _, path := range files {
		resp.Segments = append(resp.Segments, segmentInfo{
			Path:     path,
			Size:     fileSize(path),
			IsActive: path == active,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type keysResponse struct {
	Keys []string `json:"keys"`
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	keys := s.Storage.AllKeys()
	sort.Strings(keys)
	writeJSON(w, http.StatusOK, keysResponse{Keys: keys})
}

func (s *Server) handleDedupStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Dedup.Stats())
}

type requestStatusResponse struct {
	Processed bool `json:"processed"`
	Result    any  `json:"result,omitempty"`
}

// handleRequestStatus lets a client poll whether a previously submitted
// (client_id, request_id, operation) has completed, without resubmitting
// the write — useful after a dropped response when the client isn't sure
// its retry would even be necessary.
func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID, requestID := q.Get("client_id"), q.Get("request_id")
	if clientID == "" || requestID == "" {
		badRequest(w, "client_id and request_id are required")
		return
	}
	op := crcentry.Op(strings.ToUpper(q.Get("operation")))
	if op == "" {
		op = crcentry.OpGet
	}

	result, hit := s.Dedup.Lookup(clientID, requestID, op)
	writeJSON(w, http.StatusOK, requestStatusResponse{Processed: hit, Result: result})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	raft "github.com/Konstantsiy/raft-replication"
	state_machine "github.com/Konstantsiy/raft-replication/state-machine"
)

type CommandResponse struct {
	Value    string      `json:"value,omitempty"`
	Error    string      `json:"error,omitempty"`
	LeaderID raft.PeerID `json:"leaderId,omitempty"`
}

type HTTPHandler struct {
	server *Server
}

func NewHTTPHandler(server *Server) *HTTPHandler {
	return &HTTPHandler{server: server}
}

func (h *HTTPHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc(pathAppendEntries, h.handleAppendEntries)
	mux.HandleFunc(pathInstallSnapshot, h.handleInstallSnapshot)
	mux.HandleFunc(pathSlice, h.handleSlice)
	mux.HandleFunc("/command", h.handleCommand)
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/peers", h.handlePeers)
}

func (h *HTTPHandler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd state_machine.Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	value, err := h.server.HandleCommand(r.Context(), cmd)

	var (
		resp   = CommandResponse{Value: value}
		status = http.StatusOK
	)

	if err != nil {
		resp.Error = err.Error()

		switch {
		case errors.Is(err, raft.ErrNotLeader):
			status = http.StatusMisdirectedRequest
			resp.LeaderID = h.server.Health().LeaderID
		case errors.Is(err, state_machine.ErrKeyNotFound):
			status = http.StatusNotFound
		case errors.Is(err, ErrShutdown):
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadRequest
		}
	}

	writeJSON(w, status, resp)
}

func (h *HTTPHandler) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req raft.AppendEntries
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.HandleAppendEntries(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req raft.InstallSnapshot
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.HandleInstallSnapshot(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleSlice answers 202 until the last slice completes the AppendEntries
func (h *HTTPHandler) handleSlice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var slice Slice
	if err := json.NewDecoder(r.Body).Decode(&slice); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.server.HandleSlice(r.Context(), slice)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, h.server.Health())
}

func (h *HTTPHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	st, err := h.server.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, http.StatusOK, st)
}

// handlePeers adds a member with POST and removes one with DELETE /peers?id=N
func (h *HTTPHandler) handlePeers(w http.ResponseWriter, r *http.Request) {
	var err error

	switch r.Method {
	case http.MethodPost:
		var peer PeerConfig
		if err = json.NewDecoder(r.Body).Decode(&peer); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var state = raft.Voting
		if peer.Voting != nil && !*peer.Voting {
			state = raft.NonVoting
		}
		err = h.server.AddPeer(r.Context(), raft.PeerInfo{ID: raft.PeerID(peer.ID), Address: peer.Address, VotingState: state})

	case http.MethodDelete:
		id, parseErr := strconv.ParseUint(r.URL.Query().Get("id"), 10, 32)
		if parseErr != nil {
			http.Error(w, "invalid peer id", http.StatusBadRequest)
			return
		}
		err = h.server.RemovePeer(r.Context(), raft.PeerID(id))

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package api serves the HTTP view of a device: the /proc style text reports, the JSON control
// endpoints and the event journal.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"usbstick/cmd/internal/control"
	"usbstick/cmd/internal/device"
	"usbstick/cmd/internal/journal"
)

const maxBodyBytes = 4 << 10

// Handler wires HTTP endpoints to the device control plane and the journal.
type Handler struct {
	log     *slog.Logger
	status  control.StatusSource
	cmd     control.Commander
	journal journal.Store
}

// NewHandler constructs a Handler. A nil journal store makes /journal answer 503.
func NewHandler(log *slog.Logger, status control.StatusSource, cmd control.Commander, store journal.Store) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, status: status, cmd: cmd, journal: store}
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("/proc/usb_stats", h.handleStats)
	mux.HandleFunc("/proc/usb_shift", h.handleShiftReport)
	mux.HandleFunc("/control/shift", h.handleShift)
	mux.HandleFunc("/control/presence", h.handlePresence)
	mux.HandleFunc("/control/command", h.handleCommand)
	mux.HandleFunc("/journal", h.handleJournal)
}

type shiftRequest struct {
	Shift *int `json:"shift"`
}

type commandRequest struct {
	Op    string `json:"op"`
	Shift int    `json:"shift"`
}

type journalResponse struct {
	Entries []journal.Entry `json:"entries"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeText(w, h.status.Status().String())
}

func (h *Handler) handleShiftReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reply, ok := h.exec(w, device.Command{Op: device.OpGetShift})
	if !ok {
		return
	}
	writeText(w, device.ShiftReport(reply.Shift))
}

func (h *Handler) handleShift(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		reply, ok := h.exec(w, device.Command{Op: device.OpGetShift})
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, control.ShiftReply{Shift: reply.Shift})
	case http.MethodPut:
		var req shiftRequest
		if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
			writeError(w, http.StatusBadRequest, control.CodeBadRequest, "invalid json")
			return
		}
		if req.Shift == nil {
			writeError(w, http.StatusBadRequest, control.CodeValidation, "shift is required")
			return
		}
		reply, ok := h.exec(w, device.Command{Op: device.OpSetShift, Shift: *req.Shift})
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, control.ShiftReply{Shift: reply.Shift})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	reply, ok := h.exec(w, device.Command{Op: device.OpGetPresence})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, control.PresenceReply{Present: reply.Present})
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, control.CodeBadRequest, "invalid json")
		return
	}
	op, err := device.ParseOp(req.Op)
	if err != nil {
		writeError(w, http.StatusBadRequest, control.CodeInvalidCommand, err.Error())
		return
	}
	reply, ok := h.exec(w, device.Command{Op: op, Shift: req.Shift})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, control.NewCommandReply(reply))
}

func (h *Handler) handleJournal(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal_disabled", "journal not configured")
		return
	}

	limit := journal.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, control.CodeValidation, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := h.journal.Recent(r.Context(), journal.ClampLimit(limit))
	if err != nil {
		h.log.Error("api.journal.fail", "err", err)
		writeError(w, http.StatusInternalServerError, control.CodeInternal, "internal error")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, journalResponse{Entries: entries})
}

func (h *Handler) exec(w http.ResponseWriter, cmd device.Command) (device.Reply, bool) {
	reply, err := h.cmd.Exec(cmd)
	if err == nil {
		return reply, true
	}
	switch {
	case errors.Is(err, device.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, control.CodeInvalidCommand, err.Error())
	default:
		h.log.Error("api.command.fail", "op", cmd.Op.String(), "err", err)
		writeError(w, http.StatusInternalServerError, control.CodeInternal, "internal error")
	}
	return device.Reply{}, false
}

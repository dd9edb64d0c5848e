package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/simbridge/relay/internal/store"
)

// Limits on the command payloads accepted over REST, matching what carrier
// networks and dialers will take.
const (
	maxRecipientLen = 30
	maxSMSBodyLen   = 1600
)

type smsRequest struct {
	To           string `json:"to"`
	Body         string `json:"body"`
	SIM          int    `json:"sim"`
	HostDeviceID int64  `json:"host_device_id"`
}

type callRequest struct {
	To           string `json:"to"`
	SIM          int    `json:"sim"`
	HostDeviceID int64  `json:"host_device_id"`
}

func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req smsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || len(req.To) > maxRecipientLen {
		writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}
	if req.Body == "" || len(req.Body) > maxSMSBodyLen {
		writeError(w, http.StatusBadRequest, "invalid message body")
		return
	}
	sim, ok := normalizeSIM(req.SIM)
	if !ok {
		writeError(w, http.StatusBadRequest, "sim must be 1 or 2")
		return
	}

	s.dispatchCommand(w, r, accountID, req.HostDeviceID, map[string]any{
		"type":   "command",
		"action": "send_sms",
		"to":     req.To,
		"body":   req.Body,
		"sim":    sim,
	})
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req callRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || len(req.To) > maxRecipientLen {
		writeError(w, http.StatusBadRequest, "invalid recipient")
		return
	}
	sim, ok := normalizeSIM(req.SIM)
	if !ok {
		writeError(w, http.StatusBadRequest, "sim must be 1 or 2")
		return
	}

	s.dispatchCommand(w, r, accountID, req.HostDeviceID, map[string]any{
		"type":   "command",
		"action": "place_call",
		"to":     req.To,
		"sim":    sim,
	})
}

func (s *Server) handleSims(w http.ResponseWriter, r *http.Request, accountID int64) {
	hostDeviceID := queryInt64(r.URL.Query().Get("host_device_id"))
	s.dispatchCommand(w, r, accountID, hostDeviceID, map[string]any{
		"type":   "command",
		"action": "get_sims",
	})
}

// normalizeSIM validates the SIM slot, defaulting zero to slot 1.
func normalizeSIM(sim int) (int, bool) {
	switch sim {
	case 0:
		return 1, true
	case 1, 2:
		return sim, true
	}
	return 0, false
}

// dispatchCommand resolves the sending client and the target host for a
// REST-initiated command and hands the frame to the router. The host defaults
// to the one paired with the account's first client device.
func (s *Server) dispatchCommand(w http.ResponseWriter, r *http.Request, accountID, hostDeviceID int64, frame map[string]any) {
	ctx := r.Context()

	from, err := s.store.FirstClientDevice(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no client device registered")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	if hostDeviceID == 0 {
		p, err := s.store.PairingForClient(ctx, from.ID)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no paired host")
			return
		}
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		hostDeviceID = p.HostDeviceID
	}

	res, err := s.router.RelayCommand(ctx, from.ID, hostDeviceID, frame)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not paired")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": string(res.Status),
		"req_id": res.ReqID,
	})
}

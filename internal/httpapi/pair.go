package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/simbridge/relay/internal/pairing"
)

type pairRequest struct {
	HostDeviceID int64 `json:"host_device_id"`
}

type pairConfirmRequest struct {
	Code           string `json:"code"`
	ClientDeviceID int64  `json:"client_device_id"`
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req pairRequest
	if !decodeBody(w, r, &req) {
		return
	}

	issued, err := s.pairing.IssueCode(r.Context(), accountID, req.HostDeviceID)
	if err != nil {
		s.writePairingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"code":       issued.Code,
		"expires_at": issued.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handlePairQR renders the host's active pairing code as a PNG so the client
// device can scan it instead of typing six digits.
func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request, accountID int64) {
	deviceID, err := strconv.ParseInt(r.URL.Query().Get("device_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}

	pc, err := s.pairing.ActiveCode(r.Context(), accountID, deviceID)
	if errors.Is(err, pairing.ErrNoSuchCode) {
		writeError(w, http.StatusNotFound, "no active pairing code")
		return
	}
	if err != nil {
		s.writePairingError(w, r, err)
		return
	}

	png, err := qrcode.Encode(pc.Code, qrcode.Medium, 256)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) handlePairConfirm(w http.ResponseWriter, r *http.Request, accountID int64) {
	if !s.allowAttempt(w, fmt.Sprintf("pair:%d", accountID)) {
		return
	}
	var req pairConfirmRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code required")
		return
	}

	p, err := s.pairing.ConfirmCode(r.Context(), accountID, req.Code, req.ClientDeviceID)
	if err != nil {
		s.writePairingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pairing_id":       p.ID,
		"host_device_id":   p.HostDeviceID,
		"client_device_id": p.ClientDeviceID,
	})
}

// writePairingError maps the pairing service's error vocabulary onto HTTP
// statuses. Expired and consumed codes both read as gone, but keep their
// distinct messages.
func (s *Server) writePairingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pairing.ErrWrongAccount):
		writeError(w, http.StatusForbidden, "pairing code belongs to another account")
	case errors.Is(err, pairing.ErrNoSuchCode):
		writeError(w, http.StatusNotFound, "no such pairing code")
	case errors.Is(err, pairing.ErrCodeExpired):
		writeError(w, http.StatusGone, "pairing code expired")
	case errors.Is(err, pairing.ErrCodeConsumed):
		writeError(w, http.StatusGone, "pairing code already used")
	case errors.Is(err, pairing.ErrDeviceNotFound):
		writeError(w, http.StatusNotFound, "device not found")
	case errors.Is(err, pairing.ErrWrongKind):
		writeError(w, http.StatusBadRequest, "wrong device kind")
	default:
		s.writeStoreError(w, r, err)
	}
}

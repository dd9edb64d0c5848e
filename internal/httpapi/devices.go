package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/simbridge/relay/internal/store"
)

const maxDeviceNameLen = 128

type createDeviceRequest struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type deviceResponse struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	IsOnline  bool      `json:"is_online"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleCreateDevice(w http.ResponseWriter, r *http.Request, accountID int64) {
	var req createDeviceRequest
	if !decodeBody(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || len(req.Name) > maxDeviceNameLen {
		writeError(w, http.StatusBadRequest, "invalid device name")
		return
	}
	kind := store.DeviceKind(req.Type)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "type must be host or client")
		return
	}

	device, err := s.store.CreateDevice(r.Context(), accountID, req.Name, kind)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	s.log.Info("device registered", "account_id", accountID, "device_id", device.ID, "kind", kind)
	writeJSON(w, http.StatusCreated, s.deviceResponse(device))
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request, accountID int64) {
	devices, err := s.store.DevicesByAccount(r.Context(), accountID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	out := make([]deviceResponse, len(devices))
	for i := range devices {
		out[i] = s.deviceResponse(&devices[i])
	}
	writeJSON(w, http.StatusOK, out)
}

// deviceResponse derives the online flag from the connection registry; it is
// never stored.
func (s *Server) deviceResponse(d *store.Device) deviceResponse {
	return deviceResponse{
		ID:        d.ID,
		Name:      d.Name,
		Type:      string(d.Kind),
		IsOnline:  s.registry.Lookup(d.ID) != nil,
		CreatedAt: d.CreatedAt,
	}
}

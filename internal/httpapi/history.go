package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/simbridge/relay/internal/history"
)

type historyEntry struct {
	ID           int64           `json:"id"`
	FromDeviceID int64           `json:"from_device_id"`
	ToDeviceID   int64           `json:"to_device_id"`
	MsgType      string          `json:"msg_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, accountID int64) {
	q := r.URL.Query()
	filterDevice := queryInt64(q.Get("device_id"))
	offset := int(queryInt64(q.Get("offset")))
	limit := int(queryInt64(q.Get("limit")))

	page, err := s.history.Query(r.Context(), accountID, filterDevice, offset, limit)
	if errors.Is(err, history.ErrForeignDevice) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	entries := make([]historyEntry, len(page.Entries))
	for i, e := range page.Entries {
		entries[i] = historyEntry{
			ID:           e.ID,
			FromDeviceID: e.FromDeviceID,
			ToDeviceID:   e.ToDeviceID,
			MsgType:      e.MsgType,
			Payload:      json.RawMessage(e.Payload),
			CreatedAt:    e.CreatedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  page.Total,
		"offset": page.Offset,
		"limit":  page.Limit,
		"items":  entries,
	})
}

// queryInt64 parses an optional integer query parameter, treating absence and
// garbage as zero.
func queryInt64(v string) int64 {
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

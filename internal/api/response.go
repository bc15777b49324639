package api

import (
	"encoding/json"
	"net/http"

	"github.com/letterdrop/letterdrop/internal/models"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeSavedResponse replays a response exactly as it was first produced,
// so repeated requests with the same idempotency key get identical bytes.
func writeSavedResponse(w http.ResponseWriter, resp *models.SavedResponse) {
	for k, vals := range resp.Headers {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

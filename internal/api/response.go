package api

import (
	"encoding/json"
	"net/http"
)

// errorBody is the shape of every error response: {"detail": "..."}.
type errorBody struct {
	Detail string `json:"detail"`
}

// jsonResponse writes data as JSON. 204 and nil data send headers only.
func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil || status == http.StatusNoContent {
		return
	}
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(data)
}

func jsonError(w http.ResponseWriter, status int, detail string) {
	jsonResponse(w, status, errorBody{Detail: detail})
}

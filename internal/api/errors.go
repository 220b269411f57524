// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"net/http"
)

// problem is the body of every non-2xx response.
type problem struct {
	Status int    `json:"status"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, problem{Status: code, Error: http.StatusText(code), Detail: detail})
}

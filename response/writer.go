package response

import (
	"encoding/json"
	"net/http"
)

type wrapper struct {
	Result   interface{} `json:"result"`
	Messages []string    `json:"messages,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// WriteResponse will serialize the result as the response body
func WriteResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(wrapper{
		Result: result,
	})
}

// WriteError will serialize the Error as the response body with its status code
func WriteError(w http.ResponseWriter, r *http.Request, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.StatusCode)
	json.NewEncoder(w).Encode(wrapper{
		Result:   e.Result,
		Messages: e.Messages,
		Error:    e.Message,
	})
}

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"SyncFM/logger"
	"SyncFM/model"
)

// writeJSON 序列化响应体
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Error("写响应失败", logger.ErrorField(err))
		}
	}
}

// writeError 把业务错误类别映射为 HTTP 状态码
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, model.ErrForbidden):
		http.Error(w, "forbidden", http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidState):
		http.Error(w, "operation not allowed in current playback state", http.StatusConflict)
	case errors.Is(err, model.ErrInvalidArgument):
		http.Error(w, "invalid argument", http.StatusBadRequest)
	case errors.Is(err, model.ErrConflict):
		http.Error(w, "conflict", http.StatusConflict)
	default:
		logger.Error("内部错误", logger.ErrorField(err))
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

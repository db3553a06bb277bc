package utils

import "net/http"

// SetupStreamHeaders prepares a response for a frame stream. Proxy
// buffering is disabled so frames reach the client as they are flushed.
func SetupStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

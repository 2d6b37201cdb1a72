package handler

import "net/http"

type InboxTrigger interface {
	Recheck()
}

// RecheckHandler asks the inbox worker for an immediate cycle. The cycle
// runs asynchronously.
func RecheckHandler(inbox InboxTrigger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		inbox.Recheck()
		w.WriteHeader(http.StatusAccepted)
	}
}

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

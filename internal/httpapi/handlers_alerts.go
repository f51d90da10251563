package httpapi

import "net/http"

// AlertsListHandler and AlertsActiveHandler both list currently-active
// alerts: the store interface only exposes active alerts (resolved/dismissed
// ones are not retained for listing), so the plain and "/active" routes are
// equivalent.
func AlertsListHandler(d Dependencies) http.HandlerFunc {
	return AlertsActiveHandler(d)
}

func AlertsActiveHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		active, err := d.Store.AlertListActive(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": active})
	}
}

// AlertsDismissHandler dismisses an active alert by id, silencing it until
// its DedupKey next fires.
func AlertsDismissHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseIDParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "bad_request", nil)
			return
		}
		if err := d.Store.AlertDismiss(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error(), "internal", nil)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

package httpapi

import (
	"context"
	"encoding/json"
	"net/http"

	"campusone.org/internal/auth"
	"campusone.org/internal/tenant"
)

// StreamEvents serves the tenant's live finance feed over Server-Sent Events.
// The subscription is bound to the resolved tenant, so a connection never
// observes another school's cash flow.
func (a *API) StreamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.stream == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	if !a.ensurePermission(w, r, auth.PermFinanceRead) {
		return
	}
	if !a.ensureFeature(w, r, tenant.FeatureLiveEvents) {
		return
	}
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusBadRequest, tenant.ErrRequired.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := a.stream.Subscribe(ctx, t.ID)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for event := range ch {
		payload, err := json.Marshal(event)
		if err != nil {
			continue
		}
		_, _ = w.Write([]byte("event: "))
		_, _ = w.Write([]byte(event.Type))
		_, _ = w.Write([]byte("\ndata: "))
		_, _ = w.Write(payload)
		_, _ = w.Write([]byte("\n\n"))
		flusher.Flush()
	}
}

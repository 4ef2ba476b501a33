package stats

import (
	"net/http"
	"time"

	"github.com/floegence/mtrelay/runtime"
)

// Source is the narrow seam the HTTP handler needs from a Runtime.
type Source interface {
	Stats() runtime.Stats
}

// Handler returns an http.Handler serving the text/plain stats document
// of §6, sourced live from rt on every request.
func Handler(rt Source, bootstrapWarnings func() int, now func() time.Time) http.Handler {
	if now == nil {
		now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		warnings := 0
		if bootstrapWarnings != nil {
			warnings = bootstrapWarnings()
		}
		snap := Snapshot{
			GeneratedAt:       now(),
			BootstrapWarnings: warnings,
			Runtime:           rt.Stats(),
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_ = Render(w, snap)
	})
}

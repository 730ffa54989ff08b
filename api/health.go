package api

import "net/http"

// healthLive handles GET /health/live. Liveness only proves the process
// serves HTTP; it never inspects downstream dependencies.
func (a *API) healthLive(w http.ResponseWriter, _ *http.Request) {
	httpWriteOK(w)
}

// healthReady handles GET /health/ready. Readiness additionally requires
// the configured dependency probe to pass.
func (a *API) healthReady(w http.ResponseWriter, r *http.Request) {
	if a.readyCheck != nil {
		if err := a.readyCheck(r.Context()); err != nil {
			ErrNotReady.WithErr(err).Write(w)
			return
		}
	}
	httpWriteOK(w)
}

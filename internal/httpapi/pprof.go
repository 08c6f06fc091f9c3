package httpapi

import (
	"net/http"
	hpprof "net/http/pprof"
)

const pprofPrefix = "/debug/pprof/"

func mountPprof(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	// pprof.Index serves the named profiles (heap, goroutine, ...) under the prefix.
	mux.HandleFunc("GET "+pprofPrefix, wrap(hpprof.Index))
	mux.HandleFunc("GET "+pprofPrefix+"cmdline", wrap(hpprof.Cmdline))
	mux.HandleFunc("GET "+pprofPrefix+"profile", wrap(hpprof.Profile))
	mux.HandleFunc("GET "+pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("POST "+pprofPrefix+"symbol", wrap(hpprof.Symbol))
	mux.HandleFunc("GET "+pprofPrefix+"trace", wrap(hpprof.Trace))
}

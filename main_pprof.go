//go:build !no_pprof
// +build !no_pprof

package main

import (
	"flag"
	"net/http"
	"net/http/pprof"

	"fortio.org/log"
	"grol.io/devserve/serve"
)

var pprofFlag = flag.Bool("pprof", false, "also serve Go runtime profiles under /debug/pprof/")

func init() {
	hookServer = pprofHook
}

func pprofHook(s *serve.Server) {
	if !*pprofFlag {
		return
	}
	log.Warnf("Exposing /debug/pprof/ to anyone who can reach the server")
	s.Use(func(next http.Handler) http.Handler {
		mux := http.NewServeMux()
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
		mux.Handle("/", next)
		return mux
	})
}

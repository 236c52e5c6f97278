package serve

import (
	"maps"
	"net/http"
	"path"
	"strings"
)

// RequiredTypes are the content types that must win over the platform's
// mime database for the web bundle to load.
var RequiredTypes = map[string]string{
	".wasm": "application/wasm",
	".js":   "application/javascript",
	".mjs":  "application/javascript",
}

// MergeTypes returns extra overlaid with RequiredTypes. Extensions are
// lowercased and given a leading dot when missing.
func MergeTypes(extra map[string]string) map[string]string {
	res := make(map[string]string, len(extra)+len(RequiredTypes))
	for ext, ct := range extra {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		res[ext] = ct
	}
	maps.Copy(res, RequiredTypes)
	return res
}

// contentTypes sets the Content-Type header from types before next runs.
// http.FileServer keeps a Content-Type that is already present.
func contentTypes(types map[string]string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct, ok := types[strings.ToLower(path.Ext(r.URL.Path))]; ok {
			w.Header().Set("Content-Type", ct)
		}
		next.ServeHTTP(w, r)
	})
}

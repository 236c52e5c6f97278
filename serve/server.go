// Package serve serves a static web build over HTTP or HTTPS for local
// browser testing.
package serve

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"fortio.org/log"
	"golang.org/x/net/netutil"
)

var (
	ErrRootNotFound = errors.New("web build directory not found")
	ErrPortInUse    = errors.New("port already in use")
)

const (
	DefaultPort            = 8000
	DefaultBind            = "0.0.0.0"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultMaxConns        = 32
)

// Config is fixed once the Server is created.
type Config struct {
	Root string
	Bind string
	Port int
	// TLS enables HTTPS when not nil.
	TLS *tls.Config
	// MaxConns caps simultaneously open connections, 0 means no limit.
	MaxConns        int
	ShutdownTimeout time.Duration
	// MimeTypes adds content type overrides on top of RequiredTypes.
	MimeTypes map[string]string
}

type Server struct {
	cfg     Config
	root    *os.Root
	handler http.Handler
}

// New opens cfg.Root, which must be an existing directory. Files are only
// ever served from inside it, symlinks pointing outside are refused.
func New(cfg Config) (*Server, error) {
	fi, err := os.Stat(cfg.Root)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, cfg.Root)
	}
	root, err := os.OpenRoot(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRootNotFound, cfg.Root, err)
	}
	if cfg.Bind == "" {
		cfg.Bind = DefaultBind
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	s := &Server{cfg: cfg, root: root}
	s.handler = log.LogAndCall("serve", s.fileHandler().ServeHTTP)
	return s, nil
}

func (s *Server) fileHandler() http.Handler {
	files := http.FileServerFS(s.root.FS())
	return contentTypes(MergeTypes(s.cfg.MimeTypes), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// FileServer redirects .../index.html to .../, serve it in place instead.
		if strings.HasSuffix(r.URL.Path, "/index.html") && s.exists(r.URL.Path) {
			r.URL.Path = strings.TrimSuffix(r.URL.Path, "index.html")
		}
		files.ServeHTTP(w, r)
	}))
}

func (s *Server) exists(urlPath string) bool {
	fi, err := s.root.Stat(strings.TrimPrefix(urlPath, "/"))
	return err == nil && fi.Mode().IsRegular()
}

// Handler is the logging static file handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Use wraps the current handler with mw.
func (s *Server) Use(mw func(http.Handler) http.Handler) {
	s.handler = mw(s.handler)
}

func (s *Server) Scheme() string {
	if s.cfg.TLS != nil {
		return "https"
	}
	return "http"
}

// Addr is the bind:port the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Bind, strconv.Itoa(s.cfg.Port))
}

// Listen binds the socket, wrapping it in TLS when configured. A port held by
// another process yields ErrPortInUse.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			return nil, fmt.Errorf("%w: %s: %w", ErrPortInUse, s.Addr(), err)
		}
		return nil, err
	}
	if s.cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConns)
	}
	if s.cfg.TLS != nil {
		ln = tls.NewListener(ln, s.cfg.TLS)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is done, then shuts down gracefully.
// It returns nil on a clean shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
		// Empty non-nil map: no HTTP/2 upgrade.
		TLSNextProto: map[string]func(*http.Server, *tls.Conn, http.Handler){},
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}
	log.Infof("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the root directory handle.
func (s *Server) Close() error {
	return s.root.Close()
}

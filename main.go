// Devserve serves a local web (wasm) build over HTTP or HTTPS so it can be
// opened from other devices on the LAN, which need a secure context.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"fortio.org/cli"
	"fortio.org/duration"
	"fortio.org/log"
	"github.com/fatih/color"
	"grol.io/devserve/certs"
	"grol.io/devserve/serve"
)

const buildHint = "Run 'zig build -Dtarget=wasm32-emscripten' first to build the web version."

func main() {
	os.Exit(Main())
}

// hookServer, when set (main_pprof.go), gets to wrap the server's handler.
var hookServer func(s *serve.Server)

func Main() int {
	cfg, mimeTypes, err := LoadConfig()
	if err != nil {
		return log.FErrf("Error loading config: %v", err)
	}
	config = cfg
	cli.EnvHelpFuncs = append(cli.EnvHelpFuncs, EnvHelp)
	httpsFlag := flag.Bool("https", cfg.HTTPS, "serve over HTTPS, generating a self-signed certificate if none exists")
	rootFlag := flag.String("root", cfg.Root, "`directory` holding the web build to serve")
	certDirFlag := flag.String("certs", cfg.CertDir, "`directory` for cert.pem and key.pem")
	certToolFlag := flag.String("cert-tool", cfg.CertTool,
		"certificate generation `command` (openssl compatible), or \""+certs.BuiltinTool+"\" to generate in process")
	ipCmdFlag := flag.String("ip-cmd", cfg.IPCmd, "`command` listing local IPv4 addresses, empty to ask the Go runtime")
	bindFlag := flag.String("bind", cfg.Bind, "`address` to listen on")
	maxConnsFlag := flag.Int("max-conns", cfg.MaxConns, "maximum simultaneous connections, 0 for unlimited")
	validity := duration.Flag("validity", certs.DefaultValidity, "validity of newly generated certificates")
	shutdownTimeout := duration.Flag("shutdown-timeout", serve.DefaultShutdownTimeout, "grace period for in-flight requests on exit")
	certsOnly := flag.Bool("certs-only", false, "only make sure the certificate exists, then exit")
	cli.ArgsHelp = "[--https] [port]\n(port defaults to " + strconv.Itoa(serve.DefaultPort) + ", flags and port may come in either order)"
	cli.MaxArgs = 2
	cli.Main()
	cfg.HTTPS = *httpsFlag
	cfg.Root = *rootFlag
	cfg.CertDir = *certDirFlag
	cfg.CertTool = *certToolFlag
	cfg.IPCmd = *ipCmdFlag
	cfg.Bind = *bindFlag
	cfg.MaxConns = *maxConnsFlag
	if err = ApplyArgs(&cfg, flag.Args()); err != nil {
		return log.FErrf("%v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *certsOnly {
		if _, err = provision(ctx, cfg, *validity); err != nil {
			return log.FErrf("%v", err)
		}
		return 0
	}
	root, _ := filepath.Abs(cfg.Root)
	srvCfg := serve.Config{
		Root:            root,
		Bind:            cfg.Bind,
		Port:            cfg.Port,
		MaxConns:        cfg.MaxConns,
		ShutdownTimeout: *shutdownTimeout,
		MimeTypes:       mimeTypes,
	}
	// Checked first: a missing build must not leave certificates or sockets behind.
	if fi, serr := os.Stat(root); serr != nil || !fi.IsDir() {
		return rootMissing(root)
	}
	if cfg.HTTPS {
		srvCfg.TLS, err = provision(ctx, cfg, *validity)
		if err != nil {
			return log.FErrf("%v", err)
		}
	}
	srv, err := serve.New(srvCfg)
	if errors.Is(err, serve.ErrRootNotFound) {
		return rootMissing(root)
	}
	if err != nil {
		return log.FErrf("%v", err)
	}
	defer srv.Close()
	if hookServer != nil {
		hookServer(srv)
	}
	ln, err := srv.Listen()
	if err != nil {
		return log.FErrf("Can't listen: %v", err)
	}
	log.Infof("devserve %s listening on %s (%s)", cli.LongVersion, ln.Addr(), srv.Scheme())
	printBanner(root, srv.Scheme(), cfg.Port, srvCfg.TLS)
	if err = srv.Serve(ctx, ln); err != nil {
		return log.FErrf("%v", err)
	}
	fmt.Println("\nServer stopped.")
	return 0
}

func rootMissing(root string) int {
	log.Errf("Web build directory not found: %s", root)
	return log.FErrf(buildHint)
}

// provision makes sure the certificate bundle exists and loads it.
func provision(ctx context.Context, cfg Config, validity time.Duration) (*tls.Config, error) {
	gen, err := certs.NewGenerator(cfg.CertTool)
	if err != nil {
		return nil, err
	}
	var lister certs.LocalAddressLister = certs.InterfaceLister{}
	if cfg.IPCmd != "" {
		cl, lerr := certs.NewCommandLister(cfg.IPCmd)
		if lerr != nil {
			log.Warnf("Not using address command: %v", lerr)
			lister = nil
		} else {
			lister = cl
		}
	}
	p := &certs.Provisioner{
		Dir:       cfg.CertDir,
		Lister:    lister,
		Generator: gen,
		Validity:  validity,
	}
	b, generated, err := p.Ensure(ctx)
	if err != nil {
		return nil, err
	}
	if generated {
		log.Infof("Created %s and %s", b.CertPath, b.KeyPath)
	}
	return certs.LoadTLSConfig(b)
}

func printBanner(root, scheme string, port int, tlsCfg *tls.Config) {
	url := func(host string) string {
		return color.CyanString("%s://%s:%d", scheme, host, port)
	}
	fmt.Printf("Serving web build from: %s\n", root)
	fmt.Printf("Open %s in your browser\n", url("localhost"))
	if tlsCfg != nil && len(tlsCfg.Certificates) > 0 && tlsCfg.Certificates[0].Leaf != nil {
		for _, ip := range tlsCfg.Certificates[0].Leaf.IPAddresses {
			if !ip.IsLoopback() {
				fmt.Printf("  or from another device: %s\n", url(ip.String()))
			}
		}
		fmt.Println(color.YellowString("The certificate is self-signed: accept the browser warning once per device."))
	}
	fmt.Println("Press Ctrl+C to stop")
}

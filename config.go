package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"

	"fortio.org/log"
	"fortio.org/safecast"
	"fortio.org/struct2env"
	"github.com/BurntSushi/toml"
	"grol.io/devserve/certs"
	"grol.io/devserve/serve"
)

const (
	EnvPrefix         = "DEVSERVE_"
	DefaultConfigFile = "devserve.toml"
	// ConfigFileEnv overrides DefaultConfigFile; the file must then exist.
	ConfigFileEnv = EnvPrefix + "CONFIG"
)

// Config is the server configuration, from defaults, then the optional toml
// file, then DEVSERVE_* environment variables, then flags.
type Config struct {
	Port     int    `toml:"port"`
	HTTPS    bool   `toml:"https"`
	Root     string `toml:"root"`
	CertDir  string `toml:"cert_dir"`
	CertTool string `toml:"cert_tool"`
	IPCmd    string `toml:"ip_cmd"`
	Bind     string `toml:"bind"`
	MaxConns int    `toml:"max_conns"`
}

type fileConfig struct {
	Config
	// Mime holds extra extension -> content type overrides.
	Mime map[string]string `toml:"mime"`
}

func DefaultConfig() Config {
	return Config{
		Port:     serve.DefaultPort,
		Root:     "zig-out",
		CertDir:  "certs",
		CertTool: "openssl",
		IPCmd:    certs.DefaultAddressCommand,
		Bind:     serve.DefaultBind,
		MaxConns: serve.DefaultMaxConns,
	}
}

// config is what EnvHelp reports.
var config = DefaultConfig()

func EnvHelp(w io.Writer) {
	res, _ := struct2env.StructToEnvVars(config)
	str := struct2env.ToShellWithPrefix(EnvPrefix, res, true)
	fmt.Fprintln(w, "# devserve environment variables:")
	fmt.Fprint(w, str)
}

// LoadConfig applies the config file and the environment on top of the defaults.
func LoadConfig() (Config, map[string]string, error) {
	fc := fileConfig{Config: DefaultConfig()}
	path, explicit := os.LookupEnv(ConfigFileEnv)
	if !explicit {
		path = DefaultConfigFile
	}
	if _, err := os.Stat(path); err == nil || explicit {
		md, err := toml.DecodeFile(path, &fc)
		if err != nil {
			return fc.Config, nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			log.Warnf("Ignoring unknown keys in %s: %v", path, undecoded)
		}
		log.Infof("Loaded config from %s", path)
	}
	if errs := struct2env.SetFromEnv(EnvPrefix, &fc.Config); len(errs) > 0 {
		return fc.Config, nil, fmt.Errorf("environment: %w", errors.Join(errs...))
	}
	return fc.Config, fc.Mime, nil
}

// ApplyArgs handles the positional arguments: an optional port and a
// trailing --https, in any order.
func ApplyArgs(cfg *Config, args []string) error {
	portSeen := false
	for _, a := range args {
		switch a {
		case "--https", "-https":
			cfg.HTTPS = true
			continue
		}
		p, err := strconv.Atoi(a)
		if err != nil {
			return fmt.Errorf("invalid port %q", a)
		}
		if portSeen {
			return fmt.Errorf("port given twice: %q", a)
		}
		portSeen = true
		cfg.Port = p
	}
	return CheckPort(cfg.Port)
}

func CheckPort(port int) error {
	p, err := safecast.Conv[uint16](port)
	if err != nil || p == 0 {
		return fmt.Errorf("invalid port %d, must be 1-65535", port)
	}
	return nil
}

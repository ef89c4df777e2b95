package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/config"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/KevoDB/nvparam/pkg/param"
	"github.com/KevoDB/nvparam/pkg/server"
	"github.com/KevoDB/nvparam/pkg/telemetry"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".inspect"),
	readline.PcItem(".export"),
	readline.PcItem(".import"),
	readline.PcItem("GET"),
	readline.PcItem("SET"),
	readline.PcItem("SAVE"),
	readline.PcItem("DUMP"),
)

// Options holds the command line settings
type Options struct {
	ConfigPath  string
	Profile     string
	Image       string
	ServerMode  bool
	ListenAddr  string
	ConnectAddr string
	LogLevel    string
	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string
	TLSCAFile   string
}

func main() {
	opts := parseFlags()

	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	log.SetLevel(cfg.LogLevel())

	if opts.ConnectAddr != "" {
		client, err := server.Dial(opts.ConnectAddr, server.TLSConfig{
			Enabled:  opts.TLSEnabled,
			CertFile: opts.TLSCertFile,
			KeyFile:  opts.TLSKeyFile,
			CAFile:   opts.TLSCAFile,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", opts.ConnectAddr, err)
			os.Exit(1)
		}
		err = runInteractive(newShell(newRemoteBackend(client), nil), opts.ConnectAddr)
		client.Close()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	node, err := openNode(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening parameter partition: %v\n", err)
		os.Exit(1)
	}

	if opts.ServerMode {
		err = runServer(node, cfg)
	} else {
		err = runInteractive(newShell(newLocalBackend(node.registry), node.registry), cfg.Device.Image)
	}

	// os.Exit skips deferred calls, so the device is released first.
	if closeErr := node.Close(); closeErr != nil {
		fmt.Fprintf(os.Stderr, "Error releasing device: %v\n", closeErr)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags parses command line flags and returns Options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "nvparam - boot parameter partition tool\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: nvparam [options]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "By default, nvparam opens the configured device and starts an interactive shell.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "With -server it exposes the parameters over gRPC; with -connect it drives a remote server.\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nFor the list of shell commands, start nvparam and type .help\n")
	}

	configPath := flag.String("config", "", "Configuration file (yaml, toml or json)")
	profile := flag.String("profile", "", "Machine profile as key=value pairs, e.g. machine=cygnus")
	image := flag.String("image", "", "Flash image file; overrides device.image")
	serverMode := flag.Bool("server", false, "Run in server mode, exposing a gRPC API")
	listenAddr := flag.String("address", "", "Address to listen on in server mode")
	connectAddr := flag.String("connect", "", "Connect to a remote nvparam server instead of opening a device")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")

	tlsEnabled := flag.Bool("tls", false, "Enable TLS for secure connections")
	tlsCertFile := flag.String("cert", "", "TLS certificate file path")
	tlsKeyFile := flag.String("key", "", "TLS private key file path")
	tlsCAFile := flag.String("ca", "", "TLS CA certificate file")

	flag.Parse()

	return Options{
		ConfigPath:  *configPath,
		Profile:     *profile,
		Image:       *image,
		ServerMode:  *serverMode,
		ListenAddr:  *listenAddr,
		ConnectAddr: *connectAddr,
		LogLevel:    *logLevel,
		TLSEnabled:  *tlsEnabled,
		TLSCertFile: *tlsCertFile,
		TLSKeyFile:  *tlsKeyFile,
		TLSCAFile:   *tlsCAFile,
	}
}

// buildConfig loads the configuration file, if any, and applies flag overrides.
func buildConfig(opts Options) (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	profile, err := parseProfile(opts.Profile)
	if err != nil {
		return nil, err
	}

	cfg.Update(func(c *config.Config) {
		if opts.Image != "" {
			c.Device.Image = opts.Image
		}
		if opts.ListenAddr != "" {
			c.Server.Address = opts.ListenAddr
		}
		if opts.LogLevel != "" {
			c.Logging.Level = opts.LogLevel
		}
		if opts.TLSEnabled {
			c.Server.TLSEnabled = true
			c.Server.TLSCertFile = opts.TLSCertFile
			c.Server.TLSKeyFile = opts.TLSKeyFile
			c.Server.TLSCAFile = opts.TLSCAFile
		}
		if len(profile) > 0 {
			if c.Schema.Profile == nil {
				c.Schema.Profile = make(map[string]any, len(profile))
			}
			for k, v := range profile {
				c.Schema.Profile[k] = v
			}
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseProfile turns "machine=cygnus,rev=3" into a profile. Values that parse
// as integers or booleans keep that type.
func parseProfile(s string) (param.Profile, error) {
	profile := make(param.Profile)
	if strings.TrimSpace(s) == "" {
		return profile, nil
	}

	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid profile entry %q, expected key=value", pair)
		}
		value = strings.TrimSpace(value)

		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			profile[key] = int(n)
		} else if b, err := strconv.ParseBool(value); err == nil {
			profile[key] = b
		} else {
			profile[key] = value
		}
	}
	return profile, nil
}

// node bundles the device, telemetry and registry opened for local use.
type node struct {
	dev       *device.Flash
	telemetry telemetry.Telemetry
	metrics   param.Metrics
	registry  *param.Registry
}

func openNode(ctx context.Context, cfg *config.Config) (*node, error) {
	dev, err := cfg.OpenDevice()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		dev.Release()
		return nil, err
	}
	metrics := param.NewMetrics(tel)

	engine, err := param.NewEngine(dev,
		param.WithDeviceID(cfg.Device.DeviceID),
		param.WithPartitionID(cfg.Store.PartitionID),
		param.WithMetrics(metrics),
	)
	if err != nil {
		dev.Release()
		return nil, err
	}

	schema, err := cfg.BuildSchema()
	if err != nil {
		dev.Release()
		return nil, err
	}

	registry, err := param.Open(ctx, engine, schema, cfg.Profile())
	if err != nil {
		dev.Release()
		return nil, err
	}

	return &node{dev: dev, telemetry: tel, metrics: metrics, registry: registry}, nil
}

// Close releases telemetry and the device
func (n *node) Close() error {
	n.metrics.Close()
	n.telemetry.Shutdown(context.Background())
	return n.dev.Release()
}

// runInteractive starts the interactive CLI mode
func runInteractive(sh *shell, target string) error {
	fmt.Println("nvparam shell")
	fmt.Println("Enter .help for usage hints.")

	prompt := "nvparam> "
	if target != "" {
		prompt = fmt.Sprintf("nvparam:%s> ", target)
	}

	historyFile := filepath.Join(os.TempDir(), ".nvparam_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     historyFile,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	sh.out = rl.Stdout()
	for {
		line, readErr := rl.Readline()
		if readErr != nil {
			if readErr == readline.ErrInterrupt {
				if len(line) == 0 {
					return nil
				}
				continue
			} else if readErr == io.EOF {
				fmt.Println("Goodbye!")
				return nil
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.Execute(context.Background(), line) {
			return nil
		}
	}
}

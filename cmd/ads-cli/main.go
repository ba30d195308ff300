package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/grid-x/ads"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const usage = `commands:
  read <path>                read and print a variable
  write <path> <value>       write a value, JSON for arrays and structs
  watch <path> [rate]        print changes of a variable, e.g. watch MAIN.n 250ms
  unwatch <path>             stop watching (shell only)
  list [start] [-persistent] list instance paths
  type <path>                describe the type of a variable
  types                      describe the declared data types
  info                       print device info and state
  help                       print this help
  quit                       leave the shell`

var errQuit = errors.New("quit")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ads-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		configPath   = fs.String("config", "", "YAML or TOML config file")
		address      = fs.String("address", "", "AMS router host[:port], e.g. 192.168.0.10")
		targetNetID  = fs.String("target", "", "Target AMS net id, e.g. 5.12.34.56.1.1")
		targetPort   = fs.Int("target-port", 0, "Target ADS port, 851 for the first PLC runtime")
		sourceNetID  = fs.String("source", "", "Local AMS net id")
		sourcePort   = fs.Int("source-port", 0, "Local ADS port")
		serialPort   = fs.String("serial", "", "Serial device instead of TCP, e.g. /dev/ttyUSB0")
		timeout      = fs.Duration("timeout", 0, "Request timeout")
		scanInterval = fs.Duration("scan-interval", 0, "Notification scan interval")
		metricsAddr  = fs.String("metrics-addr", "", "Serve Prometheus metrics on this address")
		logLevel     = fs.String("log-level", "", "trace, debug, info, warn, error or disabled")
		logFrame     = fs.Bool("log-frame", false, "log sent and received AMS frames")
	)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "address":
			cfg.Target.Address = *address
		case "target":
			cfg.Target.NetID = *targetNetID
		case "target-port":
			cfg.Target.Port = *targetPort
		case "source":
			cfg.Source.NetID = *sourceNetID
		case "source-port":
			cfg.Source.Port = *sourcePort
		case "serial":
			cfg.Serial.Address = *serialPort
		case "timeout":
			cfg.TimeoutMS = int(*timeout / time.Millisecond)
		case "scan-interval":
			cfg.ScanIntervalMS = int(*scanInterval / time.Millisecond)
		case "metrics-addr":
			cfg.MetricsAddr = *metricsAddr
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})
	if *logFrame {
		cfg.LogLevel = "trace"
	}
	logger := newLogger(stderr, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport, err := newTransport(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("transport")
		return 1
	}
	defer transport.Close()
	if err := transport.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("connect")
		return 1
	}

	reg := prometheus.NewRegistry()
	metrics, err := ads.NewMetrics(reg)
	if err != nil {
		logger.Error().Err(err).Msg("metrics")
		return 1
	}
	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsHandler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server")
			}
		}()
		defer srv.Close()
	}

	client := ads.New(transport, ads.NewUploadCatalog(transport, logger),
		ads.WithLogger(logger),
		ads.WithScanInterval(cfg.scanInterval()),
		ads.WithMetrics(metrics),
	)
	defer client.Close()

	sh := &shell{client: client, transport: transport, out: stdout, logger: logger}
	if fs.NArg() == 0 {
		return sh.interactive(ctx, stdin)
	}
	if err := sh.exec(ctx, fs.Args(), true); err != nil {
		logger.Error().Err(err).Msg(fs.Arg(0))
		return 1
	}
	return 0
}

// deviceTransport is implemented by the stream transports.
type deviceTransport interface {
	ads.Transport
	ReadDeviceInfo(ctx context.Context) (ads.DeviceInfo, error)
	ReadState(ctx context.Context) (adsState, deviceState uint16, err error)
}

func newTransport(cfg config, logger zerolog.Logger) (deviceTransport, error) {
	target, source, err := cfg.addrs()
	if err != nil {
		return nil, err
	}
	if cfg.Serial.Address != "" {
		t := ads.NewSerialTransport(cfg.Serial.Address, target, source)
		t.Config.BaudRate = cfg.Serial.BaudRate
		t.Config.DataBits = cfg.Serial.DataBits
		t.Config.StopBits = cfg.Serial.StopBits
		t.Config.Parity = strings.ToUpper(cfg.Serial.Parity)
		t.Config.Timeout = cfg.timeout()
		t.Timeout = cfg.timeout()
		t.ReconnectBackoff = cfg.backoff()
		t.Logger = logger
		return t, nil
	}
	t := ads.NewTCPTransport(cfg.Target.Address, target, source)
	t.Timeout = cfg.timeout()
	t.ReconnectBackoff = cfg.backoff()
	t.Logger = logger
	return t, nil
}

func metricsHandler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

type shell struct {
	client    *ads.Client
	transport deviceTransport
	out       io.Writer
	logger    zerolog.Logger
}

func (sh *shell) interactive(ctx context.Context, in io.Reader) int {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(sh.out, "> ")
	for scanner.Scan() {
		args := strings.Fields(scanner.Text())
		if len(args) > 0 {
			err := sh.exec(ctx, args, false)
			if errors.Is(err, errQuit) {
				return 0
			}
			if err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return 0
		}
		fmt.Fprint(sh.out, "> ")
	}
	return 0
}

// exec runs one command. A one-shot watch blocks until ctx is done.
func (sh *shell) exec(ctx context.Context, args []string, oneShot bool) error {
	cmd, args := strings.ToLower(args[0]), args[1:]
	switch cmd {
	case "read":
		if len(args) != 1 {
			return errors.New("usage: read <path>")
		}
		v, err := sh.client.GetValue(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, formatValue(v))
	case "write":
		if len(args) < 2 {
			return errors.New("usage: write <path> <value>")
		}
		if err := sh.client.SetValueString(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "ok")
	case "watch":
		if len(args) < 1 || len(args) > 2 {
			return errors.New("usage: watch <path> [rate]")
		}
		rate := time.Duration(0)
		if len(args) == 2 {
			d, err := time.ParseDuration(args[1])
			if err != nil {
				return fmt.Errorf("rate: %w", err)
			}
			rate = d
		}
		if _, err := ads.AddNotificationAs[any](ctx, sh.client, args[0], rate, func(path string, _, v any) {
			fmt.Fprintf(sh.out, "%s %s = %s\n", time.Now().Format(time.RFC3339), path, formatValue(v))
		}); err != nil {
			return err
		}
		if oneShot {
			<-ctx.Done()
			return sh.client.RemoveAllNotifications(context.Background(), args[0])
		}
	case "unwatch":
		if len(args) != 1 {
			return errors.New("usage: unwatch <path>")
		}
		return sh.client.RemoveAllNotifications(ctx, args[0])
	case "list":
		var start string
		persistent := false
		for _, a := range args {
			if a == "-persistent" {
				persistent = true
			} else {
				start = a
			}
		}
		paths, err := sh.client.Variables(ctx, start, persistent)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(sh.out, p)
		}
	case "type":
		if len(args) != 1 {
			return errors.New("usage: type <path>")
		}
		info, err := sh.client.TypeInfo(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(sh.out, info)
	case "types":
		types, err := sh.client.DataTypes(ctx)
		if err != nil {
			return err
		}
		return printJSON(sh.out, types)
	case "info":
		info, err := sh.transport.ReadDeviceInfo(ctx)
		if err != nil {
			return err
		}
		adsState, deviceState, err := sh.transport.ReadState(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s\nads state %d, device state %d\n", info, adsState, deviceState)
	case "help":
		fmt.Fprintln(sh.out, usage)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command '%s', try help", cmd)
	}
	return nil
}

// formatValue prints scalars plainly and composite values as JSON.
func formatValue(v any) string {
	switch x := v.(type) {
	case ads.Enum:
		return x.String()
	case string:
		return x
	case *ads.Struct, []any:
		return indentJSON(x)
	}
	if b, err := json.Marshal(v); err == nil && len(b) > 0 && b[0] == '[' {
		return indentJSON(v)
	}
	return fmt.Sprint(v)
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

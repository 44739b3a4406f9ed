// Command mwclient logs into the virtual stock exchange and lists games,
// resolves quotes, places orders or streams live prices.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/mwclient/internal/client"
	"github.com/coachpo/mwclient/internal/config"
	"github.com/coachpo/mwclient/internal/observability"
	"github.com/coachpo/mwclient/internal/session"
	"github.com/coachpo/mwclient/internal/telemetry"
	"github.com/coachpo/mwclient/internal/trade"
)

const (
	defaultConfigPath        = "config/mwclient.yaml"
	loggerPrefix             = "mwclient "
	telemetryShutdownTimeout = 5 * time.Second
)

const usage = `usage: mwclient [flags] <command> [args]

commands:
  games                        list joined games
  quote TICKER                 resolve a ticker
  buy TICKER SHARES            place a buy order
  trade TYPE TICKER SHARES     place a Buy, Sell, Short or Cover order
  stream TICKER [TICKER...]    stream live prices until interrupted
`

type cliFlags struct {
	configPath string
	game       string
	verbose    bool
}

func main() {
	flags, args := parseFlags(os.Args[1:], os.Stderr)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)
	if err := run(ctx, logger, flags, args, os.Stdout); err != nil {
		logger.Printf("error: %v", err)
		cancel()
		os.Exit(1)
	}
}

func parseFlags(argv []string, stderr io.Writer) (cliFlags, []string) {
	var f cliFlags
	fs := flag.NewFlagSet("mwclient", flag.ExitOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&f.game, "game", "", "Game to operate on (default: config defaultGame, else first joined game)")
	fs.BoolVar(&f.verbose, "verbose", false, "Log every stream frame and request")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	_ = fs.Parse(argv)
	return f, fs.Args()
}

func run(ctx context.Context, logger *log.Logger, flags cliFlags, args []string, stdout io.Writer) error {
	cmd, err := parseCommand(args)
	if err != nil {
		return err
	}

	configPath := flags.configPath
	if configPath == "" {
		configPath = defaultConfigPath
	}
	cfg, loadedFromFile, err := config.LoadOrDefault(ctx, configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file %s not found, using defaults", configPath)
	}
	if flags.verbose {
		cfg.Verbose = true
	}
	if flags.game != "" {
		cfg.DefaultGame = flags.game
	}
	observability.SetLogger(observability.NewStdLogger(logger, cfg.Verbose))

	provider, err := initTelemetry(ctx, logger, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, provider)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	c, err := client.Login(ctx, session.Credentials{
		Username: cfg.Credentials.Username,
		Password: cfg.Credentials.Password,
	}, client.OptionsFromConfig(cfg))
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	logger.Printf("logged in as %s: games=%d", cfg.Credentials.Username, len(c.Games()))

	return cmd.execute(ctx, c, cfg.DefaultGame, stdout)
}

type command struct {
	name    string
	tickers []string
	typ     trade.Type
	shares  decimal.Decimal
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New("missing command\n" + usage)
	}
	cmd := command{name: strings.ToLower(args[0])}
	rest := args[1:]
	switch cmd.name {
	case "games":
		if len(rest) != 0 {
			return command{}, errors.New("games takes no arguments")
		}
	case "quote":
		if len(rest) != 1 {
			return command{}, errors.New("quote requires TICKER")
		}
		cmd.tickers = rest
	case "buy":
		if len(rest) != 2 {
			return command{}, errors.New("buy requires TICKER SHARES")
		}
		return withOrder(cmd, trade.TypeBuy, rest[0], rest[1])
	case "trade":
		if len(rest) != 3 {
			return command{}, errors.New("trade requires TYPE TICKER SHARES")
		}
		typ, err := trade.ParseType(rest[0])
		if err != nil {
			return command{}, err
		}
		return withOrder(cmd, typ, rest[1], rest[2])
	case "stream":
		if len(rest) == 0 {
			return command{}, errors.New("stream requires at least one TICKER")
		}
		cmd.tickers = rest
	default:
		return command{}, fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
	return cmd, nil
}

func withOrder(cmd command, typ trade.Type, ticker, shares string) (command, error) {
	qty, err := decimal.NewFromString(shares)
	if err != nil {
		return command{}, fmt.Errorf("parse shares %q: %w", shares, err)
	}
	cmd.typ = typ
	cmd.tickers = []string{ticker}
	cmd.shares = qty
	return cmd, nil
}

func (cmd command) execute(ctx context.Context, c *client.Client, game string, stdout io.Writer) error {
	if cmd.name == "games" {
		for _, g := range c.Games() {
			fmt.Fprintf(stdout, "%s\t%s\n", g.Name, g.URL)
		}
		return nil
	}

	scope, err := c.Game(game)
	if err != nil {
		return err
	}
	switch cmd.name {
	case "quote":
		inst, err := scope.Quote(ctx, cmd.tickers[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s\t%s\tfuid=%s\tchart=%s\n", inst.Ticker, inst.Name, inst.FUID, inst.ChartingSymbol)
		return nil
	case "buy", "trade":
		result, err := scope.Transact(ctx, cmd.tickers[0], cmd.typ, cmd.shares)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s %s %s in %s: succeeded=%t %s\n",
			cmd.typ, cmd.shares, strings.ToUpper(cmd.tickers[0]), scope.Game().Name, result.Succeeded, result.Message)
		return nil
	default:
		return streamPrices(ctx, scope, cmd.tickers, stdout)
	}
}

// streamPrices prints every price frame until ctx is cancelled or the stream fails.
func streamPrices(ctx context.Context, scope *client.GameScope, tickers []string, stdout io.Writer) error {
	s, err := scope.OpenStream(ctx, tickers)
	if err != nil {
		return err
	}
	streamCtx, stop := context.WithCancel(ctx)
	defer stop()

	var lifecycle conc.WaitGroup
	var streamErr error
	lifecycle.Go(func() {
		defer stop()
		for ev, err := range s.Events(streamCtx) {
			if err != nil {
				streamErr = err
				return
			}
			fmt.Fprintln(stdout, string(ev.Raw))
		}
	})
	lifecycle.Go(func() {
		<-streamCtx.Done()
		_ = s.Close()
	})
	lifecycle.Wait()
	return streamErr
}

func initTelemetry(ctx context.Context, logger *log.Logger, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.Enabled {
		telemetryCfg.Enabled = true
	}
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	if cfg.OTLPInsecure {
		telemetryCfg.OTLPInsecure = true
	}

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	}
	return provider, nil
}

func shutdownTelemetry(logger *log.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
}

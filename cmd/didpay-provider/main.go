package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/carlmjohnson/versioninfo"
	didpay "github.com/did-method-plc/go-didpay"
	"github.com/did-method-plc/go-didpay/server"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

// key manager provider name for the provider account's owner
const ownerProvider = "provider"

func main() {
	cmd := &cli.Command{
		Name:  "didpay-provider",
		Usage: "service provider accepting DID presentations and redeeming payment delegations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "postgres-url",
				Usage:   "PostgreSQL connection string (if set, uses Postgres instead of SQLite)",
				Sources: cli.EnvVars("POSTGRES_URL"),
			},
			&cli.StringFlag{
				Name:    "sqlite-path",
				Usage:   "SQLite database file path (used when --postgres-url is not set)",
				Value:   "didpay.db",
				Sources: cli.EnvVars("SQLITE_PATH"),
			},
			&cli.StringFlag{
				Name:    "bind",
				Usage:   "HTTP server listen address",
				Value:   ":8080",
				Sources: cli.EnvVars("DIDPAY_BIND"),
			},
			&cli.StringFlag{
				Name:    "metrics-addr",
				Usage:   "Metrics HTTP server listen address",
				Value:   ":9464",
				Sources: cli.EnvVars("METRICS_ADDR"),
			},
			&cli.Uint64Flag{
				Name:    "chain-id",
				Usage:   "EVM chain id of the provider account",
				Value:   84532,
				Sources: cli.EnvVars("CHAIN_ID"),
			},
			&cli.StringFlag{
				Name:     "rpc-url",
				Usage:    "Ethereum JSON-RPC endpoint used for ERC-1271 checks and code lookups",
				Required: true,
				Sources:  cli.EnvVars("ETH_RPC_URL"),
			},
			&cli.StringFlag{
				Name:     "bundler-url",
				Usage:    "ERC-4337 bundler JSON-RPC endpoint",
				Required: true,
				Sources:  cli.EnvVars("BUNDLER_URL"),
			},
			&cli.StringFlag{
				Name:    "resolver-url",
				Usage:   "universal resolver base URL for DID methods other than did:pkh",
				Sources: cli.EnvVars("RESOLVER_URL"),
			},
			&cli.StringFlag{
				Name:    "signer-key",
				Usage:   "hex private key of the provider account owner",
				Sources: cli.EnvVars("PROVIDER_SIGNER_KEY"),
			},
			&cli.StringFlag{
				Name:    "signer-url",
				Usage:   "wallet JSON-RPC endpoint holding the provider account owner (used when --signer-key is not set)",
				Sources: cli.EnvVars("PROVIDER_SIGNER_URL"),
			},
			&cli.StringFlag{
				Name:    "owner",
				Usage:   "owner address at --signer-url (default: first eth_accounts entry)",
				Sources: cli.EnvVars("PROVIDER_OWNER"),
			},
			&cli.StringFlag{
				Name:    "account",
				Usage:   "address of an already deployed provider account",
				Sources: cli.EnvVars("PROVIDER_ACCOUNT"),
			},
			&cli.StringFlag{
				Name:    "factory",
				Usage:   "CREATE2 account factory address",
				Sources: cli.EnvVars("ACCOUNT_FACTORY"),
			},
			&cli.StringFlag{
				Name:    "implementation",
				Usage:   "account implementation address",
				Sources: cli.EnvVars("ACCOUNT_IMPLEMENTATION"),
			},
			&cli.StringFlag{
				Name:    "proxy-code",
				Usage:   "hex creation code of the account proxy",
				Sources: cli.EnvVars("ACCOUNT_PROXY_CODE"),
			},
			&cli.StringFlag{
				Name:    "salt",
				Usage:   "CREATE2 salt (32-byte hex)",
				Sources: cli.EnvVars("ACCOUNT_SALT"),
			},
			&cli.StringFlag{
				Name:    "domain",
				Usage:   "if set, presentations must be bound to this domain",
				Sources: cli.EnvVars("DIDPAY_DOMAIN"),
			},
			&cli.DurationFlag{
				Name:    "challenge-ttl",
				Usage:   "lifetime of issued challenges",
				Value:   didpay.DefaultChallengeTTL,
				Sources: cli.EnvVars("CHALLENGE_TTL"),
			},
			&cli.DurationFlag{
				Name:    "inclusion-timeout",
				Usage:   "how long to wait for a redemption to be included on-chain",
				Value:   2 * time.Minute,
				Sources: cli.EnvVars("INCLUSION_TIMEOUT"),
			},
			&cli.StringSliceFlag{
				Name:    "service",
				Usage:   "service offered on confirmation, as id=name (repeatable)",
				Sources: cli.EnvVars("SERVICES"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.BoolFlag{
				Name:    "log-json",
				Usage:   "Output logs in JSON format",
				Sources: cli.EnvVars("LOG_JSON"),
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func newLogger(levelName string, json bool) *slog.Logger {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseServices(specs []string) ([]didpay.Service, error) {
	var out []didpay.Service
	for _, s := range specs {
		id, name, ok := strings.Cut(s, "=")
		if !ok || id == "" || name == "" {
			return nil, fmt.Errorf("invalid service %q: expected id=name", s)
		}
		out = append(out, didpay.Service{ID: id, Name: name})
	}
	return out, nil
}

func optionalAddress(cmd *cli.Command, name string) (common.Address, error) {
	v := cmd.String(name)
	if v == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, v)
	}
	return common.HexToAddress(v), nil
}

func dialEthereum(ctx context.Context, url string) (*ethclient.Client, error) {
	hc := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(hc))
	if err != nil {
		return nil, fmt.Errorf("dialing ethereum rpc: %w", err)
	}
	return ethclient.NewClient(client), nil
}

// buildAccount sets up the owner signer and the provider's smart account
func buildAccount(ctx context.Context, cmd *cli.Command, chainID *big.Int) (*didpay.HybridAccount, error) {
	var signer didpay.ExternalSigner
	switch {
	case cmd.String("signer-key") != "":
		ks, err := didpay.KeySignerFromHex(cmd.String("signer-key"))
		if err != nil {
			return nil, err
		}
		signer = ks
	case cmd.String("signer-url") != "":
		owner, err := optionalAddress(cmd, "owner")
		if err != nil {
			return nil, err
		}
		rs, err := didpay.DialRPCSigner(ctx, cmd.String("signer-url"), owner)
		if err != nil {
			return nil, err
		}
		signer = rs
	default:
		return nil, fmt.Errorf("one of --signer-key or --signer-url is required")
	}
	owner, err := signer.Account(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching owner account: %w", err)
	}
	km := didpay.NewWeb3KeyManager(map[string]didpay.ExternalSigner{ownerProvider: signer}, slog.Default())

	config := didpay.HybridAccountConfig{
		ChainID:  chainID,
		OwnerKID: didpay.KID(ownerProvider, owner),
		Owner:    owner,
	}
	if config.Address, err = optionalAddress(cmd, "account"); err != nil {
		return nil, err
	}
	if config.Factory, err = optionalAddress(cmd, "factory"); err != nil {
		return nil, err
	}
	if config.Implementation, err = optionalAddress(cmd, "implementation"); err != nil {
		return nil, err
	}
	if s := cmd.String("proxy-code"); s != "" {
		if config.ProxyCreationCode, err = hexutil.Decode(s); err != nil {
			return nil, fmt.Errorf("--proxy-code: %w", err)
		}
	}
	if s := cmd.String("salt"); s != "" {
		config.Salt = common.HexToHash(s)
	}
	return didpay.NewHybridAccount(config, km)
}

func run(ctx context.Context, cmd *cli.Command) error {
	postgresURL := cmd.String("postgres-url")
	sqlitePath := cmd.String("sqlite-path")
	httpAddr := cmd.String("bind")
	metricsAddr := cmd.String("metrics-addr")
	chainID := new(big.Int).SetUint64(cmd.Uint64("chain-id"))

	logger := newLogger(cmd.String("log-level"), cmd.Bool("log-json"))
	slog.SetDefault(logger)

	services, err := parseServices(cmd.StringSlice("service"))
	if err != nil {
		return err
	}

	otelShutdown, err := setupOTel(ctx)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer otelShutdown(context.Background())

	var store *server.GormStore
	if postgresURL != "" {
		slog.Info("using database", "type", "postgres")
		store, err = server.NewGormStoreWithPostgres(postgresURL, logger)
		if err != nil {
			return fmt.Errorf("failed to create postgres store: %w", err)
		}
	} else {
		slog.Info("using database", "type", "sqlite", "path", sqlitePath)
		store, err = server.NewGormStoreWithSqlite(sqlitePath, logger)
		if err != nil {
			return fmt.Errorf("failed to create sqlite store: %w", err)
		}
	}
	defer store.Close()

	eth, err := dialEthereum(ctx, cmd.String("rpc-url"))
	if err != nil {
		return err
	}
	defer eth.Close()

	account, err := buildAccount(ctx, cmd, chainID)
	if err != nil {
		return err
	}
	bundler, err := didpay.DialBundler(ctx, cmd.String("bundler-url"), didpay.BundlerConfig{
		ChainID: chainID,
		Code:    eth,
	}, logger)
	if err != nil {
		return err
	}
	defer bundler.Close()

	hub := server.NewEventHub(logger)
	state := server.NewProviderState()
	ledger := server.NewLedger(store, hub, state, logger)
	executor := didpay.NewExecutor(account, bundler, didpay.ExecutorConfig{
		InclusionTimeout: cmd.Duration("inclusion-timeout"),
		Sink:             ledger,
	}, logger)
	ledger.TrackInFlight(executor.InFlight())

	var fallback didpay.Resolver
	if u := cmd.String("resolver-url"); u != "" {
		fallback = &didpay.Client{
			ResolverURL: u,
			UserAgent:   fmt.Sprintf("didpay-provider/%s", versioninfo.Short()),
			HTTPClient:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport), Timeout: 30 * time.Second},
		}
	}
	resolver := didpay.NewMultiResolver(map[string]didpay.Resolver{"pkh": didpay.PKHResolver{}}, fallback)

	challenges := didpay.NewChallengeRegistry(cmd.Duration("challenge-ttl"))
	verifier := didpay.NewPresentationVerifier(resolver, eth, challenges, didpay.VerifierConfig{
		ChainID: chainID.Uint64(),
		Domain:  cmd.String("domain"),
	}, logger)
	protocol := didpay.NewHandler(verifier, executor, challenges, didpay.HandlerConfig{
		Address:  didpay.NewPKHIdentifier(chainID.Uint64(), account.Address()).String(),
		Services: services,
	}, logger)

	slog.Info("provider account", "address", account.Address(), "chain", chainID)

	srv := server.NewServer(server.Config{
		Addr:        httpAddr,
		Protocol:    protocol,
		Contracts:   store,
		Redemptions: store,
		Hub:         hub,
		State:       state,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		return ledger.Run(gctx)
	})

	g.Go(func() error {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		slog.Info("metrics server listening", "addr", metricsAddr)
		return http.ListenAndServe(metricsAddr, mux)
	})

	return g.Wait()
}

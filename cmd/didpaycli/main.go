package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	didpay "github.com/did-method-plc/go-didpay"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/urfave/cli/v3"
)

const DIDPAYCLI_USER_AGENT = "go-didpay/didpaycli"

var accountFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "signer-key",
		Usage:   "hex private key of the account owner",
		Sources: cli.EnvVars("SIGNER_KEY"),
	},
	&cli.StringFlag{
		Name:    "account",
		Usage:   "address of an already deployed account",
		Sources: cli.EnvVars("ACCOUNT"),
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
}

func main() {
	app := cli.Command{
		Name:  "didpaycli",
		Usage: "operator tool for DID resolution, presentations and payment delegations",
	}
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "resolver-url",
			Usage:   "universal resolver base URL, for DID methods other than did:pkh",
			Value:   "https://dev.uniresolver.io",
			Sources: cli.EnvVars("RESOLVER_URL"),
		},
		&cli.StringFlag{
			Name:    "provider-url",
			Usage:   "base URL of a didpay provider",
			Value:   "http://localhost:8080",
			Sources: cli.EnvVars("PROVIDER_URL"),
		},
		&cli.Uint64Flag{
			Name:    "chain-id",
			Usage:   "EVM chain id",
			Value:   84532,
			Sources: cli.EnvVars("CHAIN_ID"),
		},
	}
	app.Commands = []*cli.Command{
		{
			Name:      "resolve",
			Usage:     "resolve a DID to its document",
			ArgsUsage: "<did>",
			Action:    runResolve,
		},
		{
			Name:      "map-keys",
			Usage:     "map locally known keys (JSON array of key records on stdin) to a DID's verification methods",
			ArgsUsage: "<did>",
			Action:    runMapKeys,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "section",
					Usage: "document section: authentication, assertionMethod, keyAgreement, ...",
					Value: string(didpay.SectionAuthentication),
				},
			},
		},
		{
			Name:   "challenge",
			Usage:  "request a challenge from a provider",
			Action: runChallenge,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  "sender",
					Usage: "DID to announce as the sender",
				},
			},
		},
		{
			Name:   "ask",
			Usage:  "sign a presentation carrying a payment delegation (JSON on stdin) and ask a provider for service",
			Action: runAsk,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "holder-account",
					Usage:    "smart account address of the holder",
					Required: true,
					Sources:  cli.EnvVars("HOLDER_ACCOUNT"),
				},
				&cli.StringFlag{
					Name:     "signer-key",
					Usage:    "hex private key of the holder account's owner",
					Required: true,
					Sources:  cli.EnvVars("SIGNER_KEY"),
				},
				&cli.StringFlag{
					Name:  "challenge",
					Usage: "challenge to sign (requested from the provider if not set)",
				},
				&cli.StringFlag{
					Name:  "domain",
					Usage: "domain to bind the proof to",
				},
				&cli.BoolFlag{
					Name:  "dry-run",
					Usage: "print the signed presentation instead of sending it",
				},
			},
		},
		{
			Name:   "account",
			Usage:  "print the counterfactual address of a smart account",
			Action: runAccount,
			Flags:  accountFlags,
		},
		{
			Name:   "deploy",
			Usage:  "deploy a smart account through a bundler with a zero-value self call",
			Action: runDeploy,
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:     "bundler-url",
					Usage:    "ERC-4337 bundler JSON-RPC endpoint",
					Required: true,
					Sources:  cli.EnvVars("BUNDLER_URL"),
				},
			}, accountFlags...),
		},
		{
			Name:  "keys",
			Usage: "key utilities",
			Commands: []*cli.Command{
				{
					Name:   "generate",
					Usage:  "generate a fresh secp256k1 private key, printed as hex with its account address",
					Action: runKeyGenerate,
				},
				{
					Name:      "inspect",
					Usage:     "decode a public key (did:key or multibase) and print its type, hex and account",
					ArgsUsage: "<key>",
					Action:    runKeyInspect,
				},
			},
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Println("Error:", err)
		os.Exit(-1)
	}
}

func printJSON(v any) error {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(jsonBytes))
	return nil
}

func newResolver(cmd *cli.Command) didpay.Resolver {
	return didpay.NewMultiResolver(map[string]didpay.Resolver{"pkh": didpay.PKHResolver{}}, &didpay.Client{
		ResolverURL: cmd.String("resolver-url"),
		UserAgent:   DIDPAYCLI_USER_AGENT,
	})
}

func didArg(cmd *cli.Command) (string, error) {
	s := cmd.Args().First()
	if s == "" {
		return "", fmt.Errorf("need to provide DID as an argument")
	}
	did, err := syntax.ParseDID(s)
	if err != nil {
		return "", err
	}
	return did.String(), nil
}

func runResolve(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	doc, err := newResolver(cmd).Resolve(ctx, did)
	if err != nil {
		return err
	}
	return printJSON(doc)
}

func runMapKeys(ctx context.Context, cmd *cli.Command) error {
	did, err := didArg(cmd)
	if err != nil {
		return err
	}
	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	var keys []didpay.KeyRecord
	if err := json.Unmarshal(inBytes, &keys); err != nil {
		return fmt.Errorf("reading key records: %w", err)
	}
	mapper := didpay.NewKeyBindingMapper(newResolver(cmd), slog.Default())
	mapped, err := mapper.MapIdentifierKeys(ctx, did, didpay.Section(cmd.String("section")), keys)
	if err != nil {
		return err
	}
	return printJSON(mapped)
}

func postMessage(ctx context.Context, cmd *cli.Command, msg *didpay.Message) (*didpay.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", strings.TrimSuffix(cmd.String("provider-url"), "/")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", DIDPAYCLI_USER_AGENT)

	client := http.Client{Timeout: 3 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out didpay.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding provider response (status %d): %w", resp.StatusCode, err)
	}
	out.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK {
		return &out, fmt.Errorf("provider rejected %s (%d %s): %s", msg.Type, resp.StatusCode, out.Code, out.Message)
	}
	return &out, nil
}

func runChallenge(ctx context.Context, cmd *cli.Command) error {
	resp, err := postMessage(ctx, cmd, &didpay.Message{
		ID:     fmt.Sprintf("%d", time.Now().UnixNano()),
		Type:   didpay.TypePresentationRequest,
		Sender: cmd.String("sender"),
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runAsk(ctx context.Context, cmd *cli.Command) error {
	acct := cmd.String("holder-account")
	if !common.IsHexAddress(acct) {
		return fmt.Errorf("invalid holder account: %q", acct)
	}
	holder := didpay.NewPKHIdentifier(cmd.Uint64("chain-id"), common.HexToAddress(acct))

	signer, err := didpay.KeySignerFromHex(cmd.String("signer-key"))
	if err != nil {
		return err
	}
	owner, err := signer.Account(ctx)
	if err != nil {
		return err
	}
	km := didpay.NewWeb3KeyManager(map[string]didpay.ExternalSigner{"cli": signer}, slog.Default())

	inBytes, err := io.ReadAll(os.Stdin)
	if err != nil {
		return err
	}
	pd, err := didpay.DecodePaymentDelegation(inBytes)
	if err != nil {
		return err
	}

	challenge := cmd.String("challenge")
	if challenge == "" {
		resp, err := postMessage(ctx, cmd, &didpay.Message{Type: didpay.TypePresentationRequest, Sender: holder.DID()})
		if err != nil {
			return err
		}
		challenge = resp.Challenge
		slog.Info("received challenge", "provider", resp.Address)
	}

	vp, err := didpay.NewPaymentPresentation(holder, pd)
	if err != nil {
		return err
	}
	vm := holder.DID() + "#blockchainAccountId"
	if err := didpay.SignPresentation(ctx, vp, km, didpay.KID("cli", owner), vm, challenge, cmd.String("domain")); err != nil {
		return err
	}
	if cmd.Bool("dry-run") {
		return printJSON(vp)
	}

	payload, err := json.Marshal(map[string]any{"presentation": vp})
	if err != nil {
		return err
	}
	resp, err := postMessage(ctx, cmd, &didpay.Message{
		ID:      fmt.Sprintf("%d", time.Now().UnixNano()),
		Type:    didpay.TypeAskForService,
		Sender:  holder.DID(),
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return printJSON(resp)
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

func buildAccount(ctx context.Context, cmd *cli.Command) (*didpay.HybridAccount, error) {
	if cmd.String("signer-key") == "" {
		return nil, fmt.Errorf("--signer-key is required")
	}
	signer, err := didpay.KeySignerFromHex(cmd.String("signer-key"))
	if err != nil {
		return nil, err
	}
	owner, err := signer.Account(ctx)
	if err != nil {
		return nil, err
	}
	config := didpay.HybridAccountConfig{
		ChainID:  new(big.Int).SetUint64(cmd.Uint64("chain-id")),
		OwnerKID: didpay.KID("cli", owner),
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
	km := didpay.NewWeb3KeyManager(map[string]didpay.ExternalSigner{"cli": signer}, slog.Default())
	return didpay.NewHybridAccount(config, km)
}

func runAccount(ctx context.Context, cmd *cli.Command) error {
	account, err := buildAccount(ctx, cmd)
	if err != nil {
		return err
	}
	fmt.Println(account.Address().Hex())
	fmt.Println(didpay.NewPKHIdentifier(cmd.Uint64("chain-id"), account.Address()).String())
	return nil
}

func runDeploy(ctx context.Context, cmd *cli.Command) error {
	account, err := buildAccount(ctx, cmd)
	if err != nil {
		return err
	}
	bundler, err := didpay.DialBundler(ctx, cmd.String("bundler-url"), didpay.BundlerConfig{
		ChainID: new(big.Int).SetUint64(cmd.Uint64("chain-id")),
	}, slog.Default())
	if err != nil {
		return err
	}
	defer bundler.Close()

	executor := didpay.NewExecutor(account, bundler, didpay.ExecutorConfig{}, slog.Default())
	receipt, err := executor.DeployAccount(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Deployed %s in transaction %s\n", account.Address().Hex(), receipt.Receipt.TransactionHash.Hex())
	return nil
}

func runKeyGenerate(ctx context.Context, cmd *cli.Command) error {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(crypto.FromECDSA(priv)))
	fmt.Println(crypto.PubkeyToAddress(priv.PublicKey).Hex())
	return nil
}

func runKeyInspect(ctx context.Context, cmd *cli.Command) error {
	s := cmd.Args().First()
	if s == "" {
		return fmt.Errorf("need to provide a public key as an argument")
	}
	var pub atcrypto.PublicKey
	var err error
	if strings.HasPrefix(s, "did:key:") {
		pub, err = atcrypto.ParsePublicDIDKey(s)
	} else {
		pub, err = atcrypto.ParsePublicMultibase(s)
	}
	if err != nil {
		return err
	}

	out := map[string]string{
		"didKey":       pub.DIDKey(),
		"publicKeyHex": hex.EncodeToString(pub.Bytes()),
	}
	switch pub.(type) {
	case *atcrypto.PublicKeyK256:
		out["type"] = string(didpay.KeyTypeSecp256k1)
		addr, err := didpay.Secp256k1Account(pub.Bytes())
		if err != nil {
			return err
		}
		out["account"] = addr.Hex()
	case *atcrypto.PublicKeyP256:
		out["type"] = "P-256"
	}
	return printJSON(out)
}

// Command authjwt-verify checks a bearer token against an auth service's
// JWKS and prints the verified payload.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/bionicotaku/lingo-utils-authjwt"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	var (
		cfgPath   string
		envPath   string
		token     string
		asJSON    bool
		flagCfg   config
		timeout   time.Duration
		clockSkew time.Duration
	)
	flagSet := pflag.NewFlagSet("authjwt-verify", pflag.ContinueOnError)
	flagSet.StringVar(&cfgPath, "config", os.Getenv("AUTHJWT_CONFIG"), "path to YAML config (env AUTHJWT_CONFIG)")
	flagSet.StringVar(&envPath, "env", defaultEnvPath(), "optional .env file")
	flagSet.StringVar(&flagCfg.AuthServiceURL, "auth-url", "", "auth service base URL")
	flagSet.StringVar(&flagCfg.JWKSPath, "jwks-path", authjwt.DefaultJWKSPath, "JWKS path on the auth service")
	flagSet.StringVar(&flagCfg.Issuer, "issuer", "", "expected iss claim")
	flagSet.StringVar(&flagCfg.Audience, "audience", "", "expected aud claim (defaults to issuer)")
	flagSet.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP timeout for the JWKS fetch")
	flagSet.DurationVar(&clockSkew, "clock-skew", 30*time.Second, "accepted clock skew")
	flagSet.BoolVar(&flagCfg.RequireExpiration, "require-exp", false, "reject tokens without exp")
	flagSet.StringVar(&flagCfg.ServiceAccount, "service-account", "", "service account to impersonate for JWKS requests")
	flagSet.StringVar(&flagCfg.IDTokenAudience, "id-token-audience", "", "audience of the identity token sent with JWKS requests")
	flagSet.StringVar(&flagCfg.LogLevel, "log-level", "warn", "log level")
	flagSet.StringVarP(&token, "token", "t", "", `token to verify, "-" reads stdin (env AUTHJWT_TOKEN)`)
	flagSet.BoolVar(&asJSON, "json", false, "print the payload as JSON")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if err := loadEnvFile(envPath, logger); err != nil {
		logger.Warnf("load %s: %v", envPath, err)
	}

	cfg, err := loadConfigFile(cfgPath)
	if err != nil {
		return err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return err
	}
	overrideFromFlags(&cfg, flagSet, flagCfg, timeout, clockSkew)
	if err := cfg.validate(); err != nil {
		return err
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}

	token, err = resolveToken(token, stdin)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPTimeout+10*time.Second)
	defer cancel()

	verifier, err := buildVerifier(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := verifier.Warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}

	payload, err := verifier.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	printPayload(stdout, payload)
	return nil
}

func overrideFromFlags(cfg *config, fs *pflag.FlagSet, flags config, timeout, clockSkew time.Duration) {
	if fs.Changed("auth-url") {
		cfg.AuthServiceURL = flags.AuthServiceURL
	}
	if fs.Changed("jwks-path") || cfg.JWKSPath == "" {
		cfg.JWKSPath = flags.JWKSPath
	}
	if fs.Changed("issuer") {
		cfg.Issuer = flags.Issuer
	}
	if fs.Changed("audience") {
		cfg.Audience = flags.Audience
	}
	if fs.Changed("timeout") || cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = timeout
	}
	if fs.Changed("clock-skew") || cfg.ClockSkew <= 0 {
		cfg.ClockSkew = clockSkew
	}
	if fs.Changed("require-exp") {
		cfg.RequireExpiration = flags.RequireExpiration
	}
	if fs.Changed("service-account") {
		cfg.ServiceAccount = flags.ServiceAccount
	}
	if fs.Changed("id-token-audience") {
		cfg.IDTokenAudience = flags.IDTokenAudience
	}
	if fs.Changed("log-level") || cfg.LogLevel == "" {
		cfg.LogLevel = flags.LogLevel
	}
}

func resolveToken(token string, stdin io.Reader) (string, error) {
	if token == "" {
		token = os.Getenv("AUTHJWT_TOKEN")
	}
	if token == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("read token: %w", err)
		}
		token = line
	}
	token = strings.TrimPrefix(strings.TrimSpace(token), "Bearer ")
	if token == "" {
		return "", errors.New("token is required (--token or AUTHJWT_TOKEN)")
	}
	return token, nil
}

func buildVerifier(ctx context.Context, cfg config, logger logrus.FieldLogger) (*authjwt.Verifier, error) {
	fetcherCfg := authjwt.FetcherConfig{
		AuthServiceURL: cfg.AuthServiceURL,
		JWKSPath:       cfg.JWKSPath,
		HTTPTimeout:    cfg.HTTPTimeout,
		Logger:         logger,
	}
	if cfg.IDTokenAudience != "" {
		provider := authjwt.NewProvider(authjwt.ProviderConfig{ServiceAccount: cfg.ServiceAccount})
		source, err := provider.TokenSource(ctx, cfg.IDTokenAudience)
		if err != nil {
			return nil, fmt.Errorf("identity token source: %w", err)
		}
		fetcherCfg.TokenSource = source
	}

	fetcher, err := authjwt.NewFetcher(fetcherCfg)
	if err != nil {
		return nil, err
	}
	return authjwt.NewVerifier(authjwt.VerifierConfig{
		Issuer:            cfg.Issuer,
		Audience:          cfg.Audience,
		Fetcher:           fetcher,
		ClockSkew:         cfg.ClockSkew,
		RequireExpiration: cfg.RequireExpiration,
		Logger:            logger,
	})
}

func printPayload(w io.Writer, p *authjwt.JWTPayload) {
	user := authjwt.ExtractUserInfo(p)
	fmt.Fprintln(w, "== Token Verified ==")
	fmt.Fprintf(w, "id           : %s\n", user.ID)
	fmt.Fprintf(w, "name         : %s\n", user.Name)
	fmt.Fprintf(w, "email        : %s\n", user.Email)
	if user.Image != "" {
		fmt.Fprintf(w, "image        : %s\n", user.Image)
	}
	fmt.Fprintf(w, "issuer       : %s\n", p.Issuer)
	fmt.Fprintf(w, "audience     : %s\n", p.Audience)
	if p.ActiveOrganizationID != nil {
		fmt.Fprintf(w, "organization : %s\n", *p.ActiveOrganizationID)
	}
	if p.ActiveTeamID != nil {
		fmt.Fprintf(w, "team         : %s\n", *p.ActiveTeamID)
	}
	if p.ImpersonatedBy != nil {
		fmt.Fprintf(w, "impersonator : %s\n", *p.ImpersonatedBy)
	}
	if !p.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "expires_at   : %s\n", p.ExpiresAt.Format(time.RFC3339))
	}
}

// exitCode distinguishes configuration problems (2) from unreachable key
// sets (3) and rejected tokens (1).
func exitCode(err error) int {
	switch {
	case errors.Is(err, authjwt.ErrConfig):
		return 2
	case errors.Is(err, authjwt.ErrFetch), errors.Is(err, authjwt.ErrFormat):
		return 3
	default:
		return 1
	}
}

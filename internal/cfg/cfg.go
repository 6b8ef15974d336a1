package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/packgate/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names by FillFromEnv.
const EnvPrefix = "PACKGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	Environment       string

	// public listener
	RateLimitRPS     float64
	RateLimitBurst   int
	TrustedProxyHops int

	// entitlement document store
	DocBackend   string
	DocS3Bucket  string
	DocS3Prefix  string
	StoreTimeout time.Duration

	// content cache
	KVBackend     string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	CacheTTL      time.Duration

	// payment webhooks
	WebhookSecret          string
	WebhookSecretSSMParam  string
	WebhookMACKeyARN       string
	WebhookSignatureHeader string
	WebhookTolerance       time.Duration

	// bearer tokens
	JWTSecret         string
	JWTSecretSSMParam string
	JWTIssuer         string
	JWTAudience       string
	JWTLeeway         time.Duration

	ProductMapFile string
	TrialDuration  time.Duration
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.StringVar(&c.Environment, "environment", "dev", "deployment environment tag for traces and profiles")

	fs.Float64Var(&c.RateLimitRPS, "rate-limit-rps", 10, "per-ip request refill rate on the public listener (0 disables)")
	fs.IntVar(&c.RateLimitBurst, "rate-limit-burst", 30, "per-ip burst on the public listener")
	fs.IntVar(&c.TrustedProxyHops, "trusted-proxy-hops", 0, "reverse proxies in front of the public listener (X-Forwarded-For depth)")

	fs.StringVar(&c.DocBackend, "doc-backend", "s3", "entitlement document store: s3|memory")
	fs.StringVar(&c.DocS3Bucket, "doc-s3-bucket", "", "s3 bucket holding entitlement documents")
	fs.StringVar(&c.DocS3Prefix, "doc-s3-prefix", "packgate/entitlements", "s3 key prefix for entitlement documents")
	fs.DurationVar(&c.StoreTimeout, "store-timeout", 5*time.Second, "bound on each entitlement store operation")

	fs.StringVar(&c.KVBackend, "kv-backend", "sqlite", "content cache backend: sqlite|redis|memory")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "/var/lib/packgate/cache.db", "sqlite database file for the content cache")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for the content cache")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database")
	fs.StringVar(&c.RedisPrefix, "redis-prefix", "packgate:", "key prefix for cache entries in redis")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", 30*24*time.Hour, "how long a generated set is served from cache")

	fs.StringVar(&c.WebhookSecret, "webhook-secret", "", "HMAC secret for payment webhook signatures (dev only, prefer -webhook-secret-ssm-param)")
	fs.StringVar(&c.WebhookSecretSSMParam, "webhook-secret-ssm-param", "", "SSM SecureString parameter holding the webhook secret")
	fs.StringVar(&c.WebhookMACKeyARN, "webhook-mac-key-arn", "", "KMS HMAC key ARN; verifies webhook signatures without the secret leaving KMS")
	fs.StringVar(&c.WebhookSignatureHeader, "webhook-signature-header", "Payment-Signature", "request header carrying the webhook signature")
	fs.DurationVar(&c.WebhookTolerance, "webhook-tolerance", 5*time.Minute, "max webhook signature timestamp skew")

	fs.StringVar(&c.JWTSecret, "jwt-secret", "", "HS256 bearer token secret (dev only, prefer -jwt-secret-ssm-param)")
	fs.StringVar(&c.JWTSecretSSMParam, "jwt-secret-ssm-param", "", "SSM SecureString parameter holding the bearer token secret")
	fs.StringVar(&c.JWTIssuer, "jwt-issuer", "", "required token issuer (empty skips the check)")
	fs.StringVar(&c.JWTAudience, "jwt-audience", "", "required token audience (empty skips the check)")
	fs.DurationVar(&c.JWTLeeway, "jwt-leeway", 30*time.Second, "clock skew tolerated on token exp/nbf")

	fs.StringVar(&c.ProductMapFile, "product-map-file", "", "JSON object of productId to bundleId merged over the built-in table")
	fs.DurationVar(&c.TrialDuration, "trial-duration", 72*time.Hour, "length of the one-time full-access trial")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	// Ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort))
	}
	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}
	if c.AdminPort == c.HTTPPort {
		errs = append(errs, fmt.Errorf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort))
	}

	// Log levels
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
	}

	// Tracing sample
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}

	// Pyroscope (URL and scheme)
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	// OTLP tracing (grpc exporter wants host:port, no scheme)
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}

	// Error link limits
	if c.IncludeErrorLinks {
		if c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64 {
			errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
		}
	}

	// Rate limiting
	if c.RateLimitRPS < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS must be >= 0 (got %v)", c.RateLimitRPS))
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST must be >= 1 when rate limiting is on (got %d)", c.RateLimitBurst))
	}
	if c.TrustedProxyHops < 0 {
		errs = append(errs, fmt.Errorf("TRUSTED_PROXY_HOPS must be >= 0 (got %d)", c.TrustedProxyHops))
	}

	// Document store
	switch c.DocBackend {
	case "s3":
		if c.DocS3Bucket == "" {
			errs = append(errs, fmt.Errorf("DOC_S3_BUCKET required when DOC_BACKEND=s3"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid DOC_BACKEND %q (must be s3|memory)", c.DocBackend))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be positive (got %s)", c.StoreTimeout))
	}

	// Content cache
	switch c.KVBackend {
	case "sqlite":
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("SQLITE_PATH required when KV_BACKEND=sqlite"))
		}
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("REDIS_ADDR required when KV_BACKEND=redis"))
		} else if _, _, err := net.SplitHostPort(c.RedisAddr); err != nil {
			errs = append(errs, fmt.Errorf("REDIS_ADDR must be host:port (got %q): %v", c.RedisAddr, err))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid KV_BACKEND %q (must be sqlite|redis|memory)", c.KVBackend))
	}
	if c.CacheTTL <= 0 {
		errs = append(errs, fmt.Errorf("CACHE_TTL must be positive (got %s)", c.CacheTTL))
	}

	// Webhook verification: exactly one secret source
	sources := 0
	for _, v := range []string{c.WebhookSecret, c.WebhookSecretSSMParam, c.WebhookMACKeyARN} {
		if v != "" {
			sources++
		}
	}
	switch {
	case sources == 0:
		errs = append(errs, fmt.Errorf("one of WEBHOOK_SECRET, WEBHOOK_SECRET_SSM_PARAM or WEBHOOK_MAC_KEY_ARN is required"))
	case sources > 1:
		errs = append(errs, fmt.Errorf("WEBHOOK_SECRET, WEBHOOK_SECRET_SSM_PARAM and WEBHOOK_MAC_KEY_ARN are mutually exclusive"))
	}
	if strings.TrimSpace(c.WebhookSignatureHeader) == "" {
		errs = append(errs, fmt.Errorf("WEBHOOK_SIGNATURE_HEADER must not be empty"))
	}
	if c.WebhookTolerance <= 0 {
		errs = append(errs, fmt.Errorf("WEBHOOK_TOLERANCE must be positive (got %s)", c.WebhookTolerance))
	}

	// Bearer tokens
	switch {
	case c.JWTSecret == "" && c.JWTSecretSSMParam == "":
		errs = append(errs, fmt.Errorf("one of JWT_SECRET or JWT_SECRET_SSM_PARAM is required"))
	case c.JWTSecret != "" && c.JWTSecretSSMParam != "":
		errs = append(errs, fmt.Errorf("JWT_SECRET and JWT_SECRET_SSM_PARAM are mutually exclusive"))
	}
	if c.JWTLeeway < 0 {
		errs = append(errs, fmt.Errorf("JWT_LEEWAY must be >= 0 (got %s)", c.JWTLeeway))
	}

	if c.TrialDuration <= 0 {
		errs = append(errs, fmt.Errorf("TRIAL_DURATION must be positive (got %s)", c.TrialDuration))
	}
	if c.ProductMapFile != "" {
		if _, err := os.Stat(c.ProductMapFile); err != nil {
			errs = append(errs, fmt.Errorf("PRODUCT_MAP_FILE %q: %w", c.ProductMapFile, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

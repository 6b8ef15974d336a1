package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/packgate/internal/access"
	"github.com/keithlinneman/packgate/internal/auth"
	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/cfg"
	"github.com/keithlinneman/packgate/internal/contentcache"
	"github.com/keithlinneman/packgate/internal/cryptoutil"
	"github.com/keithlinneman/packgate/internal/docstore"
	"github.com/keithlinneman/packgate/internal/entitlement"
	"github.com/keithlinneman/packgate/internal/generator"
	"github.com/keithlinneman/packgate/internal/health"
	"github.com/keithlinneman/packgate/internal/httpmw"
	"github.com/keithlinneman/packgate/internal/kvstore"
	"github.com/keithlinneman/packgate/internal/opshttp"
	"github.com/keithlinneman/packgate/internal/ratelimit"
	"github.com/keithlinneman/packgate/internal/webhook"

	"github.com/keithlinneman/packgate/internal/httpserver"
	"github.com/keithlinneman/packgate/internal/log"
	"github.com/keithlinneman/packgate/internal/metrics"
	"github.com/keithlinneman/packgate/internal/otelx"
	"github.com/keithlinneman/packgate/internal/prof"
	v "github.com/keithlinneman/packgate/internal/version"
)

const (
	drainPeriod = 15 * time.Second
	// readiness pings to S3 and Redis are shared across load balancer polls
	readinessCacheTTL = 2 * time.Second
)

// catalogInfo feeds the catalog fingerprint and cache schema into response headers.
type catalogInfo struct {
	cat *catalog.Catalog
}

func (c catalogInfo) CatalogFingerprint() string { return c.cat.Fingerprint() }
func (c catalogInfo) ContentSchemaVersion() int  { return generator.SchemaVersion }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix PACKGATE_ and validate
	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid stacktrace level %s: %v\n", conf.StacktraceLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	// secrets are logged by source only
	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"environment", conf.Environment,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"doc_backend", conf.DocBackend,
		"doc_s3_bucket", conf.DocS3Bucket,
		"doc_s3_prefix", conf.DocS3Prefix,
		"kv_backend", conf.KVBackend,
		"cache_ttl", conf.CacheTTL,
		"trial_duration", conf.TrialDuration,
		"webhook_mac_key_arn", conf.WebhookMACKeyARN,
		"webhook_secret_ssm_param", conf.WebhookSecretSSMParam,
		"jwt_secret_ssm_param", conf.JWTSecretSSMParam,
		"product_map_file", conf.ProductMapFile,
	)

	// Setup pyroscope profiling
	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":         v.AppName,
			"component":   "server",
			"version":     vi.Version,
			"commit":      vi.Commit,
			"build_id":    vi.BuildId,
			"environment": conf.Environment,
			"source":      "go-agent",
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:     conf.EnableTracing,
		Endpoint:    conf.OTLPEndpoint,
		Insecure:    true,
		Sample:      conf.TraceSample,
		Service:     v.AppName,
		Component:   "server",
		Version:     vi.Version,
		Environment: conf.Environment,
		UserAgent:   vi.UserAgent(),
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	// AWS is only needed for the s3 document store, SSM secrets and KMS webhook keys
	var awsCfg aws.Config
	needAWS := conf.DocBackend == "s3" || conf.WebhookSecretSSMParam != "" ||
		conf.WebhookMACKeyARN != "" || conf.JWTSecretSSMParam != ""
	if needAWS {
		awsCfg, err = config.LoadDefaultConfig(ctx, config.WithAppID(vi.UserAgent()))
		if err != nil {
			L.Error(ctx, err, "failed to load AWS config")
			os.Exit(1)
		}
	}
	var ssmClient *ssm.Client
	if conf.WebhookSecretSSMParam != "" || conf.JWTSecretSSMParam != "" {
		ssmClient = ssm.NewFromConfig(awsCfg)
	}

	// entitlement document store
	var docs docstore.Store
	switch conf.DocBackend {
	case "s3":
		docs, err = docstore.NewS3Store(docstore.S3Options{
			Logger: L,
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.DocS3Bucket,
			Prefix: conf.DocS3Prefix,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create s3 document store")
			os.Exit(1)
		}
	default:
		L.Warn(ctx, "using in-memory entitlement store, entitlements are lost on restart")
		docs = docstore.NewMemoryStore()
	}

	ents, err := entitlement.New(entitlement.Options{
		Logger:        L.With("component", "entitlement"),
		Docs:          docs,
		Timeout:       conf.StoreTimeout,
		TrialDuration: conf.TrialDuration,
		OnTransition: func(from, to entitlement.Status) {
			m.IncEntitlementTransition(string(from), string(to))
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to create entitlement store")
		os.Exit(1)
	}

	// content cache
	kv, err := kvstore.Open(ctx, kvstore.Options{
		Backend:        conf.KVBackend,
		SQLitePath:     conf.SQLitePath,
		RedisAddr:      conf.RedisAddr,
		RedisPassword:  conf.RedisPassword,
		RedisDB:        conf.RedisDB,
		RedisKeyPrefix: conf.RedisPrefix,
	})
	if err != nil {
		L.Error(ctx, err, "failed to open content cache backend", "kv_backend", conf.KVBackend)
		os.Exit(1)
	}
	defer func() { _ = kv.Close() }()

	cache, err := contentcache.New(contentcache.Options{
		Logger:        L.With("component", "contentcache"),
		KV:            kv,
		TTL:           conf.CacheTTL,
		SchemaVersion: generator.SchemaVersion,
		Timeout:       conf.StoreTimeout,
		Metrics:       m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create content cache")
		os.Exit(1)
	}

	gen := generator.New(generator.Options{
		Logger: L.With("component", "generator"),
		OnShortfall: func(bundleID string, d catalog.Difficulty, missing int) {
			m.AddGenerationShortfall(bundleID, string(d), missing)
		},
	})

	cat := catalog.Default()
	if conf.ProductMapFile != "" {
		overrides, err := catalog.LoadProductOverrides(conf.ProductMapFile)
		if err == nil {
			cat, err = cat.WithProducts(overrides)
		}
		if err != nil {
			L.Error(ctx, err, "failed to apply product map", "product_map_file", conf.ProductMapFile)
			os.Exit(1)
		}
	}
	L.Info(ctx, "catalog loaded",
		"bundles", len(cat.Bundles()),
		"catalog_fingerprint", cat.Fingerprint(),
	)

	// webhook signature verification, the MAC key either stays in KMS or is
	// fetched from SSM/flags and checked locally
	var mac cryptoutil.MACVerifier
	switch {
	case conf.WebhookMACKeyARN != "":
		mac = cryptoutil.NewKMSMacVerifier(kms.NewFromConfig(awsCfg), conf.WebhookMACKeyARN)
	case conf.WebhookSecretSSMParam != "":
		mac = &cryptoutil.HMACVerifier{Secret: cryptoutil.NewSSMSecret(ssmClient, conf.WebhookSecretSSMParam, 0)}
	default:
		mac = &cryptoutil.HMACVerifier{Secret: cryptoutil.StaticSecret(conf.WebhookSecret)}
	}

	dispatcher, err := webhook.New(webhook.Options{
		Logger:       L.With("component", "webhook"),
		Verifier:     &cryptoutil.PayloadVerifier{MAC: mac, Tolerance: conf.WebhookTolerance},
		Catalog:      cat,
		Entitlements: ents,
		Cache:        cache,
		Generator:    gen,
		Metrics:      m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create webhook dispatcher")
		os.Exit(1)
	}
	webhookAPI := webhook.NewAPI(dispatcher, conf.WebhookSignatureHeader, L)

	var jwtSecret cryptoutil.SecretSource = cryptoutil.StaticSecret(conf.JWTSecret)
	if conf.JWTSecretSSMParam != "" {
		jwtSecret = cryptoutil.NewSSMSecret(ssmClient, conf.JWTSecretSSMParam, 0)
	}
	tokens, err := auth.NewVerifier(auth.VerifierOptions{
		Secret:   jwtSecret,
		Issuer:   conf.JWTIssuer,
		Audience: conf.JWTAudience,
		Leeway:   conf.JWTLeeway,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create token verifier")
		os.Exit(1)
	}

	resolver, err := access.New(access.Options{
		Logger:       L.With("component", "access"),
		Catalog:      cat,
		Entitlements: ents,
		Cache:        cache,
		Generator:    gen,
		Metrics:      m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create access resolver")
		os.Exit(1)
	}
	accessAPI := access.NewAPI(access.APIOptions{
		Logger:   L,
		Resolver: resolver,
		Catalog:  cat,
		Trials:   ents,
		Tokens:   tokens,
	})

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// ready once both backing stores answer; a failing store pulls the
	// instance out of rotation instead of failing webhooks into retries
	readiness := health.All(
		gate.Probe(),
		health.Cached(health.All(
			health.Dependency("entitlement store", conf.StoreTimeout, ents.Ping),
			health.Dependency("content cache", conf.StoreTimeout, cache.Ping),
		), readinessCacheTTL),
	)

	// per-ip limits on the public listener; the payment provider posts from
	// a small set of addresses and must never be throttled
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.RateLimitRPS, conf.RateLimitBurst),
		ratelimit.WithExempt(func(r *http.Request) bool {
			return conf.RateLimitRPS == 0 || r.URL.Path == webhook.RoutePath
		}),
		// trial starts grant full access, so they get a far smaller budget
		ratelimit.WithStrict(func(r *http.Request) bool {
			return r.Method == http.MethodPost && r.URL.Path == access.TrialsPath
		}, 1.0/60, 3),
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// start public http server
	appHTTPStop, err := httpserver.Start(ctx, &httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		RateLimitMW:  limiter.Middleware,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedProxyHops},
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		ContentInfo:  catalogInfo{cat: cat},
		APIRoutes: func(r chi.Router) {
			webhookAPI.RegisterRoutes(r)
			accessAPI.RegisterRoutes(r)
		},
	})
	if err != nil {
		L.Error(ctx, err, "failed to start app http listener")
		os.Exit(1)
	}
	defer func() { _ = appHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks and pprof
	// sg restricts inbound to internal monitoring infrastructure, the listener
	// also rejects public source addresses in case that is ever misconfigured
	opsHTTPStop, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Build:        vi,
		Content:      catalogInfo{cat},
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// wait for ctrl+c / sigterm
	<-ctx.Done()
	stop()

	L.Info(context.Background(), "shutdown signal received")

	// fail readiness so the load balancer stops routing webhooks here
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// the payment provider retries anything that fails mid-drain, so a short
	// window is enough
	L.Info(context.Background(), "draining in-flight requests", "drain", drainPeriod)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := appHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	if err := kv.Close(); err != nil {
		L.Error(context.Background(), err, "content cache close")
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}

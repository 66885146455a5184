package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/keithlinneman/linnemanlabs-gate/internal/cfg"
	"github.com/keithlinneman/linnemanlabs-gate/internal/cryptoutil"
	"github.com/keithlinneman/linnemanlabs-gate/internal/decisionstats"
	"github.com/keithlinneman/linnemanlabs-gate/internal/gateway"
	"github.com/keithlinneman/linnemanlabs-gate/internal/grpcmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/health"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-gate/internal/httpserver"
	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/metrics"
	"github.com/keithlinneman/linnemanlabs-gate/internal/opshttp"
	"github.com/keithlinneman/linnemanlabs-gate/internal/otelx"
	"github.com/keithlinneman/linnemanlabs-gate/internal/policy"
	"github.com/keithlinneman/linnemanlabs-gate/internal/prof"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
	v "github.com/keithlinneman/linnemanlabs-gate/internal/version"
)

const (
	appName   = "linnemanlabs-gate"
	component = "gateway"

	drainPeriod = 60 * time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool

	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			appName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Validate already checked the levels
	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, _ := log.ParseLevel(conf.StacktraceLevel)
	lg, err := log.New(log.Options{
		App:               appName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JSON:              conf.LogJSON,
		IncludeErrorLinks: conf.IncludeErrorLinks,
		MaxErrorLinks:     conf.MaxErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"grpc_port", conf.GRPCPort,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"policy_source", conf.PolicySource(),
		"window_mode", conf.WindowMode,
		"record_rejected", conf.RecordRejected,
		"max_clients", conf.MaxClients,
		"sweep_interval", conf.SweepInterval,
		"stats_redis_addr", conf.StatsRedisAddr,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
	)

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, &vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       appName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
		ProfileMutexFraction: 5,
		BlockProfileRate:     int(time.Millisecond),
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	m.SetProfilingActive(conf.EnablePyroscope && err == nil)
	defer func() { stopProf() }()

	// the collector runs on localhost, no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   appName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() {
		if shutdownOTEL != nil {
			_ = shutdownOTEL(context.Background())
		}
	}()

	src, err := policySource(ctx, conf)
	if err != nil {
		L.Error(ctx, err, "failed to set up policy source", "policy_source", conf.PolicySource())
		os.Exit(1)
	}
	pol, err := policy.Load(ctx, src)
	if err != nil {
		// no policy, no gateway. systemd restarts us
		L.Error(ctx, err, "failed to load admission policy", "policy_source", src.Name())
		os.Exit(1)
	}

	// the limiter and stats writer outlive the signal context, they keep
	// serving through the drain period
	runCtx, cancelRun := context.WithCancel(log.WithContext(context.Background(), L))
	defer cancelRun()

	var stats *decisionstats.Async
	var statsClient *redis.Client
	if conf.StatsRedisAddr != "" {
		ropts := &redis.Options{
			Addr:     conf.StatsRedisAddr,
			DB:       conf.StatsRedisDB,
			Password: conf.StatsRedisPass,
		}
		if conf.StatsRedisUseTLS {
			ropts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		statsClient = redis.NewClient(ropts)
		rec := decisionstats.NewRedis(statsClient,
			decisionstats.WithPrefix(conf.StatsKeyPrefix),
			decisionstats.WithBucketTTL(conf.StatsBucketTTL),
		)
		// counters are best effort, an unreachable redis is logged and not fatal
		if err := health.Named("stats redis", health.WithTimeout(2*time.Second, health.CheckFunc(rec.Ping))).Check(ctx); err != nil {
			L.Warn(ctx, "decision stats redis not reachable, events will be retried per write", "error", err)
		}
		stats = decisionstats.NewAsync(runCtx, rec, decisionstats.AsyncOptions{
			QueueSize: conf.StatsQueueSize,
			Observer:  m,
			Logger:    L.With("component", "decisionstats"),
		})
	}

	// one capacity warning per 10s is plenty, the counter has the rest
	capacityLog := rate.Sometimes{Interval: 10 * time.Second}

	mode, _ := ratelimit.ParseWindowMode(conf.WindowMode)
	limiter := ratelimit.New(runCtx,
		ratelimit.WithWindowMode(mode),
		ratelimit.WithRecordRejected(conf.RecordRejected),
		ratelimit.WithMaxClients(conf.MaxClients),
		ratelimit.WithSweepInterval(conf.SweepInterval),
		ratelimit.WithOnDecision(func(d ratelimit.Decision) {
			outcome, rule := metrics.OutcomeAllowed, ""
			if !d.Allowed {
				outcome, rule = metrics.OutcomeRejected, d.Rule.String()
			}
			m.ObserveAdmission(d.OperationID, outcome, rule)
			if stats != nil {
				stats.Offer(decisionstats.Event{
					Client:    d.ClientID,
					Operation: d.OperationID,
					Allowed:   d.Allowed,
					Rule:      rule,
					At:        d.At,
				})
			}
		}),
		// only the first denial per client lifetime is logged
		ratelimit.WithOnFirstDenied(func(clientID, operationID string, rule ratelimit.Rule) {
			L.Warn(ctx, "rate limit triggered", "client", clientID, "operation", operationID, "rule", rule.String())
		}),
		ratelimit.WithOnCapacity(func(clientID string) {
			m.IncCapacityReached()
			capacityLog.Do(func() {
				L.Warn(ctx, "rate limit capacity reached, rejecting new clients until some are evicted",
					"client", clientID, "max_clients", conf.MaxClients)
			})
		}),
		ratelimit.WithOnEvict(m.AddEvictions),
	)

	pol.Apply(limiter)
	m.RegisterTrackedClients(limiter.Tracked)
	m.SetPolicy(pol.Source, pol.Version, pol.SHA256, pol.LoadedAt)

	upstream, err := url.Parse(conf.UpstreamURL)
	if err != nil {
		L.Error(ctx, err, "invalid upstream url", "upstream_url", conf.UpstreamURL)
		os.Exit(1)
	}
	gw, err := gateway.New(gateway.Options{
		Upstream: upstream,
		Limiter:  limiter,
		Policy:   pol,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create gateway")
		os.Exit(1)
	}

	var gate health.ShutdownGate
	readiness := gate.Probe()

	gwHTTPStop, err := httpserver.Start(ctx, httpserver.Options{
		Logger:       L,
		Port:         conf.HTTPPort,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Policy:       pol,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops},
		MaxBodyBytes: conf.MaxBodyBytes,
		Routes:       gw.Routes,
		NotFound:     gw.NotFound(),
	})
	if err != nil {
		L.Error(ctx, err, "failed to start gateway http listener")
		os.Exit(1)
	}
	defer func() { _ = gwHTTPStop(context.Background()) }()

	var grpcSrv *grpcmw.Server
	grpcStop := func(context.Context) error { return nil }
	if conf.GRPCPort > 0 {
		grpcSrv = grpcmw.NewServer(limiter, grpcmw.WithRules(func(fullMethod string) []ratelimit.Rule {
			if op, ok := pol.Operation(fullMethod); ok {
				return op.Rules
			}
			return nil
		}))
		grpcStop, err = grpcSrv.Start(ctx, L, conf.GRPCPort)
		if err != nil {
			L.Error(ctx, err, "failed to start grpc listener")
			os.Exit(1)
		}
		defer func() { _ = grpcStop(context.Background()) }()
	}

	// the admin listener is for internal monitoring only, opshttp rejects
	// public sources on pprof as well
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		Policy:       pol.Handler(limiter),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills us after its start timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	stop()

	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	if grpcSrv != nil {
		grpcSrv.SetServing(false)
	}
	L.Info(bg, "shutdown gate closed, draining", "period", drainPeriod)

	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainPeriod):
		L.Info(bg, "drain period complete")
	case <-forceCh:
		L.Warn(bg, "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()

	if err := gwHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "gateway http server shutdown")
	}
	if err := grpcStop(shutdownCtx); err != nil {
		L.Error(bg, err, "grpc server shutdown")
	}
	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(bg, err, "ops http server shutdown")
	}

	cancelRun()
	if stats != nil {
		select {
		case <-stats.Done():
		case <-shutdownCtx.Done():
			L.Warn(bg, "decision stats did not drain before shutdown deadline")
		}
		if err := statsClient.Close(); err != nil {
			L.Error(bg, err, "stats redis close")
		}
	}

	if shutdownOTEL != nil {
		if err := shutdownOTEL(shutdownCtx); err != nil {
			L.Error(bg, err, "otel shutdown")
		}
	}

	stopProf()

	L.Info(bg, "shutdown complete")
	os.Exit(0)
}

// policySource builds the configured policy source. AWS config is only
// loaded for the ssm and s3 sources.
func policySource(ctx context.Context, conf cfg.App) (policy.Source, error) {
	kind := conf.PolicySource()
	if kind == "file" {
		return policy.FileSource{Path: conf.PolicyFile}, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	switch kind {
	case "ssm":
		return policy.SSMSource{Client: ssm.NewFromConfig(awsCfg), Param: conf.PolicySSMParam}, nil
	case "s3":
		src := policy.S3Source{
			Client: s3.NewFromConfig(awsCfg),
			Bucket: conf.PolicyS3Bucket,
			Key:    conf.PolicyS3Key,
		}
		if conf.PolicySigningKeyARN != "" {
			src.Verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.PolicySigningKeyARN)
		}
		return src, nil
	}
	return nil, fmt.Errorf("no policy source configured")
}

func notifySystemd() error {
	// NOTIFY_SOCKET is set when systemd started us with Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}

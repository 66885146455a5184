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

	"github.com/keithlinneman/linnemanlabs-gate/internal/log"
	"github.com/keithlinneman/linnemanlabs-gate/internal/ratelimit"
)

// EnvPrefix is prepended to upper-cased flag names, -policy-file reads
// LMGATE_POLICY_FILE.
const EnvPrefix = "LMGATE_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	HTTPPort     int
	AdminPort    int
	GRPCPort     int
	UpstreamURL  string
	TrustedHops  int
	MaxBodyBytes int64

	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	PolicyFile          string
	PolicySSMParam      string
	PolicyS3Bucket      string
	PolicyS3Key         string
	PolicySigningKeyARN string

	WindowMode     string
	RecordRejected bool
	MaxClients     int
	SweepInterval  time.Duration

	StatsRedisAddr   string
	StatsRedisDB     int
	StatsQueueSize   int
	StatsBucketTTL   time.Duration
	StatsKeyPrefix   string
	StatsRedisPass   string
	StatsRedisUseTLS bool
}

// Register binds all config fields to fs with their defaults.
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "lowest level that gets a stack, debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log one func/file/line entry per wrapped error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.HTTPPort, "http-port", 8080, "gateway listen TCP port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port for metrics, health and pprof (1..65535)")
	fs.IntVar(&c.GRPCPort, "grpc-port", 0, "gRPC health listen TCP port, 0 disables")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "base URL of the protected service (http or https)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 0, "number of proxies in front of the gateway whose X-Forwarded-For is trusted")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 1<<20, "max request body forwarded upstream, 0 disables")

	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve pprof on the admin port")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export OTLP traces to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC endpoint (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server URL")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) for -pyro-server")

	fs.StringVar(&c.PolicyFile, "policy-file", "", "path to the admission policy YAML")
	fs.StringVar(&c.PolicySSMParam, "policy-ssm-param", "", "SSM parameter holding the admission policy YAML")
	fs.StringVar(&c.PolicyS3Bucket, "policy-s3-bucket", "", "S3 bucket holding the admission policy")
	fs.StringVar(&c.PolicyS3Key, "policy-s3-key", "", "S3 key of the admission policy, the signature is read from <key>.sig")
	fs.StringVar(&c.PolicySigningKeyARN, "policy-signing-key-arn", "", "KMS key ARN that signed the S3 policy, empty skips verification")

	fs.StringVar(&c.WindowMode, "window-mode", "scaled", "rule window length: scaled (count x unit) or unit (one unit)")
	fs.BoolVar(&c.RecordRejected, "record-rejected", true, "rejected requests still take a slot in the client's log")
	fs.IntVar(&c.MaxClients, "max-clients", 100_000, "max tracked clients, 0 for unlimited")
	fs.DurationVar(&c.SweepInterval, "sweep-interval", time.Minute, "how often idle clients are evicted, 0 disables the sweeper")

	fs.StringVar(&c.StatsRedisAddr, "stats-redis-addr", "", "redis host:port for admission decision counters, empty disables")
	fs.IntVar(&c.StatsRedisDB, "stats-redis-db", 0, "redis database index for decision counters")
	fs.StringVar(&c.StatsRedisPass, "stats-redis-password", "", "redis password for decision counters")
	fs.BoolVar(&c.StatsRedisUseTLS, "stats-redis-tls", false, "connect to redis over TLS")
	fs.IntVar(&c.StatsQueueSize, "stats-queue-size", 4096, "decision events buffered before new ones are dropped")
	fs.DurationVar(&c.StatsBucketTTL, "stats-bucket-ttl", 48*time.Hour, "expiry of per-minute decision buckets")
	fs.StringVar(&c.StatsKeyPrefix, "stats-key-prefix", "gate:stats", "redis key prefix for decision counters")
}

// FillFromEnv sets any flag not passed on the command line from the
// environment. Flag "foo-bar" maps to PREFIX_FOO_BAR. Precedence is
// cli > env > default. Invalid env values are reported and ignored.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		val, ok := os.LookupEnv(key)
		if !ok {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s", f.Name, f.Value.String(), key)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, val); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s: %v", f.Name, key, err)
			}
		}
	})
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// PolicySource names the configured policy source: "file", "ssm" or "s3".
func (c App) PolicySource() string {
	switch {
	case c.PolicyFile != "":
		return "file"
	case c.PolicySSMParam != "":
		return "ssm"
	case c.PolicyS3Bucket != "" || c.PolicyS3Key != "":
		return "s3"
	}
	return ""
}

// Validate reports every invalid field at once, or nil.
func Validate(c App) error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if !validPort(c.HTTPPort) {
		bad("invalid HTTP_PORT %d (must be 1..65535)", c.HTTPPort)
	}
	if !validPort(c.AdminPort) {
		bad("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort)
	}
	if c.AdminPort == c.HTTPPort {
		bad("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.GRPCPort != 0 {
		if !validPort(c.GRPCPort) {
			bad("invalid GRPC_PORT %d (must be 0 or 1..65535)", c.GRPCPort)
		} else if c.GRPCPort == c.HTTPPort || c.GRPCPort == c.AdminPort {
			bad("GRPC_PORT %d collides with another listener", c.GRPCPort)
		}
	}

	if c.UpstreamURL == "" {
		bad("UPSTREAM_URL is required")
	} else if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		bad("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL)
	}
	if c.TrustedHops < 0 {
		bad("TRUSTED_HOPS must be >= 0 (got %d)", c.TrustedHops)
	}
	if c.MaxBodyBytes < 0 {
		bad("MAX_BODY_BYTES must be >= 0 (got %d)", c.MaxBodyBytes)
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		bad("invalid LOG_LEVEL: %w", err)
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			bad("invalid STACKTRACE_LEVEL: %w", err)
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		bad("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		bad("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			bad("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else if _, _, err := net.SplitHostPort(c.OTLPEndpoint); err != nil {
			bad("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" || err != nil || u.Scheme == "" || u.Host == "" {
			bad("PYRO_SERVER must be a URL when ENABLE_PYROSCOPE=true (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			bad("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	sources := 0
	for _, set := range []bool{c.PolicyFile != "", c.PolicySSMParam != "", c.PolicyS3Bucket != "" || c.PolicyS3Key != ""} {
		if set {
			sources++
		}
	}
	switch {
	case sources == 0:
		bad("one of POLICY_FILE, POLICY_SSM_PARAM or POLICY_S3_BUCKET is required")
	case sources > 1:
		bad("POLICY_FILE, POLICY_SSM_PARAM and POLICY_S3_BUCKET are mutually exclusive")
	}
	if (c.PolicyS3Bucket == "") != (c.PolicyS3Key == "") {
		bad("POLICY_S3_BUCKET and POLICY_S3_KEY must be set together")
	}
	if c.PolicySigningKeyARN != "" && c.PolicyS3Bucket == "" {
		bad("POLICY_SIGNING_KEY_ARN only applies to the S3 policy source")
	}

	if _, err := ratelimit.ParseWindowMode(c.WindowMode); err != nil {
		bad("invalid WINDOW_MODE: %w", err)
	}
	if c.MaxClients < 0 {
		bad("MAX_CLIENTS must be >= 0 (got %d)", c.MaxClients)
	}
	if c.SweepInterval < 0 {
		bad("SWEEP_INTERVAL must be >= 0 (got %s)", c.SweepInterval)
	}

	if c.StatsRedisAddr != "" {
		if _, _, err := net.SplitHostPort(c.StatsRedisAddr); err != nil {
			bad("STATS_REDIS_ADDR must be host:port (got %q): %v", c.StatsRedisAddr, err)
		}
		if c.StatsQueueSize < 1 {
			bad("STATS_QUEUE_SIZE must be >= 1 (got %d)", c.StatsQueueSize)
		}
		if c.StatsBucketTTL <= 0 {
			bad("STATS_BUCKET_TTL must be > 0 (got %s)", c.StatsBucketTTL)
		}
	}

	return errors.Join(errs...)
}

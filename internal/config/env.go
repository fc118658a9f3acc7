package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/orbanhq/orban-agent/pkg/debug"
)

// applyEnv overlays ORBAN_* environment variables onto c. Malformed values
// are errors rather than silently ignored.
func (c *Config) applyEnv() error {
	setString("ORBAN_PLATFORM_URL", &c.PlatformURL)
	setString("ORBAN_AGENT_ID", &c.AgentID)
	setString("ORBAN_KEY_PATH", &c.KeyPath)
	setString("ORBAN_DATA_DIR", &c.DataDir)
	setString("ORBAN_CA_FILE", &c.Network.CAFile)
	setString("ORBAN_CONNECT_PATH", &c.Network.ConnectPath)
	setString("ORBAN_COUNTRY", &c.Location.Country)
	setString("ORBAN_REGION", &c.Location.Region)
	setString("ORBAN_TIMEZONE", &c.Location.Timezone)
	setString("ORBAN_TASK_RUNNER", &c.Tasks.Runner)
	setString("LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("ORBAN_FRAMEWORKS"); v != "" {
		c.Tasks.Frameworks = splitList(v)
	}
	if v := os.Getenv("ORBAN_TASK_RUNNER_ARGS"); v != "" {
		c.Tasks.RunnerArgs = strings.Fields(v)
	}

	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	collect(setBool("DEBUG", &c.Debug))
	collect(setBool("ORBAN_INSECURE_SKIP_VERIFY", &c.Network.InsecureSkipVerify))
	collect(setBool("ORBAN_FP16", &c.Tasks.FP16))

	collect(setDuration("ORBAN_HANDSHAKE_TIMEOUT", &c.Network.HandshakeTimeout))
	collect(setDuration("ORBAN_WRITE_WAIT", &c.Network.WriteWait))
	collect(setDuration("ORBAN_PONG_WAIT", &c.Network.PongWait))
	collect(setDuration("ORBAN_PING_PERIOD", &c.Network.PingPeriod))
	collect(setDuration("ORBAN_DISPATCH_TIMEOUT", &c.Network.DispatchTimeout))
	collect(setDuration("ORBAN_RECONNECT_BASE", &c.Network.ReconnectBase))
	collect(setDuration("ORBAN_RECONNECT_CAP", &c.Network.ReconnectCap))
	collect(setDuration("ORBAN_HEARTBEAT_INTERVAL", &c.Telemetry.HeartbeatInterval))
	collect(setDuration("ORBAN_METRICS_INTERVAL", &c.Telemetry.MetricsInterval))
	collect(setDuration("ORBAN_SAMPLE_INTERVAL", &c.Telemetry.SampleInterval))
	collect(setDuration("ORBAN_PROGRESS_INTERVAL", &c.Tasks.ProgressInterval))
	collect(setDuration("ORBAN_TASK_MIN_TIMEOUT", &c.Tasks.MinTimeout))
	collect(setDuration("ORBAN_POW_MAX_COMPUTE_TIME", &c.PoW.MaxComputeTime))
	collect(setDuration("ORBAN_DOWNLOAD_TIMEOUT", &c.Tasks.DownloadTimeout))
	collect(setDuration("ORBAN_CLEANUP_INTERVAL", &c.Cleanup.Interval))
	collect(setDuration("ORBAN_CLEANUP_MAX_AGE", &c.Cleanup.MaxAge))

	collect(setInt("ORBAN_MAX_RECONNECT_ATTEMPTS", &c.Network.MaxReconnectAttempts))
	collect(setInt("ORBAN_SEND_QUEUE_SIZE", &c.Network.SendQueueSize))
	collect(setInt("ORBAN_MAX_CONCURRENT_TASKS", &c.Tasks.MaxConcurrent))
	collect(setInt("ORBAN_METRICS_MAX_SAMPLES", &c.Telemetry.MaxSamples))
	collect(setInt("ORBAN_POW_WORKERS", &c.PoW.Workers))
	collect(setInt("ORBAN_MAX_DOWNLOADS", &c.Tasks.MaxDownloads))

	collect(setFloat("ORBAN_TASK_GRACE_FACTOR", &c.Tasks.GraceFactor))
	collect(setFloat("ORBAN_RESERVED_VRAM_GB", &c.Tasks.ReservedVRAMGB))

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

func setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a boolean", key, v)
	}
	*dst = b
	return nil
}

func setDuration(key string, dst *Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not a duration", key, v)
	}
	debug.Debug("Using %s=%v from environment", key, d)
	*dst = Duration(d)
	return nil
}

func setInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func setFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %q is not a number", key, v)
	}
	*dst = f
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"os"
	"strconv"
)

// FromEnv overlays PIDGEON_* environment variables onto cfg. Only scalar
// settings are overridable; topology stays in the file.
func FromEnv(cfg *Config) {
	if v := os.Getenv("PIDGEON_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("PIDGEON_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("PIDGEON_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PIDGEON_BACKEND"); v != "" {
		cfg.Backend.Kind = v
	}
	if v := os.Getenv("PIDGEON_DATA_DIR"); v != "" {
		cfg.Backend.DataDir = v
	}
	if v := os.Getenv("PIDGEON_REDIS_ADDR"); v != "" {
		cfg.Backend.RedisAddr = v
	}
	if v := os.Getenv("PIDGEON_FSYNC_ALWAYS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Backend.FsyncAlways = b
		}
	}
	if v := os.Getenv("PIDGEON_TASK_QUEUE"); v != "" {
		cfg.TaskQueue = v
	}
	if v := os.Getenv("PIDGEON_HIGH_WATERMARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.HighWatermark = n
		}
	}
	if v := os.Getenv("PIDGEON_LOW_WATERMARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Supervisor.LowWatermark = n
		}
	}
	if v := os.Getenv("PIDGEON_COOLDOWN_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Supervisor.CooldownMs = n
		}
	}
}

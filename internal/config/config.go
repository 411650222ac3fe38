// Package config loads the sizif configuration from built-in defaults, an
// optional YAML file and SIZIF_ environment variables, in that order of
// precedence.
package config

import (
	"time"

	"github.com/cwbudde/sizif/internal/metric"
	"github.com/cwbudde/sizif/internal/remote"
	"github.com/cwbudde/sizif/internal/retention"
	"github.com/cwbudde/sizif/internal/trainer"
)

// Config is the complete configuration.
type Config struct {
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Remote     RemoteConfig     `koanf:"remote"`
	Training   TrainingConfig   `koanf:"training"`
	Logging    LoggingConfig    `koanf:"logging"`
	Metrics    MetricsConfig    `koanf:"metrics"`
}

// CheckpointConfig configures the local folder and the retention policy.
type CheckpointConfig struct {
	Version  string `koanf:"version"`
	Template string `koanf:"template" validate:"required"`
	Folder   string `koanf:"folder" validate:"required"`
	// KeepCount of zero keeps every snapshot.
	KeepCount       int    `koanf:"keep_count" validate:"gte=0"`
	Monitor         string `koanf:"monitor" validate:"required"`
	Mode            string `koanf:"mode" validate:"oneof=min max auto"`
	SaveBestOnly    bool   `koanf:"save_best_only"`
	SaveWeightsOnly bool   `koanf:"save_weights_only"`
	Period          int    `koanf:"period" validate:"gte=1"`
	TieBreak        string `koanf:"tie_break" validate:"oneof=recent oldest"`
}

// RemoteConfig configures the optional remote mirror.
type RemoteConfig struct {
	Kind string `koanf:"kind" validate:"oneof=none ftp s3"`
	// Host is the FTP server or the S3 endpoint.
	Host string `koanf:"host" validate:"required_unless=Kind none"`
	Port int    `koanf:"port" validate:"gte=0,lte=65535"`
	// User and Password are the FTP login or the S3 access and secret key.
	User              string        `koanf:"user" validate:"required_unless=Kind none"`
	Password          string        `koanf:"password" validate:"required_if=Kind s3"`
	Folder            string        `koanf:"folder"`
	Bucket            string        `koanf:"bucket" validate:"required_if=Kind s3"`
	Region            string        `koanf:"region"`
	UseSSL            bool          `koanf:"use_ssl"`
	DieOnRemoteErrors bool          `koanf:"die_on_remote_errors"`
	Retries           int           `koanf:"retries" validate:"gte=0"`
	RetryInterval     time.Duration `koanf:"retry_interval" validate:"gte=0"`
	MaxRetryInterval  time.Duration `koanf:"max_retry_interval" validate:"gte=0"`
	Timeout           time.Duration `koanf:"timeout" validate:"gte=0"`
	BreakerThreshold  uint32        `koanf:"breaker_threshold"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown" validate:"gte=0"`
}

// TrainingConfig configures the demonstration training loop.
type TrainingConfig struct {
	Objective     string  `koanf:"objective" validate:"oneof=sphere rastrigin rosenbrock ackley"`
	Dim           int     `koanf:"dim" validate:"gte=1"`
	Epochs        int     `koanf:"epochs" validate:"gte=1"`
	ItersPerEpoch int     `koanf:"iters_per_epoch" validate:"gte=1"`
	PopSize       int     `koanf:"pop_size" validate:"gte=20"`
	Seed          int64   `koanf:"seed"`
	Lower         float64 `koanf:"lower"`
	Upper         float64 `koanf:"upper" validate:"gtfield=Lower"`
	Shrink        float64 `koanf:"shrink" validate:"gte=0,lte=1"`
	// Patience of zero disables early stopping.
	Patience int     `koanf:"patience" validate:"gte=0"`
	MinDelta float64 `koanf:"min_delta" validate:"gte=0"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// MetricsConfig configures the prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rp := remote.DefaultPolicy()
	return &Config{
		Checkpoint: CheckpointConfig{
			Version:   "1",
			Template:  "weights_{epoch:04d}-{val_loss:.4f}",
			Folder:    "./checkpoints",
			KeepCount: 3,
			Monitor:   "val_loss",
			Mode:      string(metric.ModeAuto),
			Period:    1,
			TieBreak:  string(retention.TieRecent),
		},
		Remote: RemoteConfig{
			Kind:             remote.KindNone,
			Retries:          rp.Retries,
			RetryInterval:    rp.Interval,
			MaxRetryInterval: rp.MaxInterval,
			Timeout:          30 * time.Second,
			BreakerThreshold: rp.BreakerThreshold,
			BreakerCooldown:  rp.BreakerCooldown,
		},
		Training: TrainingConfig{
			Objective:     "rastrigin",
			Dim:           4,
			Epochs:        20,
			ItersPerEpoch: 50,
			PopSize:       30,
			Seed:          42,
			Lower:         -5.12,
			Upper:         5.12,
			Shrink:        0.7,
			MinDelta:      0.001,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Policy returns the retention policy of the checkpoint section.
func (c *Config) Policy() retention.Policy {
	return retention.Policy{
		Version:           c.Checkpoint.Version,
		Template:          c.Checkpoint.Template,
		KeepCount:         c.Checkpoint.KeepCount,
		Monitor:           c.Checkpoint.Monitor,
		Mode:              metric.Mode(c.Checkpoint.Mode),
		SaveBestOnly:      c.Checkpoint.SaveBestOnly,
		SaveWeightsOnly:   c.Checkpoint.SaveWeightsOnly,
		Period:            c.Checkpoint.Period,
		TieBreak:          retention.TieBreak(c.Checkpoint.TieBreak),
		DieOnRemoteErrors: c.Remote.DieOnRemoteErrors,
	}
}

// RemoteOptions returns the remote store options of the remote section.
func (c *Config) RemoteOptions() remote.Options {
	r := c.Remote
	return remote.Options{
		Kind: r.Kind,
		FTP: remote.FTPConfig{
			Host:     r.Host,
			Port:     r.Port,
			User:     r.User,
			Password: r.Password,
			Folder:   r.Folder,
			Timeout:  r.Timeout,
		},
		S3: remote.S3Config{
			Endpoint:  r.Host,
			AccessKey: r.User,
			SecretKey: r.Password,
			Bucket:    r.Bucket,
			Folder:    r.Folder,
			Region:    r.Region,
			UseSSL:    r.UseSSL,
		},
		Policy: remote.Policy{
			Retries:          r.Retries,
			Interval:         r.RetryInterval,
			MaxInterval:      r.MaxRetryInterval,
			BreakerThreshold: r.BreakerThreshold,
			BreakerCooldown:  r.BreakerCooldown,
		},
	}
}

// TrainerConfig returns the training loop configuration.
func (c *Config) TrainerConfig() trainer.Config {
	t := c.Training
	return trainer.Config{
		Objective:     t.Objective,
		Dim:           t.Dim,
		Epochs:        t.Epochs,
		ItersPerEpoch: t.ItersPerEpoch,
		PopSize:       t.PopSize,
		Seed:          t.Seed,
		Lower:         t.Lower,
		Upper:         t.Upper,
		Shrink:        t.Shrink,
		Patience:      t.Patience,
		Threshold:     t.MinDelta,
	}
}

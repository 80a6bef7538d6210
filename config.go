package minerva

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the tunables of a Stream. The defaults were picked for HTTP
// behavior in the wild; none of them is mandated by the protocol.
type Config struct {
	// BackoffBase is multiplied by the number of consecutive problematic
	// transports, up to BackoffMaxMultiplier.
	BackoffBase          time.Duration `yaml:"backoff_base"`
	BackoffMaxMultiplier int           `yaml:"backoff_max_multiplier"`
	// BackoffVariance is the maximum jitter added or subtracted.
	BackoffVariance time.Duration `yaml:"backoff_variance"`
	// SpinnerDelay is how long to wait before replacing a primary transport
	// aborted with RefreshPrimary.
	SpinnerDelay time.Duration `yaml:"spinner_delay"`

	InitialRTTGuess      time.Duration `yaml:"initial_rtt_guess"`
	RTTVarianceAllowance time.Duration `yaml:"rtt_variance_allowance"`
	ServerJankAllowance  time.Duration `yaml:"server_jank_allowance"`
	// MinDownloadRate in bytes per second is assumed when a Content-Length
	// is known, to extend the deadline of a long download.
	MinDownloadRate int `yaml:"min_download_rate"`

	// Streaming makes HTTP primary transports stream instead of long-poll.
	Streaming          bool          `yaml:"streaming"`
	MaxOpenTime        time.Duration `yaml:"max_open_time"`
	StreamingHeartbeat time.Duration `yaml:"streaming_heartbeat"`
	MaxReceiveBytes    int           `yaml:"max_receive_bytes"`
	NeedPaddingBytes   int           `yaml:"need_padding_bytes"`

	MaxUndeliveredStrings int `yaml:"max_undelivered_strings"`
	MaxUndeliveredBytes   int `yaml:"max_undelivered_bytes"`
	MaxFrameLength        int `yaml:"max_frame_length"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BackoffBase:          2000 * time.Millisecond,
		BackoffMaxMultiplier: 3,
		BackoffVariance:      2000 * time.Millisecond,
		SpinnerDelay:         150 * time.Millisecond,

		InitialRTTGuess:      3000 * time.Millisecond,
		RTTVarianceAllowance: 1500 * time.Millisecond,
		ServerJankAllowance:  5000 * time.Millisecond,
		MinDownloadRate:      4096,

		Streaming:          false,
		MaxOpenTime:        25 * time.Second,
		StreamingHeartbeat: 20 * time.Second,
		MaxReceiveBytes:    300 * 1024,

		MaxUndeliveredStrings: 50,
		MaxUndeliveredBytes:   1024 * 1024,
		MaxFrameLength:        1024 * 1024,
	}
}

// ParseConfig reads YAML over the defaults. Durations are Go duration
// strings like "1500ms".
func ParseConfig(b []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %v", path)
	}
	return ParseConfig(b)
}

// Validate rejects configurations a Stream can't run with.
func (c *Config) Validate() error {
	switch {
	case c.BackoffBase < 0, c.BackoffVariance < 0, c.SpinnerDelay < 0:
		return errors.New("backoff durations must not be negative")
	case c.BackoffMaxMultiplier < 1:
		return errors.New("backoff_max_multiplier must be at least 1")
	case c.InitialRTTGuess <= 0:
		return errors.New("initial_rtt_guess must be positive")
	case c.MinDownloadRate <= 0:
		return errors.New("min_download_rate must be positive")
	case c.StreamingHeartbeat < time.Second || c.StreamingHeartbeat > maxMaxInactivity*time.Second:
		return errors.Errorf("streaming_heartbeat must be within 1s and %ds", maxMaxInactivity)
	case c.MaxOpenTime < 0 || c.MaxReceiveBytes <= 0:
		return errors.New("max_open_time and max_receive_bytes must be positive")
	case c.NeedPaddingBytes < 0 || c.NeedPaddingBytes > maxNeedPaddingBytes:
		return errors.Errorf("need_padding_bytes must be within 0 and %d", maxNeedPaddingBytes)
	case c.MaxUndeliveredStrings < 1 || c.MaxUndeliveredBytes < 1 || c.MaxFrameLength < 1:
		return errors.New("receive window and frame limits must be positive")
	}
	return nil
}

package jingle

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config carries the session policy knobs. The zero value is not usable;
// start from DefaultConfig or LoadConfig.
type Config struct {
	WebrtcIceUdpDisable   bool          `mapstructure:"webrtc_ice_udp_disable"`
	WebrtcIceTcpDisable   bool          `mapstructure:"webrtc_ice_tcp_disable"`
	FailICE               bool          `mapstructure:"fail_ice"`
	UseDrip               bool          `mapstructure:"use_drip"`
	DisableSimulcast      bool          `mapstructure:"disable_simulcast"`
	DisableRtx            bool          `mapstructure:"disable_rtx"`
	PreferH264            bool          `mapstructure:"prefer_h264"`
	IqTimeout             time.Duration `mapstructure:"iq_timeout"`
	DripFlush             time.Duration `mapstructure:"drip_flush"`
	SourceReadyRetry      time.Duration `mapstructure:"source_ready_retry"`
	SourceReadyRetryLimit int           `mapstructure:"source_ready_retry_limit"`
}

func DefaultConfig() *Config {
	return &Config{
		IqTimeout:             10 * time.Second,
		DripFlush:             20 * time.Millisecond,
		SourceReadyRetry:      200 * time.Millisecond,
		SourceReadyRetryLimit: 10,
	}
}

// LoadConfig reads the session config from a yaml file selected by
// JINGLE_CONFIG_ENV (dev by default), falling back to defaults when the file
// is absent.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("JINGLE_CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/jingle.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("webrtc_ice_udp_disable", false)
	v.SetDefault("webrtc_ice_tcp_disable", false)
	v.SetDefault("fail_ice", false)
	v.SetDefault("use_drip", false)
	v.SetDefault("disable_simulcast", false)
	v.SetDefault("disable_rtx", false)
	v.SetDefault("prefer_h264", false)
	v.SetDefault("iq_timeout", "10s")
	v.SetDefault("drip_flush", "20ms")
	v.SetDefault("source_ready_retry", "200ms")
	v.SetDefault("source_ready_retry_limit", 10)

	if err := v.ReadInConfig(); err != nil {
		logrus.WithError(err).Debugf("config file not found (%s), using defaults", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

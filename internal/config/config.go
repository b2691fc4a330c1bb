// Package config provides configuration management for av1pipe using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Default staging limits.
const (
	defaultMaxStagingBytes = 2_500_000_000_000 // 2.5 TB total local staging
	defaultMaxFetchBytes   = 500_000_000_000   // 500 GB fetch buffer
	defaultMinFreeBytes    = 50_000_000_000    // 50 GB minimum free on the staging drive
)

// Config holds all configuration for the pipeline.
type Config struct {
	Staging  StagingConfig  `mapstructure:"staging" json:"staging"`
	Encoder  EncoderConfig  `mapstructure:"encoder" json:"encoder"`
	Audio    AudioConfig    `mapstructure:"audio" json:"audio"`
	Verify   VerifyConfig   `mapstructure:"verify" json:"verify"`
	Behavior BehaviorConfig `mapstructure:"behavior" json:"behavior"`
	Tiers    []Tier         `mapstructure:"tiers" json:"tiers"`
	FFmpeg   FFmpegConfig   `mapstructure:"ffmpeg" json:"ffmpeg"`
	Logging  LoggingConfig  `mapstructure:"logging" json:"logging"`
}

// StagingConfig bounds the local working directories.
type StagingConfig struct {
	Dir           string   `mapstructure:"dir" json:"dir"`
	ReportPath    string   `mapstructure:"report_path" json:"report_path"`
	StateFile     string   `mapstructure:"state_file" json:"state_file"`
	MaxBytes      ByteSize `mapstructure:"max_bytes" json:"max_bytes"`
	MaxFetchBytes ByteSize `mapstructure:"max_fetch_bytes" json:"max_fetch_bytes"`
	MinFreeBytes  ByteSize `mapstructure:"min_free_bytes" json:"min_free_bytes"`
}

// EncoderConfig holds the NVENC AV1 parameter tables. Each table is a
// two-level lookup of content type (movie|series) by resolution key
// (4K_HDR, 4K_SDR, 1080p, 720p, 480p, SD).
type EncoderConfig struct {
	VideoCodec  string                       `mapstructure:"video_codec" json:"video_codec"`
	PixelFormat string                       `mapstructure:"pixel_format" json:"pixel_format"`
	CQ          map[string]map[string]int    `mapstructure:"cq" json:"cq"`
	Preset      map[string]map[string]string `mapstructure:"preset" json:"preset"`
	Multipass   map[string]map[string]string `mapstructure:"multipass" json:"multipass"`
	Lookahead   map[string]map[string]int    `mapstructure:"lookahead" json:"lookahead"`
	MaxRate     map[string]map[string]string `mapstructure:"maxrate" json:"maxrate"`
	BufSize     map[string]map[string]string `mapstructure:"bufsize" json:"bufsize"`
}

// AudioConfig controls audio stream handling during encode.
type AudioConfig struct {
	// Mode is "copy" (pass all streams through) or "smart" (lossless
	// streams are transcoded to E-AC-3, lossy streams are copied).
	Mode            string   `mapstructure:"mode" json:"mode"`
	SurroundBitrate string   `mapstructure:"surround_bitrate" json:"surround_bitrate"`
	StereoBitrate   string   `mapstructure:"stereo_bitrate" json:"stereo_bitrate"`
	LosslessCodecs  []string `mapstructure:"lossless_codecs" json:"lossless_codecs"`
}

// VerifyConfig controls post-upload verification.
type VerifyConfig struct {
	DurationToleranceSecs float64 `mapstructure:"duration_tolerance_secs" json:"duration_tolerance_secs"`
}

// BehaviorConfig holds run-level behaviour switches.
type BehaviorConfig struct {
	OverwriteExisting bool `mapstructure:"overwrite_existing" json:"overwrite_existing"`
	ReplaceOriginal   bool `mapstructure:"replace_original" json:"replace_original"`
}

// Tier is one bucket in the priority ordering. Empty Codec or Resolution
// matches anything; MaxBitrateKbps of 0 means unbounded.
type Tier struct {
	Name           string `mapstructure:"name" json:"name"`
	Codec          string `mapstructure:"codec" json:"codec"`
	Resolution     string `mapstructure:"resolution" json:"resolution"`
	MinBitrateKbps int    `mapstructure:"min_bitrate_kbps" json:"min_bitrate_kbps"`
	MaxBitrateKbps int    `mapstructure:"max_bitrate_kbps" json:"max_bitrate_kbps"`
}

// Matches reports whether an entry with the given codec, resolution class
// and overall bitrate falls into this tier.
func (t Tier) Matches(codec, resolution string, bitrateKbps int) bool {
	if t.Codec != "" && t.Codec != codec {
		return false
	}
	if t.Resolution != "" && t.Resolution != resolution {
		return false
	}
	if bitrateKbps < t.MinBitrateKbps {
		return false
	}
	if t.MaxBitrateKbps > 0 && bitrateKbps > t.MaxBitrateKbps {
		return false
	}
	return true
}

// FFmpegConfig holds FFmpeg binary configuration.
type FFmpegConfig struct {
	BinaryPath string `mapstructure:"binary_path" json:"binary_path"` // empty = resolve from PATH
	ProbePath  string `mapstructure:"probe_path" json:"probe_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`   // debug, info, warn, error
	Format     string `mapstructure:"format" json:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" json:"add_source"`
	TimeFormat string `mapstructure:"time_format" json:"time_format"`
}

// RemuxExtensions lists containers known to trip up NVENC's demuxer; inputs
// with these extensions are stream-copied to .mkv before encoding.
var RemuxExtensions = map[string]bool{
	".m2ts": true, ".avi": true, ".wmv": true, ".ts": true, ".m2v": true,
	".vob": true, ".mpg": true, ".mpeg": true, ".mp4": true,
}

// Load reads configuration from file and environment variables.
// Environment variables are prefixed with AV1PIPE_ and use underscores for
// nesting, e.g. AV1PIPE_STAGING_DIR.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/av1pipe")
		v.AddConfigPath("$HOME/.av1pipe")
	}

	v.SetEnvPrefix("AV1PIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No config file is fine - defaults and env vars apply.
	}

	return FromViper(v)
}

// FromViper unmarshals and validates a viper instance into a Config.
// A TextUnmarshaler hook lets size fields accept "500GB"-style strings.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("staging.dir", "./staging")
	v.SetDefault("staging.report_path", "")
	v.SetDefault("staging.state_file", "")
	v.SetDefault("staging.max_bytes", defaultMaxStagingBytes)
	v.SetDefault("staging.max_fetch_bytes", defaultMaxFetchBytes)
	v.SetDefault("staging.min_free_bytes", defaultMinFreeBytes)

	// Encoder: NVENC AV1 tuned for an RTX 4080. 10-bit everywhere - HDR
	// requires it and SDR resists banding better.
	v.SetDefault("encoder.video_codec", "av1_nvenc")
	v.SetDefault("encoder.pixel_format", "p010le")
	v.SetDefault("encoder.cq", map[string]map[string]int{
		"movie":  {"4K_HDR": 22, "4K_SDR": 27, "1080p": 28, "720p": 30, "480p": 30, "SD": 30},
		"series": {"4K_HDR": 24, "4K_SDR": 30, "1080p": 30, "720p": 32, "480p": 32, "SD": 32},
	})
	v.SetDefault("encoder.preset", map[string]map[string]string{
		"movie":  {"4K_HDR": "p7", "4K_SDR": "p5", "1080p": "p5", "720p": "p4", "480p": "p4", "SD": "p4"},
		"series": {"4K_HDR": "p5", "4K_SDR": "p4", "1080p": "p4", "720p": "p4", "480p": "p4", "SD": "p4"},
	})
	v.SetDefault("encoder.multipass", map[string]map[string]string{
		"movie":  {"4K_HDR": "fullres", "4K_SDR": "qres", "1080p": "qres", "720p": "disabled", "480p": "disabled", "SD": "disabled"},
		"series": {"4K_HDR": "qres", "4K_SDR": "disabled", "1080p": "disabled", "720p": "disabled", "480p": "disabled", "SD": "disabled"},
	})
	v.SetDefault("encoder.lookahead", map[string]map[string]int{
		"movie":  {"4K_HDR": 32, "4K_SDR": 24, "1080p": 24, "720p": 16, "480p": 16, "SD": 16},
		"series": {"4K_HDR": 24, "4K_SDR": 16, "1080p": 16, "720p": 16, "480p": 16, "SD": 16},
	})
	v.SetDefault("encoder.maxrate", map[string]map[string]string{
		"movie":  {"4K_HDR": "40M", "4K_SDR": "20M", "1080p": "20M"},
		"series": {"4K_HDR": "20M"},
	})
	v.SetDefault("encoder.bufsize", map[string]map[string]string{
		"movie":  {"4K_HDR": "80M", "4K_SDR": "40M", "1080p": "40M"},
		"series": {"4K_HDR": "40M"},
	})

	v.SetDefault("audio.mode", "smart")
	v.SetDefault("audio.surround_bitrate", "640k")
	v.SetDefault("audio.stereo_bitrate", "256k")
	v.SetDefault("audio.lossless_codecs", []string{
		"truehd", "dts-hd ma", "dts-hd.ma", "flac", "alac",
		"pcm_s16le", "pcm_s24le", "pcm_s32le", "pcm_f32le",
		"pcm_s16be", "pcm_s24be", "pcm_s32be", "pcm_f32be",
	})

	v.SetDefault("verify.duration_tolerance_secs", 2.0)

	v.SetDefault("behavior.overwrite_existing", false)
	v.SetDefault("behavior.replace_original", true)

	// Priority tiers: order matters, biggest savings first.
	v.SetDefault("tiers", DefaultTiers())

	v.SetDefault("ffmpeg.binary_path", "")
	v.SetDefault("ffmpeg.probe_path", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", "")
}

// DefaultTiers returns the built-in priority tier list. Low indices
// enumerate the most wasteful codec/resolution/bitrate combinations.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "H.264 1080p", Codec: "H.264", Resolution: "1080p"},
		{Name: "Bloated HEVC 1080p", Codec: "HEVC (H.265)", Resolution: "1080p", MinBitrateKbps: 15000},
		{Name: "Bloated HEVC 4K", Codec: "HEVC (H.265)", Resolution: "4K", MinBitrateKbps: 25000},
		{Name: "H.264 720p/other", Codec: "H.264"},
		{Name: "HEVC 1080p", Codec: "HEVC (H.265)", Resolution: "1080p", MaxBitrateKbps: 15000},
		{Name: "HEVC 4K >20Mbps", Codec: "HEVC (H.265)", Resolution: "4K", MinBitrateKbps: 20000, MaxBitrateKbps: 25000},
		{Name: "HEVC 4K <=20Mbps", Codec: "HEVC (H.265)", Resolution: "4K", MaxBitrateKbps: 20000},
		{Name: "HEVC 720p/SD + other", Codec: "HEVC (H.265)"},
		{Name: "Other codecs"},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Staging.Dir == "" {
		return fmt.Errorf("staging.dir is required")
	}
	if c.Staging.MaxBytes <= 0 {
		return fmt.Errorf("staging.max_bytes must be positive")
	}
	if c.Staging.MaxFetchBytes <= 0 {
		return fmt.Errorf("staging.max_fetch_bytes must be positive")
	}
	if c.Staging.MaxFetchBytes > c.Staging.MaxBytes {
		return fmt.Errorf("staging.max_fetch_bytes must not exceed staging.max_bytes")
	}
	if c.Encoder.VideoCodec == "" {
		return fmt.Errorf("encoder.video_codec is required")
	}

	validAudio := map[string]bool{"copy": true, "smart": true}
	if !validAudio[c.Audio.Mode] {
		return fmt.Errorf("audio.mode must be one of: copy, smart")
	}
	if c.Verify.DurationToleranceSecs <= 0 {
		return fmt.Errorf("verify.duration_tolerance_secs must be positive")
	}
	if len(c.Tiers) == 0 {
		return fmt.Errorf("at least one priority tier is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// LosslessCodecSet returns the lossless audio codecs as a lookup set with
// normalized (lowercase, trimmed) keys.
func (c *AudioConfig) LosslessCodecSet() map[string]bool {
	set := make(map[string]bool, len(c.LosslessCodecs))
	for _, codec := range c.LosslessCodecs {
		set[strings.ToLower(strings.TrimSpace(codec))] = true
	}
	return set
}


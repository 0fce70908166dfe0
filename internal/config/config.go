package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const appName = "voicebridge"

// Upstream defines the Gemini Live endpoint and model parameters sent in the
// setup handshake.
type Upstream struct {
	Endpoint         string `json:"endpoint"`
	Model            string `json:"model"`
	ResponseModality string `json:"responseModality"`
	Voice            string `json:"voice"`
	PersonaPreamble  string `json:"personaPreamble"`
}

// Auth defines how the upstream transport open request is authenticated.
// ServiceAccountFile drives the ephemeral token exchange; APIKey is the
// long-lived static fallback.
type Auth struct {
	ServiceAccountFile string `json:"serviceAccountFile"`
	APIKey             string `json:"apiKey"`
	TokenScope         string `json:"tokenScope"`
}

// Timing holds every interval the session engine runs on.
type Timing struct {
	ProbeInterval  time.Duration `json:"probeInterval"`
	StaleThreshold time.Duration `json:"staleThreshold"`
	ReconnectDelay time.Duration `json:"reconnectDelay"`
	FallbackDelay  time.Duration `json:"fallbackDelay"`
	WriteTimeout   time.Duration `json:"writeTimeout"`
	DialTimeout    time.Duration `json:"dialTimeout"`
}

// Config is the main configuration structure for the relay.
type Config struct {
	ListenAddr string   `json:"listenAddr"`
	HistoryCap int      `json:"historyCap"`
	Upstream   Upstream `json:"upstream"`
	Auth       Auth     `json:"auth"`
	Timing     Timing   `json:"timing"`
	Debug      bool     `json:"debug"`
}

// Load reads configuration from the given file (optional), the environment
// (VOICEBRIDGE_ prefix) and built-in defaults, in that order of precedence.
func Load(configPath string) (*Config, error) {
	setDefaults()

	viper.SetEnvPrefix(strings.ToUpper(appName))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(fmt.Sprintf(".%s", appName))
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.AddConfigPath(fmt.Sprintf("$HOME/.config/%s", appName))
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; env and defaults carry the load.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// FileUsed reports which config file was loaded, if any.
func FileUsed() string {
	return viper.ConfigFileUsed()
}

// Watch re-unmarshals the config whenever the underlying file changes and
// hands the fresh copy to onChange. Changes apply to connections established
// after the reload; live sessions keep the parameters they were opened with.
func Watch(onChange func(*Config)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		var cfg Config
		if err := viper.Unmarshal(&cfg); err != nil {
			log.Warn("ignoring config reload", "file", e.Name, "error", err)
			return
		}
		log.Info("config reloaded", "file", e.Name)
		onChange(&cfg)
	})
	viper.WatchConfig()
}

func setDefaults() {
	viper.SetDefault("listenAddr", ":8080")
	viper.SetDefault("historyCap", 30)

	viper.SetDefault("upstream.endpoint",
		"wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent")
	viper.SetDefault("upstream.model", "models/gemini-2.0-flash-exp")
	viper.SetDefault("upstream.responseModality", "AUDIO")
	viper.SetDefault("upstream.voice", "Puck")
	viper.SetDefault("upstream.personaPreamble",
		"You are a helpful, concise voice assistant. Keep spoken responses natural and brief.")

	viper.SetDefault("auth.serviceAccountFile", "")
	viper.SetDefault("auth.apiKey", "")
	viper.SetDefault("auth.tokenScope", "https://www.googleapis.com/auth/generative-language")

	viper.SetDefault("timing.probeInterval", 20*time.Second)
	viper.SetDefault("timing.staleThreshold", 45*time.Second)
	viper.SetDefault("timing.reconnectDelay", 3*time.Second)
	viper.SetDefault("timing.fallbackDelay", 2*time.Second)
	viper.SetDefault("timing.writeTimeout", 10*time.Second)
	viper.SetDefault("timing.dialTimeout", 15*time.Second)
}

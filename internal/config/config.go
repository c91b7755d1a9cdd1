package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "MESHROOM"

type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Signal  SignalConfig  `mapstructure:"signal"`
	Peer    PeerConfig    `mapstructure:"peer"`
	ICE     ICEConfig     `mapstructure:"ice"`
	Media   MediaConfig   `mapstructure:"media"`
	Session SessionConfig `mapstructure:"session"`
	Control ControlConfig `mapstructure:"control"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=trace debug info warn error"`
	JSON  bool   `mapstructure:"json"`
}

type SignalConfig struct {
	URL               string        `mapstructure:"url" validate:"required,url"`
	Path              string        `mapstructure:"path"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	QueueSize         int           `mapstructure:"queue_size" validate:"gt=0"`
	RejoinOnReconnect bool          `mapstructure:"rejoin_on_reconnect"`
}

type PeerConfig struct {
	Host   string `mapstructure:"host" validate:"required"`
	Port   int    `mapstructure:"port" validate:"gt=0,lt=65536"`
	Path   string `mapstructure:"path"`
	Secure bool   `mapstructure:"secure"`
	Key    string `mapstructure:"key" validate:"required"`
	// ID requests a fixed endpoint id instead of a broker-assigned one.
	ID string `mapstructure:"id"`
}

type ICEConfig struct {
	STUN            []string      `mapstructure:"stun"`
	TURNURL         string        `mapstructure:"turn_url"`
	TURNUsername    string        `mapstructure:"turn_username"`
	TURNCredential  string        `mapstructure:"turn_credential"`
	CredentialsURL  string        `mapstructure:"credentials_url" validate:"omitempty,url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
	ForceRelay      bool          `mapstructure:"force_relay"`
	ProbeTURN       bool          `mapstructure:"probe_turn"`
}

type MediaConfig struct {
	Camera        string `mapstructure:"camera"`
	Microphone    string `mapstructure:"microphone"`
	Screen        string `mapstructure:"screen"`
	FailurePolicy string `mapstructure:"failure_policy" validate:"oneof=reject degrade"`
}

type SessionConfig struct {
	DialPolicy      string        `mapstructure:"dial_policy" validate:"oneof=settle lower-id"`
	SettleDelay     time.Duration `mapstructure:"settle_delay" validate:"gte=0"`
	RedialLimit     int           `mapstructure:"redial_limit" validate:"gte=0"`
	TickInterval    time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	TypingTimeout   time.Duration `mapstructure:"typing_timeout" validate:"gt=0"`
	TranscriptLimit int           `mapstructure:"transcript_limit" validate:"gt=0"`
	ChatBurst       int           `mapstructure:"chat_burst" validate:"gt=0"`
	ChatWindow      time.Duration `mapstructure:"chat_window" validate:"gt=0"`
}

type ControlConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode" validate:"oneof=debug release test"`
}

// flagKeys maps command line flags onto config keys.
var flagKeys = map[string]string{
	"log-level":       "log.level",
	"log-json":        "log.json",
	"signal-url":      "signal.url",
	"peer-host":       "peer.host",
	"peer-port":       "peer.port",
	"peer-path":       "peer.path",
	"peer-secure":     "peer.secure",
	"peer-id":         "peer.id",
	"turn-url":        "ice.turn_url",
	"turn-username":   "ice.turn_username",
	"turn-credential": "ice.turn_credential",
	"ice-url":         "ice.credentials_url",
	"force-relay":     "ice.force_relay",
	"camera":          "media.camera",
	"microphone":      "media.microphone",
	"screen":          "media.screen",
	"media-policy":    "media.failure_policy",
	"dial-policy":     "session.dial_policy",
	"control-addr":    "control.addr",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("signal.url", "http://localhost:4000")
	v.SetDefault("signal.path", "/socket.io/")
	v.SetDefault("signal.max_backoff", "30s")
	v.SetDefault("signal.queue_size", 64)
	v.SetDefault("signal.rejoin_on_reconnect", true)

	v.SetDefault("peer.host", "localhost")
	v.SetDefault("peer.port", 9000)
	v.SetDefault("peer.path", "/")
	v.SetDefault("peer.secure", false)
	v.SetDefault("peer.key", "peerjs")
	v.SetDefault("peer.id", "")

	v.SetDefault("ice.stun", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("ice.turn_url", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")
	v.SetDefault("ice.credentials_url", "")
	v.SetDefault("ice.refresh_interval", "10m")
	v.SetDefault("ice.force_relay", false)
	v.SetDefault("ice.probe_turn", false)

	v.SetDefault("media.camera", "media/camera.ivf")
	v.SetDefault("media.microphone", "media/microphone.ogg")
	v.SetDefault("media.screen", "media/screen.ivf")
	v.SetDefault("media.failure_policy", "reject")

	v.SetDefault("session.dial_policy", "settle")
	v.SetDefault("session.settle_delay", "1s")
	v.SetDefault("session.redial_limit", 1)
	v.SetDefault("session.tick_interval", "1s")
	v.SetDefault("session.typing_timeout", "400ms")
	v.SetDefault("session.transcript_limit", 500)
	v.SetDefault("session.chat_burst", 5)
	v.SetDefault("session.chat_window", "3s")

	v.SetDefault("control.addr", "")
	v.SetDefault("control.mode", "release")
}

// Load resolves flag > env > config file > default. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn().Err(err).Str("module", "config").Msg("failed to read .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("module", "config").
		Str("signal", cfg.Signal.URL).
		Str("peer", cfg.Peer.Host).
		Str("media_policy", cfg.Media.FailurePolicy).
		Str("dial_policy", cfg.Session.DialPolicy).
		Msg("config resolved")
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.ICE.TURNURL != "" && (c.ICE.TURNUsername == "" || c.ICE.TURNCredential == "") {
		return errors.New("invalid config: turn_url requires turn_username and turn_credential")
	}
	return nil
}

// TURNURLs expands a TURN host ("turn:example.com" or "example.com") into udp,
// tcp and tls variants. URLs that already name a transport are kept as is.
func (c ICEConfig) TURNURLs() []string {
	raw := strings.TrimSpace(c.TURNURL)
	if raw == "" {
		return nil
	}
	if strings.Contains(raw, "?transport=") {
		return []string{raw}
	}
	host := strings.TrimPrefix(strings.TrimPrefix(raw, "turns:"), "turn:")
	if i := strings.LastIndexByte(host, ':'); i > 0 {
		host = host[:i]
	}
	return []string{
		fmt.Sprintf("turn:%s:3478?transport=udp", host),
		fmt.Sprintf("turn:%s:3478?transport=tcp", host),
		fmt.Sprintf("turns:%s:5349?transport=tcp", host),
	}
}

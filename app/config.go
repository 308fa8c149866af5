package chatsync

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatsync/pkg/socket"
	"github.com/spf13/viper"
)

const EnvPrefix = "CHATSYNC"

type Config struct {
	Server struct {
		// URL is the websocket endpoint of the remote.
		URL string `validate:"required,url" default:"ws://localhost:8080/ws"`
	}
	Auth struct {
		// Username is the identity the client connects as.
		Username string `validate:"required"`
		// Token is sent as the auth cookie on the upgrade request.
		Token string
	}
	Reconnect struct {
		// Attempts is the number of dial attempts before giving up. A negative value retries forever.
		Attempts   int           `default:"5"`
		Delay      time.Duration `validate:"gt=0" default:"1s"`
		MaxDelay   time.Duration `validate:"gtefield=Delay" default:"5s"`
		Multiplier float64       `validate:"gte=1" default:"2"`
	}
	Typing struct {
		// Timeout is how long a typing indicator lives without a refresh.
		Timeout time.Duration `validate:"gt=0" default:"3s"`
	}
	Chat struct {
		// HistoryLimit is the page size of history requests.
		HistoryLimit int `validate:"gte=1" default:"50"`
		// MaxCharacters limits outgoing messages. Zero disables the limit.
		MaxCharacters int `validate:"gte=0" default:"1000"`
		// ScrollDelay defers the scroll hook after a message is appended.
		ScrollDelay time.Duration `validate:"gte=0" default:"100ms"`
	}
	Drafts struct {
		// File is the SQLite database drafts are persisted to. Empty keeps drafts in memory.
		File string
	}
	LogLevel slog.Level
	valid    bool
}

// DefaultConfig returns the configuration used when nothing is set.
// Auth.Username must still be filled in.
func DefaultConfig() *Config {
	config := &Config{}
	config.Server.URL = "ws://localhost:8080/ws"
	policy := socket.DefaultReconnectPolicy()
	config.Reconnect.Attempts = policy.MaxAttempts
	config.Reconnect.Delay = policy.InitialDelay
	config.Reconnect.MaxDelay = policy.MaxDelay
	config.Reconnect.Multiplier = policy.Multiplier
	config.Typing.Timeout = 3 * time.Second
	config.Chat.HistoryLimit = 50
	config.Chat.MaxCharacters = 1000
	config.Chat.ScrollDelay = 100 * time.Millisecond
	config.LogLevel = slog.LevelInfo
	return config
}

// LoadConfig loads the configuration from the config file and environment variables.
// Environment variables are prefixed with CHATSYNC_, e.g. CHATSYNC_SERVER_URL.
// An empty path looks for chatsync.yaml in the working directory; a missing file is not an error then.
// Any value that fails to decode is caught in the validation step.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("chatsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := DefaultConfig()
	v.SetDefault("server.url", d.Server.URL)
	v.SetDefault("auth.username", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("reconnect.attempts", d.Reconnect.Attempts)
	v.SetDefault("reconnect.delay", d.Reconnect.Delay)
	v.SetDefault("reconnect.maxdelay", d.Reconnect.MaxDelay)
	v.SetDefault("reconnect.multiplier", d.Reconnect.Multiplier)
	v.SetDefault("typing.timeout", d.Typing.Timeout)
	v.SetDefault("chat.historylimit", d.Chat.HistoryLimit)
	v.SetDefault("chat.maxcharacters", d.Chat.MaxCharacters)
	v.SetDefault("chat.scrolldelay", d.Chat.ScrollDelay)
	v.SetDefault("drafts.file", "")
	v.SetDefault("loglevel", "info")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	if err := validate.Struct(c); err != nil {
		return err
	}
	c.valid = true
	return nil
}

// ReconnectPolicy builds the transport's reconnect policy.
func (c *Config) ReconnectPolicy() *socket.ReconnectPolicy {
	return &socket.ReconnectPolicy{
		MaxAttempts:  c.Reconnect.Attempts,
		InitialDelay: c.Reconnect.Delay,
		Multiplier:   c.Reconnect.Multiplier,
		MaxDelay:     c.Reconnect.MaxDelay,
	}
}

// FormatValidationErrors renders config validation errors, one per line.
func FormatValidationErrors(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ""
	}
	trans, _ := uniTrans.GetTranslator("en")

	var sb strings.Builder
	for _, fe := range verrs {
		sb.WriteString(fe.Translate(trans))
		sb.WriteString("\n")
	}
	return sb.String()
}

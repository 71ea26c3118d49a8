package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "PARAMSYNC"

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Sync struct {
		ConflictWindow  time.Duration `mapstructure:"conflictWindow"`
		ConflictTimeout time.Duration `mapstructure:"conflictTimeout"`
		EchoToWriter    bool          `mapstructure:"echoToWriter"`
		IdleSessionTTL  time.Duration `mapstructure:"idleSessionTTL"`
		SweepInterval   time.Duration `mapstructure:"sweepInterval"`
	} `mapstructure:"sync"`
	Client struct {
		Debounce          time.Duration `mapstructure:"debounce"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeatInterval"`
		PongTimeout       time.Duration `mapstructure:"pongTimeout"`
		MaxReconnectDelay time.Duration `mapstructure:"maxReconnectDelay"`
	} `mapstructure:"client"`
	Transport struct {
		ReadTimeout    time.Duration `mapstructure:"readTimeout"`
		WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
		SendBuffer     int           `mapstructure:"sendBuffer"`
		MessageRate    float64       `mapstructure:"messageRate"`
		MessageBurst   int           `mapstructure:"messageBurst"`
		MaxInFlight    int           `mapstructure:"maxInFlight"`
		AllowedOrigins []string      `mapstructure:"allowedOrigins"`
	} `mapstructure:"transport"`
	Auth struct {
		Secret         string        `mapstructure:"secret"`
		TokenTTL       time.Duration `mapstructure:"tokenTTL"`
		AllowAnonymous bool          `mapstructure:"allowAnonymous"`
	} `mapstructure:"auth"`
	Redis struct {
		Addrs       []string      `mapstructure:"addrs"`
		Password    string        `mapstructure:"password"`
		PresenceTTL time.Duration `mapstructure:"presenceTTL"`
	} `mapstructure:"redis"`
	History struct {
		Backend   string        `mapstructure:"backend"`
		MaxEvents int           `mapstructure:"maxEvents"`
		TTL       time.Duration `mapstructure:"ttl"`
	} `mapstructure:"history"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("running.port", 8000)

	v.SetDefault("sync.conflictWindow", 500*time.Millisecond)
	v.SetDefault("sync.conflictTimeout", time.Duration(0))
	v.SetDefault("sync.echoToWriter", true)
	v.SetDefault("sync.idleSessionTTL", 10*time.Minute)
	v.SetDefault("sync.sweepInterval", time.Minute)

	v.SetDefault("client.debounce", 300*time.Millisecond)
	v.SetDefault("client.heartbeatInterval", 30*time.Second)
	v.SetDefault("client.pongTimeout", 10*time.Second)
	v.SetDefault("client.maxReconnectDelay", 30*time.Second)

	v.SetDefault("transport.readTimeout", 75*time.Second)
	v.SetDefault("transport.writeTimeout", 10*time.Second)
	v.SetDefault("transport.sendBuffer", 64)
	v.SetDefault("transport.messageRate", 50.0)
	v.SetDefault("transport.messageBurst", 100)
	v.SetDefault("transport.maxInFlight", 100)
	v.SetDefault("transport.allowedOrigins", []string{
		"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1",
	})

	v.SetDefault("auth.secret", "dev-secret")
	v.SetDefault("auth.tokenTTL", 24*time.Hour)
	v.SetDefault("auth.allowAnonymous", true)

	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.presenceTTL", 90*time.Second)

	v.SetDefault("history.backend", "memory")
	v.SetDefault("history.maxEvents", 1000)
	v.SetDefault("history.ttl", 24*time.Hour)

	v.SetDefault("mysql.dsn", "")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "param-commits")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
}

// Load 读取 syncConfig.yaml（可选）并叠加环境变量。
// path 非空时只读该文件，且文件必须存在。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("syncConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch {
	case c.Running.Port <= 0 || c.Running.Port > 65535:
		return fmt.Errorf("config: running.port %d out of range", c.Running.Port)
	case c.Sync.ConflictWindow <= 0:
		return errors.New("config: sync.conflictWindow must be positive")
	case c.Sync.ConflictTimeout < 0:
		return errors.New("config: sync.conflictTimeout must not be negative")
	case c.Transport.SendBuffer <= 0:
		return errors.New("config: transport.sendBuffer must be positive")
	case c.Transport.MaxInFlight <= 0:
		return errors.New("config: transport.maxInFlight must be positive")
	}
	switch c.History.Backend {
	case "memory":
	case "redis":
		if len(c.Redis.Addrs) == 0 {
			return errors.New("config: history.backend=redis needs redis.addrs")
		}
	case "mysql":
		if c.Mysql.DSN == "" {
			return errors.New("config: history.backend=mysql needs mysql.dsn")
		}
	default:
		return fmt.Errorf("config: unknown history.backend %q", c.History.Backend)
	}
	return nil
}

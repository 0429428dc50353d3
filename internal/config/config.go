package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v2"
)

const defaultPath = "config/config.yaml"

type Config struct {
	Server struct {
		Address string   `yaml:"address"`
		Origins []string `yaml:"allowed_origins"`
	} `yaml:"server"`
	Database struct {
		Driver  string `yaml:"driver"`
		URL     string `yaml:"url"`
		Migrate bool   `yaml:"migrate"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Firebase struct {
		CredentialsFile string `yaml:"credentials_file"`
	} `yaml:"firebase"`
	AWS struct {
		Region    string `yaml:"region"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		SenderID  string `yaml:"sender_id"`
	} `yaml:"aws"`
	Events struct {
		Backend  string   `yaml:"backend"`
		Brokers  []string `yaml:"brokers"`
		Topic    string   `yaml:"topic"`
		AMQPURL  string   `yaml:"amqp_url"`
		Exchange string   `yaml:"exchange"`
	} `yaml:"events"`
	Maps struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"maps"`
	Stripe struct {
		APIKey string `yaml:"api_key"`
	} `yaml:"stripe"`
}

// LoadConfig reads the YAML file named by CONFIG_PATH and applies environment
// overrides. A missing file is fine when the environment supplies the rest.
func LoadConfig() (Config, error) {
	var cfg Config

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("unmarshal config data: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	cfg.applyDefaults()
	return cfg, cfg.validate()
}

func (c *Config) applyEnv() error {
	strs := []struct {
		name string
		dst  *string
	}{
		{"DATABASE_DRIVER", &c.Database.Driver},
		{"DATABASE_URL", &c.Database.URL},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"REDIS_PASSWORD", &c.Redis.Password},
		{"JWT_SECRET", &c.Auth.JWTSecret},
		{"FIREBASE_CREDENTIALS_FILE", &c.Firebase.CredentialsFile},
		{"AWS_REGION", &c.AWS.Region},
		{"AWS_ACCESS_KEY_ID", &c.AWS.AccessKey},
		{"AWS_SECRET_ACCESS_KEY", &c.AWS.SecretKey},
		{"SMS_SENDER_ID", &c.AWS.SenderID},
		{"EVENTS_BACKEND", &c.Events.Backend},
		{"EVENTS_TOPIC", &c.Events.Topic},
		{"AMQP_URL", &c.Events.AMQPURL},
		{"AMQP_EXCHANGE", &c.Events.Exchange},
		{"GOOGLE_MAPS_API_KEY", &c.Maps.APIKey},
		{"STRIPE_SECRET_KEY", &c.Stripe.APIKey},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(os.Getenv(s.name)); v != "" {
			*s.dst = v
		}
	}

	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		c.Server.Address = ":" + strings.TrimPrefix(v, ":")
	}
	if v := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); v != "" {
		c.Events.Brokers = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		c.Server.Origins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_DB")); v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse REDIS_DB: %w", err)
		}
		c.Redis.DB = db
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse DATABASE_MIGRATE: %w", err)
		}
		c.Database.Migrate = b
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":4001"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Events.Topic == "" {
		c.Events.Topic = "dispatch.transitions"
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "dispatch"
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "ap-south-1"
	}
}

func (c Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("jwt secret is required")
	}
	switch c.Database.Driver {
	case "mysql", "pgx":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Events.Backend {
	case "", "none", "kafka", "amqp":
	default:
		return fmt.Errorf("unsupported events backend %q", c.Events.Backend)
	}
	if c.Events.Backend == "kafka" && len(c.Events.Brokers) == 0 {
		return fmt.Errorf("kafka backend needs brokers")
	}
	if c.Events.Backend == "amqp" && c.Events.AMQPURL == "" {
		return fmt.Errorf("amqp backend needs amqp_url")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

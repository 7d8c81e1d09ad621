package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"quiz-arena-service/internal/game"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Quiz struct {
		TTL string `yaml:"ttl"`
	} `yaml:"quiz"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Results struct {
		BaseURL       string `yaml:"base_url"`
		Timeout       string `yaml:"timeout"`
		FlushInterval string `yaml:"flush_interval"`
	} `yaml:"results"`
	Game struct {
		QuestionDuration     string `yaml:"question_duration"`
		RevealDuration       string `yaml:"reveal_duration"`
		IntermissionDuration string `yaml:"intermission_duration"`
		LobbyIdleTimeout     string `yaml:"lobby_idle_timeout"`
		EndGracePeriod       string `yaml:"end_grace_period"`
		PINLength            int    `yaml:"pin_length"`
		MaxRoomSize          int    `yaml:"max_room_size"`
	} `yaml:"game"`
}

// Load reads YAML config from path. A missing file is not an error: the
// engine boots on defaults plus environment. Environment variables override
// the file for the secrets and endpoints that differ per deployment.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		c.Postgres.URL = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("RESULTS_BASE_URL"); v != "" {
		c.Results.BaseURL = v
	}
}

// GameConfig materializes the tunables section, falling back to the
// production defaults for anything the file leaves out.
func (c *Config) GameConfig() game.Config {
	gc := game.DefaultConfig()
	gc.QuestionDuration = TTLDuration(c.Game.QuestionDuration, gc.QuestionDuration)
	gc.RevealDuration = TTLDuration(c.Game.RevealDuration, gc.RevealDuration)
	gc.IntermissionDuration = TTLDuration(c.Game.IntermissionDuration, gc.IntermissionDuration)
	gc.LobbyIdleTimeout = TTLDuration(c.Game.LobbyIdleTimeout, gc.LobbyIdleTimeout)
	gc.EndGracePeriod = TTLDuration(c.Game.EndGracePeriod, gc.EndGracePeriod)
	if c.Game.PINLength > 0 {
		gc.PINLength = c.Game.PINLength
	}
	if c.Game.MaxRoomSize > 0 {
		gc.MaxRoomSize = c.Game.MaxRoomSize
	}
	return gc
}

// TTLDuration parses a duration string or returns the fallback if empty or
// unparseable.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
	// streak time zones must load on hosts without a zoneinfo database
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Port             string `validate:"required,numeric"`
	DynamoDBEndpoint string
	DynamoDBRegion   string `validate:"required"`
	AWSAccessKey     string
	AWSSecretKey     string
	LogLevel         string `validate:"oneof=debug info warn error"`
	TableName        string `validate:"required"`

	// EventBusName enables EventBridge notifications when set
	EventBusName string
	EventSource  string `validate:"required"`

	// ConfigFile is the optional YAML file with tuning overrides
	ConfigFile string

	Game    GameConfig    `yaml:"game"`
	Room    RoomConfig    `yaml:"room"`
	Ranking RankingConfig `yaml:"ranking"`
	Streak  StreakConfig  `yaml:"streak"`
	Argon2  Argon2Config  `yaml:"argon2"`
}

// GameConfig tunes the round engine.
type GameConfig struct {
	TotalRounds           int           `yaml:"totalRounds" validate:"min=1,max=999"`
	RoundTimeLimit        time.Duration `yaml:"roundTimeLimit" validate:"gt=0"`
	QuickGuessThresholdMs int64         `yaml:"quickGuessThresholdMs" validate:"gt=0"`
	BasePoints            int           `yaml:"basePoints" validate:"min=0"`
	QuickGuessBonus       int           `yaml:"quickGuessBonus" validate:"min=0"`
	SessionRetention      time.Duration `yaml:"sessionRetention" validate:"gt=0"`
}

type RoomConfig struct {
	MaxMembers      int           `yaml:"maxMembers" validate:"min=2"`
	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	ReconnectWindow time.Duration `yaml:"reconnectWindow" validate:"gt=0"`
	MessageTTL      time.Duration `yaml:"messageTTL" validate:"gt=0"`
}

type RankingConfig struct {
	// Milestones are TOTAL score thresholds that trigger a notification and a badge
	Milestones []int64 `yaml:"milestones" validate:"dive,gt=0"`
}

type StreakConfig struct {
	Badges   []int  `yaml:"badges" validate:"dive,gt=0"`
	TimeZone string `yaml:"timeZone" validate:"required"`
}

// Argon2Config holds the password hashing cost parameters.
type Argon2Config struct {
	Memory      uint32 `yaml:"memory" validate:"gt=0"`
	Iterations  uint32 `yaml:"iterations" validate:"gt=0"`
	Parallelism uint8  `yaml:"parallelism" validate:"gt=0"`
	SaltLength  uint32 `yaml:"saltLength" validate:"gte=8"`
	KeyLength   uint32 `yaml:"keyLength" validate:"gte=16"`
}

// tuning is the part of Config a CONFIG_FILE may override
type tuning struct {
	Game    *GameConfig    `yaml:"game"`
	Room    *RoomConfig    `yaml:"room"`
	Ranking *RankingConfig `yaml:"ranking"`
	Streak  *StreakConfig  `yaml:"streak"`
	Argon2  *Argon2Config  `yaml:"argon2"`
}

// Defaults returns the built-in tuning values.
func Defaults() Config {
	return Config{
		Port:           "8080",
		DynamoDBRegion: "us-east-1",
		LogLevel:       "info",
		TableName:      "studyhall",
		EventSource:    "studyhall.core",
		Game: GameConfig{
			TotalRounds:           5,
			RoundTimeLimit:        60 * time.Second,
			QuickGuessThresholdMs: 5000,
			BasePoints:            10,
			QuickGuessBonus:       5,
			SessionRetention:      168 * time.Hour,
		},
		Room: RoomConfig{
			MaxMembers:      10,
			TTL:             24 * time.Hour,
			ReconnectWindow: 10 * time.Minute,
			MessageTTL:      168 * time.Hour,
		},
		Ranking: RankingConfig{Milestones: []int64{100, 500, 1000, 5000}},
		Streak:  StreakConfig{Badges: []int{7, 30, 100}, TimeZone: "UTC"},
		Argon2: Argon2Config{
			Memory:      64 * 1024,
			Iterations:  1,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
	}
}

// Load reads configuration from environment variables, applies the optional
// YAML file and validates the result
func Load() (*Config, error) {
	cfg := Defaults()
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DynamoDBEndpoint = getEnv("DYNAMODB_ENDPOINT", "http://localhost:8000")
	cfg.DynamoDBRegion = getEnv("DYNAMODB_REGION", cfg.DynamoDBRegion)
	cfg.AWSAccessKey = getEnv("AWS_ACCESS_KEY_ID", "dummy")
	cfg.AWSSecretKey = getEnv("AWS_SECRET_ACCESS_KEY", "dummy")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.TableName = getEnv("TABLE_NAME", cfg.TableName)
	cfg.EventBusName = getEnv("EVENT_BUS_NAME", "")
	cfg.EventSource = getEnv("EVENT_SOURCE", cfg.EventSource)
	cfg.ConfigFile = getEnv("CONFIG_FILE", "")

	if cfg.ConfigFile != "" {
		if err := cfg.applyFile(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}

	var err error
	if cfg.Game.TotalRounds, err = getEnvInt("GAME_TOTAL_ROUNDS", cfg.Game.TotalRounds); err != nil {
		return nil, err
	}
	secs, err := getEnvInt("GAME_ROUND_TIME_LIMIT_SECONDS", int(cfg.Game.RoundTimeLimit/time.Second))
	if err != nil {
		return nil, err
	}
	cfg.Game.RoundTimeLimit = time.Duration(secs) * time.Second
	quick, err := getEnvInt("GAME_QUICK_GUESS_THRESHOLD_MS", int(cfg.Game.QuickGuessThresholdMs))
	if err != nil {
		return nil, err
	}
	cfg.Game.QuickGuessThresholdMs = int64(quick)
	if cfg.Room.MaxMembers, err = getEnvInt("ROOM_MAX_MEMBERS", cfg.Room.MaxMembers); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := time.LoadLocation(c.Streak.TimeZone); err != nil {
		return fmt.Errorf("invalid configuration: streak time zone: %w", err)
	}
	return nil
}

// Location returns the time zone calendar days are counted in.
func (c StreakConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	t := tuning{
		Game:    &c.Game,
		Room:    &c.Room,
		Ranking: &c.Ranking,
		Streak:  &c.Streak,
		Argon2:  &c.Argon2,
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// getEnv reads an environment variable with a fallback default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

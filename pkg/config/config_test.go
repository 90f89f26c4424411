package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"PORT", "DYNAMODB_ENDPOINT", "DYNAMODB_REGION", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"LOG_LEVEL", "TABLE_NAME", "EVENT_BUS_NAME", "EVENT_SOURCE", "CONFIG_FILE",
	"GAME_TOTAL_ROUNDS", "GAME_ROUND_TIME_LIMIT_SECONDS", "GAME_QUICK_GUESS_THRESHOLD_MS", "ROOM_MAX_MEMBERS",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func TestLoad_DefaultValues(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"Port", cfg.Port, "8080"},
		{"DynamoDBEndpoint", cfg.DynamoDBEndpoint, "http://localhost:8000"},
		{"DynamoDBRegion", cfg.DynamoDBRegion, "us-east-1"},
		{"AWSAccessKey", cfg.AWSAccessKey, "dummy"},
		{"AWSSecretKey", cfg.AWSSecretKey, "dummy"},
		{"LogLevel", cfg.LogLevel, "info"},
		{"TableName", cfg.TableName, "studyhall"},
		{"EventBusName", cfg.EventBusName, ""},
		{"EventSource", cfg.EventSource, "studyhall.core"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.got)
		})
	}

	assert.Equal(t, 5, cfg.Game.TotalRounds)
	assert.Equal(t, 60*time.Second, cfg.Game.RoundTimeLimit)
	assert.Equal(t, int64(5000), cfg.Game.QuickGuessThresholdMs)
	assert.Equal(t, 10, cfg.Room.MaxMembers)
	assert.Equal(t, 10*time.Minute, cfg.Room.ReconnectWindow)
	assert.Equal(t, []int64{100, 500, 1000, 5000}, cfg.Ranking.Milestones)
	assert.Equal(t, []int{7, 30, 100}, cfg.Streak.Badges)
	assert.Equal(t, time.UTC, cfg.Streak.Location())
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9000")
	t.Setenv("DYNAMODB_ENDPOINT", "http://dynamodb:8000")
	t.Setenv("DYNAMODB_REGION", "us-west-2")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("TABLE_NAME", "studyhall-test")
	t.Setenv("EVENT_BUS_NAME", "studyhall-bus")
	t.Setenv("GAME_TOTAL_ROUNDS", "3")
	t.Setenv("GAME_ROUND_TIME_LIMIT_SECONDS", "30")
	t.Setenv("GAME_QUICK_GUESS_THRESHOLD_MS", "2500")
	t.Setenv("ROOM_MAX_MEMBERS", "6")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "http://dynamodb:8000", cfg.DynamoDBEndpoint)
	assert.Equal(t, "us-west-2", cfg.DynamoDBRegion)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "studyhall-test", cfg.TableName)
	assert.Equal(t, "studyhall-bus", cfg.EventBusName)
	assert.Equal(t, 3, cfg.Game.TotalRounds)
	assert.Equal(t, 30*time.Second, cfg.Game.RoundTimeLimit)
	assert.Equal(t, int64(2500), cfg.Game.QuickGuessThresholdMs)
	assert.Equal(t, 6, cfg.Room.MaxMembers)
}

func TestLoad_ConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "studyhall.yaml")
	data := []byte(`game:
  totalRounds: 7
  roundTimeLimit: 45s
room:
  reconnectWindow: 2m
ranking:
  milestones: [50, 250]
streak:
  timeZone: Asia/Seoul
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("GAME_TOTAL_ROUNDS", "4")

	cfg, err := Load()
	require.NoError(t, err)

	// env wins over the file
	assert.Equal(t, 4, cfg.Game.TotalRounds)
	assert.Equal(t, 45*time.Second, cfg.Game.RoundTimeLimit)
	assert.Equal(t, 10, cfg.Game.BasePoints)
	assert.Equal(t, 2*time.Minute, cfg.Room.ReconnectWindow)
	assert.Equal(t, 10, cfg.Room.MaxMembers)
	assert.Equal(t, []int64{50, 250}, cfg.Ranking.Milestones)
	assert.Equal(t, "Asia/Seoul", cfg.Streak.TimeZone)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"non-numeric rounds", "GAME_TOTAL_ROUNDS", "five"},
		{"zero rounds", "GAME_TOTAL_ROUNDS", "0"},
		{"ceiling below two", "ROOM_MAX_MEMBERS", "1"},
		{"unknown log level", "LOG_LEVEL", "verbose"},
		{"missing config file", "CONFIG_FILE", "/nonexistent/studyhall.yaml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.key, tt.value)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		value        string
		defaultValue string
		expected     string
	}{
		{"Existing variable", "TEST_VAR_EXISTS", "custom-value", "default", "custom-value"},
		{"Non-existing variable", "TEST_VAR_NOT_EXISTS", "", "default-value", "default-value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			assert.Equal(t, tt.expected, getEnv(tt.key, tt.defaultValue))
		})
	}
}

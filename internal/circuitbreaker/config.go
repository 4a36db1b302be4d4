package circuitbreaker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Profile names a class of dependency with its own breaker tuning.
type Profile string

const (
	ProfileSearch   Profile = "search"
	ProfileLLM      Profile = "llm"
	ProfileDatabase Profile = "db"
	ProfileRedis    Profile = "redis"
)

var profileDefaults = map[Profile]Settings{
	ProfileSearch:   {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	ProfileLLM:      {MaxRequests: 3, Interval: 30 * time.Second, Timeout: 20 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
	ProfileDatabase: {MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2},
	ProfileRedis:    {MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2},
}

// Settings is the env-tunable part of Config.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// SettingsFor returns the profile's defaults overridden by
// GOLDFINCH_CB_<PROFILE>_{MAX_REQUESTS,INTERVAL,TIMEOUT,FAILURE_THRESHOLD,SUCCESS_THRESHOLD}.
func SettingsFor(p Profile) Settings {
	def, ok := profileDefaults[p]
	if !ok {
		d := DefaultConfig()
		def = Settings{d.MaxRequests, d.Interval, d.Timeout, d.FailureThreshold, d.SuccessThreshold}
	}
	prefix := "GOLDFINCH_CB_" + strings.ToUpper(string(p)) + "_"
	return Settings{
		MaxRequests:      getEnvUint32(prefix+"MAX_REQUESTS", def.MaxRequests),
		Interval:         getEnvDuration(prefix+"INTERVAL", def.Interval),
		Timeout:          getEnvDuration(prefix+"TIMEOUT", def.Timeout),
		FailureThreshold: getEnvUint32(prefix+"FAILURE_THRESHOLD", def.FailureThreshold),
		SuccessThreshold: getEnvUint32(prefix+"SUCCESS_THRESHOLD", def.SuccessThreshold),
	}
}

// ToConfig converts Settings to a breaker Config
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}

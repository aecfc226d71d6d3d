package env

import (
	"log"
	"os"
	"strconv"
	"time"
)

var logFatalf = log.Fatalf

func OptionalStringVariable(name string, defaultValue string) string {
	if !HasEnv(name) {
		return defaultValue
	}
	return os.Getenv(name)
}

func OptionalIntVariable(name string, defaultValue int) int {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	intValue, err := strconv.Atoi(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid int.", name)
	}
	return intValue
}

func OptionalDurationVariable(name string, defaultValue time.Duration) time.Duration {
	if !HasEnv(name) {
		return defaultValue
	}
	value := os.Getenv(name)
	duration, err := time.ParseDuration(value)
	if err != nil {
		logFatalf("Environment variable (%s) is not a valid duration.", name)
	}
	return duration
}

func HasEnv(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}

package util

import (
	"os"
	"strings"

	"github.com/hetianyi/gox/logger"
)

func GetEnv(key string) string {
	return os.Getenv(key)
}

// ExchangeEnvValue replaces a config property with the system env of the
// same key when that env is set.
func ExchangeEnvValue(key string, then func(envValue string)) {
	envVal := strings.TrimSpace(GetEnv(key))
	if envVal != "" {
		logger.Warn("config property \"", key, "\" load from environment")
		then(envVal)
	}
}

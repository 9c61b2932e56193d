package util

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/gcquraishi/chronosgraph/pkg/logger"
)

// LoadEnv loads the dotenv files that exist, ".env" when none are given.
// Variables already set in the environment win. It returns the files read.
func LoadEnv(files ...string) []string {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			logger.Warn("[Env] Could not parse dotenv file", "file", f, "err", err)
			continue
		}
		loaded = append(loaded, f)
	}
	return loaded
}

// GetEnv returns the first non-blank value among keys, so a prefixed name
// can shadow a generic one.
func GetEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

// GetEnvBool parses GetEnv(keys...). Unset or malformed values give def.
func GetEnvBool(def bool, keys ...string) bool {
	v := GetEnv(keys...)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

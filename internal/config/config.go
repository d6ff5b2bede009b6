// Package config loads the core engine's configuration from environment
// variables, per the External Interfaces configuration table.
package config

import (
	"fmt"
	"os"
	"strconv"
)

type RuntimeMode string

const (
	RuntimeModeCLI     RuntimeMode = "cli"
	RuntimeModeSidecar RuntimeMode = "sidecar"
)

// Config is the composition root's configuration. It is read once at
// startup and handed by value to the ports that need it; nothing in
// this package is a package-level singleton.
type Config struct {
	Port string

	DatabaseURL string
	DatabaseSSL bool
	JWTSecret   string

	FunctionTimeoutSeconds    int
	FunctionMaxMemoryMB       int
	FunctionMaxConcurrent     int
	FunctionMaxRequestSizeMB  int
	FunctionDatabaseURL       string
	FunctionDBMaxConnections  int
	FunctionDBTimeoutMS       int

	FunctionsDir              string
	FunctionsDataBaseHostDir  string
	SharedVolumeName          string

	ContainerRuntimeMode RuntimeMode
	ContainerSocketPath  string
	ContainerSidecarPath string
	ContainerBaseImage   string
	ContainerRegistry    string

	LogLevel string
}

// Load reads configuration from the process environment, applying the
// documented defaults for anything unset.
func Load() (Config, error) {
	c := Config{
		Port:                     getenv("PORT", "8080"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		JWTSecret:                os.Getenv("JWT_SECRET"),
		FunctionTimeoutSeconds:   5,
		FunctionMaxMemoryMB:      128,
		FunctionMaxConcurrent:    10,
		FunctionMaxRequestSizeMB: 5,
		FunctionDatabaseURL:      os.Getenv("FUNCTION_DATABASE_URL"),
		FunctionsDir:             getenv("FUNCTIONS_DIR", "/var/lib/dartcloud/functions"),
		FunctionsDataBaseHostDir: getenv("FUNCTIONS_DATA_BASE_HOST_DIR", "/var/lib/dartcloud/functions"),
		SharedVolumeName:         getenv("SHARED_VOLUME_NAME", "functions_data"),
		ContainerRuntimeMode:     RuntimeMode(getenv("CONTAINER_RUNTIME_MODE", string(RuntimeModeCLI))),
		ContainerSocketPath:      os.Getenv("CONTAINER_SOCKET_PATH"),
		ContainerSidecarPath:     os.Getenv("CONTAINER_SIDECAR_PATH"),
		ContainerBaseImage:       getenv("CONTAINER_BASE_IMAGE", "dart:stable"),
		ContainerRegistry:        os.Getenv("CONTAINER_REGISTRY"),
		LogLevel:                 getenv("LOG_LEVEL", "info"),
	}

	var err error
	if c.DatabaseSSL, err = getenvBool("DATABASE_SSL", false); err != nil {
		return c, err
	}
	if c.FunctionTimeoutSeconds, err = getenvInt("FUNCTION_TIMEOUT_SECONDS", c.FunctionTimeoutSeconds); err != nil {
		return c, err
	}
	if c.FunctionMaxMemoryMB, err = getenvInt("FUNCTION_MAX_MEMORY_MB", c.FunctionMaxMemoryMB); err != nil {
		return c, err
	}
	if c.FunctionMaxConcurrent, err = getenvInt("FUNCTION_MAX_CONCURRENT", c.FunctionMaxConcurrent); err != nil {
		return c, err
	}
	if c.FunctionMaxRequestSizeMB, err = getenvInt("FUNCTION_MAX_REQUEST_SIZE_MB", c.FunctionMaxRequestSizeMB); err != nil {
		return c, err
	}
	if c.FunctionDBMaxConnections, err = getenvInt("FUNCTION_DB_MAX_CONNECTIONS", 5); err != nil {
		return c, err
	}
	if c.FunctionDBTimeoutMS, err = getenvInt("FUNCTION_DB_TIMEOUT_MS", 5000); err != nil {
		return c, err
	}

	if c.ContainerRuntimeMode != RuntimeModeCLI && c.ContainerRuntimeMode != RuntimeModeSidecar {
		return c, fmt.Errorf("config: invalid CONTAINER_RUNTIME_MODE %q", c.ContainerRuntimeMode)
	}

	return c, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	return b, nil
}

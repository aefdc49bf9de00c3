// Copyright Project Contour Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
)

// GetenvOr reads an environment variable or returns a default value.
func GetenvOr(key string, defaultVal string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultVal
}

var envRefPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces every ${VAR} and ${VAR_FILE} reference in raw
// YAML bytes before it is handed to the YAML decoder. ${VAR} resolves
// directly from the environment; ${VAR_FILE} is read by first resolving
// VAR_FILE as an environment variable holding a filesystem path, then
// substituting the contents of that file (trimmed of a single trailing
// newline). An unset ${VAR} is left as an empty string; an unset or
// unreadable ${VAR_FILE} is an error, since it almost always indicates a
// misconfigured secret mount.
func interpolateEnv(raw []byte) ([]byte, error) {
	var firstErr error
	out := envRefPattern.ReplaceAllFunc(raw, func(match []byte) []byte {
		name := envRefPattern.FindSubmatch(match)[1]
		key := string(name)

		if len(key) > 5 && key[len(key)-5:] == "_FILE" {
			path, ok := os.LookupEnv(key)
			if !ok {
				if firstErr == nil {
					firstErr = fmt.Errorf("environment variable %s is not set", key)
				}
				return match
			}
			contents, err := os.ReadFile(path)
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("reading %s (from %s): %w", path, key, err)
				}
				return match
			}
			return trimTrailingNewline(contents)
		}

		value, _ := os.LookupEnv(key)
		return []byte(value)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func trimTrailingNewline(b []byte) []byte {
	if n := len(b); n > 0 && b[n-1] == '\n' {
		b = b[:n-1]
	}
	if n := len(b); n > 0 && b[n-1] == '\r' {
		b = b[:n-1]
	}
	return b
}

// applyEnvOverrides overlays SECTION_KEY and SECTION_KEY_SUBKEY
// environment variables onto an already-parsed set of Parameters, so an
// operator can override one value from a container's environment
// without editing the mounted config file. Applied after YAML parsing,
// so these take precedence over the file.
func applyEnvOverrides(p *Parameters) error {
	if v, ok := os.LookupEnv("UPSTREAM_API_KEY"); ok {
		p.Upstream.APIKey = v
	}
	if v, ok := os.LookupEnv("UPSTREAM_RATE_LIMIT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UPSTREAM_RATE_LIMIT: %w", err)
		}
		p.Upstream.RateLimit = n
	}
	if v, ok := os.LookupEnv("UPSTREAM_UPDATE_WINDOW"); ok {
		p.Upstream.UpdateWindow = WindowType(v)
	}

	if v, ok := os.LookupEnv("SYNC_POLL_INTERVAL"); ok {
		p.Sync.PollInterval = v
	}
	if v, ok := os.LookupEnv("SYNC_RETRY_DELAY"); ok {
		p.Sync.RetryDelay = v
	}
	if v, ok := os.LookupEnv("SYNC_ABANDON_AFTER"); ok {
		p.Sync.AbandonAfter = v
	}

	if v, ok := os.LookupEnv("DOWNSTREAM_URL"); ok {
		p.Downstream.URL = v
	}
	if v, ok := os.LookupEnv("DOWNSTREAM_API_KEY"); ok {
		p.Downstream.APIKey = v
	}

	if v, ok := os.LookupEnv("STORAGE_PATH"); ok {
		p.Storage.Path = v
	}

	if v, ok := os.LookupEnv("LOGGING_LEVEL"); ok {
		p.Logging.Level = LogLevelType(v)
	}
	if v, ok := os.LookupEnv("LOGGING_FORMAT"); ok {
		p.Logging.Format = LogFormatType(v)
	}

	if v, ok := os.LookupEnv("SERVER_PORT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SERVER_PORT: %w", err)
		}
		p.Server.Port = n
	}
	if v, ok := os.LookupEnv("SERVER_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SERVER_ENABLED: %w", err)
		}
		p.Server.Enabled = b
	}

	if v, ok := os.LookupEnv("DRY_RUN"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("DRY_RUN: %w", err)
		}
		p.DryRun = b
	}

	return nil
}

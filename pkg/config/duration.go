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
	"strconv"
	"time"
)

// ParseDuration parses a duration string of the form "<int><unit>" where
// unit is one of s, m, h, d, w, y (a year is taken as 365 days). This is
// a superset of time.ParseDuration's vocabulary, needed because the
// configuration file expresses retry delays and abandonment horizons in
// days/weeks/years, which time.ParseDuration cannot do.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := s[len(s)-1]
	switch unit {
	case 's', 'm', 'h':
		return time.ParseDuration(s)
	case 'd', 'w', 'y':
		n, err := strconv.Atoi(s[:len(s)-1])
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", s, err)
		}
		var perUnit time.Duration
		switch unit {
		case 'd':
			perUnit = 24 * time.Hour
		case 'w':
			perUnit = 7 * 24 * time.Hour
		case 'y':
			perUnit = 365 * 24 * time.Hour
		}
		return time.Duration(n) * perUnit, nil
	default:
		return 0, fmt.Errorf("invalid duration %q: unrecognized unit %q", s, string(unit))
	}
}

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

import "fmt"

// Selector is a configuration value that may be written as either a
// name (resolved case-insensitively against a live list from the
// downstream library manager) or a numeric id (resolved directly).
// root_folder, quality_profile, language_profile and each entry of
// tags in the downstream configuration group are all Selectors.
type Selector struct {
	name string
	id   int64
	byID bool
}

// UnmarshalYAML accepts either a YAML scalar integer or string.
func (s *Selector) UnmarshalYAML(unmarshal func(any) error) error {
	var asInt int64
	if err := unmarshal(&asInt); err == nil {
		*s = Selector{id: asInt, byID: true}
		return nil
	}

	var asString string
	if err := unmarshal(&asString); err != nil {
		return fmt.Errorf("selector must be a string or an integer: %w", err)
	}
	*s = Selector{name: asString}
	return nil
}

// ByID reports the numeric id and whether the selector was configured
// by id rather than by name.
func (s Selector) ByID() (int64, bool) {
	return s.id, s.byID
}

// ByName reports the configured name and whether the selector was
// configured by name rather than by id.
func (s Selector) ByName() (string, bool) {
	return s.name, !s.byID
}

// Empty reports whether the selector carries no configured value.
func (s Selector) Empty() bool {
	return !s.byID && s.name == ""
}

func (s Selector) String() string {
	if s.byID {
		return fmt.Sprintf("id:%d", s.id)
	}
	return s.name
}

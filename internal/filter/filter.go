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

// Package filter implements the pure show-classification processor:
// deciding, for one show, whether to add it, filter it out, retry it
// pending a downstream id, or skip it, plus the filter-hash fingerprint
// used to detect when the configured rules have changed.
package filter

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/internal/sonarr"
	"github.com/andronics/tvsyncd/pkg/config"
)

// DecisionKind is the outcome of classifying one show.
type DecisionKind int

const (
	Add DecisionKind = iota
	Filter
	Retry
	Skip
)

// Decision is the result of Process: what to do with a show, and why.
type Decision struct {
	Kind     DecisionKind
	Reason   string
	Category string
	Params   *sonarr.Params
}

// Spec is the declarative filter specification: a global exclude set
// followed by an ordered list of accept selections.
type Spec struct {
	Exclude    config.ExcludeParameters
	Selections []config.Selection
}

// Processor classifies shows against a Spec and a resolved downstream
// configuration. It holds no mutable state: every call is a pure
// function of its arguments.
type Processor struct {
	Spec       Spec
	Downstream sonarr.ResolvedConfig
}

// Process classifies one show: retry while it lacks a downstream id,
// reject on a global exclude, otherwise accept on the first matching
// selection.
func (p *Processor) Process(show *model.Show) Decision {
	if !show.HasDownstreamID() {
		return Decision{Kind: Retry, Reason: "no downstream id", Category: "downstream-id"}
	}

	if reason, ok := p.matchesExclude(show); ok {
		return Decision{Kind: Filter, Reason: reason, Category: "exclude"}
	}

	if len(p.Spec.Selections) == 0 {
		return Decision{Kind: Filter, Reason: "no selections configured", Category: "selection"}
	}

	for _, sel := range p.Spec.Selections {
		if selectionMatches(sel, show) {
			params := p.Downstream.Params(*show.DownstreamCatalogID, show.Title)
			name := sel.Name
			if name == "" {
				name = "unnamed"
			}
			return Decision{
				Kind:   Add,
				Reason: fmt.Sprintf("matched: %s", name),
				Params: &params,
			}
		}
	}

	return Decision{Kind: Filter, Reason: "no selection matched", Category: "selection"}
}

func (p *Processor) matchesExclude(show *model.Show) (string, bool) {
	e := p.Spec.Exclude
	if intersects(e.Genres, show.Genres) {
		return "excluded genre", true
	}
	if containsFold(e.Types, show.Type) {
		return "excluded type", true
	}
	if containsFold(e.Languages, show.Language) {
		return "excluded language", true
	}
	if containsFold(e.Countries, show.Country) {
		return "excluded country", true
	}
	if containsFold(e.Networks, show.Network) {
		return "excluded network", true
	}
	return "", false
}

func selectionMatches(sel config.Selection, show *model.Show) bool {
	if len(sel.Languages) > 0 && !containsFold(sel.Languages, show.Language) {
		return false
	}
	if len(sel.Countries) > 0 && !containsFold(sel.Countries, show.Country) {
		return false
	}
	if len(sel.Genres) > 0 && !intersects(sel.Genres, show.Genres) {
		return false
	}
	if len(sel.Types) > 0 && !containsFold(sel.Types, show.Type) {
		return false
	}
	if len(sel.Networks) > 0 && !containsFold(sel.Networks, show.Network) {
		return false
	}
	if len(sel.Statuses) > 0 && !containsFold(sel.Statuses, show.Status) {
		return false
	}
	if sel.PremieredAfter != "" && (show.Premiered == "" || show.Premiered < sel.PremieredAfter) {
		return false
	}
	if sel.PremieredBefore != "" && (show.Premiered == "" || show.Premiered > sel.PremieredBefore) {
		return false
	}
	if sel.EndedAfter != "" && (show.Ended == "" || show.Ended < sel.EndedAfter) {
		return false
	}
	if sel.EndedBefore != "" && (show.Ended == "" || show.Ended > sel.EndedBefore) {
		return false
	}
	if sel.RuntimeMin != nil && (show.Runtime == nil || *show.Runtime < *sel.RuntimeMin) {
		return false
	}
	if sel.RuntimeMax != nil && (show.Runtime == nil || *show.Runtime > *sel.RuntimeMax) {
		return false
	}
	if sel.RatingMin != nil && (show.Rating == nil || *show.Rating < *sel.RatingMin) {
		return false
	}
	if sel.RatingMax != nil && (show.Rating == nil || *show.Rating > *sel.RatingMax) {
		return false
	}
	return true
}

func containsFold(list []string, value string) bool {
	if value == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, value) {
			return true
		}
	}
	return false
}

func intersects(list, values []string) bool {
	for _, v := range values {
		if containsFold(list, v) {
			return true
		}
	}
	return false
}

// canonicalSpec is the sorted-key, sorted-list JSON shape used for
// hashing, so two specs that are semantically equal but differ only
// in list ordering hash identically.
type canonicalSpec struct {
	Exclude    canonicalExclude     `json:"exclude"`
	Selections []canonicalSelection `json:"selections"`
}

type canonicalExclude struct {
	Genres    []string `json:"genres"`
	Types     []string `json:"types"`
	Languages []string `json:"languages"`
	Countries []string `json:"countries"`
	Networks  []string `json:"networks"`
}

type canonicalSelection struct {
	Name            string   `json:"name"`
	Languages       []string `json:"languages"`
	Countries       []string `json:"countries"`
	Genres          []string `json:"genres"`
	Types           []string `json:"types"`
	Networks        []string `json:"networks"`
	Statuses        []string `json:"statuses"`
	PremieredAfter  string   `json:"premiered_after"`
	PremieredBefore string   `json:"premiered_before"`
	EndedAfter      string   `json:"ended_after"`
	EndedBefore     string   `json:"ended_before"`
	RuntimeMin      *int     `json:"runtime_min"`
	RuntimeMax      *int     `json:"runtime_max"`
	RatingMin       *float64 `json:"rating_min"`
	RatingMax       *float64 `json:"rating_max"`
}

func sorted(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Hash computes the 16-hex-character filter-hash fingerprint of a
// Spec: sha256 of its canonical (sorted keys and sorted list values)
// JSON serialization, truncated to 16 hex characters.
func Hash(spec Spec) string {
	c := canonicalSpec{
		Exclude: canonicalExclude{
			Genres:    sorted(spec.Exclude.Genres),
			Types:     sorted(spec.Exclude.Types),
			Languages: sorted(spec.Exclude.Languages),
			Countries: sorted(spec.Exclude.Countries),
			Networks:  sorted(spec.Exclude.Networks),
		},
	}
	for _, sel := range spec.Selections {
		c.Selections = append(c.Selections, canonicalSelection{
			Name:            sel.Name,
			Languages:       sorted(sel.Languages),
			Countries:       sorted(sel.Countries),
			Genres:          sorted(sel.Genres),
			Types:           sorted(sel.Types),
			Networks:        sorted(sel.Networks),
			Statuses:        sorted(sel.Statuses),
			PremieredAfter:  sel.PremieredAfter,
			PremieredBefore: sel.PremieredBefore,
			EndedAfter:      sel.EndedAfter,
			EndedBefore:     sel.EndedBefore,
			RuntimeMin:      sel.RuntimeMin,
			RuntimeMax:      sel.RuntimeMax,
			RatingMin:       sel.RatingMin,
			RatingMax:       sel.RatingMax,
		})
	}

	// Every slice above has been explicitly sorted. Struct fields
	// serialize in declaration order, so the encoding is decoded into a
	// generic value and encoded again: encoding/json writes map keys in
	// sorted order, which gives every object sorted keys.
	raw, err := json.Marshal(c)
	if err != nil {
		panic(fmt.Sprintf("filter: spec must always be json-serializable: %v", err))
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		panic(fmt.Sprintf("filter: canonical spec must round-trip through json: %v", err))
	}
	if raw, err = json.Marshal(generic); err != nil {
		panic(fmt.Sprintf("filter: spec must always be json-serializable: %v", err))
	}

	sum := sha256.Sum256(raw)
	return fmt.Sprintf("%x", sum)[:16]
}

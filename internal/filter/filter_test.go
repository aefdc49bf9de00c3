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

package filter_test

import (
	"testing"

	"github.com/andronics/tvsyncd/internal/filter"
	"github.com/andronics/tvsyncd/internal/model"
	"github.com/andronics/tvsyncd/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func showWithDownstreamID(id int64) *model.Show {
	return &model.Show{
		UpstreamID:          id,
		Title:               "X",
		DownstreamCatalogID: &id,
	}
}

func TestProcessRetriesWhenNoDownstreamID(t *testing.T) {
	p := &filter.Processor{}
	show := &model.Show{UpstreamID: 1, Title: "Y"}

	d := p.Process(show)
	assert.Equal(t, filter.Retry, d.Kind)
	assert.Equal(t, "downstream-id", d.Category)
}

func TestProcessAddsOnMatchingSelection(t *testing.T) {
	p := &filter.Processor{
		Spec: filter.Spec{
			Selections: []config.Selection{{Name: "all", Languages: []string{"English"}}},
		},
	}
	show := showWithDownstreamID(100)
	show.Language = "English"

	d := p.Process(show)
	require.Equal(t, filter.Add, d.Kind)
	require.NotNil(t, d.Params)
	assert.Equal(t, int64(100), d.Params.DownstreamCatalogID)
}

func TestProcessFiltersWhenNoSelectionMatches(t *testing.T) {
	p := &filter.Processor{
		Spec: filter.Spec{
			Selections: []config.Selection{{Languages: []string{"English"}}},
		},
	}
	show := showWithDownstreamID(200)
	show.Language = "French"

	d := p.Process(show)
	assert.Equal(t, filter.Filter, d.Kind)
	assert.Equal(t, "no selection matched", d.Reason)
	assert.Equal(t, "selection", d.Category)
}

func TestProcessFiltersEmptySelectionsDeliberately(t *testing.T) {
	p := &filter.Processor{}
	show := showWithDownstreamID(300)

	d := p.Process(show)
	assert.Equal(t, filter.Filter, d.Kind)
	assert.Equal(t, "no selections configured", d.Reason)
}

func TestProcessExcludeTakesPrecedenceOverSelections(t *testing.T) {
	p := &filter.Processor{
		Spec: filter.Spec{
			Exclude:    config.ExcludeParameters{Genres: []string{"Horror"}},
			Selections: []config.Selection{{}}, // matches everything not excluded
		},
	}
	show := showWithDownstreamID(400)
	show.Genres = []string{"Horror", "Drama"}

	d := p.Process(show)
	assert.Equal(t, filter.Filter, d.Kind)
	assert.Equal(t, "exclude", d.Category)
}

func TestProcessRatingRangeIsInclusive(t *testing.T) {
	min, max := 7.0, 9.0
	p := &filter.Processor{
		Spec: filter.Spec{
			Selections: []config.Selection{{RatingMin: &min, RatingMax: &max}},
		},
	}

	rated := func(r float64) *model.Show {
		show := showWithDownstreamID(500)
		show.Rating = &r
		return show
	}

	assert.Equal(t, filter.Add, p.Process(rated(7.0)).Kind, "lower bound is inclusive")
	assert.Equal(t, filter.Add, p.Process(rated(9.0)).Kind, "upper bound is inclusive")
	assert.Equal(t, filter.Filter, p.Process(rated(6.9)).Kind)
	assert.Equal(t, filter.Filter, p.Process(rated(9.1)).Kind)

	unrated := showWithDownstreamID(501)
	assert.Equal(t, filter.Filter, p.Process(unrated).Kind, "a present bound fails a null value")
}

func TestHashIsStableUnderListReordering(t *testing.T) {
	a := filter.Spec{Selections: []config.Selection{{Languages: []string{"English", "French"}}}}
	b := filter.Spec{Selections: []config.Selection{{Languages: []string{"French", "English"}}}}

	assert.Equal(t, filter.Hash(a), filter.Hash(b))
}

func TestHashChangesWhenSpecChanges(t *testing.T) {
	a := filter.Spec{Selections: []config.Selection{{Languages: []string{"English"}}}}
	b := filter.Spec{Selections: []config.Selection{{Languages: []string{"German"}}}}

	assert.NotEqual(t, filter.Hash(a), filter.Hash(b))
}

func TestHashIsSixteenHexCharacters(t *testing.T) {
	h := filter.Hash(filter.Spec{})
	assert.Len(t, h, 16)
}

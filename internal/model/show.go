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

package model

import "time"

// Status is a show's position in the processing state machine.
type Status string

const (
	StatusPending             Status = "PENDING"
	StatusFiltered            Status = "FILTERED"
	StatusPendingDownstreamID Status = "PENDING_DOWNSTREAM_ID"
	StatusAdded               Status = "ADDED"
	StatusExists              Status = "EXISTS"
	StatusFailed              Status = "FAILED"
	StatusSkipped             Status = "SKIPPED"
)

// Show is the cached mirror of one upstream catalog entry, enriched
// with this daemon's processing state.
type Show struct {
	UpstreamID int64

	Title     string
	Type      string
	Language  string
	Status    string // upstream's own lifecycle status (e.g. "Running"), distinct from Status above
	Premiered string
	Ended     string
	Runtime   *int
	Genres    []string
	Network   string
	Country   string
	Rating    *float64

	DownstreamCatalogID *int64
	SecondaryID         *string

	ProcessingStatus Status
	FilterReason     *string
	FilterCategory   *string

	DownstreamSeriesID *int64
	AcceptedAt         *time.Time

	LastCheckedAt      time.Time
	UpstreamUpdatedAt  int64
	RetryAfter         *time.Time
	RetryCount         int
	PendingSince       *time.Time
	ErrorMessage       *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasDownstreamID reports whether the show carries a downstream
// catalog id (the precondition for ever attempting an add).
func (s *Show) HasDownstreamID() bool {
	return s.DownstreamCatalogID != nil
}

// Copyright 2025 Tom Barlow
//
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

package pipeline

import "testing"

func TestStatusTerminal(t *testing.T) {
	for _, s := range Statuses {
		want := s == StatusSuccess || s == StatusFailed
		if s.Terminal() != want {
			t.Errorf("%s: Terminal() = %t, want %t", s, s.Terminal(), want)
		}
	}
}

func TestStatusActive(t *testing.T) {
	active := map[Status]bool{StatusReady: true, StatusLoading: true, StatusRunning: true}
	for _, s := range Statuses {
		if s.Active() != active[s] {
			t.Errorf("%s: Active() = %t, want %t", s, s.Active(), active[s])
		}
	}
}

func TestStatusDescriptionRoundTrip(t *testing.T) {
	for _, s := range Statuses {
		if got := StatusFromDescription(s.Description()); got != s {
			t.Errorf("round trip of %s gave %s", s, got)
		}
	}
	if got := StatusFromDescription("bogus"); got != Status("") {
		t.Errorf("expected empty status for unknown description, got %s", got)
	}
}

func TestErrTypeMessages(t *testing.T) {
	for _, e := range ErrTypes {
		if e.Message() == "" {
			t.Errorf("%s has no canned message", e)
		}
	}
}

// Copyright 2015 The Govisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package util is used for internal implementation bits in the CLI/UI.
package util

import (
	"fmt"
	"sort"
	"time"

	"github.com/gdamore/minivisor/rest"
)

// Status returns the state word shown for a service.
func Status(s *rest.ServiceInfo) string {
	if s.State == "" {
		return "unknown"
	}
	return s.State
}

// Since returns how long the service has been in its current state, to
// the second.
func Since(s *rest.ServiceInfo) time.Duration {
	d := time.Since(s.TimeStamp)
	return d - d%time.Second
}

func FormatDuration(d time.Duration) string {

	sec := int((d % time.Minute) / time.Second)
	min := int((d % time.Hour) / time.Minute)
	hour := int(d / time.Hour)

	return fmt.Sprintf("%d:%02d:%02d", hour, min, sec)
}

// rank orders states for display: failures first, then the ones that
// stopped by themselves, then everything else.
func rank(s *rest.ServiceInfo) int {
	switch {
	case s.Failed:
		return 0
	case s.State == "exited":
		return 1
	case s.Running:
		return 2
	}
	return 3
}

type sorted []*rest.ServiceInfo

func (s sorted) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s sorted) Len() int {
	return len(s)
}

func (s sorted) Less(i, j int) bool {
	a := s[i]
	b := s[j]

	if ra, rb := rank(a), rank(b); ra != rb {
		return ra < rb
	}
	return a.Name < b.Name
}

func SortServices(items []*rest.ServiceInfo) {
	sort.Sort(sorted(items))
}

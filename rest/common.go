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

// Package rest exposes the state of a minivisor Manager over HTTP, and
// provides a client for it.  The API is read-only.
//
//	GET /                         manager info
//	GET /services                 list of service names
//	GET /services/{service}       service info
//	GET /services/{service}/log   service log records
//	GET /log                      consolidated log records
//	GET /metrics                  prometheus metrics
//
// Responses carry an Etag.  A request with If-None-Match gets 304 when
// nothing changed.  Adding PollEtagHeader and PollTimeHeader (seconds)
// turns the request into a long poll, which waits for a change.
package rest

import (
	"time"

	"github.com/gdamore/minivisor"
)

const (
	mimeJson = "application/json; charset=UTF-8"

	PollEtagHeader = "X-Minivisor-Poll-Etag"
	PollTimeHeader = "X-Minivisor-Poll-Time"

	// MaxPollTime bounds how long the server holds a long poll.
	MaxPollTime = 5 * time.Minute
)

type ManagerInfo struct {
	Name       string    `json:"name"`
	Id         string    `json:"id"`
	Serial     int64     `json:"serial,string"`
	Interval   string    `json:"interval"`
	CreateTime time.Time `json:"created"`
	UpdateTime time.Time `json:"updated"`
	etag       string
}

type ServiceInfo struct {
	Name        string    `json:"name"`
	Command     string    `json:"command"`
	Args        []string  `json:"args"`
	Policy      string    `json:"policy"`
	MaxRestarts int       `json:"maxRestarts"`
	State       string    `json:"state"`
	Running     bool      `json:"running"`
	Failed      bool      `json:"failed"`
	Pid         int       `json:"pid"`
	Started     time.Time `json:"started"`
	Restarts    int       `json:"restarts"`
	LastExit    string    `json:"lastExit,omitempty"`
	Status      string    `json:"status"`
	TimeStamp   time.Time `json:"tstamp"`
	etag        string
}

type LogRecord = minivisor.LogRecord

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func serviceInfo(s *minivisor.ServiceStatus) *ServiceInfo {
	info := &ServiceInfo{
		Name:        s.Name,
		Command:     s.Command,
		Args:        s.Args,
		Policy:      s.Policy.String(),
		MaxRestarts: s.MaxRestarts,
		State:       s.State.String(),
		Running:     s.State == minivisor.StateRunning,
		Failed:      s.State == minivisor.StateFailed,
		Pid:         s.Pid,
		Started:     s.Started,
		Restarts:    s.Restarts,
		Status:      s.Reason,
		TimeStamp:   s.Stamp,
	}
	if s.LastExit != nil {
		info.LastExit = s.LastExit.String()
	}
	return info
}

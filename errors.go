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

package minivisor

import (
	"errors"
	"fmt"
)

var (
	ErrNoService    = errors.New("No such service")
	ErrDuplicate    = errors.New("Service already registered")
	ErrBadName      = errors.New("Bad service name")
	ErrEmptyCommand = errors.New("Empty command")
	ErrBadPolicy    = errors.New("Bad restart policy")
	ErrBadSignal    = errors.New("Bad stop signal")
	ErrBadConfig    = errors.New("Bad configuration")
)

// SpawnError is returned when a process for a service could not be
// launched, either by Start or by a restart attempt during Tick.
type SpawnError struct {
	Name string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("%s: spawn failed: %v", e.Name, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// LivenessCheckError is reported by Tick when the status of a process
// could not be read.  The service is checked again on the next Tick.
type LivenessCheckError struct {
	Name string
	Err  error
}

func (e *LivenessCheckError) Error() string {
	return fmt.Sprintf("%s: liveness check failed: %v", e.Name, e.Err)
}

func (e *LivenessCheckError) Unwrap() error {
	return e.Err
}

// TerminationError is reported by Shutdown when a process could not be
// signalled or reaped.  A process that has already exited is never
// reported this way.
type TerminationError struct {
	Name string
	Err  error
}

func (e *TerminationError) Error() string {
	return fmt.Sprintf("%s: termination failed: %v", e.Name, e.Err)
}

func (e *TerminationError) Unwrap() error {
	return e.Err
}

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
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// RestartPolicy says what to do when a supervised process exits.
type RestartPolicy int

const (
	RestartNever RestartPolicy = iota
	RestartAlways
	RestartOnFailure
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartNever:
		return "Never"
	case RestartAlways:
		return "Always"
	case RestartOnFailure:
		return "OnFailure"
	}
	return "RestartPolicy(" + strconv.Itoa(int(p)) + ")"
}

// ParseRestartPolicy accepts the policy names case insensitively.  For
// OnFailure the forms "on-failure" and "on_failure" are also accepted.
func ParseRestartPolicy(s string) (RestartPolicy, error) {
	n := strings.ToLower(s)
	n = strings.ReplaceAll(n, "-", "")
	n = strings.ReplaceAll(n, "_", "")
	switch n {
	case "never":
		return RestartNever, nil
	case "always":
		return RestartAlways, nil
	case "onfailure":
		return RestartOnFailure, nil
	}
	return RestartNever, fmt.Errorf("%w: %q", ErrBadPolicy, s)
}

func (p RestartPolicy) MarshalText() ([]byte, error) {
	switch p {
	case RestartNever, RestartAlways, RestartOnFailure:
		return []byte(p.String()), nil
	}
	return nil, ErrBadPolicy
}

func (p *RestartPolicy) UnmarshalText(b []byte) error {
	v, e := ParseRestartPolicy(string(b))
	if e != nil {
		return e
	}
	*p = v
	return nil
}

// ExitStatus records how one incarnation of a process ended.
type ExitStatus struct {
	Code    int            // exit code, -1 if signaled or unknown
	Signal  syscall.Signal // terminating signal, 0 if none
	Unknown bool           // the status could not be collected
	Time    time.Time
}

// Success is true only for a normal exit with code zero.
func (s *ExitStatus) Success() bool {
	return s != nil && !s.Unknown && s.Signal == 0 && s.Code == 0
}

func (s *ExitStatus) String() string {
	switch {
	case s == nil:
		return "running"
	case s.Unknown:
		return "unknown exit status"
	case s.Signal != 0:
		return "signal: " + signalName(s.Signal)
	}
	return "exit status " + strconv.Itoa(s.Code)
}

func exitStatusOf(ws unix.WaitStatus) *ExitStatus {
	st := &ExitStatus{Code: -1, Time: time.Now()}
	switch {
	case ws.Exited():
		st.Code = ws.ExitStatus()
	case ws.Signaled():
		st.Signal = ws.Signal()
	default:
		st.Unknown = true
	}
	return st
}

// ShouldRestart is the restart decision.  It depends only on the policy
// and the exit status; an unknown (nil) status counts as a failure.  The
// restart budget is applied separately by the caller.
func ShouldRestart(p RestartPolicy, st *ExitStatus) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return !st.Success()
	}
	return false
}

// ParseSignal accepts "TERM", "SIGTERM", or a signal number.
func ParseSignal(s string) (syscall.Signal, error) {
	if n, e := strconv.Atoi(s); e == nil && n > 0 {
		return syscall.Signal(n), nil
	}
	name := strings.ToUpper(strings.TrimSpace(s))
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	if sig := unix.SignalNum(name); sig != 0 {
		return sig, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrBadSignal, s)
}

func signalName(sig syscall.Signal) string {
	if n := unix.SignalName(sig); n != "" {
		return n
	}
	return strconv.Itoa(int(sig))
}

// Descriptor declares how to launch one service, and how to react when
// it exits.  A Manager keeps its own copy, so changing a Descriptor after
// handing it to Start has no effect.
type Descriptor struct {
	Name        string
	Command     string
	Args        []string
	Env         map[string]string // merged over the inherited environment
	Restart     RestartPolicy
	MaxRestarts int
	Dir         string

	// StopSignal is sent by Shutdown.  Zero means SIGKILL.
	StopSignal syscall.Signal

	// StopTime, if non-zero, is how long Shutdown waits after StopSignal
	// before sending SIGKILL.  Zero waits for as long as the OS takes.
	StopTime time.Duration
}

func (d *Descriptor) clone() *Descriptor {
	nd := &Descriptor{}
	*nd = *d
	nd.Args = copyArray(d.Args)
	if d.Env != nil {
		nd.Env = make(map[string]string, len(d.Env))
		for k, v := range d.Env {
			nd.Env[k] = v
		}
	}
	if nd.StopSignal == 0 {
		nd.StopSignal = syscall.SIGKILL
	}
	return nd
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return ErrBadName
	}
	if d.Command == "" {
		return &SpawnError{Name: d.Name, Err: ErrEmptyCommand}
	}
	return nil
}

func copyArray(src []string) []string {
	rv := make([]string, 0, len(src))
	rv = append(rv, src...)
	return rv
}

// State is where a supervised process sits in its lifecycle.  Every
// state other than StateRunning is terminal, and is skipped by Tick.
type State int

const (
	StateRunning State = iota
	StateExited        // exited, and the policy or budget ruled out a restart
	StateFailed        // exited, and the restart could not be spawned
	StateStopped       // terminated by Shutdown
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

// Terminal reports whether the state will never change again.
func (s State) Terminal() bool {
	return s != StateRunning
}

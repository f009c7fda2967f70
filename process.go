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
	"bufio"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// System calls used on handles.  Tests substitute failing versions.
var (
	wait4 = unix.Wait4
	kill  = unix.Kill
)

// handle is one incarnation of a service: a single OS process that we
// started and will eventually reap ourselves.  We never call exec.Cmd.Wait,
// since that blocks; reaping is done with wait4 so that liveness checks
// can be non-blocking.
type handle struct {
	pid     int
	proc    *os.Process
	started time.Time
	status  *ExitStatus // non-nil once reaped
}

func (h *handle) reaped(st *ExitStatus) {
	h.status = st
	// The pid is gone, so release whatever the os package holds for it.
	h.proc.Release()
}

func unknownExit() *ExitStatus {
	return &ExitStatus{Code: -1, Unknown: true, Time: time.Now()}
}

// poll checks, without blocking, whether the process has exited.  It
// returns nil while the process is still running.
func (h *handle) poll() (*ExitStatus, error) {
	if h.status != nil {
		return h.status, nil
	}
	var ws unix.WaitStatus
	pid, e := wait4(h.pid, &ws, unix.WNOHANG, nil)
	switch {
	case e == unix.ECHILD:
		// Someone else reaped it.  It is gone, but we cannot know how.
		h.reaped(unknownExit())
	case e != nil:
		return nil, e
	case pid == 0:
		return nil, nil
	default:
		h.reaped(exitStatusOf(ws))
	}
	return h.status, nil
}

// wait blocks until the process has exited and been reaped.
func (h *handle) wait() (*ExitStatus, error) {
	for h.status == nil {
		var ws unix.WaitStatus
		_, e := wait4(h.pid, &ws, 0, nil)
		switch e {
		case nil:
			h.reaped(exitStatusOf(ws))
		case unix.EINTR:
		case unix.ECHILD:
			h.reaped(unknownExit())
		default:
			return nil, e
		}
	}
	return h.status, nil
}

// waitUntil is like wait, but gives up at the deadline, returning a nil
// status.
func (h *handle) waitUntil(deadline time.Time) (*ExitStatus, error) {
	for {
		st, e := h.poll()
		if st != nil || e != nil {
			return st, e
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// signal delivers sig, treating a process that is already gone as success.
func (h *handle) signal(sig syscall.Signal) error {
	if h.status != nil {
		return nil
	}
	if e := kill(h.pid, sig); e != nil && e != unix.ESRCH {
		return e
	}
	return nil
}

// process is the supervision state for one service.  All fields other
// than log and logger are protected by the Manager lock.
type process struct {
	desc     *Descriptor
	h        *handle
	state    State
	restarts int
	lastExit *ExitStatus
	reason   string
	stamp    time.Time
	serial   int64
	log      *Log
	logger   *zap.Logger
}

func (p *process) setStatus(reason string) {
	p.reason = reason
	p.stamp = time.Now()
}

func (p *process) doLog(r io.ReadCloser, stream string) {
	// Gather stdout/stderr in chunks of lines
	defer r.Close()
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			p.logger.Info(strings.TrimRight(line, "\n"),
				zap.String("stream", stream))
		}
		if err != nil {
			return
		}
	}
}

// mergeEnv overlays env on base.  Values from env replace inherited
// values of the same name.
func mergeEnv(base []string, env map[string]string) []string {
	if len(env) == 0 {
		return base
	}
	rv := make([]string, 0, len(base)+len(env))
	for _, kv := range base {
		k := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			k = kv[:i]
		}
		if _, ok := env[k]; !ok {
			rv = append(rv, kv)
		}
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		rv = append(rv, k+"="+env[k])
	}
	return rv
}

type pipe struct {
	stream string
	r, w   *os.File
}

// spawn launches a new incarnation from the descriptor.  Output is
// captured into the service log when pipes can be created; otherwise it
// is discarded.
func (p *process) spawn() (*handle, error) {
	d := p.desc
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Env = mergeEnv(os.Environ(), d.Env)
	cmd.Dir = d.Dir

	var pipes []pipe
	for _, stream := range []string{"stdout", "stderr"} {
		r, w, e := os.Pipe()
		if e != nil {
			p.logger.Warn("Failed to capture output",
				zap.String("stream", stream), zap.Error(e))
			continue
		}
		if stream == "stdout" {
			cmd.Stdout = w
		} else {
			cmd.Stderr = w
		}
		pipes = append(pipes, pipe{stream: stream, r: r, w: w})
	}

	e := cmd.Start()
	// The child has its own copies of the write ends now.
	for _, pp := range pipes {
		pp.w.Close()
		if e != nil {
			pp.r.Close()
		}
	}
	if e != nil {
		return nil, e
	}
	for _, pp := range pipes {
		go p.doLog(pp.r, pp.stream)
	}
	return &handle{
		pid:     cmd.Process.Pid,
		proc:    cmd.Process,
		started: time.Now(),
	}, nil
}

// Copyright 2026 The Govisor Authors
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

//go:build unix

package minivisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/sys/unix"
)

func sleeper(name string) Descriptor {
	return Descriptor{
		Name:        name,
		Command:     "sleep",
		Args:        []string{"60"},
		Restart:     RestartAlways,
		MaxRestarts: 5,
	}
}

func TestStart(t *testing.T) {
	Convey("Starting services", t,
		WithManager(t, "TestStart", func(m *Manager) {

			Convey("A good command is registered and running", func() {
				pid, e := m.Start(sleeper("s1"))
				So(e, ShouldBeNil)
				So(pid, ShouldBeGreaterThan, 0)
				s, e := m.Service("s1")
				So(e, ShouldBeNil)
				So(s.Pid, ShouldEqual, pid)
				So(s.State, ShouldEqual, StateRunning)
				So(s.Restarts, ShouldEqual, 0)
				So(s.LastExit, ShouldBeNil)
			})

			Convey("An empty command is rejected", func() {
				_, e := m.Start(Descriptor{Name: "empty"})
				So(e, ShouldNotBeNil)
				var se *SpawnError
				So(errors.As(e, &se), ShouldBeTrue)
				So(se.Name, ShouldEqual, "empty")
				So(errors.Is(e, ErrEmptyCommand), ShouldBeTrue)
				_, e = m.Service("empty")
				So(e, ShouldEqual, ErrNoService)
			})

			Convey("An empty name is rejected", func() {
				_, e := m.Start(Descriptor{Command: "true"})
				So(e, ShouldEqual, ErrBadName)
			})

			Convey("A missing executable is a spawn error", func() {
				_, e := m.Start(Descriptor{
					Name:    "missing",
					Command: "/nonexistent/minivisor-test-binary",
				})
				var se *SpawnError
				So(errors.As(e, &se), ShouldBeTrue)
				So(se.Name, ShouldEqual, "missing")
				svcs, _, _ := m.Services()
				So(len(svcs), ShouldEqual, 0)
			})

			Convey("A duplicate name is rejected", func() {
				pid, e := m.Start(sleeper("dup"))
				So(e, ShouldBeNil)
				_, e = m.Start(sleeper("dup"))
				So(errors.Is(e, ErrDuplicate), ShouldBeTrue)
				s, _ := m.Service("dup")
				So(s.Pid, ShouldEqual, pid)
				So(s.State, ShouldEqual, StateRunning)
			})

			Convey("The descriptor is copied", func() {
				d := sleeper("copied")
				d.Env = map[string]string{"A": "1"}
				_, e := m.Start(d)
				So(e, ShouldBeNil)
				d.Args[0] = "1"
				d.Env["A"] = "2"
				s, _ := m.Service("copied")
				So(s.Args, ShouldResemble, []string{"60"})
			})
		}))
}

func TestTickNoop(t *testing.T) {
	Convey("Ticking running services changes nothing", t,
		WithManager(t, "TestTickNoop", func(m *Manager) {
			_, e := m.Start(sleeper("a"))
			So(e, ShouldBeNil)
			_, e = m.Start(sleeper("b"))
			So(e, ShouldBeNil)
			before, _, _ := m.Services()
			serial := m.Serial()
			for i := 0; i < 5; i++ {
				So(m.Tick(), ShouldBeNil)
			}
			after, _, _ := m.Services()
			So(after, ShouldResemble, before)
			So(m.Serial(), ShouldEqual, serial)
		}))
}

func TestRestartNever(t *testing.T) {
	Convey("A Never service is not restarted", t,
		WithManager(t, "TestRestartNever", func(m *Manager) {
			_, e := m.Start(Descriptor{
				Name:        "never",
				Command:     "false",
				Restart:     RestartNever,
				MaxRestarts: 10,
			})
			So(e, ShouldBeNil)
			s := tickUntil(m, "never", terminal)
			So(s.State, ShouldEqual, StateExited)
			So(s.Restarts, ShouldEqual, 0)
			So(s.LastExit, ShouldNotBeNil)
			So(s.LastExit.Code, ShouldEqual, 1)

			for i := 0; i < 5; i++ {
				So(m.Tick(), ShouldBeNil)
			}
			s, _ = m.Service("never")
			So(s.State, ShouldEqual, StateExited)
			So(s.Restarts, ShouldEqual, 0)
		}))
}

func TestRestartAlways(t *testing.T) {
	Convey("An Always service uses up its budget", t,
		WithManager(t, "TestRestartAlways", func(m *Manager) {
			_, e := m.Start(Descriptor{
				Name:        "echo",
				Command:     "true",
				Restart:     RestartAlways,
				MaxRestarts: 2,
			})
			So(e, ShouldBeNil)

			s := tickUntil(m, "echo", func(s ServiceStatus) bool {
				return s.Restarts > 0
			})
			So(s.Restarts, ShouldEqual, 1)
			So(s.State, ShouldEqual, StateRunning)
			So(s.LastExit, ShouldBeNil)

			s = tickUntil(m, "echo", func(s ServiceStatus) bool {
				return s.Restarts > 1
			})
			So(s.Restarts, ShouldEqual, 2)
			So(s.LastExit, ShouldBeNil)

			s = tickUntil(m, "echo", terminal)
			So(s.State, ShouldEqual, StateExited)
			So(s.Restarts, ShouldEqual, 2)
			So(s.LastExit, ShouldNotBeNil)
			So(s.LastExit.Success(), ShouldBeTrue)

			for i := 0; i < 5; i++ {
				So(m.Tick(), ShouldBeNil)
			}
			s, _ = m.Service("echo")
			So(s.State, ShouldEqual, StateExited)
			So(s.Restarts, ShouldEqual, 2)

			mx := m.metrics
			So(testutil.ToFloat64(mx.restarts.WithLabelValues("echo")),
				ShouldEqual, 2)
			So(testutil.ToFloat64(mx.starts.WithLabelValues("echo")),
				ShouldEqual, 3)
		}))
}

func TestRestartOnFailure(t *testing.T) {
	Convey("OnFailure services", t,
		WithManager(t, "TestRestartOnFailure", func(m *Manager) {

			Convey("A clean exit is not restarted", func() {
				_, e := m.Start(Descriptor{
					Name:        "clean",
					Command:     "true",
					Restart:     RestartOnFailure,
					MaxRestarts: 3,
				})
				So(e, ShouldBeNil)
				s := tickUntil(m, "clean", terminal)
				So(s.State, ShouldEqual, StateExited)
				So(s.Restarts, ShouldEqual, 0)
				So(s.LastExit.Code, ShouldEqual, 0)
			})

			Convey("A failing exit is restarted within budget", func() {
				_, e := m.Start(Descriptor{
					Name:        "fail",
					Command:     "sh",
					Args:        []string{"-c", "exit 3"},
					Restart:     RestartOnFailure,
					MaxRestarts: 1,
				})
				So(e, ShouldBeNil)
				s := tickUntil(m, "fail", terminal)
				So(s.State, ShouldEqual, StateExited)
				So(s.Restarts, ShouldEqual, 1)
				So(s.LastExit.Code, ShouldEqual, 3)
				So(s.Reason, ShouldContainSubstring, "restart limit")
			})

			Convey("A process reaped elsewhere counts as a failure", func() {
				pid, e := m.Start(Descriptor{
					Name:        "stolen",
					Command:     "true",
					Restart:     RestartOnFailure,
					MaxRestarts: 1,
				})
				So(e, ShouldBeNil)
				var ws unix.WaitStatus
				_, e = unix.Wait4(pid, &ws, 0, nil)
				So(e, ShouldBeNil)

				So(m.Tick(), ShouldBeNil)
				s, _ := m.Service("stolen")
				So(s.Restarts, ShouldEqual, 1)
				So(s.State, ShouldEqual, StateRunning)
			})
		}))
}

func TestEnvironment(t *testing.T) {
	Convey("Descriptor environment reaches the child", t,
		WithManager(t, "TestEnvironment", func(m *Manager) {
			t.Setenv("MINIVISOR_INHERITED", "yes")
			_, e := m.Start(Descriptor{
				Name:    "env",
				Command: "sh",
				Args: []string{"-c",
					`test "$FOO" = bar && test "$MINIVISOR_INHERITED" = yes`},
				Env:         map[string]string{"FOO": "bar"},
				Restart:     RestartOnFailure,
				MaxRestarts: 0,
			})
			So(e, ShouldBeNil)
			s := tickUntil(m, "env", terminal)
			So(s.LastExit.Success(), ShouldBeTrue)
		}))
}

func TestShutdown(t *testing.T) {
	Convey("Shutting down", t,
		WithManager(t, "TestShutdown", func(m *Manager) {

			Convey("Running services are killed and reaped", func() {
				_, e := m.Start(sleeper("s1"))
				So(e, ShouldBeNil)
				_, e = m.Start(sleeper("s2"))
				So(e, ShouldBeNil)
				So(m.Shutdown(), ShouldBeNil)
				svcs, _, _ := m.Services()
				So(len(svcs), ShouldEqual, 2)
				for _, s := range svcs {
					So(s.State, ShouldEqual, StateStopped)
					So(s.LastExit, ShouldNotBeNil)
					So(s.LastExit.Signal, ShouldEqual, syscall.SIGKILL)
				}

				Convey("And a second shutdown is harmless", func() {
					So(m.Shutdown(), ShouldBeNil)
				})
				Convey("And ticks do nothing afterwards", func() {
					So(m.Tick(), ShouldBeNil)
					s, _ := m.Service("s1")
					So(s.State, ShouldEqual, StateStopped)
				})
			})

			Convey("A process that already exited is not an error", func() {
				_, e := m.Start(Descriptor{
					Name:    "gone",
					Command: "true",
					Restart: RestartNever,
				})
				So(e, ShouldBeNil)
				// Let it exit; nothing has ticked, so it is not reaped.
				time.Sleep(200 * time.Millisecond)
				So(m.Shutdown(), ShouldBeNil)
				s, _ := m.Service("gone")
				So(s.State, ShouldEqual, StateStopped)
				So(s.LastExit.Success(), ShouldBeTrue)
			})

			Convey("Terminal services are left alone", func() {
				_, e := m.Start(Descriptor{
					Name:    "done",
					Command: "true",
					Restart: RestartNever,
				})
				So(e, ShouldBeNil)
				tickUntil(m, "done", terminal)
				So(m.Shutdown(), ShouldBeNil)
				s, _ := m.Service("done")
				So(s.State, ShouldEqual, StateExited)
			})

			Convey("The stop signal is used", func() {
				d := sleeper("term")
				d.StopSignal = syscall.SIGTERM
				_, e := m.Start(d)
				So(e, ShouldBeNil)
				So(m.Shutdown(), ShouldBeNil)
				s, _ := m.Service("term")
				So(s.LastExit.Signal, ShouldEqual, syscall.SIGTERM)
			})

			Convey("A stubborn process is killed after the stop time", func() {
				_, e := m.Start(Descriptor{
					Name:       "stubborn",
					Command:    "sh",
					Args:       []string{"-c", `trap "" TERM; while :; do :; done`},
					StopSignal: syscall.SIGTERM,
					StopTime:   200 * time.Millisecond,
				})
				So(e, ShouldBeNil)
				// Give the shell a moment to install its trap.
				time.Sleep(100 * time.Millisecond)
				So(m.Shutdown(), ShouldBeNil)
				s, _ := m.Service("stubborn")
				So(s.State, ShouldEqual, StateStopped)
				So(s.LastExit.Signal, ShouldEqual, syscall.SIGKILL)
			})

			Convey("Stop times run from the stop signal", func() {
				for _, name := range []string{"slow1", "slow2"} {
					_, e := m.Start(Descriptor{
						Name:       name,
						Command:    "sh",
						Args:       []string{"-c", `trap "" TERM; while :; do :; done`},
						StopSignal: syscall.SIGTERM,
						StopTime:   500 * time.Millisecond,
					})
					So(e, ShouldBeNil)
				}
				time.Sleep(100 * time.Millisecond)
				start := time.Now()
				So(m.Shutdown(), ShouldBeNil)
				// Waiting on each in turn would take a second.
				So(time.Since(start), ShouldBeLessThan, 900*time.Millisecond)
				for _, name := range []string{"slow1", "slow2"} {
					s, _ := m.Service(name)
					So(s.State, ShouldEqual, StateStopped)
					So(s.LastExit.Signal, ShouldEqual, syscall.SIGKILL)
				}
			})
		}))
}

func TestRestartSpawnFailure(t *testing.T) {
	Convey("A restart that cannot be spawned fails the service", t,
		WithManager(t, "TestRestartSpawnFailure", func(m *Manager) {
			script := filepath.Join(t.TempDir(), "svc.sh")
			e := os.WriteFile(script, []byte("#!/bin/sh\nexit 1\n"), 0755)
			So(e, ShouldBeNil)
			_, e = m.Start(Descriptor{
				Name:        "x",
				Command:     script,
				Restart:     RestartAlways,
				MaxRestarts: 5,
			})
			So(e, ShouldBeNil)
			_, e = m.Start(sleeper("other"))
			So(e, ShouldBeNil)
			So(os.Remove(script), ShouldBeNil)

			var terr error
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if e := m.Tick(); e != nil {
					terr = e
				}
				if s, _ := m.Service("x"); s.State.Terminal() {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}

			s, _ := m.Service("x")
			So(s.State, ShouldEqual, StateFailed)
			So(s.Restarts, ShouldEqual, 0)
			So(s.LastExit, ShouldNotBeNil)
			So(s.LastExit.Success(), ShouldBeFalse)

			var se *SpawnError
			So(errors.As(terr, &se), ShouldBeTrue)
			So(se.Name, ShouldEqual, "x")
			So(errors.Is(terr, os.ErrNotExist), ShouldBeTrue)

			o, _ := m.Service("other")
			So(o.State, ShouldEqual, StateRunning)

			Convey("And it is left alone afterwards", func() {
				So(m.Tick(), ShouldBeNil)
				s, _ := m.Service("x")
				So(s.State, ShouldEqual, StateFailed)
			})
		}))
}

func TestLivenessFailure(t *testing.T) {
	Convey("A failed liveness check does not stop the scan", t,
		WithManager(t, "TestLivenessFailure", func(m *Manager) {
			defer func() { wait4 = unix.Wait4 }()

			pid, e := m.Start(sleeper("watched"))
			So(e, ShouldBeNil)
			_, e = m.Start(Descriptor{
				Name:    "quick",
				Command: "true",
				Restart: RestartNever,
			})
			So(e, ShouldBeNil)
			time.Sleep(200 * time.Millisecond)

			wait4 = func(p int, ws *unix.WaitStatus, opts int, ru *unix.Rusage) (int, error) {
				if p == pid {
					return 0, unix.EINVAL
				}
				return unix.Wait4(p, ws, opts, ru)
			}
			e = m.Tick()
			wait4 = unix.Wait4

			var le *LivenessCheckError
			So(errors.As(e, &le), ShouldBeTrue)
			So(le.Name, ShouldEqual, "watched")
			So(errors.Is(e, unix.EINVAL), ShouldBeTrue)

			s, _ := m.Service("watched")
			So(s.State, ShouldEqual, StateRunning)
			s, _ = m.Service("quick")
			So(s.State, ShouldEqual, StateExited)

			Convey("And the next check succeeds", func() {
				So(m.Tick(), ShouldBeNil)
				s, _ := m.Service("watched")
				So(s.State, ShouldEqual, StateRunning)
			})
		}))
}

func TestTerminationFailure(t *testing.T) {
	Convey("Termination failures are reported per service", t,
		WithManager(t, "TestTerminationFailure", func(m *Manager) {
			defer func() {
				kill = unix.Kill
				wait4 = unix.Wait4
			}()

			pid, e := m.Start(sleeper("stuck"))
			So(e, ShouldBeNil)
			_, e = m.Start(sleeper("normal"))
			So(e, ShouldBeNil)

			Convey("When the stop signal cannot be sent", func() {
				kill = func(p int, sig syscall.Signal) error {
					if p == pid {
						return unix.EPERM
					}
					return unix.Kill(p, sig)
				}
				e := m.Shutdown()
				kill = unix.Kill

				var te *TerminationError
				So(errors.As(e, &te), ShouldBeTrue)
				So(te.Name, ShouldEqual, "stuck")
				So(errors.Is(e, unix.EPERM), ShouldBeTrue)
				s, _ := m.Service("stuck")
				So(s.State, ShouldEqual, StateRunning)
				s, _ = m.Service("normal")
				So(s.State, ShouldEqual, StateStopped)

				Convey("A later shutdown still stops it", func() {
					So(m.Shutdown(), ShouldBeNil)
					s, _ := m.Service("stuck")
					So(s.State, ShouldEqual, StateStopped)
				})
			})

			Convey("When the process cannot be reaped", func() {
				wait4 = func(p int, ws *unix.WaitStatus, opts int, ru *unix.Rusage) (int, error) {
					if p == pid && opts == 0 {
						return 0, unix.EINVAL
					}
					return unix.Wait4(p, ws, opts, ru)
				}
				e := m.Shutdown()
				wait4 = unix.Wait4

				var te *TerminationError
				So(errors.As(e, &te), ShouldBeTrue)
				So(te.Name, ShouldEqual, "stuck")
				So(errors.Is(e, unix.EINVAL), ShouldBeTrue)
				s, _ := m.Service("normal")
				So(s.State, ShouldEqual, StateStopped)

				So(m.Shutdown(), ShouldBeNil)
				s, _ = m.Service("stuck")
				So(s.State, ShouldEqual, StateStopped)
				So(s.LastExit.Signal, ShouldEqual, syscall.SIGKILL)
			})
		}))
}

func TestRun(t *testing.T) {
	Convey("Run ticks until cancelled, then shuts down", t,
		WithManager(t, "TestRun", func(m *Manager) {
			_, e := m.Start(sleeper("long"))
			So(e, ShouldBeNil)
			_, e = m.Start(Descriptor{
				Name:        "short",
				Command:     "true",
				Restart:     RestartAlways,
				MaxRestarts: 1,
			})
			So(e, ShouldBeNil)

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() {
				done <- m.Run(ctx)
			}()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				if s, _ := m.Service("short"); s.State.Terminal() {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
			So(<-done, ShouldBeNil)

			s, _ := m.Service("short")
			So(s.State, ShouldEqual, StateExited)
			So(s.Restarts, ShouldEqual, 1)
			s, _ = m.Service("long")
			So(s.State, ShouldEqual, StateStopped)
		}))
}

func TestServiceLog(t *testing.T) {
	Convey("Child output is captured", t,
		WithManager(t, "TestServiceLog", func(m *Manager) {
			_, e := m.Start(Descriptor{
				Name:    "talker",
				Command: "sh",
				Args:    []string{"-c", "echo hello; echo oops >&2"},
				Restart: RestartNever,
			})
			So(e, ShouldBeNil)
			tickUntil(m, "talker", terminal)

			l, e := m.ServiceLog("talker")
			So(e, ShouldBeNil)
			found := func() (bool, bool) {
				recs, _ := l.GetRecords(0)
				out, err := false, false
				for _, r := range recs {
					if strings.Contains(r.Text, "hello") &&
						strings.Contains(r.Text, "stdout") {
						out = true
					}
					if strings.Contains(r.Text, "oops") &&
						strings.Contains(r.Text, "stderr") {
						err = true
					}
				}
				return out, err
			}
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if o, e := found(); o && e {
					break
				}
				time.Sleep(5 * time.Millisecond)
			}
			out, errout := found()
			So(out, ShouldBeTrue)
			So(errout, ShouldBeTrue)

			recs, _ := m.GetLog(0)
			So(len(recs), ShouldBeGreaterThan, 0)

			_, e = m.ServiceLog("nosuch")
			So(e, ShouldEqual, ErrNoService)
		}))
}

func TestWatchService(t *testing.T) {
	Convey("Watching a service sees its state change", t,
		WithManager(t, "TestWatchService", func(m *Manager) {
			_, e := m.Start(Descriptor{
				Name:    "w",
				Command: "true",
				Restart: RestartNever,
			})
			So(e, ShouldBeNil)
			s, _ := m.Service("w")
			tickUntil(m, "w", terminal)
			sn, e := m.WatchService("w", s.Serial, time.Second)
			So(e, ShouldBeNil)
			So(sn, ShouldNotEqual, s.Serial)

			_, e = m.WatchService("nosuch", 0, 0)
			So(e, ShouldEqual, ErrNoService)

			info := m.GetInfo()
			So(info.Name, ShouldEqual, "TestWatchService")
			So(info.Id, ShouldNotBeEmpty)
			So(info.Serial, ShouldEqual, m.Serial())
		}))
}

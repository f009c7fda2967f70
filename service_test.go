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

package minivisor

import (
	"errors"
	"syscall"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	. "github.com/smartystreets/goconvey/convey"
)

func TestShouldRestart(t *testing.T) {
	clean := &ExitStatus{Code: 0}
	failed := &ExitStatus{Code: 1}
	signaled := &ExitStatus{Code: -1, Signal: syscall.SIGKILL}
	unknown := &ExitStatus{Code: -1, Unknown: true}

	Convey("The restart decision table", t, func() {
		cases := []struct {
			policy RestartPolicy
			status *ExitStatus
			expect bool
		}{
			{RestartNever, clean, false},
			{RestartNever, failed, false},
			{RestartNever, signaled, false},
			{RestartNever, unknown, false},
			{RestartNever, nil, false},
			{RestartAlways, clean, true},
			{RestartAlways, failed, true},
			{RestartAlways, signaled, true},
			{RestartAlways, unknown, true},
			{RestartAlways, nil, true},
			{RestartOnFailure, clean, false},
			{RestartOnFailure, failed, true},
			{RestartOnFailure, signaled, true},
			{RestartOnFailure, unknown, true},
			{RestartOnFailure, nil, true},
		}
		for _, c := range cases {
			So(ShouldRestart(c.policy, c.status), ShouldEqual, c.expect)
		}
	})
}

func TestShouldRestartProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	genStatus := gopter.CombineGens(
		gen.IntRange(-1, 255),
		gen.IntRange(0, 31),
		gen.Bool(),
	).Map(func(vals []interface{}) *ExitStatus {
		return &ExitStatus{
			Code:    vals[0].(int),
			Signal:  syscall.Signal(vals[1].(int)),
			Unknown: vals[2].(bool),
		}
	})

	properties.Property("Never never restarts", prop.ForAll(
		func(st *ExitStatus) bool {
			return !ShouldRestart(RestartNever, st)
		},
		genStatus,
	))
	properties.Property("Always always restarts", prop.ForAll(
		func(st *ExitStatus) bool {
			return ShouldRestart(RestartAlways, st)
		},
		genStatus,
	))
	properties.Property("OnFailure restarts exactly the failures", prop.ForAll(
		func(st *ExitStatus) bool {
			clean := st.Code == 0 && st.Signal == 0 && !st.Unknown
			return ShouldRestart(RestartOnFailure, st) == !clean
		},
		genStatus,
	))
	properties.TestingRun(t)
}

func TestRestartPolicyNames(t *testing.T) {
	Convey("Restart policies parse and print", t, func() {
		for _, s := range []string{"Never", "never", "NEVER"} {
			p, e := ParseRestartPolicy(s)
			So(e, ShouldBeNil)
			So(p, ShouldEqual, RestartNever)
		}
		for _, s := range []string{"OnFailure", "on-failure", "on_failure"} {
			p, e := ParseRestartPolicy(s)
			So(e, ShouldBeNil)
			So(p, ShouldEqual, RestartOnFailure)
		}
		p, e := ParseRestartPolicy("always")
		So(e, ShouldBeNil)
		So(p.String(), ShouldEqual, "Always")

		_, e = ParseRestartPolicy("sometimes")
		So(errors.Is(e, ErrBadPolicy), ShouldBeTrue)

		b, e := RestartOnFailure.MarshalText()
		So(e, ShouldBeNil)
		So(string(b), ShouldEqual, "OnFailure")
		_, e = RestartPolicy(42).MarshalText()
		So(e, ShouldNotBeNil)
	})
}

func TestParseSignal(t *testing.T) {
	Convey("Signals parse by name or number", t, func() {
		for _, s := range []string{"TERM", "SIGTERM", "term", "15"} {
			sig, e := ParseSignal(s)
			So(e, ShouldBeNil)
			So(sig, ShouldEqual, syscall.SIGTERM)
		}
		_, e := ParseSignal("NOPE")
		So(errors.Is(e, ErrBadSignal), ShouldBeTrue)
	})
}

func TestExitStatus(t *testing.T) {
	Convey("Exit statuses describe themselves", t, func() {
		var none *ExitStatus
		So(none.Success(), ShouldBeFalse)
		So(none.String(), ShouldEqual, "running")
		So((&ExitStatus{Code: 0}).Success(), ShouldBeTrue)
		So((&ExitStatus{Code: 2}).String(), ShouldEqual, "exit status 2")
		So((&ExitStatus{Code: -1, Signal: syscall.SIGKILL}).String(),
			ShouldEqual, "signal: SIGKILL")
		So((&ExitStatus{Code: -1, Unknown: true}).Success(), ShouldBeFalse)
	})
}

func TestStates(t *testing.T) {
	Convey("Only running is not terminal", t, func() {
		So(StateRunning.Terminal(), ShouldBeFalse)
		So(StateExited.Terminal(), ShouldBeTrue)
		So(StateFailed.Terminal(), ShouldBeTrue)
		So(StateStopped.Terminal(), ShouldBeTrue)
		So(StateFailed.String(), ShouldEqual, "failed")
	})
}

func TestMergeEnv(t *testing.T) {
	Convey("Descriptor environment overrides the inherited one", t, func() {
		base := []string{"A=1", "B=2", "PATH=/bin"}
		So(mergeEnv(base, nil), ShouldResemble, base)
		env := mergeEnv(base, map[string]string{"B": "3", "C": "4"})
		So(env, ShouldResemble, []string{"A=1", "PATH=/bin", "B=3", "C=4"})
	})
}

func TestDescriptorClone(t *testing.T) {
	Convey("Cloning copies slices and maps, and defaults the stop signal", t, func() {
		d := &Descriptor{
			Name:    "x",
			Command: "true",
			Args:    []string{"a"},
			Env:     map[string]string{"K": "V"},
		}
		c := d.clone()
		d.Args[0] = "b"
		d.Env["K"] = "W"
		So(c.Args, ShouldResemble, []string{"a"})
		So(c.Env["K"], ShouldEqual, "V")
		So(c.StopSignal, ShouldEqual, syscall.SIGKILL)
		So(d.StopSignal, ShouldEqual, syscall.Signal(0))
	})
}

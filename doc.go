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

// Package minivisor is a small process supervisor.  Each service is
// described by a Descriptor: the command to run, its arguments and
// environment, a RestartPolicy and a restart budget.
//
// A Manager launches each service with Start, and is then ticked at a
// fixed interval.  Every Tick checks, without blocking, whether each
// process is still alive.  A process that has exited is restarted if its
// policy says so and it has not used up its budget; otherwise it is left
// in a terminal state, and not looked at again.  Shutdown stops every
// process that is still running and waits for it to be reaped.
//
//	m := minivisor.NewManager("example")
//	if _, e := m.Start(minivisor.Descriptor{
//		Name:        "sleeper",
//		Command:     "sleep",
//		Args:        []string{"60"},
//		Restart:     minivisor.RestartAlways,
//		MaxRestarts: 3,
//	}); e != nil {
//		log.Fatal(e)
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer stop()
//	m.Run(ctx)
//
// The Manager has no watcher goroutines; the caller (or Run) drives it.
// The only goroutines it starts copy each process's output into its log.  Liveness checks and reaping use wait4
// directly, so this package only works on POSIX systems.
package minivisor

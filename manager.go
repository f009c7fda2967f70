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
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultInterval is how often Run checks on the services.
const DefaultInterval = time.Second

// Manager is the supervision engine.  It owns the registry of services,
// keyed by name.  Start, Tick and Shutdown are meant to be driven by a
// single goroutine (Run does exactly that); the read-only accessors may be
// used concurrently from other goroutines, such as an HTTP handler.
type Manager struct {
	procs      map[string]*process
	name       string
	id         string
	interval   time.Duration
	logger     *zap.Logger
	log        *Log
	registry   *prometheus.Registry
	metrics    *metrics
	serial     int64
	listSerial int64
	listStamp  time.Time
	createTime time.Time
	updateTime time.Time
	mx         sync.Mutex
	cvs        map[*sync.Cond]bool
}

type ManagerInfo struct {
	Name       string
	Id         string
	Serial     int64
	Interval   time.Duration
	UpdateTime time.Time
	CreateTime time.Time
}

// ServiceStatus is a consistent snapshot of one supervised service.
type ServiceStatus struct {
	Name        string
	Command     string
	Args        []string
	Policy      RestartPolicy
	MaxRestarts int
	State       State
	Pid         int
	Started     time.Time
	Restarts    int
	LastExit    *ExitStatus // nil while running
	Reason      string
	Stamp       time.Time
	Serial      int64
}

// Option adjusts a Manager at construction.
type Option func(*Manager)

// WithLogger replaces the default stderr logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithInterval sets the period used by Run.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.interval = d
		}
	}
}

func (m *Manager) lock() {
	m.mx.Lock()
}

func (m *Manager) unlock() {
	m.mx.Unlock()
}

func (m *Manager) wakeUp() {
	// NB: If the lock is not held here, then there is a risk
	// that the woken goroutines won't get see the updated
	// serial number!!
	for cv := range m.cvs {
		cv.Broadcast()
	}
}

// bumpSerial increments the serial and notifies watchers.  It returns
// the new serial number, so that it can be stored in services.
// Call with lock held.
func (m *Manager) bumpSerial() int64 {
	m.updateTime = time.Now()
	m.serial++
	rv := m.serial
	m.wakeUp()
	return rv
}

// watchSerial monitors for a change in a specific serial number.  It returns
// the new serial number when it changes.  If the serial number has not
// changed in the given duration then the old value is returned.  A poll
// can be done by supplying 0 for the expiration.
func (m *Manager) watchSerial(old int64, src *int64, expire time.Duration) int64 {
	expired := false
	cv := sync.NewCond(&m.mx)
	var timer *time.Timer
	var rv int64

	// Schedule timeout
	if expire > 0 {
		timer = time.AfterFunc(expire, func() {
			m.lock()
			expired = true
			cv.Broadcast()
			m.unlock()
		})
	} else {
		expired = true
	}

	m.lock()
	m.cvs[cv] = true
	for {
		rv = *src
		if rv != old || expired {
			break
		}
		cv.Wait()
	}
	delete(m.cvs, cv)
	m.unlock()
	if timer != nil {
		timer.Stop()
	}
	return rv
}

// WatchSerial monitors for a change in the global serial number.
func (m *Manager) WatchSerial(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.serial, expire)
}

// WatchServices monitors for a change in the list of services.
func (m *Manager) WatchServices(old int64, expire time.Duration) int64 {
	return m.watchSerial(old, &m.listSerial, expire)
}

// WatchService monitors for a change in the state of one service.
func (m *Manager) WatchService(name string, old int64, expire time.Duration) (int64, error) {
	m.lock()
	p, ok := m.procs[name]
	m.unlock()
	if !ok {
		return 0, ErrNoService
	}
	return m.watchSerial(old, &p.serial, expire), nil
}

// Serial returns the global serial number.  This is incremented
// anytime a service has a state change.
func (m *Manager) Serial() int64 {
	m.lock()
	rv := m.serial
	m.unlock()
	return rv
}

// Name returns the name the manager was allocated with.
func (m *Manager) Name() string {
	return m.name
}

// Registry returns the prometheus registry holding the manager's metrics.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

// Logger returns the manager's logger.
func (m *Manager) Logger() *zap.Logger {
	return m.logger
}

// GetInfo returns top-level information about the Manager.  This is done
// in a manner that ensures that the info is consistent.
func (m *Manager) GetInfo() *ManagerInfo {
	m.lock()
	i := &ManagerInfo{
		Name:       m.name,
		Id:         m.id,
		Serial:     m.serial,
		Interval:   m.interval,
		CreateTime: m.createTime,
		UpdateTime: m.updateTime,
	}
	m.unlock()
	return i
}

func (m *Manager) serviceLogger(p *process) *zap.Logger {
	core := zapcore.NewTee(m.logger.Core(), p.log.Core(zapcore.InfoLevel))
	return zap.New(core).With(zap.String("service", p.desc.Name))
}

// Start launches the service and registers it under its name, returning
// the pid.  Names must be unique; a second Start with a name already
// registered fails with ErrDuplicate and leaves the first alone.  If the
// process cannot be launched a *SpawnError is returned, and nothing is
// registered.
func (m *Manager) Start(d Descriptor) (int, error) {
	if e := d.validate(); e != nil {
		m.logger.Error("Rejected service", zap.String("service", d.Name),
			zap.Error(e))
		return 0, e
	}
	p := &process{desc: d.clone(), log: NewLog()}
	p.logger = m.serviceLogger(p)

	m.lock()
	defer m.unlock()

	if _, ok := m.procs[d.Name]; ok {
		p.logger.Error("Duplicate service name")
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
	}
	h, e := p.spawn()
	if e != nil {
		m.metrics.failed(d.Name, "spawn")
		p.logger.Error("Failed to start service", zap.Error(e))
		return 0, &SpawnError{Name: d.Name, Err: e}
	}
	p.h = h
	p.state = StateRunning
	p.setStatus("Started")
	m.procs[d.Name] = p
	m.listSerial = m.bumpSerial()
	m.listStamp = time.Now()
	p.serial = m.bumpSerial()
	m.metrics.started(d.Name)
	p.logger.Info("Service started", zap.Int("pid", h.pid))
	return h.pid, nil
}

// Tick makes one pass over all services, checking without blocking
// whether each is still alive, and restarting those that exited if the
// restart policy and budget allow.  Errors are isolated per service, so
// one failure does not stop the others from being checked; they are all
// returned joined together.
func (m *Manager) Tick() error {
	m.lock()
	defer m.unlock()

	var errs []error
	for _, p := range m.procs {
		if e := m.check(p); e != nil {
			errs = append(errs, e)
		}
	}
	return errors.Join(errs...)
}

// check must be called with the lock held.
func (m *Manager) check(p *process) error {
	name := p.desc.Name
	if p.state.Terminal() {
		return nil
	}
	st, e := p.h.poll()
	if e != nil {
		m.metrics.failed(name, "liveness")
		p.logger.Warn("Liveness check failed", zap.Error(e))
		return &LivenessCheckError{Name: name, Err: e}
	}
	if st == nil {
		return nil
	}

	p.lastExit = st
	m.metrics.exited(name, st)
	p.logger.Warn("Service exited", zap.Stringer("status", st))

	if !ShouldRestart(p.desc.Restart, st) {
		p.state = StateExited
		p.setStatus("Exited: " + st.String())
		p.serial = m.bumpSerial()
		p.logger.Info("Not restarting",
			zap.Stringer("policy", p.desc.Restart))
		return nil
	}
	if p.restarts >= p.desc.MaxRestarts {
		p.state = StateExited
		p.setStatus(fmt.Sprintf("Exited: %v (restart limit %d reached)",
			st, p.desc.MaxRestarts))
		p.serial = m.bumpSerial()
		p.logger.Warn("Restart limit reached",
			zap.Int("restarts", p.restarts))
		return nil
	}

	// The old handle was reaped by poll, so replacing it leaks nothing.
	h, e := p.spawn()
	if e != nil {
		p.state = StateFailed
		p.setStatus("Failed: " + e.Error())
		p.serial = m.bumpSerial()
		m.metrics.failed(name, "spawn")
		p.logger.Error("Failed to restart service", zap.Error(e))
		return &SpawnError{Name: name, Err: e}
	}
	p.h = h
	p.lastExit = nil
	p.restarts++
	p.setStatus(fmt.Sprintf("Restarted after %v", st))
	p.serial = m.bumpSerial()
	m.metrics.started(name)
	m.metrics.restarted(name)
	p.logger.Info("Service restarted", zap.Int("restarts", p.restarts),
		zap.Int("pid", h.pid))
	return nil
}

// Shutdown sends every running service its stop signal, and then waits
// for each of them to be reaped.  A process that has already exited is
// not an error.  Failures for one service do not prevent the others from
// being stopped; they are all returned joined together.  Calling Shutdown
// again is harmless.
func (m *Manager) Shutdown() error {
	m.lock()
	defer m.unlock()

	type stopping struct {
		p    *process
		sent time.Time
	}
	var errs []error
	var stops []stopping
	for _, p := range m.procs {
		if p.state != StateRunning {
			continue
		}
		p.logger.Info("Stopping service",
			zap.String("signal", signalName(p.desc.StopSignal)))
		if e := p.h.signal(p.desc.StopSignal); e != nil {
			m.metrics.failed(p.desc.Name, "termination")
			p.logger.Error("Failed sending stop signal", zap.Error(e))
			errs = append(errs, &TerminationError{Name: p.desc.Name, Err: e})
			continue
		}
		stops = append(stops, stopping{p: p, sent: time.Now()})
	}
	for _, st := range stops {
		if e := m.reap(st.p, st.sent); e != nil {
			errs = append(errs, e)
		}
	}
	m.logger.Info("Shut down", zap.String("manager", m.name))
	return errors.Join(errs...)
}

// reap waits for a process that was sent its stop signal at the given
// time.  The StopTime grace period runs from then.  Call with the lock
// held.
func (m *Manager) reap(p *process, sent time.Time) error {
	var st *ExitStatus
	var e error
	if p.desc.StopTime > 0 {
		deadline := sent.Add(p.desc.StopTime)
		if st, e = p.h.waitUntil(deadline); st == nil && e == nil {
			p.logger.Warn("Graceful shutdown timed out")
			if e = p.h.signal(syscall.SIGKILL); e == nil {
				st, e = p.h.wait()
			}
		}
	} else {
		st, e = p.h.wait()
	}
	if e != nil {
		m.metrics.failed(p.desc.Name, "termination")
		p.logger.Error("Failed waiting for service", zap.Error(e))
		return &TerminationError{Name: p.desc.Name, Err: e}
	}
	p.lastExit = st
	p.state = StateStopped
	p.setStatus("Stopped: " + st.String())
	p.serial = m.bumpSerial()
	m.metrics.exited(p.desc.Name, st)
	p.logger.Info("Service stopped", zap.Stringer("status", st))
	return nil
}

// Run ticks immediately and then once per interval, until ctx is done.
// Cancellation is only noticed between ticks.  It then shuts everything
// down, returning the result of Shutdown.  Tick errors are logged.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("Starting monitoring", zap.String("manager", m.name),
		zap.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if e := m.Tick(); e != nil {
			m.logger.Warn("Problems during check", zap.Error(e))
		}
		select {
		case <-ctx.Done():
			m.logger.Info("Shutting down all services")
			return m.Shutdown()
		case <-ticker.C:
		}
	}
}

func (p *process) status() ServiceStatus {
	s := ServiceStatus{
		Name:        p.desc.Name,
		Command:     p.desc.Command,
		Args:        copyArray(p.desc.Args),
		Policy:      p.desc.Restart,
		MaxRestarts: p.desc.MaxRestarts,
		State:       p.state,
		Restarts:    p.restarts,
		Reason:      p.reason,
		Stamp:       p.stamp,
		Serial:      p.serial,
	}
	if p.h != nil {
		s.Pid = p.h.pid
		s.Started = p.h.started
	}
	if p.lastExit != nil {
		st := *p.lastExit
		s.LastExit = &st
	}
	return s
}

// Services returns a snapshot of every service, sorted by name, along
// with the serial number and time of the last change to the list.
func (m *Manager) Services() ([]ServiceStatus, int64, time.Time) {
	m.lock()
	rv := make([]ServiceStatus, 0, len(m.procs))
	for _, p := range m.procs {
		rv = append(rv, p.status())
	}
	ts := m.listStamp
	sn := m.listSerial
	m.unlock()
	sort.Slice(rv, func(i, j int) bool { return rv[i].Name < rv[j].Name })
	return rv, sn, ts
}

// Service returns a snapshot of the named service.
func (m *Manager) Service(name string) (ServiceStatus, error) {
	m.lock()
	defer m.unlock()
	if p, ok := m.procs[name]; ok {
		return p.status(), nil
	}
	return ServiceStatus{}, ErrNoService
}

// ServiceLog returns the log holding the named service's events and output.
func (m *Manager) ServiceLog(name string) (*Log, error) {
	m.lock()
	defer m.unlock()
	if p, ok := m.procs[name]; ok {
		return p.log, nil
	}
	return nil, ErrNoService
}

// GetLog returns the manager's consolidated log.
func (m *Manager) GetLog(lastid int64) ([]LogRecord, int64) {
	return m.log.GetRecords(lastid)
}

func (m *Manager) WatchLog(old int64, expire time.Duration) int64 {
	return m.log.Watch(old, expire)
}

func NewManager(name string, opts ...Option) *Manager {
	if name == "" {
		name = "minivisor"
	}
	// We set the origin serial number to the current timestamp in nsec.
	// The assumption here is that we won't have changes to serial number
	// occur at frequency > 1GHz.  Hence, it should be safe for us to use
	// these as unique values, and this may help clients that cache force
	// an invalidation if the server for some reason restarts.
	m := &Manager{name: name, serial: time.Now().UnixNano()}
	m.id = uuid.NewString()
	m.procs = make(map[string]*process)
	m.cvs = make(map[*sync.Cond]bool)
	m.createTime = time.Now()
	m.updateTime = m.createTime
	m.listStamp = m.createTime
	m.listSerial = m.serial
	m.interval = DefaultInterval
	m.registry = prometheus.NewRegistry()
	m.metrics = newMetrics(m.registry)
	for _, o := range opts {
		o(m)
	}
	if m.logger == nil {
		m.logger, _ = NewLogger(LogOptions{})
	}
	m.log = NewLog()
	m.logger = zap.New(zapcore.NewTee(m.logger.Core(),
		m.log.Core(zapcore.InfoLevel)))
	return m
}

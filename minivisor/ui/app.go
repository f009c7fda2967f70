// Copyright 2016 The Govisor Authors
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

// Package ui implements a terminal monitor for a minivisor daemon.  It is
// read-only: services are watched, never controlled.
package ui

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
	"go.uber.org/zap"

	"github.com/gdamore/minivisor/minivisor/util"
	"github.com/gdamore/minivisor/rest"
)

type App struct {
	app       *views.Application
	view      views.View
	panel     views.Widget
	info      *InfoPanel
	help      *HelpPanel
	log       *LogPanel
	main      *MainPanel
	auth      *AuthPanel
	client    *rest.Client
	logger    *zap.Logger
	err       error
	items     []*rest.ServiceInfo
	logName   string
	logInfo   *rest.LogInfo
	logErr    error
	logCancel context.CancelFunc
	mx        sync.Mutex // protects items, err and the log fields

	views.WidgetWatchers
}

func (a *App) show(w views.Widget) {
	if w != a.panel {
		a.panel.SetView(nil)
		a.panel = w
	}
	a.panel.SetView(a.view)
	a.panel.Resize()
	a.app.Refresh()
}

func (a *App) ShowHelp() {
	a.show(a.help)
}

func (a *App) ShowInfo(name string) {
	a.info.SetName(name)
	a.show(a.info)
}

func (a *App) ShowLog(name string) {
	if a.logCancel != nil {
		a.logCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.mx.Lock()
	a.logInfo = nil
	a.logErr = nil
	a.logName = name
	a.mx.Unlock()
	a.logCancel = cancel
	a.log.SetName(name)
	go a.refreshLog(ctx, name)

	a.show(a.log)
}

func (a *App) ShowMain() {
	a.show(a.main)
}

// ShowAuth prompts for credentials, after the server refused us.
func (a *App) ShowAuth() {
	if a.panel != a.auth {
		a.auth.ResetFields()
	}
	a.show(a.auth)
}

// SetUserPassword sets the credentials used for all further requests.
func (a *App) SetUserPassword(user, pass string) {
	a.client.SetAuth(user, pass)
	a.mx.Lock()
	a.err = nil
	a.mx.Unlock()
}

func (a *App) Quit() {
	if a.logCancel != nil {
		a.logCancel()
	}
	a.app.Quit()
}

func (a *App) SetLogger(logger *zap.Logger) {
	a.logger = logger
}

func (a *App) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		// Intercept a few control keys up front, for global handling.
		case tcell.KeyCtrlC:
			a.Quit()
			return true
		case tcell.KeyCtrlL:
			a.app.Refresh()
			return true
		}
	}

	if a.panel != nil {
		return a.panel.HandleEvent(ev)
	}
	return false
}

func (a *App) Draw() {
	if a.panel != nil {
		a.panel.Draw()
	}
}

func (a *App) Resize() {
	if a.panel != nil {
		a.panel.Resize()
	}
}

func (a *App) SetView(view views.View) {
	a.view = view
	if a.panel != nil {
		a.panel.SetView(view)
	}
}

func (a *App) Size() (int, int) {
	if a.panel != nil {
		return a.panel.Size()
	}
	return 0, 0
}

func (a *App) GetAppName() string {
	return "Minivisor"
}

func NewApp(client *rest.Client, url string) *App {

	app := &App{}
	app.app = &views.Application{}
	app.client = client
	app.logger = zap.NewNop()
	app.info = NewInfoPanel(app)
	app.help = NewHelpPanel(app)
	app.log = NewLogPanel(app)
	app.main = NewMainPanel(app, url)
	app.auth = NewAuthPanel(app, url)
	app.panel = app.main
	return app
}

func (a *App) getItems() ([]*rest.ServiceInfo, error) {
	names, e := a.client.Services()
	if e != nil {
		return nil, e
	}
	items := make([]*rest.ServiceInfo, 0, len(names))
	for _, n := range names {
		item, e := a.client.GetService(n)
		if e == nil {
			items = append(items, item)
		}
	}
	util.SortServices(items)
	return items, nil
}

// refresh keeps the app items current, by long polling the manager
// serial number.
func (a *App) refresh(ctx context.Context) {
	client := a.client
	etag := ""
	for {
		items, e := a.getItems()

		a.mx.Lock()
		a.items = items
		a.err = e
		a.mx.Unlock()
		a.app.Update()
		if e == nil {
			etag, e = client.Watch(ctx, etag)
		}
		if ctx.Err() != nil {
			return
		}
		if e != nil {
			a.logger.Debug("Refresh failed", zap.Error(e))
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (a *App) refreshLog(ctx context.Context, name string) {
	info, e := a.client.GetLog(name)

	for {
		a.mx.Lock()
		if a.logName == name {
			a.logInfo = info
			a.logErr = e
		}
		a.mx.Unlock()
		a.app.Update()
		if ctx.Err() != nil {
			return
		}
		if e != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
			info, e = a.client.GetLog(name)
			continue
		}
		info, e = a.client.WatchLog(ctx, name, info)
	}
}

func (a *App) GetItems() ([]*rest.ServiceInfo, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.items, a.err
}

func (a *App) GetItem(name string) (*rest.ServiceInfo, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.err != nil {
		return nil, a.err
	}
	for _, i := range a.items {
		if i.Name == name {
			return i, nil
		}
	}
	return nil, errors.New("Service not found")
}

func (a *App) GetLog(name string) (*rest.LogInfo, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.logName == name {
		return a.logInfo, a.logErr
	}
	return nil, nil
}

// Run takes over the terminal until the user quits.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.logger.Info("Starting user interface")
	a.app.SetRootWidget(a)
	a.ShowMain()
	go a.refresh(ctx)
	go func() {
		// Keep the durations ticking.
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				a.app.Update()
			}
		}
	}()
	return a.app.Run()
}

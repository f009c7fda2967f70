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

package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"
)

const (
	entryWidth = 16
	entryLimit = 256
)

var (
	styleFocus = tcell.StyleDefault.
			Foreground(tcell.ColorWhite).Background(tcell.ColorNavy)
	styleIdle = StyleNormal
)

// entry is a one line text field.  Secret entries echo '*'.
type entry struct {
	text   []rune
	secret bool
}

func (e *entry) add(r rune) {
	if len(e.text) < entryLimit {
		e.text = append(e.text, r)
	}
}

func (e *entry) backspace() {
	if len(e.text) > 0 {
		e.text = e.text[:len(e.text)-1]
	}
}

func (e *entry) clear() {
	e.text = e.text[:0]
}

// display renders the field at a fixed width, scrolled so the end is
// visible, with a cursor when focused.
func (e *entry) display(focused bool) string {
	shown := make([]rune, 0, entryWidth+1)
	for _, r := range e.text {
		if e.secret {
			r = '*'
		}
		shown = append(shown, r)
	}
	if focused {
		shown = append(shown, '_')
	}
	if len(shown) > entryWidth {
		shown = shown[len(shown)-entryWidth:]
		shown[0] = '<'
	}
	for len(shown) < entryWidth {
		shown = append(shown, ' ')
	}
	return string(shown)
}

// AuthPanel asks for a user name and password when the daemon requires
// authentication.
type AuthPanel struct {
	ufield *views.Text
	pfield *views.Text
	user   entry
	pass   entry
	onPass bool

	Panel
}

func NewAuthPanel(app *App, server string) *AuthPanel {
	a := &AuthPanel{pass: entry{secret: true}}
	a.Panel.Init(app)

	a.ufield = views.NewText()
	a.pfield = views.NewText()
	uprompt := views.NewText()
	pprompt := views.NewText()
	uprompt.SetText("Username: ")
	pprompt.SetText("Password: ")

	left := views.NewBoxLayout(views.Vertical)
	right := views.NewBoxLayout(views.Vertical)
	hlayout := views.NewBoxLayout(views.Horizontal)
	for _, w := range []interface{ SetStyle(tcell.Style) }{
		uprompt, pprompt, a.ufield, a.pfield, left, right, hlayout,
	} {
		w.SetStyle(styleIdle)
	}

	left.AddWidget(views.NewSpacer(), 1.0)
	left.AddWidget(uprompt, 0.0)
	left.AddWidget(pprompt, 0.0)
	left.AddWidget(views.NewSpacer(), 1.0)

	right.AddWidget(views.NewSpacer(), 1.0)
	right.AddWidget(a.ufield, 0.0)
	right.AddWidget(a.pfield, 0.0)
	right.AddWidget(views.NewSpacer(), 1.0)

	hlayout.AddWidget(views.NewSpacer(), 1.0)
	hlayout.AddWidget(left, 0.0)
	hlayout.AddWidget(right, 0.0)
	hlayout.AddWidget(views.NewSpacer(), 1.0)

	a.SetTitle(server)
	a.SetStatus("Authentication Required")
	a.SetKeys([]string{"[ESC] Quit", "[TAB] Next"})
	a.SetContent(hlayout)
	a.update()

	return a
}

func (a *AuthPanel) ResetFields() {
	a.onPass = false
	a.user.clear()
	a.pass.clear()
}

func (a *AuthPanel) focused() *entry {
	if a.onPass {
		return &a.pass
	}
	return &a.user
}

func (a *AuthPanel) Draw() {
	a.update()
	a.Panel.Draw()
}

func (a *AuthPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			a.App().Quit()
		case tcell.KeyTab, tcell.KeyEnter:
			if a.onPass {
				a.App().SetUserPassword(string(a.user.text),
					string(a.pass.text))
				a.App().ShowMain()
			} else {
				a.onPass = true
			}
		case tcell.KeyBacktab:
			a.onPass = false
		case tcell.KeyCtrlU, tcell.KeyCtrlW:
			a.focused().clear()
		case tcell.KeyBackspace, tcell.KeyBackspace2:
			a.focused().backspace()
		case tcell.KeyRune:
			a.focused().add(ev.Rune())
		default:
			return false
		}
		return true
	}
	return a.Panel.HandleEvent(ev)
}

func (a *AuthPanel) update() {
	a.SetError()
	a.ufield.SetText(a.user.display(!a.onPass))
	a.pfield.SetText(a.pass.display(a.onPass))
	if a.onPass {
		a.pfield.SetStyle(styleFocus)
		a.ufield.SetStyle(styleIdle)
	} else {
		a.ufield.SetStyle(styleFocus)
		a.pfield.SetStyle(styleIdle)
	}
}

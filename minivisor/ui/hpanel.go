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

var helpText = []string{
	"Supported keys (not all keys available in all contexts)",
	"",
	"  <ESC>          : return to main screen",
	"  <CTRL-C>       : quit",
	"  <CTRL-L>       : refresh the screen",
	"  <H>            : show this help",
	"  <UP>, <DOWN>   : navigation",
	"  <I>, <ENTER>   : view detailed information for service",
	"  <L>            : view log for selected service, or all of them",
	"",
	"Services are restarted by the daemon according to their policy.",
	"This monitor does not change anything.",
	"",
	"This program is distributed under the Apache 2.0 License",
	"Copyright 2015 The Govisor Authors",
}

type HelpPanel struct {
	text *views.TextArea

	Panel
}

func (h *HelpPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			h.app.ShowMain()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				h.app.ShowMain()
				return true
			}
		}
	}
	return h.Panel.HandleEvent(ev)
}

func NewHelpPanel(app *App) *HelpPanel {
	h := &HelpPanel{}
	h.Panel.Init(app)
	h.SetTitle("Help")
	h.SetKeys([]string{"[ESC] Main"})

	h.text = views.NewTextArea()
	h.text.EnableCursor(false)
	h.text.SetStyle(StyleNormal)
	h.text.SetLines(helpText)
	h.SetContent(h.text)
	return h
}

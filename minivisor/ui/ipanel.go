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
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/minivisor/minivisor/util"
	"github.com/gdamore/minivisor/rest"
)

// InfoPanel shows the details of one service.
type InfoPanel struct {
	text *views.TextArea
	info *rest.ServiceInfo
	name string // service name

	Panel
}

func NewInfoPanel(app *App) *InfoPanel {
	i := &InfoPanel{}
	i.Panel.Init(app)
	i.SetKeys([]string{"[ESC] Main", "[H] Help"})

	i.text = views.NewTextArea()
	i.text.EnableCursor(false)
	i.text.SetStyle(StyleNormal)
	i.SetContent(i.text)
	return i
}

func (i *InfoPanel) Draw() {
	i.update()
	i.Panel.Draw()
}

func (i *InfoPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			i.app.ShowMain()
			return true
		case tcell.KeyF1:
			i.app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				i.app.ShowMain()
				return true
			case 'H', 'h':
				i.app.ShowHelp()
				return true
			case 'L', 'l':
				if i.info != nil {
					i.app.ShowLog(i.info.Name)
					return true
				}
			}
		}
	}
	return i.Panel.HandleEvent(ev)
}

func (i *InfoPanel) SetName(name string) {
	i.name = name
	i.info = nil
}

// infoLines renders the details of a service, one field per line.
func infoLines(s *rest.ServiceInfo) []string {
	field := func(name string, v interface{}) string {
		return fmt.Sprintf("%13s %v", name+":", v)
	}
	lines := []string{
		field("Name", s.Name),
		field("Command", strings.Join(append([]string{s.Command}, s.Args...), " ")),
		field("Policy", s.Policy),
		field("Max restarts", s.MaxRestarts),
		field("State", util.Status(s)),
		field("Since", util.FormatDuration(util.Since(s))),
		field("Detail", s.Status),
		field("Restarts", s.Restarts),
	}
	if s.Running {
		lines = append(lines, field("Pid", s.Pid),
			field("Started", s.Started.Format("2006-01-02 15:04:05")))
	}
	if s.LastExit != "" {
		lines = append(lines, field("Last exit", s.LastExit))
	}
	return lines
}

func (i *InfoPanel) update() {

	s, e := i.app.GetItem(i.name)
	i.info = s
	words := []string{"[ESC] Main", "[H] Help"}

	i.SetTitle("Details for " + i.name)

	if s == nil {
		if e != nil {
			i.SetStatus(fmt.Sprintf("No data: %v", e))
			i.SetError()
		} else {
			i.SetStatus("Loading...")
			i.SetNormal()
		}
		i.text.SetLines(nil)
		i.SetKeys(words)
		return
	}

	i.SetStatus("")
	i.SetState(s.State)
	i.text.SetLines(infoLines(s))
	i.SetKeys(append(words, "[L] Log"))
}

// Copyright 2024 The Govisor Authors
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
	"errors"
	"fmt"
	"net/http"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/minivisor/minivisor/util"
	"github.com/gdamore/minivisor/rest"
)

var (
	StyleNormal = tcell.StyleDefault.
			Foreground(tcell.ColorSilver).
			Background(tcell.ColorBlack)
	StyleGood = tcell.StyleDefault.
			Foreground(tcell.ColorGreen).
			Background(tcell.ColorBlack)
	StyleWarn = tcell.StyleDefault.
			Foreground(tcell.ColorYellow).
			Background(tcell.ColorBlack)
	StyleError = tcell.StyleDefault.
			Foreground(tcell.ColorMaroon).
			Background(tcell.ColorBlack)
)

// styleOf returns the line style for a service.
func styleOf(info *rest.ServiceInfo) tcell.Style {
	switch {
	case info.Failed:
		return StyleError
	case info.Running:
		return StyleGood
	case info.State == "exited":
		return StyleWarn
	}
	return StyleNormal
}

// counts tallies services by state for the status line.
type counts struct {
	total   int
	running int
	exited  int
	failed  int
	stopped int
}

func countItems(items []*rest.ServiceInfo) counts {
	c := counts{total: len(items)}
	for _, info := range items {
		switch {
		case info.Failed:
			c.failed++
		case info.Running:
			c.running++
		case info.State == "exited":
			c.exited++
		default:
			c.stopped++
		}
	}
	return c
}

func (c counts) String() string {
	return fmt.Sprintf(
		"%6d Services %6d Running %6d Exited %6d Failed %6d Stopped",
		c.total, c.running, c.exited, c.failed, c.stopped)
}

// MainPanel implements a Widget as a Panel, but provides the data
// model and handling for the content area, using data loaded from a
// minivisor REST API service.
type MainPanel struct {
	content  *views.CellView
	selected *rest.ServiceInfo
	width    int
	height   int
	curx     int
	cury     int
	lines    []string
	styles   []tcell.Style
	items    []*rest.ServiceInfo

	Panel
}

// mainModel provides the model for a CellArea.
type mainModel struct {
	m *MainPanel
}

func NewMainPanel(app *App, server string) *MainPanel {
	m := &MainPanel{}

	m.Panel.Init(app)
	m.content = views.NewCellView()
	m.SetContent(m.content)

	m.content.SetModel(&mainModel{m})
	m.content.SetStyle(StyleNormal)

	m.SetTitle(server)
	m.SetKeys([]string{"[Q] Quit"})

	return m
}

func (m *MainPanel) Draw() {
	m.update()
	m.Panel.Draw()
}

func (m *MainPanel) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			m.unselect()
			return true
		case tcell.KeyF1:
			m.App().ShowHelp()
			return true
		case tcell.KeyEnter:
			if m.selected != nil {
				m.App().ShowInfo(m.selected.Name)
				return true
			}
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				m.App().Quit()
				return true
			case 'H', 'h':
				m.App().ShowHelp()
				return true
			case 'I', 'i':
				if m.selected != nil {
					m.App().ShowInfo(m.selected.Name)
					return true
				}
			case 'L', 'l':
				if m.selected != nil {
					m.App().ShowLog(m.selected.Name)
				} else {
					m.App().ShowLog("")
				}
				return true
			}
		}
	}
	return m.Panel.HandleEvent(ev)
}

// Model items
func (model *mainModel) GetCell(x, y int) (rune, tcell.Style, []rune, int) {
	m := model.m

	if y < 0 || y >= len(m.lines) {
		return ' ', StyleNormal, nil, 1
	}

	ch := ' '
	if x >= 0 && x < len(m.lines[y]) {
		ch = rune(m.lines[y][x])
	}
	style := m.styles[y]
	if m.items[y] == m.selected {
		style = style.Reverse(true)
	}
	return ch, style, nil, 1
}

func (model *mainModel) GetBounds() (int, int) {
	// This assumes that all content is displayable runes of width 1.
	m := model.m
	return m.width, len(m.lines)
}

func (model *mainModel) GetCursor() (int, int, bool, bool) {
	m := model.m
	return m.curx, m.cury, true, false
}

func (model *mainModel) MoveCursor(offx, offy int) {
	m := model.m
	m.curx += offx
	m.cury += offy
	m.updateCursor(true)
}

func (model *mainModel) SetCursor(x, y int) {
	m := model.m
	m.curx = x
	m.cury = y
	m.updateCursor(true)
}

func (m *MainPanel) unselect() {
	m.cury = 0
	m.curx = 0
	m.updateCursor(false)
}

func (m *MainPanel) updateCursor(selected bool) {
	m.curx = clamp(m.curx, m.width-1)
	m.cury = clamp(m.cury, m.height-1)
	if selected && m.height > 0 {
		if m.selected == nil {
			m.curx = 0
			m.cury = 0
		}
		m.selected = m.items[m.cury]
	} else {
		m.selected = nil
	}
}

func clamp(v, max int) int {
	if v > max {
		v = max
	}
	if v < 0 {
		v = 0
	}
	return v
}

// update is called to update content, e.g. in response to Draw() or
// as part of another update.
func (m *MainPanel) update() {

	items, err := m.App().GetItems()
	m.items = items

	// preserve selected item
	if sel := m.selected; sel != nil {
		m.selected = nil
		for i, item := range m.items {
			if item.Name == sel.Name {
				m.selected = item
				m.cury = i
			}
		}
	}
	if err != nil {
		var re *rest.Error
		if errors.As(err, &re) && re.Code == http.StatusUnauthorized {
			m.App().ShowAuth()
			return
		}
		m.SetError()
		m.SetStatus(fmt.Sprintf("Cannot load items: %v", err))
		m.lines = nil
		m.styles = nil
		m.height = 0
		return
	}

	lines := make([]string, 0, len(items))
	styles := make([]tcell.Style, 0, len(items))
	m.width = 0

	for _, info := range items {
		line := fmt.Sprintf("%-20s %-8s %10s %3d  %s",
			info.Name, util.Status(info),
			util.FormatDuration(util.Since(info)), info.Restarts,
			info.Status)
		if len(line) > m.width {
			m.width = len(line)
		}
		lines = append(lines, line)
		styles = append(styles, styleOf(info))
	}
	m.height = len(lines)
	m.lines = lines
	m.styles = styles

	c := countItems(items)
	m.SetStatus(c.String())
	switch {
	case c.failed > 0:
		m.SetError()
	case c.exited > 0:
		m.SetWarn()
	case c.running > 0:
		m.SetGood()
	default:
		m.SetNormal()
	}

	words := []string{"[Q] Quit", "[H] Help", "[L] Log"}
	if m.selected != nil {
		words = append(words, "[I] Info")
	}
	m.SetKeys(words)
}

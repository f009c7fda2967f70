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
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/views"

	"github.com/gdamore/minivisor/rest"
)

// LogPanel shows the log of one service, or the consolidated log when no
// service is named.  It follows new records as they arrive.
type LogPanel struct {
	text *views.TextArea
	info *rest.ServiceInfo
	name string // service name
	seen int    // records shown so far

	Panel
}

func NewLogPanel(app *App) *LogPanel {
	p := &LogPanel{}

	p.Panel.Init(app)
	p.SetKeys([]string{"[ESC] Main", "[H] Help"})

	p.text = views.NewTextArea()
	p.text.EnableCursor(false)
	p.text.SetStyle(StyleNormal)
	p.SetContent(p.text)

	return p
}

func (p *LogPanel) Draw() {
	p.update()
	p.Panel.Draw()
}

func (p *LogPanel) HandleEvent(ev tcell.Event) bool {
	info := p.info
	app := p.app
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEsc:
			app.ShowMain()
			return true
		case tcell.KeyF1:
			app.ShowHelp()
			return true
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'Q', 'q':
				app.ShowMain()
				return true
			case 'H', 'h':
				app.ShowHelp()
				return true
			case 'I', 'i':
				if info != nil {
					app.ShowInfo(info.Name)
					return true
				}
			}
		}
	}
	return p.Panel.HandleEvent(ev)
}

func (p *LogPanel) SetName(name string) {
	p.SetTitle("Loading")
	p.text.SetLines(nil)
	p.name = name
	p.seen = 0
}

func formatRecords(recs []rest.LogRecord) []string {
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, fmt.Sprintf("%s %s",
			r.Time.Format(time.StampMilli), r.Text))
	}
	return lines
}

func (p *LogPanel) update() {

	loginfo, err := p.app.GetLog(p.name)
	p.info = nil

	words := []string{"[ESC] Main", "[H] Help"}

	if p.name == "" {
		p.SetTitle("Consolidated Log")
	} else {
		p.SetTitle("Log for " + p.name)
		p.info, _ = p.app.GetItem(p.name)
	}

	if loginfo == nil {
		if err != nil {
			p.SetStatus(fmt.Sprintf("No data: %v", err))
			p.SetError()
		} else {
			p.SetStatus("Loading ...")
			p.SetNormal()
		}
		p.text.SetLines([]string{""})
		p.SetKeys(words)
		return
	}

	p.SetStatus(fmt.Sprintf("%d records", len(loginfo.Records)))
	if p.info != nil {
		p.SetState(p.info.State)
		words = append(words, "[I] Info")
	} else {
		p.SetNormal()
	}
	lines := formatRecords(loginfo.Records)
	p.text.SetLines(lines)
	if len(lines) != p.seen {
		// Follow the tail when something new arrives.
		p.seen = len(lines)
		p.text.MakeVisible(0, len(lines)-1)
	}
	p.SetKeys(words)
}

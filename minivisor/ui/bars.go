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

var (
	barNormal = tcell.StyleDefault.
			Foreground(tcell.ColorBlack).
			Background(tcell.ColorSilver)
	barAlternate = tcell.StyleDefault.
			Foreground(tcell.ColorBlue).
			Background(tcell.ColorSilver)

	StatusBarStyleNormal = barNormal
	StatusBarStyleGood   = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorGreen).
				Bold(true)
	StatusBarStyleWarn = tcell.StyleDefault.
				Foreground(tcell.ColorBlack).
				Background(tcell.ColorYellow)
	StatusBarStyleError = tcell.StyleDefault.
				Foreground(tcell.ColorWhite).
				Background(tcell.ColorMaroon).
				Bold(true)
)

// TitleBar carries the screen title in the center and the program name
// on the right.
type TitleBar struct {
	views.SimpleStyledTextBar
}

func NewTitleBar() *TitleBar {
	tb := &TitleBar{}
	tb.Init()
	tb.SetStyle(barNormal)
	tb.RegisterCenterStyle('N', barNormal)
	tb.RegisterCenterStyle('A', barAlternate)
	tb.RegisterRightStyle('N', barNormal)
	tb.RegisterRightStyle('A', barAlternate)
	return tb
}

// StatusBar is like a titlebar, but it changes color based on the
// state of what is shown, e.g. red to indicate a failed service.
type StatusBar struct {
	status string
	views.SimpleStyledTextBar
}

func NewStatusBar() *StatusBar {
	sb := &StatusBar{}
	sb.Init()
	sb.SetNormal()
	return sb
}

func (sb *StatusBar) SetStyle(style tcell.Style) {
	sb.SimpleStyledTextBar.SetStyle(style)
	sb.RegisterLeftStyle('N', style)
	sb.SetLeft(sb.status)
}

func (sb *StatusBar) SetGood()   { sb.SetStyle(StatusBarStyleGood) }
func (sb *StatusBar) SetNormal() { sb.SetStyle(StatusBarStyleNormal) }
func (sb *StatusBar) SetWarn()   { sb.SetStyle(StatusBarStyleWarn) }
func (sb *StatusBar) SetError()  { sb.SetStyle(StatusBarStyleError) }

func (sb *StatusBar) SetText(status string) {
	sb.status = status
	sb.SetLeft(status)
}

// KeyBar shows the keys available.  A word like "[Q] Quit" is drawn with
// the bracketed part highlighted.
type KeyBar struct {
	views.SimpleStyledTextBar
}

func NewKeyBar() *KeyBar {
	kb := &KeyBar{}
	kb.Init()
	kb.SetStyle(barNormal)
	kb.RegisterLeftStyle('N', barNormal)
	kb.RegisterLeftStyle('A', barAlternate.Bold(true))
	return kb
}

func (k *KeyBar) SetKeys(words []string) {
	k.SetLeft(markup(words))
}

// markup converts key words into the style escapes understood by
// SimpleStyledTextBar.  Literal percent signs are doubled.
func markup(words []string) string {
	b := make([]rune, 0, 80)
	for i, w := range words {
		if i != 0 && len(w) != 0 {
			b = append(b, ' ')
		}
		for _, r := range w {
			switch r {
			case '%':
				b = append(b, '%', '%')
			case '[':
				b = append(b, r, '%', 'A')
			case ']':
				b = append(b, '%', 'N', r)
			default:
				b = append(b, r)
			}
		}
	}
	return string(b)
}

package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline builds an inline keyboard row by row.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline {
	return &Inline{rm: &tele.ReplyMarkup{}}
}

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Grid appends buttons cols per row.
func (i *Inline) Grid(cols int, btn ...tele.Btn) *Inline {
	if cols <= 0 {
		cols = 2
	}
	for len(btn) > 0 {
		n := min(cols, len(btn))
		i.Row(btn[:n]...)
		btn = btn[n:]
	}
	return i
}

func (i *Inline) Markup() *tele.ReplyMarkup { return i.rm }

// Rows returns the button rows, mainly for tests.
func (i *Inline) Rows() []tele.Row { return i.rows }

// Btn creates a callback button with raw callback_data.
func Btn(text, data string) tele.Btn {
	return tele.Btn{Text: text, Data: data}
}

package tgui

import (
	"context"
	"strings"

	tele "gopkg.in/telebot.v4"

	kit "alertrelay/internal/transport"
)

// Message is rendered text plus the options it must be sent with.
type Message struct {
	Text string
	Opt  *kit.SendOptions
}

func (m Message) opt() *kit.SendOptions {
	if m.Opt == nil {
		return &kit.SendOptions{}
	}
	return m.Opt
}

func (m Message) Send(ctx context.Context, s kit.Sender, to kit.ChatTarget) (kit.MessageRef, error) {
	return s.SendText(ctx, to, m.Text, m.opt())
}

// Editor is the part of an adapter that can rewrite a sent message.
type Editor interface {
	EditText(ctx context.Context, ref kit.MessageRef, text string, opt *kit.SendOptions) error
}

// Edit replaces the message at ref. A Message built without Inline removes
// any existing controls.
func (m Message) Edit(ctx context.Context, e Editor, ref kit.MessageRef) error {
	return e.EditText(ctx, ref, m.Text, m.opt())
}

// Builder assembles a message line by line.
// Defaults: ParseMode=HTML, DisablePreview=true.
type Builder struct {
	parseMode      string
	disablePreview bool
	rm             *tele.ReplyMarkup
	lines          []string
}

func New() *Builder {
	return &Builder{parseMode: "HTML", disablePreview: true}
}

func (b *Builder) html() bool { return strings.EqualFold(b.parseMode, "HTML") }

// ParseMode overrides Telegram parse mode ("HTML", "Markdown", or empty).
func (b *Builder) ParseMode(mode string) *Builder {
	b.parseMode = strings.TrimSpace(mode)
	return b
}

func (b *Builder) Inline(kb *Inline) *Builder {
	if kb == nil {
		b.rm = nil
		return b
	}
	b.rm = kb.Markup()
	return b
}

// Title adds a bold title line. Emoji is optional.
func (b *Builder) Title(emoji, title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	t := title
	if b.html() {
		t = B(title).String()
	}
	if e := strings.TrimSpace(emoji); e != "" {
		t = e + " " + t
	}
	b.lines = append(b.lines, t)
	return b
}

func (b *Builder) Section(title string) *Builder {
	title = strings.TrimSpace(title)
	if title == "" {
		return b
	}
	if b.html() {
		title = B(title).String()
	}
	b.lines = append(b.lines, title)
	return b
}

// Line adds one line, escaped in HTML mode.
func (b *Builder) Line(s string) *Builder {
	if b.html() {
		s = Esc(s).String()
	}
	b.lines = append(b.lines, s)
	return b
}

// RawLine appends pre-rendered HTML.
func (b *Builder) RawLine(h H) *Builder {
	b.lines = append(b.lines, h.String())
	return b
}

func (b *Builder) Blank() *Builder { return b.RawLine("") }

// Field adds "<emoji> <b>label:</b> value" with value escaped. An empty
// emoji is left out.
func (b *Builder) Field(emoji, label string, value H) *Builder {
	label = strings.TrimSpace(label)
	var sb strings.Builder
	if e := strings.TrimSpace(emoji); e != "" {
		sb.WriteString(e)
		sb.WriteByte(' ')
	}
	if b.html() {
		sb.WriteString(B(label + ":").String())
	} else {
		sb.WriteString(label + ":")
	}
	sb.WriteByte(' ')
	sb.WriteString(value.String())
	b.lines = append(b.lines, sb.String())
	return b
}

// KV adds a bullet "key: value" row with the value in code style.
func (b *Builder) KV(key, value string) *Builder {
	key = strings.TrimSpace(key)
	if key == "" {
		return b
	}
	if b.html() {
		b.lines = append(b.lines, "• "+Esc(key).String()+": "+Code(value).String())
		return b
	}
	b.lines = append(b.lines, "• "+key+": "+value)
	return b
}

func (b *Builder) Bullets(items ...string) *Builder {
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			b.Line("• " + it)
		}
	}
	return b
}

// Build joins the lines. Oversized text is cut to fit one Telegram message.
func (b *Builder) Build() Message {
	text := strings.Trim(strings.Join(b.lines, "\n"), "\n")
	if len([]rune(text)) > safeMessageLen && !b.html() {
		text = TruncRunes(text, safeMessageLen)
	}
	opt := &kit.SendOptions{ParseMode: b.parseMode, DisablePreview: b.disablePreview}
	if b.rm != nil {
		opt.ReplyMarkupAdapter = b.rm
	}
	return Message{Text: text, Opt: opt}
}

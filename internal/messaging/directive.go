// Package messaging delivers outbound replies to the chat channel. Services
// describe what to say as channel-neutral Directives; the Sender translates
// them into the provider's interactive-message payloads. Keeping the two
// apart lets conversation logic be tested without a channel in the loop.
package messaging

import "unicode/utf8"

// DirectiveKind selects the interactive surface used to render a reply.
type DirectiveKind string

const (
	// KindText renders a plain text bubble.
	KindText DirectiveKind = "text"
	// KindButtons renders a body with up to three tappable reply buttons.
	KindButtons DirectiveKind = "buttons"
	// KindList renders a body with a tappable picker of sectioned rows.
	KindList DirectiveKind = "list"
)

// Channel limits enforced at render time. Payloads exceeding them are
// rejected by the provider, so oversized labels are clipped before send.
const (
	MaxButtons        = 3
	MaxListRows       = 10
	maxButtonTitleLen = 20
	maxRowTitleLen    = 24
	maxRowDescLen     = 72
)

// Button is one tappable quick reply. ID round-trips back on the inbound
// webhook when the customer taps it.
type Button struct {
	ID    string
	Title string
}

// ListRow is one selectable row inside a list section.
type ListRow struct {
	ID          string
	Title       string
	Description string
}

// ListSection groups rows under an optional heading.
type ListSection struct {
	Title string
	Rows  []ListRow
}

// Directive is a single channel-neutral outbound reply. Exactly the fields
// for its Kind are meaningful; the rest stay zero.
type Directive struct {
	Kind       DirectiveKind
	Body       string
	Buttons    []Button
	ListButton string // label on the button that opens the list
	Sections   []ListSection
}

// Text builds a plain text directive.
func Text(body string) Directive {
	return Directive{Kind: KindText, Body: body}
}

// Buttons builds a button-menu directive, keeping at most MaxButtons.
func Buttons(body string, buttons ...Button) Directive {
	if len(buttons) > MaxButtons {
		buttons = buttons[:MaxButtons]
	}
	return Directive{Kind: KindButtons, Body: body, Buttons: buttons}
}

// List builds a selectable-list directive.
func List(body, button string, sections ...ListSection) Directive {
	return Directive{Kind: KindList, Body: body, ListButton: button, Sections: sections}
}

// clip truncates s to at most max runes, appending an ellipsis when it cuts.
func clip(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

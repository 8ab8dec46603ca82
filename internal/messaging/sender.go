package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Sender delivers one directive to a customer. from is the store's channel
// phone-number id, token the store's bearer credential (empty means use the
// sender's default), and to the customer's channel address.
type Sender interface {
	Send(ctx context.Context, from, token, to string, d Directive) error
}

const (
	defaultGraphBaseURL = "https://graph.facebook.com"
	defaultGraphVersion = "v18.0"
)

// GraphSender posts directives to the channel provider's Graph messages
// endpoint. One instance serves all stores; the per-store phone-number id is
// part of the request path.
type GraphSender struct {
	BaseURL    string
	APIVersion string
	Token      string
	HTTPClient *http.Client
}

// NewGraphSender returns a GraphSender using the app-level bearer token.
func NewGraphSender(token string) *GraphSender {
	return &GraphSender{
		BaseURL:    defaultGraphBaseURL,
		APIVersion: defaultGraphVersion,
		Token:      token,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

type graphReply struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type graphButton struct {
	Type  string     `json:"type"`
	Reply graphReply `json:"reply"`
}

type graphRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

type graphSection struct {
	Title string     `json:"title,omitempty"`
	Rows  []graphRow `json:"rows"`
}

type graphAction struct {
	Buttons  []graphButton  `json:"buttons,omitempty"`
	Button   string         `json:"button,omitempty"`
	Sections []graphSection `json:"sections,omitempty"`
}

type graphInteractive struct {
	Type   string            `json:"type"`
	Body   map[string]string `json:"body"`
	Action graphAction       `json:"action"`
}

type graphMessage struct {
	MessagingProduct string            `json:"messaging_product"`
	To               string            `json:"to"`
	Type             string            `json:"type"`
	Text             map[string]string `json:"text,omitempty"`
	Interactive      *graphInteractive `json:"interactive,omitempty"`
}

// Send implements Sender.
func (s *GraphSender) Send(ctx context.Context, from, token, to string, d Directive) error {
	msg := graphMessage{MessagingProduct: "whatsapp", To: to}

	switch d.Kind {
	case KindText:
		msg.Type = "text"
		msg.Text = map[string]string{"body": d.Body}
	case KindButtons:
		msg.Type = "interactive"
		buttons := make([]graphButton, 0, len(d.Buttons))
		for _, b := range d.Buttons {
			buttons = append(buttons, graphButton{
				Type:  "reply",
				Reply: graphReply{ID: b.ID, Title: clip(b.Title, maxButtonTitleLen)},
			})
		}
		msg.Interactive = &graphInteractive{
			Type:   "button",
			Body:   map[string]string{"text": d.Body},
			Action: graphAction{Buttons: buttons},
		}
	case KindList:
		msg.Type = "interactive"
		total := 0
		sections := make([]graphSection, 0, len(d.Sections))
		for _, sec := range d.Sections {
			rows := make([]graphRow, 0, len(sec.Rows))
			for _, r := range sec.Rows {
				if total >= MaxListRows {
					break
				}
				rows = append(rows, graphRow{
					ID:          r.ID,
					Title:       clip(r.Title, maxRowTitleLen),
					Description: clip(r.Description, maxRowDescLen),
				})
				total++
			}
			if len(rows) > 0 {
				sections = append(sections, graphSection{Title: sec.Title, Rows: rows})
			}
		}
		msg.Interactive = &graphInteractive{
			Type:   "list",
			Body:   map[string]string{"text": d.Body},
			Action: graphAction{Button: d.ListButton, Sections: sections},
		}
	default:
		return fmt.Errorf("messaging: unknown directive kind %q", d.Kind)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messaging: encode message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", s.BaseURL, s.APIVersion, from)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("messaging: build request: %w", err)
	}
	if token == "" {
		token = s.Token
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("messaging: send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("messaging: send to %s: status %d: %s", to, resp.StatusCode, detail)
	}
	return nil
}

package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"alertrelay/internal/alert"
)

// alertPayload is the webhook body. Unknown keys are ignored.
type alertPayload struct {
	Type      string      `json:"type" validate:"required,max=64"`
	Message   string      `json:"message" validate:"required,max=4000"`
	Priority  string      `json:"priority" validate:"omitempty,oneof=info warning error critical"`
	Module    string      `json:"module" validate:"required,max=31"`
	Timestamp string      `json:"timestamp"`
	Data      orderedData `json:"data"`
}

var payloadValidator = validator.New(validator.WithRequiredStructEnabled())

// timestampLayouts accepts RFC 3339 and naive ISO-8601 (read as UTC).
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", raw)
}

// toEvent validates the payload and converts it into an alert.Event.
// Errors wrap alert.ErrInvalidEvent.
func (p alertPayload) toEvent() (alert.Event, error) {
	p.Type = strings.TrimSpace(p.Type)
	p.Module = strings.TrimSpace(p.Module)
	p.Priority = strings.ToLower(strings.TrimSpace(p.Priority))
	if strings.TrimSpace(p.Message) == "" {
		p.Message = ""
	}
	if err := payloadValidator.Struct(p); err != nil {
		return alert.Event{}, fmt.Errorf("%w: %s", alert.ErrInvalidEvent, describeValidation(err))
	}
	ev := alert.Event{
		Kind:       p.Type,
		Priority:   alert.Priority(p.Priority),
		Module:     p.Module,
		Message:    p.Message,
		Attributes: alert.Attrs(p.Data),
	}
	if p.Timestamp != "" {
		t, err := parseTimestamp(p.Timestamp)
		if err != nil {
			return alert.Event{}, fmt.Errorf("%w: %v", alert.ErrInvalidEvent, err)
		}
		ev.CreatedAt = t
	}
	if err := ev.Validate(); err != nil {
		return alert.Event{}, err
	}
	return ev, nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.ToLower(fe.Field())
		switch fe.Tag() {
		case "required":
			parts = append(parts, field+" is required")
		case "oneof":
			parts = append(parts, field+" must be one of: "+fe.Param())
		case "max":
			parts = append(parts, field+" is too long")
		default:
			parts = append(parts, field+" is invalid")
		}
	}
	return strings.Join(parts, "; ")
}

// orderedData decodes a JSON object into Attrs keeping key order. Non-string
// values are kept as compact JSON text.
type orderedData alert.Attrs

func (d *orderedData) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*d = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("data must be an object")
	}
	var out orderedData
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := kt.(string)
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		val, err := attrValue(raw)
		if err != nil {
			return err
		}
		out = setAttr(out, key, val)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*d = out
	return nil
}

func setAttr(a orderedData, key, val string) orderedData {
	for i := range a {
		if a[i].Key == key {
			a[i].Value = val
			return a
		}
	}
	return append(a, alert.Attr{Key: key, Value: val})
}

func attrValue(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(raw, []byte("null")):
		return "", nil
	case len(raw) > 0 && raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		var buf bytes.Buffer
		if err := json.Compact(&buf, raw); err != nil {
			return "", err
		}
		return buf.String(), nil
	}
}

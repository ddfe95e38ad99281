package notification

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Type is the delivery channel a request targets.
type Type string

const (
	TypeEmail Type = "email"
	TypePush  Type = "push"
)

// Status is the value written to the status record of a request.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
)

// ErrInvalidRequest is returned by Decode for payloads that can never be
// processed, whether malformed JSON or failed field validation.
var ErrInvalidRequest = errors.New("invalid notification request")

// Variables is the caller-supplied payload substituted into templates.
type Variables struct {
	Name string         `json:"name"`
	Link string         `json:"link"`
	Meta map[string]any `json:"meta,omitempty"`
}

// Map returns the variables keyed by their JSON names.
func (v Variables) Map() map[string]any {
	m := map[string]any{
		"name": v.Name,
		"link": v.Link,
	}
	if v.Meta != nil {
		m["meta"] = v.Meta
	} else {
		m["meta"] = map[string]any{}
	}
	return m
}

// Request is a single notification request as read from the queue.
type Request struct {
	NotificationType Type           `json:"notification_type"`
	UserID           uuid.UUID      `json:"user_id"`
	TemplateCode     string         `json:"template_code"`
	Variables        Variables      `json:"variables"`
	RequestID        string         `json:"request_id"`
	Priority         int            `json:"priority"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Decode parses and validates a queue payload.
func Decode(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	var keys requiredKeys
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	problems := append(keys.missing(), req.problems()...)
	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return &req, nil
}

// requiredKeys holds keys that must be present even though their zero value
// is acceptable. A null counts as absent.
type requiredKeys struct {
	Priority  *int `json:"priority"`
	Variables *struct {
		Name *string `json:"name"`
	} `json:"variables"`
}

func (k requiredKeys) missing() []string {
	var problems []string
	if k.Priority == nil {
		problems = append(problems, "priority is required")
	}
	if k.Variables == nil || k.Variables.Name == nil {
		problems = append(problems, "variables.name is required")
	}
	return problems
}

// Validate checks required fields and their formats.
func (r *Request) Validate() error {
	if problems := r.problems(); len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, "; "))
	}
	return nil
}

func (r *Request) problems() []string {
	var problems []string

	switch r.NotificationType {
	case TypeEmail, TypePush:
	default:
		problems = append(problems, fmt.Sprintf("notification_type %q is not one of email, push", r.NotificationType))
	}
	if r.UserID == uuid.Nil {
		problems = append(problems, "user_id is required")
	}
	if strings.TrimSpace(r.TemplateCode) == "" {
		problems = append(problems, "template_code is required")
	}
	if strings.TrimSpace(r.RequestID) == "" {
		problems = append(problems, "request_id is required")
	}
	if !isHTTPURL(r.Variables.Link) {
		problems = append(problems, fmt.Sprintf("variables.link %q is not an http(s) URL", r.Variables.Link))
	}
	return problems
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// Preferences are the per-channel opt-ins of a user. An absent email key
// means email is enabled.
type Preferences struct {
	Email bool `json:"email"`
	Push  bool `json:"push"`
}

// UnmarshalJSON applies the defaults for keys missing from data.
func (p *Preferences) UnmarshalJSON(data []byte) error {
	type prefs Preferences
	v := prefs{Email: true}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Preferences(v)
	return nil
}

// UserProfile is the recipient as returned by the user service.
type UserProfile struct {
	Name        string       `json:"name"`
	Email       string       `json:"email"`
	PushToken   *string      `json:"push_token,omitempty"`
	Preferences *Preferences `json:"preferences"`
}

// Validate rejects profiles without preferences or a usable address.
func (u *UserProfile) Validate() error {
	var problems []string
	if u.Preferences == nil {
		problems = append(problems, "preferences is required")
	}
	if _, err := mail.ParseAddress(u.Email); err != nil {
		problems = append(problems, fmt.Sprintf("email %q is not a valid address", u.Email))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid user profile: %s", strings.Join(problems, "; "))
	}
	return nil
}

// EmailEnabled reports whether the user accepts email notifications.
func (u *UserProfile) EmailEnabled() bool {
	return u.Preferences != nil && u.Preferences.Email
}

// Template is a subject/body pair as returned by the template service.
type Template struct {
	Code    string `json:"code,omitempty"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// RenderedMessage is a template after variable substitution.
type RenderedMessage struct {
	Subject string
	Body    string
	// HTML reports whether Body is an HTML document.
	HTML bool
}

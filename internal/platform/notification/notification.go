// Package notification renders reservation reminders and hands them to a
// per-channel sender.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/domain/scheduling"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// SMSSender is the interface for sending SMS messages.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) error
}

// PushSender is the interface for sending push notifications.
type PushSender interface {
	SendPush(ctx context.Context, to, title, body string) error
}

// RecipientResolver maps a subject to a channel address. Contact data lives
// outside the booking core.
type RecipientResolver interface {
	Address(ctx context.Context, subjectID uuid.UUID, channel scheduling.Channel) (string, error)
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const (
	ReminderTemplateEmail = "reservation-reminder-email"
	ReminderTemplateSMS   = "reservation-reminder-sms"
	ReminderTemplatePush  = "reservation-reminder-push"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string             `json:"id"`
	Name    string             `json:"name"`
	Subject string             `json:"subject"`
	Body    string             `json:"body"`
	Channel scheduling.Channel `json:"channel"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the reminder templates
// pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      ReminderTemplateEmail,
			Name:    "Reservation Reminder (email)",
			Subject: "Reminder: {{appointment_type}} visit on {{date}}",
			Body:    "This is a reminder of your {{appointment_type}} visit on {{date}} from {{start}} to {{end}} with provider {{provider}}. Reference {{reservation_id}}.",
			Channel: scheduling.ChannelEmail,
		},
		{
			ID:      ReminderTemplateSMS,
			Name:    "Reservation Reminder (sms)",
			Body:    "Reminder: visit on {{date}} at {{start}}. Ref {{reservation_id}}",
			Channel: scheduling.ChannelSMS,
		},
		{
			ID:      ReminderTemplatePush,
			Name:    "Reservation Reminder (push)",
			Subject: "Upcoming visit",
			Body:    "{{date}} {{start}}-{{end}}",
			Channel: scheduling.ChannelPush,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ReminderData flattens the reservation fields the reminder templates use.
func ReminderData(r *scheduling.Reservation) map[string]string {
	return map[string]string{
		"reservation_id":   r.ID.String(),
		"provider":         r.ResourceID.String(),
		"date":             r.Date.String(),
		"start":            r.StartTime.String(),
		"end":              r.EndTime.String(),
		"appointment_type": string(r.AppointmentType),
	}
}

// ---------------------------------------------------------------------------
// Log Senders
// ---------------------------------------------------------------------------

// LogSender writes every message to the logger instead of a provider. It
// serves all three channels and is what dev deployments run with.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger.With().Str("component", "notification").Logger()}
}

func (s *LogSender) SendEmail(_ context.Context, to, subject, body string) error {
	s.logger.Info().Str("channel", "email").Str("to", to).Str("subject", subject).Msg(body)
	return nil
}

func (s *LogSender) SendSMS(_ context.Context, to, body string) error {
	s.logger.Info().Str("channel", "sms").Str("to", to).Msg(body)
	return nil
}

func (s *LogSender) SendPush(_ context.Context, to, title, body string) error {
	s.logger.Info().Str("channel", "push").Str("to", to).Str("title", title).Msg(body)
	return nil
}

// ---------------------------------------------------------------------------
// Notifier
// ---------------------------------------------------------------------------

// subjectAddress addresses a subject by its id. Senders that know how to reach
// a subject directly take it from there.
type subjectAddress struct{}

func (subjectAddress) Address(_ context.Context, subjectID uuid.UUID, _ scheduling.Channel) (string, error) {
	return subjectID.String(), nil
}

// Notifier implements scheduling.Notifier on top of the channel senders.
type Notifier struct {
	templates  *TemplateEngine
	email      EmailSender
	sms        SMSSender
	push       PushSender
	recipients RecipientResolver
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithTemplates(e *TemplateEngine) Option {
	return func(n *Notifier) { n.templates = e }
}

func WithRecipients(r RecipientResolver) Option {
	return func(n *Notifier) { n.recipients = r }
}

// NewNotifier wires the senders. Any sender may be nil; sending on its
// channel then fails.
func NewNotifier(email EmailSender, sms SMSSender, push PushSender, opts ...Option) *Notifier {
	n := &Notifier{
		templates:  NewTemplateEngine(),
		email:      email,
		sms:        sms,
		push:       push,
		recipients: subjectAddress{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Send renders the reminder for the channel and dispatches it. Any sender
// error is reported with DeliveryFailed.
func (n *Notifier) Send(ctx context.Context, r *scheduling.Reservation, channel scheduling.Channel) (scheduling.DeliveryStatus, error) {
	to, err := n.recipients.Address(ctx, r.SubjectID, channel)
	if err != nil {
		return scheduling.DeliveryFailed, fmt.Errorf("resolve recipient: %w", err)
	}
	data := ReminderData(r)

	switch channel {
	case scheduling.ChannelEmail:
		if n.email == nil {
			return scheduling.DeliveryFailed, fmt.Errorf("no email sender configured")
		}
		subject, body, err := n.templates.Render(ReminderTemplateEmail, data)
		if err != nil {
			return scheduling.DeliveryFailed, err
		}
		err = n.email.SendEmail(ctx, to, subject, body)
		return deliveryStatus(err)
	case scheduling.ChannelSMS:
		if n.sms == nil {
			return scheduling.DeliveryFailed, fmt.Errorf("no sms sender configured")
		}
		_, body, err := n.templates.Render(ReminderTemplateSMS, data)
		if err != nil {
			return scheduling.DeliveryFailed, err
		}
		err = n.sms.SendSMS(ctx, to, body)
		return deliveryStatus(err)
	case scheduling.ChannelPush:
		if n.push == nil {
			return scheduling.DeliveryFailed, fmt.Errorf("no push sender configured")
		}
		title, body, err := n.templates.Render(ReminderTemplatePush, data)
		if err != nil {
			return scheduling.DeliveryFailed, err
		}
		err = n.push.SendPush(ctx, to, title, body)
		return deliveryStatus(err)
	default:
		return scheduling.DeliveryFailed, fmt.Errorf("unsupported channel %q", channel)
	}
}

func deliveryStatus(err error) (scheduling.DeliveryStatus, error) {
	if err != nil {
		return scheduling.DeliveryFailed, err
	}
	return scheduling.DeliverySent, nil
}

package alarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-mail/mail"
	"github.com/rs/zerolog/log"
)

// Sender sends composed messages. *mail.Dialer satisfies it.
type Sender interface {
	DialAndSend(m ...*mail.Message) error
}

// MailConfig configures MailHook.
type MailConfig struct {
	From    string
	To      []string
	Subject string // prefix, the alert kind is appended
	Buffer  int
}

// MailHook emails alerts from a background goroutine. Notify only enqueues;
// when the buffer is full the alert is dropped and logged.
type MailHook struct {
	sender Sender
	cfg    MailConfig
	ch     chan Alert
}

// NewMailHook returns a hook sending through s. Call Run to start delivery.
func NewMailHook(s Sender, cfg MailConfig) *MailHook {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Subject == "" {
		cfg.Subject = "[pipeline]"
	}
	return &MailHook{sender: s, cfg: cfg, ch: make(chan Alert, cfg.Buffer)}
}

// NewSMTPHook returns a MailHook backed by an SMTP dialer.
func NewSMTPHook(host string, port int, user, pass string, cfg MailConfig) *MailHook {
	return NewMailHook(mail.NewDialer(host, port, user, pass), cfg)
}

// Notify queues a without blocking.
func (h *MailHook) Notify(_ context.Context, a Alert) {
	select {
	case h.ch <- a:
	default:
		log.Warn().Str("alarm", string(a.Kind)).Msg("mail alarm buffer full, alert dropped")
	}
}

// Run sends queued alerts until ctx is cancelled. It returns nil.
func (h *MailHook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-h.ch:
			if err := h.sender.DialAndSend(h.compose(a)); err != nil {
				log.Error().Err(err).Str("alarm", string(a.Kind)).Msg("send alarm mail")
			}
		}
	}
}

func (h *MailHook) compose(a Alert) *mail.Message {
	m := mail.NewMessage()
	m.SetHeader("From", h.cfg.From)
	m.SetHeader("To", h.cfg.To...)
	m.SetHeader("Subject", fmt.Sprintf("%s %s %s", h.cfg.Subject, a.Kind, target(a)))

	var b strings.Builder
	fmt.Fprintf(&b, "kind:       %s\n", a.Kind)
	fmt.Fprintf(&b, "target:     %s\n", target(a))
	fmt.Fprintf(&b, "value:      %g (threshold %g)\n", a.Value, a.Threshold)
	if a.RequestID != "" {
		fmt.Fprintf(&b, "request_id: %s\n", a.RequestID)
	}
	if a.EventID != "" {
		fmt.Fprintf(&b, "event_id:   %s\n", a.EventID)
	}
	if a.LastError != "" {
		fmt.Fprintf(&b, "last_error: %s\n", a.LastError)
	}
	fmt.Fprintf(&b, "at:         %s\n", a.At.UTC().Format("2006-01-02T15:04:05Z07:00"))
	m.SetBody("text/plain", b.String())
	return m
}

func target(a Alert) string {
	switch {
	case a.Subscriber != "":
		return "subscriber " + a.Subscriber
	case a.Queue != "":
		return a.Queue
	default:
		return string(a.EntityType) + "." + string(a.Operation)
	}
}

package main

import (
	"context"
	"fmt"
	"log"
	"net/smtp"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// Notification is one outbound message. Sinks pick the body they can render:
// email sends HTML, slack sends the plain-text form.
type Notification struct {
	Subject string
	HTML    string
	Text    string
}

type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

func NewNotifier(cfg Config) Notifier {
	switch cfg.Notifier {
	case "email":
		return newEmailNotifier(cfg)
	case "slack":
		return newSlackNotifier(cfg)
	case "both":
		return multiNotifier{newEmailNotifier(cfg), newSlackNotifier(cfg)}
	default:
		return noopNotifier{}
	}
}

// BuildDigest turns one triage sweep's results into a single notification.
// Returns ok=false when nothing material changed, so quiet sweeps stay quiet.
func BuildDigest(results []ChangeResult, upcoming []CaseRecord, now time.Time) (Notification, bool) {
	var changed, review []ChangeResult
	for _, r := range results {
		if r.ManualReview {
			review = append(review, r)
		} else if r.Changed || r.FirstRun {
			changed = append(changed, r)
		}
	}
	if len(changed) == 0 && len(review) == 0 && len(upcoming) == 0 {
		return Notification{}, false
	}

	subject := fmt.Sprintf("Case Research Digest — %s", now.Format("Jan 2, 2006"))

	var text strings.Builder
	var html strings.Builder
	html.WriteString(`<html><body style="font-family: Arial, sans-serif; color: #222;">`)
	fmt.Fprintf(&html, "<h2>%s</h2>", subject)

	if len(changed) > 0 {
		text.WriteString("Updated cases:\n")
		html.WriteString("<h3>Updated Cases</h3><ul>")
		for _, r := range changed {
			line := describeChange(r)
			fmt.Fprintf(&text, "  - %s\n", line)
			fmt.Fprintf(&html, "<li>%s</li>", line)
		}
		html.WriteString("</ul>")
		text.WriteString("\n")
	}

	if len(upcoming) > 0 {
		text.WriteString("Upcoming hearings:\n")
		html.WriteString("<h3>Upcoming Hearings</h3><ul>")
		for _, c := range upcoming {
			line := fmt.Sprintf("%s — hearing on %s", c.Name, c.NextHearing)
			fmt.Fprintf(&text, "  - %s\n", line)
			fmt.Fprintf(&html, "<li>%s</li>", line)
		}
		html.WriteString("</ul>")
		text.WriteString("\n")
	}

	if len(review) > 0 {
		text.WriteString("Needs manual review:\n")
		html.WriteString("<h3>Needs Manual Review</h3><ul>")
		for _, r := range review {
			line := fmt.Sprintf("%s — research exhausted after %d attempts", r.CaseName, r.AttemptsUsed)
			fmt.Fprintf(&text, "  - %s\n", line)
			fmt.Fprintf(&html, "<li>%s</li>", line)
		}
		html.WriteString("</ul>")
	}

	html.WriteString("</body></html>")
	return Notification{Subject: subject, HTML: html.String(), Text: strings.TrimSpace(text.String())}, true
}

func describeChange(r ChangeResult) string {
	var parts []string
	if r.NewStatus != r.OldStatus {
		parts = append(parts, fmt.Sprintf("status %s -> %s", r.OldStatus, r.NewStatus))
	}
	if r.NewNextHearing != r.OldNextHearing {
		if r.NewNextHearing == "" {
			parts = append(parts, "next hearing cleared")
		} else {
			parts = append(parts, "next hearing "+r.NewNextHearing)
		}
	}
	if len(parts) == 0 {
		parts = append(parts, "record refreshed")
	}
	return fmt.Sprintf("%s: %s", r.CaseName, strings.Join(parts, ", "))
}

// --- Email ---

type emailNotifier struct {
	sender    string
	password  string
	recipient string
	server    string
	port      int
}

func newEmailNotifier(cfg Config) *emailNotifier {
	return &emailNotifier{
		sender:    cfg.EmailSender,
		password:  cfg.EmailPassword,
		recipient: cfg.EmailRecipient,
		server:    cfg.SMTPServer,
		port:      cfg.SMTPPort,
	}
}

func (e *emailNotifier) Send(ctx context.Context, n Notification) error {
	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", e.sender)
	fmt.Fprintf(&msg, "To: %s\r\n", e.recipient)
	fmt.Fprintf(&msg, "Subject: %s\r\n", n.Subject)
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(n.HTML)

	auth := smtp.PlainAuth("", e.sender, e.password, e.server)
	addr := fmt.Sprintf("%s:%d", e.server, e.port)
	if err := smtp.SendMail(addr, auth, e.sender, []string{e.recipient}, []byte(msg.String())); err != nil {
		return fmt.Errorf("sending email via %s: %w", addr, err)
	}
	log.Printf("notify email sent to=%s subject=%q", e.recipient, n.Subject)
	return nil
}

// --- Slack ---

type slackNotifier struct {
	client    *slack.Client
	channelID string
}

func newSlackNotifier(cfg Config) *slackNotifier {
	return &slackNotifier{
		client:    slack.New(cfg.SlackBotToken),
		channelID: cfg.SlackChannelID,
	}
}

func (s *slackNotifier) Send(ctx context.Context, n Notification) error {
	body := fmt.Sprintf("*%s*\n\n%s", n.Subject, n.Text)
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slack.MsgOptionText(body, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("posting to slack channel %s: %w", s.channelID, err)
	}
	log.Printf("notify slack sent channel=%s subject=%q", s.channelID, n.Subject)
	return nil
}

// --- Fan-out / no-op ---

type multiNotifier []Notifier

func (m multiNotifier) Send(ctx context.Context, n Notification) error {
	var firstErr error
	for _, sink := range m {
		if err := sink.Send(ctx, n); err != nil {
			log.Printf("notify sink error: %v", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

type noopNotifier struct{}

func (noopNotifier) Send(context.Context, Notification) error { return nil }

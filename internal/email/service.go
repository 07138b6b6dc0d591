// Package email sends account and review notifications over SMTP.
package email

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
)

const defaultAppName = "TenderDesk"

var ErrNotConfigured = errors.New("email not configured")

type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type Service struct {
	config Config
	server string
	auth   smtp.Auth
	send   sendFunc
}

func NewService(config Config) *Service {
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
		send:   smtp.SendMail,
	}
}

func (s *Service) appName() string {
	if s.config.FromName != "" {
		return s.config.FromName
	}
	return defaultAppName
}

// IsConfigured reports whether host, port and sender are all set.
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// Message is one outgoing email with a plain text fallback.
type Message struct {
	To      []string
	Subject string
	HTML    string
	Text    string
}

// Send delivers msg as multipart/alternative.
func (s *Service) Send(msg Message) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	raw, err := s.compose(msg)
	if err != nil {
		return err
	}
	if err := s.send(s.server, s.auth, s.config.From, msg.To, raw); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (s *Service) compose(msg Message) ([]byte, error) {
	var body bytes.Buffer
	parts := multipart.NewWriter(&body)
	for _, alt := range []struct{ contentType, content string }{
		{"text/plain; charset=UTF-8", msg.Text},
		{"text/html; charset=UTF-8", msg.HTML},
	} {
		w, err := parts.CreatePart(textproto.MIMEHeader{"Content-Type": {alt.contentType}})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(alt.content + "\r\n")); err != nil {
			return nil, err
		}
	}
	if err := parts.Close(); err != nil {
		return nil, err
	}

	from := mail.Address{Name: s.appName(), Address: s.config.From}
	var out bytes.Buffer
	fmt.Fprintf(&out, "To: %s\r\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&out, "From: %s\r\n", from.String())
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&out, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", parts.Boundary())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

type VerificationData struct {
	UserName        string
	VerificationURL string
}

type PasswordResetData struct {
	UserName string
	ResetURL string
}

// ReviewReadyData describes a section handed to its reviewer.
type ReviewReadyData struct {
	ReviewerName string
	BidTitle     string
	Heading      string
	Question     string
	WordCount    int
	ReviewURL    string
}

func (s *Service) SendVerificationEmail(to, userName, verificationURL string) error {
	subject := "Verify your " + s.appName() + " account"
	html, err := render("verify", page{AppName: s.appName(), Title: subject, Data: VerificationData{userName, verificationURL}})
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: subject,
		HTML:    html,
		Text:    "Verify your email address: " + verificationURL,
	})
}

func (s *Service) SendPasswordResetEmail(to, userName, resetURL string) error {
	subject := "Reset your " + s.appName() + " password"
	html, err := render("reset", page{AppName: s.appName(), Title: subject, Data: PasswordResetData{userName, resetURL}})
	if err != nil {
		return fmt.Errorf("render password reset email: %w", err)
	}
	return s.Send(Message{
		To:      []string{to},
		Subject: subject,
		HTML:    html,
		Text:    "Reset your password within 1 hour: " + resetURL,
	})
}

// SendReviewReadyEmail tells a reviewer that a section is ready for review.
func (s *Service) SendReviewReadyEmail(to string, data ReviewReadyData) error {
	subject := fmt.Sprintf("Review section: %s (Ready for Review)", data.Heading)
	html, err := render("review", page{AppName: s.appName(), Title: subject, Data: data})
	if err != nil {
		return fmt.Errorf("render review email: %w", err)
	}
	text := fmt.Sprintf("%s in %s is ready for your review.", data.Heading, data.BidTitle)
	if data.ReviewURL != "" {
		text += "\r\n" + data.ReviewURL
	}
	return s.Send(Message{To: []string{to}, Subject: subject, HTML: html, Text: text})
}

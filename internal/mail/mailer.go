// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mail sends failure notifications to the configured recipients.
package mail

import (
	"context"
	"fmt"
	"log/slog"

	gomail "github.com/wneessen/go-mail"

	"github.com/helixbio/pipelined/internal/config"
)

// Mailer sends plain-text email through an authenticated SMTP relay.
type Mailer struct {
	cfg    config.EmailConfig
	logger *slog.Logger
}

// New creates a mailer for the given email configuration.
func New(cfg config.EmailConfig, logger *slog.Logger) *Mailer {
	return &Mailer{cfg: cfg, logger: logger}
}

// Send delivers one message to the recipients. The configured subject
// prefix is prepended to the subject.
func (m *Mailer) Send(ctx context.Context, recipients []string, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.From(m.cfg.SenderAddress); err != nil {
		return fmt.Errorf("invalid sender address: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("invalid recipient address: %w", err)
	}
	msg.Subject(fmt.Sprintf("%s %s", m.cfg.SubjectPrefix, subject))
	msg.SetBodyString(gomail.TypeTextPlain, body)

	client, err := gomail.NewClient(m.cfg.Host,
		gomail.WithPort(m.cfg.Port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(m.cfg.SenderAddress),
		gomail.WithPassword(m.cfg.SenderPwd),
		gomail.WithTLSPolicy(gomail.TLSMandatory),
	)
	if err != nil {
		return fmt.Errorf("failed to create smtp client: %w", err)
	}

	m.logger.Debug("sending email", slog.Int("recipients", len(recipients)))
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

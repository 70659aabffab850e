package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/taut0logy/kothakoli/internal/domain"
	pkgkafka "github.com/taut0logy/kothakoli/pkg/kafka"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

// Kafka topics for auth events.
var (
	TopicOTPIssued       = pkgkafka.Topic("auth", "otp_issued")
	TopicSessionsRevoked = pkgkafka.Topic("auth", "sessions_revoked")
	TopicAdminCreated    = pkgkafka.Topic("auth", "admin_created")
)

const (
	AggregateTypeUser = "user"
	SourceAuthService = "kothakoli-auth"
)

// OTPIssuedData is consumed by the email collaborator, which delivers the
// code out of band.
type OTPIssuedData struct {
	Email     string    `json:"email"`
	Purpose   string    `json:"purpose"`
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionsRevokedData announces a fan-out revocation.
type SessionsRevokedData struct {
	UserID       string `json:"user_id"`
	RevokedCount int    `json:"revoked_count"`
	Reason       string `json:"reason"`
}

// AdminCreatedData carries the generated credentials of a new administrator
// to the email collaborator.
type AdminCreatedData struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	TemporaryPassword string `json:"temporary_password"`
}

// Publisher is satisfied by *pkgkafka.Producer.
type Publisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Notifier publishes auth events.
type Notifier struct {
	publisher Publisher
	logger    *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(p Publisher, logger *slog.Logger) *Notifier {
	return &Notifier{publisher: p, logger: logger}
}

// OTPIssued hands a freshly issued code to the delivery channel.
func (n *Notifier) OTPIssued(ctx context.Context, email string, purpose domain.Purpose, code string, expiresAt time.Time) error {
	data := OTPIssuedData{
		Email:     email,
		Purpose:   string(purpose),
		Code:      code,
		ExpiresAt: expiresAt,
	}
	if err := n.publish(ctx, TopicOTPIssued, email, data); err != nil {
		return err
	}

	n.logger.DebugContext(ctx, "published otp_issued event",
		slog.String("email", logger.MaskEmail(email)),
		slog.String("purpose", string(purpose)),
	)
	return nil
}

// SessionsRevoked announces that every session of a user was revoked.
func (n *Notifier) SessionsRevoked(ctx context.Context, userID string, count int, reason string) error {
	data := SessionsRevokedData{
		UserID:       userID,
		RevokedCount: count,
		Reason:       reason,
	}
	if err := n.publish(ctx, TopicSessionsRevoked, userID, data); err != nil {
		return err
	}

	n.logger.DebugContext(ctx, "published sessions_revoked event",
		slog.String("target_user_id", userID),
		slog.Int("revoked_count", count),
	)
	return nil
}

// AdminCreated hands the credentials of a new administrator to the delivery
// channel.
func (n *Notifier) AdminCreated(ctx context.Context, email, name, password string) error {
	data := AdminCreatedData{
		Email:             email,
		Name:              name,
		TemporaryPassword: password,
	}
	if err := n.publish(ctx, TopicAdminCreated, email, data); err != nil {
		return err
	}

	n.logger.DebugContext(ctx, "published admin_created event",
		slog.String("email", logger.MaskEmail(email)),
	)
	return nil
}

func (n *Notifier) publish(ctx context.Context, topic, aggregateID string, data any) error {
	event, err := pkgkafka.NewEvent(topic, aggregateID, AggregateTypeUser, SourceAuthService, data)
	if err != nil {
		return fmt.Errorf("create %s event: %w", topic, err)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		event.WithCorrelationID(id)
	}

	if err := n.publisher.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}
	return nil
}

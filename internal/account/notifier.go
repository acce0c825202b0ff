package account

import (
	"context"
	"time"

	"github.com/example/sessioncore/internal/store"
	"github.com/sirupsen/logrus"
)

// Notifier delivers one-time tokens to their owner, normally by email.
type Notifier interface {
	Deliver(ctx context.Context, user *store.User, purpose store.Purpose, token string, expiresAt time.Time) error
}

// LogNotifier records issuance without the token itself. It stands in
// until a mail transport is configured.
type LogNotifier struct {
	Log logrus.FieldLogger
}

func (n LogNotifier) Deliver(_ context.Context, user *store.User, purpose store.Purpose, _ string, expiresAt time.Time) error {
	n.Log.WithFields(logrus.Fields{
		"user_id":    user.ID,
		"purpose":    purpose,
		"expires_at": expiresAt.Format(time.RFC3339),
	}).Info("one-time token issued")
	return nil
}

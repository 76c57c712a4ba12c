// README: Push sink records in-app notifications and sends FCM pushes to the recipient's devices.
package notify

import (
	"context"
	"fmt"
	"log"

	"firebase.google.com/go/v4/messaging"

	"ifarma/internal/types"
)

// Inbox stores in-app notifications and resolves device tokens.
type Inbox interface {
	// Save records the message for its recipient. It reports false when the
	// recipient already has a notification with the same dedupe key.
	Save(ctx context.Context, m Message) (bool, error)
	Tokens(ctx context.Context, a Audience, recipient types.ID) ([]string, error)
}

type Pusher interface {
	SendEachForMulticast(ctx context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type PushSink struct {
	inbox  Inbox
	pusher Pusher
}

// NewPushSink builds the sink. pusher may be nil to keep in-app records only.
func NewPushSink(inbox Inbox, pusher Pusher) *PushSink {
	return &PushSink{inbox: inbox, pusher: pusher}
}

func (s *PushSink) Deliver(ctx context.Context, m Message) error {
	if m.RecipientID == "" || m.Title == "" {
		return nil
	}
	fresh, err := s.inbox.Save(ctx, m)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	if !fresh || !m.Push || s.pusher == nil {
		return nil
	}

	tokens, err := s.inbox.Tokens(ctx, m.Audience, m.RecipientID)
	if err != nil {
		return fmt.Errorf("load device tokens: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	resp, err := s.pusher.SendEachForMulticast(ctx, &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   m.Data,
		Notification: &messaging.Notification{
			Title: m.Title,
			Body:  m.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	})
	if err != nil {
		return fmt.Errorf("fcm send: %w", err)
	}
	if resp.FailureCount > 0 {
		log.Printf("notify: %d of %d pushes failed for %s %s", resp.FailureCount, len(tokens), m.Audience, m.RecipientID)
	}
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"fitcheck-auction-api/internal/model"
	"fitcheck-auction-api/internal/repository"
	"fitcheck-auction-api/pkg/uid"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Dispatcher delivers a notification to its delivery channel. Implementations
// must tolerate redelivery of the same notification.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *model.Notification) error
}

// LogDispatcher writes notifications to the process log. Used when NATS is
// not configured and in tests.
type LogDispatcher struct{}

// Dispatch logs the notification.
func (d *LogDispatcher) Dispatch(ctx context.Context, n *model.Notification) error {
	log.Printf("[Notification] user=%s type=%s item=%s dedupe=%s", n.UserID, n.Type, n.ItemID, n.DedupeKey)
	return nil
}

// NATSDispatcher publishes notifications to a JetStream stream. The dedupe
// key rides in the Nats-Msg-Id header so the broker drops redeliveries
// within its duplicate window.
type NATSDispatcher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

const notificationStream = "NOTIFICATIONS"

// NewNATSDispatcher connects to NATS and ensures the notification stream
// exists.
func NewNATSDispatcher(url string) (*NATSDispatcher, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       notificationStream,
		Subjects:   []string{"notify.*"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create notification stream: %w", err)
	}

	log.Printf("[NATSDispatcher] Connected to %s, stream %s ready", url, notificationStream)
	return &NATSDispatcher{conn: conn, js: js}, nil
}

// Dispatch publishes the notification to notify.<type>.
func (d *NATSDispatcher) Dispatch(ctx context.Context, n *model.Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := &nats.Msg{
		Subject: "notify." + string(n.Type),
		Header:  nats.Header{"Nats-Msg-Id": []string{n.DedupeKey}},
		Data:    data,
	}
	if _, err := d.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (d *NATSDispatcher) Close() {
	d.conn.Close()
}

// NotificationService writes notification intents to the outbox and pushes
// them through the dispatcher. Duplicate intents (same dedupe key) are
// silently dropped; dispatch failures leave the row pending for the sweep
// to re-publish.
type NotificationService struct {
	store      repository.AuctionStore
	dispatcher Dispatcher
}

// NewNotificationService creates a new notification service.
func NewNotificationService(store repository.AuctionStore, dispatcher Dispatcher) *NotificationService {
	if dispatcher == nil {
		dispatcher = &LogDispatcher{}
	}
	return &NotificationService{store: store, dispatcher: dispatcher}
}

// Notify records a notification intent and attempts immediate dispatch.
// The dedupe key is <type>:<bid id> when metadata carries one, else
// <type>:<item id>, so each business event fires at most once.
func (s *NotificationService) Notify(ctx context.Context, userID string, typ model.NotificationType, itemID, actorID string, metadata map[string]string) error {
	ref := itemID
	if metadata != nil && metadata["bid_id"] != "" {
		ref = metadata["bid_id"]
	}

	n := &model.Notification{
		ID:        uid.New(),
		UserID:    userID,
		Type:      typ,
		ItemID:    itemID,
		ActorID:   actorID,
		Metadata:  metadata,
		DedupeKey: fmt.Sprintf("%s:%s", typ, ref),
		CreatedAt: time.Now().UTC(),
	}

	err := s.store.InsertNotification(ctx, n)
	if errors.Is(err, repository.ErrDuplicateIntent) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record notification: %w", err)
	}

	if err := s.dispatcher.Dispatch(ctx, n); err != nil {
		log.Printf("[NotificationService] Dispatch failed for %s, left pending: %v", n.DedupeKey, err)
		return nil
	}
	return s.store.MarkNotificationDispatched(ctx, n.ID, time.Now().UTC())
}

// RedispatchPending re-publishes undispatched outbox rows, oldest first.
// Returns the number successfully dispatched.
func (s *NotificationService) RedispatchPending(ctx context.Context, limit int) (int, error) {
	pending, err := s.store.UndispatchedNotifications(ctx, limit)
	if err != nil {
		return 0, err
	}

	dispatched := 0
	for _, n := range pending {
		if err := s.dispatcher.Dispatch(ctx, n); err != nil {
			log.Printf("[NotificationService] Redispatch failed for %s: %v", n.DedupeKey, err)
			continue
		}
		if err := s.store.MarkNotificationDispatched(ctx, n.ID, time.Now().UTC()); err != nil {
			return dispatched, err
		}
		dispatched++
	}
	return dispatched, nil
}

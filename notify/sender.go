package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lcfs/compliance-engine/compliance"
)

// EmailSender hands one email request to a transport.
type EmailSender interface {
	Send(ctx context.Context, e compliance.EmailRequest) error
}

// LogSender writes emails to the log. It is the default when no transport
// is configured.
type LogSender struct {
	Log logrus.FieldLogger
}

func (s LogSender) Send(_ context.Context, e compliance.EmailRequest) error {
	s.Log.WithFields(logrus.Fields{
		"module":  "notify",
		"email":   e.ID,
		"to":      e.Address,
		"type":    e.Type,
		"subject": e.Subject,
	}).Info("email delivered to log")
	return nil
}

// KafkaSender publishes email requests to a topic for a mail relay to pick
// up. Records are keyed by recipient so one user's mail stays ordered.
type KafkaSender struct {
	client *kgo.Client
}

// emailRecord is the message value on the topic.
type emailRecord struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient_id"`
	Address   string `json:"address"`
	Type      string `json:"type"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

func NewKafkaSender(brokers []string, topic string) (*KafkaSender, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &KafkaSender{client: client}, nil
}

func (k *KafkaSender) Send(ctx context.Context, e compliance.EmailRequest) error {
	value, err := json.Marshal(emailRecord{
		ID:        e.ID,
		Recipient: string(e.RecipientID),
		Address:   e.Address,
		Type:      string(e.Type),
		Subject:   e.Subject,
		Body:      e.Body,
	})
	if err != nil {
		return fmt.Errorf("encode email %s: %w", e.ID, err)
	}
	rec := &kgo.Record{Key: []byte(e.RecipientID), Value: value}
	if err := k.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce email %s: %w", e.ID, err)
	}
	return nil
}

func (k *KafkaSender) Close() {
	k.client.Close()
}

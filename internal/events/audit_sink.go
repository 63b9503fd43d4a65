package events

import (
	"context"
	"fmt"

	"otp-auth-service/internal/encryption"
)

type documentIndexer interface {
	IndexDocument(ctx context.Context, index, id string, document any) error
}

type fieldEncrypter interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
}

type auditDocument struct {
	Event
	EncryptedPhone *encryption.EncryptedData `json:"encrypted_phone,omitempty"`
}

// AuditSink indexes every event into a daily Elasticsearch index,
// <prefix>-YYYY.MM.DD. The phone number is stored only when an encrypter
// is configured, and then only sealed.
type AuditSink struct {
	indexer   documentIndexer
	prefix    string
	encrypter fieldEncrypter
}

func NewAuditSink(indexer documentIndexer, prefix string, encrypter fieldEncrypter) *AuditSink {
	return &AuditSink{indexer: indexer, prefix: prefix, encrypter: encrypter}
}

func (s *AuditSink) Name() string { return "elasticsearch" }

func (s *AuditSink) Index(event Event) string {
	return fmt.Sprintf("%s-%s", s.prefix, event.OccurredAt.UTC().Format("2006.01.02"))
}

func (s *AuditSink) Write(ctx context.Context, event Event) error {
	doc := auditDocument{Event: event}
	if s.encrypter != nil && event.Phone != "" {
		sealed, err := s.encrypter.EncryptField(ctx, event.Phone)
		if err != nil {
			return fmt.Errorf("failed to encrypt phone: %w", err)
		}
		doc.EncryptedPhone = sealed
	}
	return s.indexer.IndexDocument(ctx, s.Index(event), event.ID, doc)
}

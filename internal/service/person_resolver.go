package service

import (
	"context"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

const defaultPersonCacheTTL = 24 * time.Hour

// Logical company field keys mapped to CRM custom field ids.
const (
	FieldKeyRemoteID = "remote_id"
	FieldKeySource   = "source"
)

// PersonResolver finds or creates the CRM person that notes attach to. Results
// are cached in the coordination store so every worker shares them.
type PersonResolver struct {
	api    crm.PersonsAPI
	store  coordination.Store
	keys   coordination.Keys
	ttl    time.Duration
	logger *zap.Logger
}

// NewPersonResolver builds a resolver.
func NewPersonResolver(api crm.PersonsAPI, store coordination.Store, keys coordination.Keys, ttl time.Duration, logger *zap.Logger) *PersonResolver {
	if ttl <= 0 {
		ttl = defaultPersonCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PersonResolver{api: api, store: store, keys: keys, ttl: ttl, logger: logger}
}

// Resolve returns the person id for contact. An empty id with nil error means
// the contact carries no phone to match on.
func (p *PersonResolver) Resolve(ctx context.Context, contact domain.Contact, fieldKeys map[string]string) (string, error) {
	phone := NormalizePhone(contact.Phone)
	if phone == "" {
		phone = NormalizePhone(strings.SplitN(contact.RemoteID, "@", 2)[0])
	}
	if phone == "" {
		return "", nil
	}

	cacheKey := p.keys.Person(phone)
	if id, ok, err := p.store.GetMarker(ctx, cacheKey); err != nil {
		p.logger.Debug("person cache read failed", zap.Error(err))
	} else if ok && id != "" {
		return id, nil
	}

	id, found, err := p.api.FindPersonByPhone(ctx, phone)
	if err != nil {
		return "", err
	}
	if !found {
		name := strings.TrimSpace(contact.DisplayName)
		if name == "" {
			name = phone
		}
		fields := map[string]string{}
		if key := fieldKeys[FieldKeyRemoteID]; key != "" && contact.RemoteID != "" {
			fields[key] = contact.RemoteID
		}
		if key := fieldKeys[FieldKeySource]; key != "" {
			fields[key] = "chat"
		}
		id, err = p.api.CreatePerson(ctx, crm.PersonInput{Name: name, Phone: phone, Fields: fields})
		if err != nil {
			return "", err
		}
		p.logger.Info("crm person created", zap.String("person_id", id))
	}

	if err := p.store.SetMarker(ctx, cacheKey, id, p.ttl); err != nil {
		p.logger.Debug("person cache write failed", zap.Error(err))
	}
	return id, nil
}

// NormalizePhone keeps digits only.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

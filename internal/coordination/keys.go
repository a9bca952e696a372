package coordination

import (
	"strings"

	"github.com/spec-kit/crm-chat-sync/internal/domain"
)

// Keys builds the Redis key namespace for one company scope.
//
// The company segment is wrapped in a hash tag so every key of a company lands
// in the same cluster slot; multi-key scripts depend on that.
type Keys struct {
	base string
}

// NewKeys returns a namespace rooted at prefix for the given company.
func NewKeys(prefix, companyID string) Keys {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "crmsync"
	}
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		companyID = "default"
	}
	return Keys{base: prefix + ":{" + companyID + "}"}
}

// Conversation is the metadata hash of a conversation.
func (k Keys) Conversation(key domain.ConversationKey) string {
	return k.base + ":conv:" + key.ProviderChannelID + ":" + key.ConversationID
}

// Messages is the time-ordered message sorted set (score = timestamp ms).
func (k Keys) Messages(key domain.ConversationKey) string {
	return k.Conversation(key) + ":msgs"
}

// MessageBlob holds the JSON payload of one message.
func (k Keys) MessageBlob(key domain.ConversationKey, messageID string) string {
	return k.Conversation(key) + ":msg:" + messageID
}

// Participants is the set of sender ids seen in a conversation.
func (k Keys) Participants(key domain.ConversationKey) string {
	return k.Conversation(key) + ":participants"
}

// Pending is the list of note events waiting to be flushed.
func (k Keys) Pending(key domain.ConversationKey) string {
	return k.Conversation(key) + ":pending"
}

// Processing is the list of note events drained by the current flush.
func (k Keys) Processing(key domain.ConversationKey) string {
	return k.Conversation(key) + ":processing"
}

// Lock is the per-conversation flush lock.
func (k Keys) Lock(key domain.ConversationKey) string {
	return k.Conversation(key) + ":lock"
}

// NoteBlock is the hash describing the open CRM note block.
func (k Keys) NoteBlock(key domain.ConversationKey) string {
	return k.Conversation(key) + ":noteblock"
}

// FlushRetries counts consecutive failed flushes of a conversation.
func (k Keys) FlushRetries(key domain.ConversationKey) string {
	return k.Conversation(key) + ":flushretries"
}

// Dedupe marks a message id as already enqueued for CRM delivery.
func (k Keys) Dedupe(messageID string) string {
	return k.base + ":dedupe:" + messageID
}

// SelfSent marks an outbound message id produced by this pipeline.
func (k Keys) SelfSent(messageID string) string {
	return k.base + ":selfsent:" + messageID
}

// NoteKey maps instance+message id to the CRM note that carries it.
func (k Keys) NoteKey(instanceID, messageID string) string {
	return k.base + ":notekey:" + instanceID + ":" + messageID
}

// Person caches the CRM person id resolved for a phone number.
func (k Keys) Person(phone string) string {
	return k.base + ":person:" + phone
}

// FlushDue is the sorted set of conversations with a scheduled flush (score = due unix ms).
func (k Keys) FlushDue() string {
	return k.base + ":flush:due"
}

// Conversations indexes every conversation by last activity.
func (k Keys) Conversations() string {
	return k.base + ":conversations"
}

// Metrics is the shared counter hash.
func (k Keys) Metrics() string {
	return k.base + ":metrics"
}

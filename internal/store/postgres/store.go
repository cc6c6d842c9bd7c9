package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/owalmirneto/novu/internal/api"
	"github.com/owalmirneto/novu/internal/dispatcher"
	"github.com/owalmirneto/novu/internal/domain"
	"github.com/owalmirneto/novu/internal/recipients"
	"github.com/owalmirneto/novu/internal/reconciler"
	"github.com/owalmirneto/novu/internal/trigger"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique constraint violations.
const uniqueViolation = "23505"

// Store implements the persistence interfaces of the resolver, trigger,
// dispatcher, reconciler and API using PostgreSQL.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
	clock     func() time.Time
}

// New creates a new PostgreSQL store. A positive opTimeout bounds every call.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	return &Store{db: db, opTimeout: opTimeout, clock: time.Now}
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opTimeout)
}

// LookupMembers returns the subscriber ids of a topic in membership order.
// An unknown topic yields an empty slice.
func (s *Store) LookupMembers(ctx context.Context, tenant domain.Tenant, topicKey string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryLookupMembers, tenant.OrganizationID, tenant.EnvironmentID, topicKey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return members, nil
}

// CreateTopic inserts a topic. Returns domain.ErrDuplicateTopic if the key is taken.
func (s *Store) CreateTopic(ctx context.Context, topic domain.Topic) (domain.Topic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if topic.ID == uuid.Nil {
		topic.ID = uuid.New()
	}
	now := s.clock().UTC()
	topic.CreatedAt, topic.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, queryInsertTopic,
		topic.ID,
		topic.Tenant.OrganizationID,
		topic.Tenant.EnvironmentID,
		topic.Key,
		topic.Name,
		topic.CreatedAt,
		topic.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return domain.Topic{}, domain.ErrDuplicateTopic
		}
		return domain.Topic{}, err
	}
	topic.Subscribers = []string{}
	return topic, nil
}

// GetTopic returns a topic with its members.
func (s *Store) GetTopic(ctx context.Context, tenant domain.Tenant, key string) (domain.Topic, error) {
	topic, err := s.getTopic(ctx, s.db, tenant, key)
	if err != nil {
		return domain.Topic{}, err
	}
	members, err := s.LookupMembers(ctx, tenant, key)
	if err != nil {
		return domain.Topic{}, err
	}
	topic.Subscribers = members
	return topic, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) getTopic(ctx context.Context, q queryRower, tenant domain.Tenant, key string) (domain.Topic, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var t domain.Topic
	err := q.QueryRowContext(ctx, queryGetTopic, tenant.OrganizationID, tenant.EnvironmentID, key).Scan(
		&t.ID,
		&t.Tenant.OrganizationID,
		&t.Tenant.EnvironmentID,
		&t.Key,
		&t.Name,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Topic{}, domain.ErrTopicNotFound
	}
	if err != nil {
		return domain.Topic{}, err
	}
	return t, nil
}

// AddTopicSubscribers adds existing subscribers to a topic. Ids without a
// subscriber record are reported in NotFound; re-adding a member is a no-op.
func (s *Store) AddTopicSubscribers(ctx context.Context, tenant domain.Tenant, key string, subscriberIDs []string) (domain.MembershipChange, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.MembershipChange{}, err
	}
	defer tx.Rollback()

	topic, err := s.getTopic(ctx, tx, tenant, key)
	if err != nil {
		return domain.MembershipChange{}, err
	}

	rows, err := tx.QueryContext(ctx, queryExistingSubscribers, tenant.OrganizationID, tenant.EnvironmentID, pq.Array(subscriberIDs))
	if err != nil {
		return domain.MembershipChange{}, err
	}
	existing := make(map[string]struct{}, len(subscriberIDs))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return domain.MembershipChange{}, err
		}
		existing[id] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return domain.MembershipChange{}, err
	}

	change := splitExisting(subscriberIDs, existing)
	if len(change.Succeeded) > 0 {
		now := s.clock().UTC()
		if _, err := tx.ExecContext(ctx, queryInsertTopicSubscribers, topic.ID, pq.Array(change.Succeeded), now); err != nil {
			return domain.MembershipChange{}, err
		}
		if _, err := tx.ExecContext(ctx, queryTouchTopic, topic.ID, now); err != nil {
			return domain.MembershipChange{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.MembershipChange{}, err
	}
	return change, nil
}

// splitExisting partitions ids by presence in existing, keeping input order and
// dropping repeats.
func splitExisting(ids []string, existing map[string]struct{}) domain.MembershipChange {
	change := domain.MembershipChange{Succeeded: []string{}, NotFound: []string{}}
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := existing[id]; ok {
			change.Succeeded = append(change.Succeeded, id)
		} else {
			change.NotFound = append(change.NotFound, id)
		}
	}
	return change
}

// RemoveTopicSubscribers removes members from a topic. Unknown ids are ignored.
func (s *Store) RemoveTopicSubscribers(ctx context.Context, tenant domain.Tenant, key string, subscriberIDs []string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	topic, err := s.getTopic(ctx, tx, tenant, key)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteTopicSubscribers, topic.ID, pq.Array(subscriberIDs)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryTouchTopic, topic.ID, s.clock().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertSubscriber creates a subscriber or updates the non-empty fields of an
// existing one.
func (s *Store) UpsertSubscriber(ctx context.Context, sub domain.Subscriber) (domain.Subscriber, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	data, err := encodeData(sub.Data)
	if err != nil {
		return domain.Subscriber{}, err
	}
	tokens := sub.DeviceTokens
	if tokens == nil {
		tokens = []string{}
	}

	err = s.db.QueryRowContext(ctx, queryUpsertSubscriber,
		uuid.New(),
		sub.Tenant.OrganizationID,
		sub.Tenant.EnvironmentID,
		sub.SubscriberID,
		sub.FirstName,
		sub.LastName,
		sub.Email,
		sub.Phone,
		sub.Avatar,
		sub.Locale,
		pq.Array(tokens),
		data,
		s.clock().UTC(),
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return domain.Subscriber{}, err
	}
	return sub, nil
}

// GetSubscriber returns domain.ErrSubscriberNotFound for an unknown id.
func (s *Store) GetSubscriber(ctx context.Context, tenant domain.Tenant, subscriberID string) (domain.Subscriber, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var sub domain.Subscriber
	var tokens pq.StringArray
	var data []byte
	err := s.db.QueryRowContext(ctx, queryGetSubscriber, tenant.OrganizationID, tenant.EnvironmentID, subscriberID).Scan(
		&sub.ID,
		&sub.Tenant.OrganizationID,
		&sub.Tenant.EnvironmentID,
		&sub.SubscriberID,
		&sub.FirstName,
		&sub.LastName,
		&sub.Email,
		&sub.Phone,
		&sub.Avatar,
		&sub.Locale,
		&tokens,
		&data,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscriber{}, domain.ErrSubscriberNotFound
	}
	if err != nil {
		return domain.Subscriber{}, err
	}
	sub.DeviceTokens = []string(tokens)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &sub.Data); err != nil {
			return domain.Subscriber{}, fmt.Errorf("decode subscriber data: %w", err)
		}
	}
	return sub, nil
}

// InsertMessage inserts a queued message.
// Returns trigger.ErrDuplicateMessage if (environment, transaction, subscriber, channel) already exists.
func (s *Store) InsertMessage(ctx context.Context, msg domain.Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	payload, err := encodeStrings(msg.Payload)
	if err != nil {
		return err
	}
	overrides, err := encodeStrings(msg.Overrides)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, queryInsertMessage,
		msg.ID,
		msg.TransactionID,
		msg.Tenant.OrganizationID,
		msg.Tenant.EnvironmentID,
		msg.EventName,
		msg.SubscriberID,
		string(msg.Channel),
		msg.Title,
		msg.Content,
		payload,
		overrides,
		string(msg.Status),
		msg.ProviderID,
		msg.ProviderMessageID,
		msg.Error,
		msg.CreatedAt,
		msg.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return trigger.ErrDuplicateMessage
		}
		return err
	}
	return nil
}

// GetMessage returns domain.ErrMessageNotFound for an unknown id.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	msg, err := scanMessage(s.db.QueryRowContext(ctx, queryGetMessage, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return msg, err
}

// UpdateMessageStatus records a delivery outcome.
// Returns dispatcher.ErrStatusTransitionDenied if the message is already in a terminal state.
// This uses an atomic UPDATE with WHERE clause to prevent TOCTOU race conditions.
func (s *Store) UpdateMessageStatus(ctx context.Context, id uuid.UUID, delivery dispatcher.Delivery) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	at := delivery.At
	if at.IsZero() {
		at = s.clock().UTC()
	}

	// PostgreSQL acquires the row lock before evaluating WHERE,
	// ensuring serialized access under concurrency.
	result, err := s.db.ExecContext(ctx, queryUpdateMessageStatus,
		string(delivery.Status),
		delivery.ProviderID,
		delivery.ProviderMessageID,
		delivery.Error,
		at,
		id,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected > 0 {
		return nil
	}

	// Either the message does not exist or it is already terminal.
	var current string
	err = s.db.QueryRowContext(ctx, queryGetMessageStatus, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrMessageNotFound
	}
	if err != nil {
		return err
	}
	return dispatcher.ErrStatusTransitionDenied
}

// ListMessages returns the messages of a transaction, paginated by limit and offset.
func (s *Store) ListMessages(ctx context.Context, tenant domain.Tenant, transactionID uuid.UUID, limit, offset int) ([]domain.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryListMessages, tenant.OrganizationID, tenant.EnvironmentID, transactionID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

// GetOrphanedMessages returns messages stuck in 'queued' created before olderThan,
// oldest first, limited to maxResults.
func (s *Store) GetOrphanedMessages(ctx context.Context, olderThan time.Time, maxResults int) ([]domain.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, queryGetOrphanedMessages, olderThan, maxResults)
	if err != nil {
		return nil, err
	}
	return collectMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (domain.Message, error) {
	var msg domain.Message
	var channel, status string
	var payload, overrides []byte

	err := row.Scan(
		&msg.ID,
		&msg.TransactionID,
		&msg.Tenant.OrganizationID,
		&msg.Tenant.EnvironmentID,
		&msg.EventName,
		&msg.SubscriberID,
		&channel,
		&msg.Title,
		&msg.Content,
		&payload,
		&overrides,
		&status,
		&msg.ProviderID,
		&msg.ProviderMessageID,
		&msg.Error,
		&msg.CreatedAt,
		&msg.UpdatedAt,
	)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Channel = domain.ChannelType(channel)
	msg.Status = domain.MessageStatus(status)
	if msg.Payload, err = decodeStrings(payload); err != nil {
		return domain.Message{}, fmt.Errorf("decode payload: %w", err)
	}
	if msg.Overrides, err = decodeStrings(overrides); err != nil {
		return domain.Message{}, fmt.Errorf("decode overrides: %w", err)
	}
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]domain.Message, error) {
	defer rows.Close()

	result := []domain.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// encodeData returns nil for an empty map so the column keeps its previous value on upsert.
func encodeData(data map[string]any) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return b, nil
}

func encodeStrings(m map[string]string) ([]byte, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	return b, nil
}

func decodeStrings(b []byte) (map[string]string, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// isDuplicateKeyError checks if the error is a PostgreSQL unique violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	// Wrapped or driver-agnostic errors only expose the message.
	errStr := err.Error()
	return strings.Contains(errStr, uniqueViolation) ||
		strings.Contains(errStr, "unique constraint") ||
		strings.Contains(errStr, "duplicate key")
}

// Compile-time interface assertions
var (
	_ recipients.MembershipLookup = (*Store)(nil)
	_ trigger.Store               = (*Store)(nil)
	_ dispatcher.Store            = (*Store)(nil)
	_ reconciler.Store            = (*Store)(nil)
	_ api.Store                   = (*Store)(nil)
)

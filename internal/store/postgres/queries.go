package postgres

const queryLookupMembers = `
SELECT ts.subscriber_id
FROM topic_subscribers ts
JOIN topics t ON t.id = ts.topic_id
WHERE t.organization_id = $1
  AND t.environment_id = $2
  AND t.key = $3
ORDER BY ts.created_at, ts.subscriber_id
`

const queryInsertTopic = `
INSERT INTO topics (id, organization_id, environment_id, key, name, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`

const queryGetTopic = `
SELECT id, organization_id, environment_id, key, name, created_at, updated_at
FROM topics
WHERE organization_id = $1
  AND environment_id = $2
  AND key = $3
`

const queryExistingSubscribers = `
SELECT subscriber_id
FROM subscribers
WHERE organization_id = $1
  AND environment_id = $2
  AND subscriber_id = ANY($3)
`

const queryInsertTopicSubscribers = `
INSERT INTO topic_subscribers (topic_id, subscriber_id, created_at)
SELECT $1, unnest($2::text[]), $3
ON CONFLICT (topic_id, subscriber_id) DO NOTHING
`

const queryDeleteTopicSubscribers = `
DELETE FROM topic_subscribers
WHERE topic_id = $1
  AND subscriber_id = ANY($2)
`

const queryTouchTopic = `
UPDATE topics SET updated_at = $2 WHERE id = $1
`

const queryUpsertSubscriber = `
INSERT INTO subscribers (
    id, organization_id, environment_id, subscriber_id,
    first_name, last_name, email, phone, avatar, locale,
    device_tokens, data, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
ON CONFLICT (environment_id, subscriber_id) DO UPDATE SET
    first_name    = COALESCE(NULLIF(EXCLUDED.first_name, ''), subscribers.first_name),
    last_name     = COALESCE(NULLIF(EXCLUDED.last_name, ''), subscribers.last_name),
    email         = COALESCE(NULLIF(EXCLUDED.email, ''), subscribers.email),
    phone         = COALESCE(NULLIF(EXCLUDED.phone, ''), subscribers.phone),
    avatar        = COALESCE(NULLIF(EXCLUDED.avatar, ''), subscribers.avatar),
    locale        = COALESCE(NULLIF(EXCLUDED.locale, ''), subscribers.locale),
    device_tokens = CASE WHEN cardinality(EXCLUDED.device_tokens) > 0
                         THEN EXCLUDED.device_tokens ELSE subscribers.device_tokens END,
    data          = COALESCE(EXCLUDED.data, subscribers.data),
    updated_at    = EXCLUDED.updated_at
RETURNING id, created_at, updated_at
`

const queryGetSubscriber = `
SELECT
    id, organization_id, environment_id, subscriber_id,
    first_name, last_name, email, phone, avatar, locale,
    device_tokens, data, created_at, updated_at
FROM subscribers
WHERE organization_id = $1
  AND environment_id = $2
  AND subscriber_id = $3
`

const messageColumns = `
    id, transaction_id, organization_id, environment_id,
    event_name, subscriber_id, channel,
    title, content, payload, overrides,
    status, provider_id, provider_message_id, error,
    created_at, updated_at
`

const queryInsertMessage = `
INSERT INTO messages (` + messageColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
`

const queryGetMessage = `
SELECT ` + messageColumns + `
FROM messages
WHERE id = $1
`

const queryGetMessageStatus = `
SELECT status FROM messages WHERE id = $1
`

const queryUpdateMessageStatus = `
UPDATE messages
SET status = $1, provider_id = $2, provider_message_id = $3, error = $4, updated_at = $5
WHERE id = $6
  AND status NOT IN ('sent', 'failed')
`

const queryListMessages = `
SELECT ` + messageColumns + `
FROM messages
WHERE organization_id = $1
  AND environment_id = $2
  AND transaction_id = $3
ORDER BY created_at, subscriber_id
LIMIT $4 OFFSET $5
`

const queryGetOrphanedMessages = `
SELECT ` + messageColumns + `
FROM messages
WHERE status = 'queued'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`

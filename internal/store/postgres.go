package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- users ---

func (s *PostgresStore) EnsureUser(ctx context.Context, id, name, email string) (User, error) {
	const findUser = `SELECT id, display_name, email, avatar_url, role FROM users WHERE email = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		RETURNING id, display_name, email, avatar_url, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, id, name, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, avatar_url, role FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.AvatarURL, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// --- channels & memberships ---

func (s *PostgresStore) InsertChannel(ctx context.Context, channel Channel) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channels (id, name, created_by)
		VALUES ($1, $2, $3)
	`, channel.ID, channel.Name, channel.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var item Channel
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_by, last_message_at, created_at
		FROM channels
		WHERE id=$1
	`, channelID).Scan(&item.ID, &item.Name, &item.CreatedBy, &item.LastMessageAt, &item.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	return item, nil
}

// TouchChannel bumps last_message_at; called once per write batch, not once
// per message.
func (s *PostgresStore) TouchChannel(ctx context.Context, channelID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE channels SET last_message_at=NOW() WHERE id=$1`, channelID)
	if err != nil {
		return fmt.Errorf("touch channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertMembership(ctx context.Context, membership ChannelMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO channel_memberships (channel_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, membership.ChannelID, membership.UserID, membership.Role)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// GetMemberRole returns sql.ErrNoRows when the user is not a member.
func (s *PostgresStore) GetMemberRole(ctx context.Context, channelID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM channel_memberships WHERE channel_id=$1 AND user_id=$2
	`, channelID, userID).Scan(&role)
	if err != nil {
		return "", err
	}
	return role, nil
}

// --- messages ---

const messageColumns = `
	id, channel_id, sender_id, content, content_type, parent_id, mentions,
	sender_name, sender_email, sender_avatar, sender_role,
	is_trashed, trashed_at, trashed_by, trash_reason, original_content, hidden_by,
	created_at, updated_at
`

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var item Message
	var mentionsRaw, hiddenRaw []byte
	err := row.Scan(
		&item.ID,
		&item.ChannelID,
		&item.SenderID,
		&item.Content,
		&item.ContentType,
		&item.ParentID,
		&mentionsRaw,
		&item.SenderName,
		&item.SenderEmail,
		&item.SenderAvatar,
		&item.SenderRole,
		&item.IsTrashed,
		&item.TrashedAt,
		&item.TrashedBy,
		&item.TrashReason,
		&item.OriginalContent,
		&hiddenRaw,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Message{}, err
	}
	_ = json.Unmarshal(mentionsRaw, &item.Mentions)
	_ = json.Unmarshal(hiddenRaw, &item.HiddenBy)
	return item, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, item Message) error {
	mentions := item.Mentions
	if mentions == nil {
		mentions = []string{}
	}
	encodedMentions, err := json.Marshal(mentions)
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (
			id, channel_id, sender_id, content, content_type, parent_id, mentions,
			sender_name, sender_email, sender_avatar, sender_role
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		item.ID, item.ChannelID, item.SenderID, item.Content, item.ContentType,
		item.ParentID, string(encodedMentions),
		item.SenderName, item.SenderEmail, item.SenderAvatar, item.SenderRole,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, messageID)
	return scanMessage(row)
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1
	`, messageID, content)
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message content: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// HideMessage appends the user to hidden_by exactly once. The containment
// guard makes two racing hides resolve to a single append; the loser sees
// changed=false.
func (s *PostgresStore) HideMessage(ctx context.Context, messageID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET hidden_by = hidden_by || to_jsonb($2::text), updated_at=NOW()
		WHERE id=$1 AND NOT (hidden_by @> to_jsonb($2::text))
	`, messageID, userID)
	if err != nil {
		return false, fmt.Errorf("hide message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hide message: %w", err)
	}
	return affected > 0, nil
}

// TrashMessage is a compare-and-set: the is_trashed=FALSE predicate makes
// the loser of two racing trash calls observe changed=false instead of
// silently overwriting the snapshot.
func (s *PostgresStore) TrashMessage(ctx context.Context, messageID, actorID, reason string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_trashed=TRUE,
			trashed_at=NOW(),
			trashed_by=$2,
			trash_reason=$3,
			original_content=content,
			updated_at=NOW()
		WHERE id=$1 AND is_trashed=FALSE
	`, messageID, actorID, reason)
	if err != nil {
		return false, fmt.Errorf("trash message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("trash message: %w", err)
	}
	return affected > 0, nil
}

// UntrashMessage reverts a trash transition, writing back the snapshot value
// the message carried before it. A message trashed and restored once keeps
// its earlier snapshot, so the compensation must not clear the column. Used
// only when the audit append fails; a user-facing restore keeps the snapshot
// the trash took (see RestoreMessage).
func (s *PostgresStore) UntrashMessage(ctx context.Context, messageID, originalContent string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_trashed=FALSE, trashed_at=NULL, trashed_by='', trash_reason='',
			original_content=$2, updated_at=NOW()
		WHERE id=$1 AND is_trashed=TRUE
	`, messageID, originalContent)
	if err != nil {
		return fmt.Errorf("untrash message: %w", err)
	}
	return nil
}

// RestoreMessage returns a trashed message to the active state.
// original_content is deliberately kept: the invariant is that it stays set
// once a message has ever been trashed.
func (s *PostgresStore) RestoreMessage(ctx context.Context, messageID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET is_trashed=FALSE, trashed_at=NULL, trashed_by='', trash_reason='', updated_at=NOW()
		WHERE id=$1 AND is_trashed=TRUE
	`, messageID)
	if err != nil {
		return false, fmt.Errorf("restore message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("restore message: %w", err)
	}
	return affected > 0, nil
}

// DeleteMessage removes the row; attachment rows cascade away with it.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ListOlderMessages pages backwards through a channel, newest first; offset
// zero is the most recent page.
func (s *PostgresStore) ListOlderMessages(ctx context.Context, channelID string, limit, offset int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, channelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list older messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// SearchMessages is the Postgres fallback behind the search service:
// channel-scoped substring match, trashed messages excluded.
func (s *PostgresStore) SearchMessages(ctx context.Context, channelID, query string, limit, offset int) ([]Message, int, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE channel_id=$1 AND is_trashed=FALSE AND content ILIKE $2
	`, channelID, pattern).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count search results: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel_id=$1 AND is_trashed=FALSE AND content ILIKE $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4
	`, channelID, pattern, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return items, total, nil
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

// --- attachments ---

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_id, channel_id, uploader_id, file_name, url, storage_key, bucket, size, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, item.ID, item.MessageID, item.ChannelID, item.UploaderID, item.FileName, item.URL, item.StorageKey, item.Bucket, item.Size, item.ContentType)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, attachmentID string) (Attachment, error) {
	var item Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, channel_id, uploader_id, file_name, url, storage_key, bucket, size, content_type, created_at
		FROM attachments
		WHERE id=$1
	`, attachmentID).Scan(
		&item.ID, &item.MessageID, &item.ChannelID, &item.UploaderID, &item.FileName,
		&item.URL, &item.StorageKey, &item.Bucket, &item.Size, &item.ContentType, &item.CreatedAt,
	)
	if err != nil {
		return Attachment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, channel_id, uploader_id, file_name, url, storage_key, bucket, size, content_type, created_at
		FROM attachments
		WHERE message_id=$1
		ORDER BY created_at ASC, id ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(
			&item.ID, &item.MessageID, &item.ChannelID, &item.UploaderID, &item.FileName,
			&item.URL, &item.StorageKey, &item.Bucket, &item.Size, &item.ContentType, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, attachmentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id=$1`, attachmentID)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

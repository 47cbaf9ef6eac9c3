package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"huddle/api/internal/audit"
	"huddle/api/internal/auth"
	"huddle/api/internal/blob"
	"huddle/api/internal/broadcast"
	"huddle/api/internal/config"
	"huddle/api/internal/membership"
	"huddle/api/internal/search"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Email     string
	Avatar    string
	Role      string
	ExpiresAt time.Time
}

// FileUpload is one decoded file in a create or edit request.
type FileUpload struct {
	FileName    string `json:"fileName"`
	ContentType string `json:"contentType"`
	Data        []byte `json:"data"`
}

type CreateMessageInput struct {
	Content     string       `json:"content"`
	ContentType string       `json:"contentType"`
	ParentID    string       `json:"parentId"`
	Mentions    []string     `json:"mentions"`
	Files       []FileUpload `json:"files"`
}

type UpdateMessageInput struct {
	Content             string       `json:"content"`
	RemoveAttachmentIDs []string     `json:"removeAttachmentIds"`
	AddFiles            []FileUpload `json:"addFiles"`
}

type ForwardInput struct {
	SourceMessageIDs []string `json:"sourceMessageIds"`
	TargetChannelIDs []string `json:"targetChannelIds"`
	Prefix           string   `json:"prefix"`
}

const (
	maxForwardSources = 50
	maxForwardTargets = 10
	forwardMarker     = "[Forwarded]\n"
)

var allowedContentTypes = map[string]struct{}{
	"text":   {},
	"file":   {},
	"audio":  {},
	"system": {},
}

type dataStore interface {
	Ping(context.Context) error
	EnsureUser(context.Context, string, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	InsertChannel(context.Context, store.Channel) error
	GetChannel(context.Context, string) (store.Channel, error)
	TouchChannel(context.Context, string) error
	InsertMembership(context.Context, store.ChannelMembership) error
	GetMemberRole(context.Context, string, string) (string, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	UpdateMessageContent(context.Context, string, string) error
	HideMessage(context.Context, string, string) (bool, error)
	TrashMessage(context.Context, string, string, string) (bool, error)
	UntrashMessage(context.Context, string, string) error
	RestoreMessage(context.Context, string) (bool, error)
	DeleteMessage(context.Context, string) error
	ListOlderMessages(context.Context, string, int, int) ([]store.Message, error)
	InsertAttachment(context.Context, store.Attachment) error
	GetAttachment(context.Context, string) (store.Attachment, error)
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	DeleteAttachment(context.Context, string) error
}

type auditLog interface {
	Append(context.Context, audit.Entry) (string, error)
	List(context.Context, audit.Filter) ([]audit.Entry, int, error)
	Ping(context.Context) error
}

type blobStore interface {
	Put(ctx context.Context, fileName, contentType string, payload []byte) (blob.Object, error)
	Delete(ctx context.Context, key string) error
}

type broadcaster interface {
	Enqueue(broadcast.Event)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
	DeleteMessage(id string)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	audit  auditLog
	blobs  blobStore
	events broadcaster
	search searchIndex
}

func New(cfg config.Config, dataStore *store.PostgresStore, auditLog *audit.MongoLog, blobs *blob.Service, events *broadcast.Dispatcher, searchSvc *search.Service) *Service {
	return &Service{
		cfg:    cfg,
		store:  dataStore,
		audit:  auditLog,
		blobs:  blobs,
		events: events,
		search: searchSvc,
	}
}

// --- sessions ---

func (s *Service) Login(ctx context.Context, name, email string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}
	userEmail := strings.ToLower(strings.TrimSpace(email))
	if userEmail == "" {
		userEmail = strings.ToLower(strings.ReplaceAll(userName, " ", ".")) + "@huddle.local"
	}

	user, err := s.store.EnsureUser(ctx, util.NewID("usr"), userName, userEmail)
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Email:  user.Email,
		Avatar: user.AvatarURL,
		Role:   user.Role,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Avatar:    user.AvatarURL,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Avatar:    user.AvatarURL,
		Role:      user.Role,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- channels ---

func (s *Service) CreateChannel(ctx context.Context, session Session, name string) (map[string]any, error) {
	channelName := strings.TrimSpace(name)
	if channelName == "" {
		return nil, validationError("name is required", nil)
	}

	channel := store.Channel{
		ID:        util.NewID("ch"),
		Name:      channelName,
		CreatedBy: session.UserID,
	}
	if err := s.store.InsertChannel(ctx, channel); err != nil {
		return nil, err
	}
	if err := s.store.InsertMembership(ctx, store.ChannelMembership{
		ChannelID: channel.ID,
		UserID:    session.UserID,
		Role:      string(membership.RoleOwner),
	}); err != nil {
		return nil, err
	}

	return map[string]any{"channel": map[string]any{
		"id":        channel.ID,
		"name":      channel.Name,
		"createdBy": channel.CreatedBy,
	}}, nil
}

func (s *Service) JoinChannel(ctx context.Context, session Session, channelID string) (map[string]any, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := s.store.InsertMembership(ctx, store.ChannelMembership{
		ChannelID: channel.ID,
		UserID:    session.UserID,
		Role:      string(membership.RoleMember),
	}); err != nil {
		return nil, err
	}
	return map[string]any{"channelId": channel.ID, "joined": true}, nil
}

// memberRole resolves the actor's channel role, turning "not a member" into
// the authorization rejection every operation shares.
func (s *Service) memberRole(ctx context.Context, channelID, userID string) (membership.Role, error) {
	role, err := s.store.GetMemberRole(ctx, channelID, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", authorizationError("not a member of this channel")
		}
		return "", err
	}
	return membership.Normalize(role), nil
}

// --- message lifecycle ---

func (s *Service) CreateMessage(ctx context.Context, session Session, channelID string, input CreateMessageInput) (map[string]any, error) {
	if _, err := s.memberRole(ctx, channelID, session.UserID); err != nil {
		return nil, err
	}

	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.Files) == 0 {
		return nil, validationError("content or at least one file is required", nil)
	}
	contentType := normalizeContentType(input.ContentType, len(input.Files) > 0)
	if _, ok := allowedContentTypes[contentType]; !ok {
		return nil, validationError("invalid content type", map[string]any{"contentType": input.ContentType})
	}

	sender, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	msg := store.Message{
		ID:           util.NewID("msg"),
		ChannelID:    channelID,
		SenderID:     sender.ID,
		Content:      content,
		ContentType:  contentType,
		Mentions:     uniqueMentions(input.Mentions, sender.ID),
		SenderName:   sender.DisplayName,
		SenderEmail:  sender.Email,
		SenderAvatar: sender.AvatarURL,
		SenderRole:   sender.Role,
	}
	if parentID := strings.TrimSpace(input.ParentID); parentID != "" {
		msg.ParentID = &parentID
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, err
	}

	attachments, uploadErrors := s.uploadFiles(ctx, msg, input.Files)

	if _, err := s.audit.Append(ctx, audit.Entry{
		MessageID:  msg.ID,
		ChannelID:  channelID,
		Action:     audit.ActionCreated,
		ActorID:    sender.ID,
		ActorName:  sender.DisplayName,
		ActorEmail: sender.Email,
		ActorRole:  sender.Role,
		NewContent: content,
	}); err != nil {
		// The create is not durable without its trail; undo the row (the
		// attachment rows cascade) and release the uploaded objects.
		for _, att := range attachments {
			if derr := s.blobs.Delete(ctx, att.StorageKey); derr != nil {
				log.Printf("app: release object %s after audit failure: %v", att.StorageKey, derr)
			}
		}
		if derr := s.store.DeleteMessage(ctx, msg.ID); derr != nil {
			log.Printf("app: undo message %s after audit failure: %v", msg.ID, derr)
		}
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	if err := s.store.TouchChannel(ctx, channelID); err != nil {
		log.Printf("app: touch channel %s: %v", channelID, err)
	}

	if fresh, err := s.store.GetMessage(ctx, msg.ID); err == nil {
		msg = fresh
	}

	payload := messagePayload(msg, attachments)
	s.events.Enqueue(broadcast.Event{
		Topic:   broadcast.ChannelTopic(channelID),
		Name:    broadcast.EventNewMessage,
		Payload: map[string]any{"message": payload},
	})
	for _, mentioned := range msg.Mentions {
		s.events.Enqueue(broadcast.Event{
			Topic: broadcast.UserTopic(mentioned),
			Name:  broadcast.EventMentionNotification,
			Payload: map[string]any{
				"messageId":   msg.ID,
				"channelId":   channelID,
				"mentionedBy": sender.ID,
				"senderName":  sender.DisplayName,
			},
		})
	}
	s.search.IndexMessage(searchRecord(msg))

	return map[string]any{"message": payload, "uploadErrors": uploadErrors}, nil
}

func (s *Service) UpdateMessage(ctx context.Context, session Session, messageID string, input UpdateMessageInput) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, err := s.memberRole(ctx, msg.ChannelID, session.UserID)
	if err != nil {
		return nil, err
	}
	if msg.IsTrashed {
		return nil, conflictError("message is trashed")
	}
	if msg.SenderID != session.UserID && !membership.IsElevated(role) {
		return nil, authorizationError("only the sender or a channel admin can edit a message")
	}

	content := strings.TrimSpace(input.Content)
	if content == "" && len(input.AddFiles) == 0 && len(input.RemoveAttachmentIDs) == 0 {
		return nil, validationError("nothing to update", nil)
	}

	// Removals are isolated: a failed one is logged and the edit continues.
	for _, attachmentID := range input.RemoveAttachmentIDs {
		att, err := s.store.GetAttachment(ctx, attachmentID)
		if err != nil {
			log.Printf("app: remove attachment %s: %v", attachmentID, err)
			continue
		}
		if att.MessageID != messageID {
			log.Printf("app: attachment %s does not belong to message %s, skipping", attachmentID, messageID)
			continue
		}
		if err := s.blobs.Delete(ctx, att.StorageKey); err != nil {
			log.Printf("app: delete object %s: %v", att.StorageKey, err)
		}
		if err := s.store.DeleteAttachment(ctx, attachmentID); err != nil {
			log.Printf("app: delete attachment %s: %v", attachmentID, err)
		}
	}

	added, uploadErrors := s.uploadFiles(ctx, msg, input.AddFiles)

	if content != "" && content != msg.Content {
		if err := s.store.UpdateMessageContent(ctx, messageID, content); err != nil {
			return nil, err
		}
		if _, err := s.audit.Append(ctx, audit.Entry{
			MessageID:       msg.ID,
			ChannelID:       msg.ChannelID,
			Action:          audit.ActionEdited,
			ActorID:         session.UserID,
			ActorName:       session.UserName,
			ActorEmail:      session.Email,
			ActorRole:       session.Role,
			PreviousContent: msg.Content,
			NewContent:      content,
		}); err != nil {
			if uerr := s.store.UpdateMessageContent(ctx, messageID, msg.Content); uerr != nil {
				log.Printf("app: revert content of %s after audit failure: %v", messageID, uerr)
			}
			return nil, fmt.Errorf("append audit entry: %w", err)
		}
	}

	fresh, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if len(added) > 0 {
		s.events.Enqueue(broadcast.Event{
			Topic: broadcast.ChannelTopic(msg.ChannelID),
			Name:  broadcast.EventAttachmentsAdded,
			Payload: map[string]any{
				"messageId":   msg.ID,
				"channelId":   msg.ChannelID,
				"attachments": attachmentPayloads(added),
			},
		})
	}
	s.search.IndexMessage(searchRecord(fresh))

	return map[string]any{"message": messagePayload(fresh, attachments), "uploadErrors": uploadErrors}, nil
}

// HideForSelf flags the message as hidden for one viewer. This is a private
// preference, not a lifecycle transition: no audit entry is written.
func (s *Service) HideForSelf(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.memberRole(ctx, msg.ChannelID, session.UserID); err != nil {
		return nil, err
	}

	changed, err := s.store.HideMessage(ctx, messageID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, conflictError("message already hidden for this user")
	}

	// The payload carries the hiding user's id so subscribers other than
	// that user's own clients can ignore the event.
	s.events.Enqueue(broadcast.Event{
		Topic: broadcast.ChannelTopic(msg.ChannelID),
		Name:  broadcast.EventMessageHidden,
		Payload: map[string]any{
			"messageId": messageID,
			"channelId": msg.ChannelID,
			"userId":    session.UserID,
		},
	})

	return map[string]any{"messageId": messageID, "hidden": true}, nil
}

func (s *Service) Trash(ctx context.Context, session Session, messageID, reason string) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, err := s.memberRole(ctx, msg.ChannelID, session.UserID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != session.UserID && !membership.IsElevated(role) {
		return nil, authorizationError("only the sender or a channel admin can trash a message")
	}
	if msg.IsTrashed {
		return nil, conflictError("message already trashed")
	}

	trashReason := strings.TrimSpace(reason)
	changed, err := s.store.TrashMessage(ctx, messageID, session.UserID, trashReason)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost the race against a concurrent trash.
		return nil, conflictError("message already trashed")
	}

	if _, err := s.audit.Append(ctx, audit.Entry{
		MessageID:       msg.ID,
		ChannelID:       msg.ChannelID,
		Action:          audit.ActionTrashed,
		ActorID:         session.UserID,
		ActorName:       session.UserName,
		ActorEmail:      session.Email,
		ActorRole:       session.Role,
		PreviousContent: msg.Content,
		Metadata:        map[string]any{"trash_reason": trashReason},
	}); err != nil {
		// Fail closed: without the trail the transition must not stand.
		// msg.OriginalContent is the snapshot from before this trash, empty
		// unless the message was trashed and restored earlier.
		if uerr := s.store.UntrashMessage(ctx, messageID, msg.OriginalContent); uerr != nil {
			log.Printf("app: untrash %s after audit failure: %v", messageID, uerr)
		}
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	s.search.DeleteMessage(messageID)
	s.events.Enqueue(broadcast.Event{
		Topic: broadcast.ChannelTopic(msg.ChannelID),
		Name:  broadcast.EventMessageTrashed,
		Payload: map[string]any{
			"messageId": messageID,
			"channelId": msg.ChannelID,
			"trashedBy": session.UserID,
			"reason":    trashReason,
		},
	})

	fresh, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"message": messagePayload(fresh, attachments)}, nil
}

func (s *Service) Restore(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, err := s.memberRole(ctx, msg.ChannelID, session.UserID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != session.UserID && !membership.IsElevated(role) {
		return nil, authorizationError("only the sender or a channel admin can restore a message")
	}
	if !msg.IsTrashed {
		return nil, conflictError("message is not trashed")
	}

	changed, err := s.store.RestoreMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, conflictError("message is not trashed")
	}

	if _, err := s.audit.Append(ctx, audit.Entry{
		MessageID:       msg.ID,
		ChannelID:       msg.ChannelID,
		Action:          audit.ActionRestored,
		ActorID:         session.UserID,
		ActorName:       session.UserName,
		ActorEmail:      session.Email,
		ActorRole:       session.Role,
		PreviousContent: msg.OriginalContent,
	}); err != nil {
		if _, terr := s.store.TrashMessage(ctx, messageID, msg.TrashedBy, msg.TrashReason); terr != nil {
			log.Printf("app: re-trash %s after audit failure: %v", messageID, terr)
		}
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	s.events.Enqueue(broadcast.Event{
		Topic: broadcast.ChannelTopic(msg.ChannelID),
		Name:  broadcast.EventMessageRestored,
		Payload: map[string]any{
			"messageId":  messageID,
			"channelId":  msg.ChannelID,
			"restoredBy": session.UserID,
		},
	})

	fresh, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	attachments, err := s.store.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.search.IndexMessage(searchRecord(fresh))
	return map[string]any{"message": messagePayload(fresh, attachments)}, nil
}

func (s *Service) PermanentlyDelete(ctx context.Context, session Session, messageID string) (map[string]any, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	role, err := s.memberRole(ctx, msg.ChannelID, session.UserID)
	if err != nil {
		return nil, err
	}
	if !msg.IsTrashed && !membership.IsElevated(role) {
		return nil, authorizationError("permanent delete requires a trashed message or an elevated channel role")
	}

	attachments, err := s.store.ListAttachments(ctx, messageID)
	if err != nil {
		return nil, err
	}

	// Storage deletes are best effort and isolated per object; a failure is
	// counted, never aborts the batch.
	storageErrors := 0
	for _, att := range attachments {
		if err := s.blobs.Delete(ctx, att.StorageKey); err != nil {
			log.Printf("app: delete object %s: %v", att.StorageKey, err)
			storageErrors++
		}
	}

	previousContent := msg.Content
	if msg.OriginalContent != "" {
		previousContent = msg.OriginalContent
	}

	// The terminal audit entry must be durable before the row goes away;
	// after the delete it is the only remaining copy of the content.
	if _, err := s.audit.Append(ctx, audit.Entry{
		MessageID:       msg.ID,
		ChannelID:       msg.ChannelID,
		Action:          audit.ActionPermanentlyDeleted,
		ActorID:         session.UserID,
		ActorName:       session.UserName,
		ActorEmail:      session.Email,
		ActorRole:       session.Role,
		PreviousContent: previousContent,
		Metadata: map[string]any{
			"attachments_deleted":        len(attachments),
			"storage_delete_error_count": storageErrors,
		},
	}); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		return nil, err
	}

	s.search.DeleteMessage(messageID)
	s.events.Enqueue(broadcast.Event{
		Topic: broadcast.ChannelTopic(msg.ChannelID),
		Name:  broadcast.EventMessageDeleted,
		Payload: map[string]any{
			"messageId": messageID,
			"channelId": msg.ChannelID,
			"deletedBy": session.UserID,
		},
	})

	return map[string]any{
		"messageId":           messageID,
		"deleted":             true,
		"storageDeleteErrors": storageErrors,
	}, nil
}

// --- forwarding ---

// ForwardMessages copies the source set into every target channel. The
// membership check is all-or-nothing across all source and target channels;
// after that, each target channel fails or succeeds independently and
// failures are reported alongside the created ids.
func (s *Service) ForwardMessages(ctx context.Context, session Session, input ForwardInput) (map[string]any, error) {
	if len(input.SourceMessageIDs) < 1 || len(input.SourceMessageIDs) > maxForwardSources {
		return nil, validationError(fmt.Sprintf("between 1 and %d source messages required", maxForwardSources), nil)
	}
	if len(input.TargetChannelIDs) < 1 || len(input.TargetChannelIDs) > maxForwardTargets {
		return nil, validationError(fmt.Sprintf("between 1 and %d target channels required", maxForwardTargets), nil)
	}

	sources := make([]store.Message, 0, len(input.SourceMessageIDs))
	for _, id := range input.SourceMessageIDs {
		msg, err := s.store.GetMessage(ctx, id)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, notFoundError("source message " + id + " not found")
			}
			return nil, err
		}
		sources = append(sources, msg)
	}

	checkedChannels := map[string]struct{}{}
	for _, src := range sources {
		if _, ok := checkedChannels[src.ChannelID]; ok {
			continue
		}
		checkedChannels[src.ChannelID] = struct{}{}
		if _, err := s.memberRole(ctx, src.ChannelID, session.UserID); err != nil {
			return nil, err
		}
	}
	for _, target := range input.TargetChannelIDs {
		if _, err := s.memberRole(ctx, target, session.UserID); err != nil {
			return nil, err
		}
	}

	sender, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return nil, err
	}

	prefix := strings.TrimSpace(input.Prefix)
	created := map[string][]string{}
	forwardErrors := []map[string]any{}
	for _, target := range input.TargetChannelIDs {
		ids, err := s.forwardIntoChannel(ctx, sender, target, sources, prefix)
		created[target] = ids
		if err != nil {
			log.Printf("app: forward into %s: %v", target, err)
			forwardErrors = append(forwardErrors, map[string]any{
				"channelId": target,
				"error":     err.Error(),
			})
		}
	}

	return map[string]any{"created": created, "errors": forwardErrors}, nil
}

// forwardIntoChannel creates one copy per source, in source order, then
// bumps the channel's activity timestamp exactly once and announces each
// copy. An error stops this channel's loop; copies made before it stand.
func (s *Service) forwardIntoChannel(ctx context.Context, sender store.User, channelID string, sources []store.Message, prefix string) ([]string, error) {
	ids := []string{}
	copies := []forwardedCopy{}

	fail := func(err error) ([]string, error) {
		s.finishForward(ctx, channelID, ids, copies)
		return ids, err
	}

	for i, src := range sources {
		content := forwardMarker + src.Content
		if i == 0 && prefix != "" {
			content = prefix + "\n\n" + content
		}

		msg := store.Message{
			ID:           util.NewID("msg"),
			ChannelID:    channelID,
			SenderID:     sender.ID,
			Content:      content,
			ContentType:  src.ContentType,
			SenderName:   sender.DisplayName,
			SenderEmail:  sender.Email,
			SenderAvatar: sender.AvatarURL,
			SenderRole:   sender.Role,
		}
		if err := s.store.InsertMessage(ctx, msg); err != nil {
			return fail(fmt.Errorf("forward %s: %w", src.ID, err))
		}

		sourceAttachments, err := s.store.ListAttachments(ctx, src.ID)
		if err != nil {
			s.undoForwardCopy(ctx, msg.ID)
			return fail(fmt.Errorf("list attachments of %s: %w", src.ID, err))
		}
		copied := make([]store.Attachment, 0, len(sourceAttachments))
		for _, att := range sourceAttachments {
			// Same storage object, new record; nothing is re-uploaded.
			duplicate := store.Attachment{
				ID:          util.NewID("att"),
				MessageID:   msg.ID,
				ChannelID:   channelID,
				UploaderID:  sender.ID,
				FileName:    att.FileName,
				URL:         att.URL,
				StorageKey:  att.StorageKey,
				Bucket:      att.Bucket,
				Size:        att.Size,
				ContentType: att.ContentType,
			}
			if err := s.store.InsertAttachment(ctx, duplicate); err != nil {
				s.undoForwardCopy(ctx, msg.ID)
				return fail(fmt.Errorf("copy attachment %s: %w", att.ID, err))
			}
			copied = append(copied, duplicate)
		}

		if _, err := s.audit.Append(ctx, audit.Entry{
			MessageID:  msg.ID,
			ChannelID:  channelID,
			Action:     audit.ActionCreated,
			ActorID:    sender.ID,
			ActorName:  sender.DisplayName,
			ActorEmail: sender.Email,
			ActorRole:  sender.Role,
			NewContent: content,
			Metadata:   map[string]any{"forwarded_from": src.ID},
		}); err != nil {
			s.undoForwardCopy(ctx, msg.ID)
			return fail(fmt.Errorf("append audit entry: %w", err))
		}

		ids = append(ids, msg.ID)
		copies = append(copies, forwardedCopy{msg: msg, attachments: copied})
	}

	s.finishForward(ctx, channelID, ids, copies)
	return ids, nil
}

type forwardedCopy struct {
	msg         store.Message
	attachments []store.Attachment
}

// finishForward runs the per-channel postlude: one activity bump, then one
// announcement and one index write per surviving copy.
func (s *Service) finishForward(ctx context.Context, channelID string, ids []string, copies []forwardedCopy) {
	if len(ids) == 0 {
		return
	}
	if err := s.store.TouchChannel(ctx, channelID); err != nil {
		log.Printf("app: touch channel %s: %v", channelID, err)
	}
	for _, c := range copies {
		s.events.Enqueue(broadcast.Event{
			Topic:   broadcast.ChannelTopic(channelID),
			Name:    broadcast.EventNewMessage,
			Payload: map[string]any{"message": messagePayload(c.msg, c.attachments)},
		})
		s.search.IndexMessage(searchRecord(c.msg))
	}
}

func (s *Service) undoForwardCopy(ctx context.Context, messageID string) {
	if err := s.store.DeleteMessage(ctx, messageID); err != nil {
		log.Printf("app: undo forwarded copy %s: %v", messageID, err)
	}
}

// --- search & scrollback ---

func (s *Service) SearchMessages(ctx context.Context, session Session, channelID, query string, limit, offset int) (map[string]any, error) {
	if _, err := s.memberRole(ctx, channelID, session.UserID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(query)
	if text == "" {
		return nil, validationError("q is required", nil)
	}

	resp := s.search.Search(search.Query{
		Text:      text,
		ChannelID: channelID,
		Limit:     limit,
		Offset:    offset,
	})
	return map[string]any{
		"messages": resp.Results,
		"total":    resp.Total,
		"query":    resp.Query,
	}, nil
}

// LoadOlderMessages pages backward through a channel. Trashed and per-viewer
// hidden messages are returned with their flags set; suppressing them is the
// client's concern, which keeps paging offsets stable across viewers.
func (s *Service) LoadOlderMessages(ctx context.Context, session Session, channelID string, limit, offset int) (map[string]any, error) {
	if _, err := s.memberRole(ctx, channelID, session.UserID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	messages, err := s.store.ListOlderMessages(ctx, channelID, limit, offset)
	if err != nil {
		return nil, err
	}

	payloads := make([]map[string]any, 0, len(messages))
	for _, msg := range messages {
		attachments, err := s.store.ListAttachments(ctx, msg.ID)
		if err != nil {
			log.Printf("app: list attachments of %s: %v", msg.ID, err)
		}
		payloads = append(payloads, messagePayload(msg, attachments))
	}

	return map[string]any{
		"messages": payloads,
		"hasMore":  len(messages) == limit,
	}, nil
}

// --- audit review ---

func (s *Service) ListAuditLogs(ctx context.Context, session Session, filter audit.Filter) (map[string]any, error) {
	if filter.ChannelID != "" {
		role, err := s.memberRole(ctx, filter.ChannelID, session.UserID)
		if err != nil {
			return nil, err
		}
		if !membership.IsElevated(role) {
			return nil, authorizationError("audit review requires an elevated channel role")
		}
	} else if session.Role != "admin" {
		return nil, authorizationError("cross-channel audit review requires the admin role")
	}

	entries, total, err := s.audit.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return map[string]any{"entries": entries, "total": total}, nil
}

// --- health ---

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingAudit(ctx context.Context) error {
	return s.audit.Ping(ctx)
}

// --- helpers ---

// uploadFiles runs the per-file pipeline: validate, put, record. Each file
// succeeds or fails on its own; failures land in the returned error list and
// never abort sibling uploads.
func (s *Service) uploadFiles(ctx context.Context, msg store.Message, files []FileUpload) ([]store.Attachment, []map[string]any) {
	attachments := []store.Attachment{}
	uploadErrors := []map[string]any{}
	for _, file := range files {
		if err := blob.ValidateFile(file.FileName, int64(len(file.Data))); err != nil {
			uploadErrors = append(uploadErrors, map[string]any{"fileName": file.FileName, "error": err.Error()})
			continue
		}
		object, err := s.blobs.Put(ctx, file.FileName, file.ContentType, file.Data)
		if err != nil {
			uploadErrors = append(uploadErrors, map[string]any{"fileName": file.FileName, "error": "upload failed: " + err.Error()})
			continue
		}
		att := store.Attachment{
			ID:          util.NewID("att"),
			MessageID:   msg.ID,
			ChannelID:   msg.ChannelID,
			UploaderID:  msg.SenderID,
			FileName:    file.FileName,
			URL:         object.URL,
			StorageKey:  object.Key,
			Bucket:      object.Bucket,
			Size:        object.Size,
			ContentType: object.ContentType,
		}
		if err := s.store.InsertAttachment(ctx, att); err != nil {
			if derr := s.blobs.Delete(ctx, object.Key); derr != nil {
				log.Printf("app: release object %s: %v", object.Key, derr)
			}
			uploadErrors = append(uploadErrors, map[string]any{"fileName": file.FileName, "error": "record failed: " + err.Error()})
			continue
		}
		attachments = append(attachments, att)
	}
	return attachments, uploadErrors
}

func normalizeContentType(contentType string, hasFiles bool) string {
	normalized := strings.ToLower(strings.TrimSpace(contentType))
	if normalized == "" {
		if hasFiles {
			return "file"
		}
		return "text"
	}
	return normalized
}

func uniqueMentions(mentions []string, senderID string) []string {
	out := []string{}
	seen := map[string]struct{}{}
	for _, id := range mentions {
		id = strings.TrimSpace(id)
		if id == "" || id == senderID {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func messagePayload(msg store.Message, attachments []store.Attachment) map[string]any {
	payload := map[string]any{
		"id":          msg.ID,
		"channelId":   msg.ChannelID,
		"senderId":    msg.SenderID,
		"content":     msg.Content,
		"contentType": msg.ContentType,
		"mentions":    nonNilStrings(msg.Mentions),
		"sender": map[string]any{
			"name":   msg.SenderName,
			"email":  msg.SenderEmail,
			"avatar": msg.SenderAvatar,
			"role":   msg.SenderRole,
		},
		"isTrashed":   msg.IsTrashed,
		"hiddenBy":    nonNilStrings(msg.HiddenBy),
		"attachments": attachmentPayloads(attachments),
		"createdAt":   msg.CreatedAt,
		"updatedAt":   msg.UpdatedAt,
	}
	if msg.ParentID != nil {
		payload["parentId"] = *msg.ParentID
	}
	if msg.IsTrashed {
		payload["trashedAt"] = msg.TrashedAt
		payload["trashedBy"] = msg.TrashedBy
		payload["trashReason"] = msg.TrashReason
	}
	return payload
}

func attachmentPayloads(attachments []store.Attachment) []map[string]any {
	out := make([]map[string]any, 0, len(attachments))
	for _, att := range attachments {
		out = append(out, map[string]any{
			"id":          att.ID,
			"messageId":   att.MessageID,
			"fileName":    att.FileName,
			"url":         att.URL,
			"size":        att.Size,
			"contentType": att.ContentType,
			"createdAt":   att.CreatedAt,
		})
	}
	return out
}

func searchRecord(msg store.Message) search.MessageRecord {
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return search.MessageRecord{
		ID:         msg.ID,
		ChannelID:  msg.ChannelID,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		CreatedAt:  createdAt.Unix(),
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

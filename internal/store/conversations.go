// Package store persists conversations and their messages with gorm. It is a
// plain data-access layer: access decisions live in package access.
package store

import (
	"context"
	"time"

	"whatsapp-inbox/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrNotRetarget     = errors.New("conversation is not a retarget conversation")
	ErrStageRegression = errors.New("retarget stage can only move forward")
	ErrConcurrentWrite = errors.New("conversation changed concurrently")
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// ListFilter narrows List. Conversations on PhoneIDs are returned, plus
// internal ones when IncludeInternal is set; with neither there are no rows.
type ListFilter struct {
	PhoneIDs        []string
	IncludeInternal bool
	IsRetarget      *bool
	Limit           int
	Offset          int
}

func (s *Store) Create(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return errors.Wrap(err, "create conversation")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conv, ErrNotFound
	}
	if err != nil {
		return conv, errors.Wrapf(err, "get conversation %s", id)
	}
	return conv, nil
}

// List returns matching conversations, most recently active first. The order
// is total, so Offset pages through a stable sequence.
func (s *Store) List(ctx context.Context, f ListFilter) ([]models.Conversation, error) {
	convs := []models.Conversation{}
	q := s.db.WithContext(ctx)
	switch {
	case len(f.PhoneIDs) > 0 && f.IncludeInternal:
		q = q.Where("(business_phone_id IN ? OR source = ?)", f.PhoneIDs, models.SourceInternal)
	case len(f.PhoneIDs) > 0:
		q = q.Where("business_phone_id IN ?", f.PhoneIDs)
	case f.IncludeInternal:
		q = q.Where("source = ?", models.SourceInternal)
	default:
		return convs, nil
	}

	if f.IsRetarget != nil {
		q = q.Where("is_retarget = ?", *f.IsRetarget)
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}
	if err := q.Order("updated_at DESC, id ASC").Find(&convs).Error; err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}
	return convs, nil
}

// FindOrCreateInbound returns the latest conversation between a business
// phone and a customer, opening a plain one if none exists.
func (s *Store) FindOrCreateInbound(ctx context.Context, phoneID, waID string) (models.Conversation, bool, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("business_phone_id = ? AND customer_wa_id = ?", phoneID, waID).
		Order("updated_at DESC").
		First(&conv).Error
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return conv, false, errors.Wrap(err, "find inbound conversation")
	}

	conv = models.Conversation{BusinessPhoneID: phoneID, CustomerWaID: waID}
	if err := s.Create(ctx, &conv); err != nil {
		return conv, false, err
	}
	return conv, true, nil
}

// AppendMessage stores msg and bumps the conversation's activity time.
func (s *Store) AppendMessage(ctx context.Context, msg *models.Message) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(msg).Error; err != nil {
			return errors.Wrap(err, "create message")
		}
		res := tx.Model(&models.Conversation{}).
			Where("id = ?", msg.ConversationID).
			Update("updated_at", time.Now())
		if res.Error != nil {
			return errors.Wrap(res.Error, "touch conversation")
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *Store) Message(ctx context.Context, id uint) (models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return msg, errors.Wrapf(ErrNotFound, "message %d", id)
	}
	return msg, errors.Wrap(err, "get message")
}

// Messages returns a conversation's messages oldest first.
func (s *Store) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	return msgs, nil
}

// AdvanceStage moves a retarget conversation forward in its lifecycle.
//
// Stages never regress or repeat. Moving to handed_to_sales transfers
// ownership to Sales and records assignee (which may be empty for "any Sales
// agent on the phone"); since nothing follows that stage, ownership is set
// exactly once. The update is conditional on the stage read, so of two
// concurrent transitions only one lands.
func (s *Store) AdvanceStage(ctx context.Context, id string, to models.RetargetStage, assignee string) (models.Conversation, error) {
	var conv models.Conversation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return errors.Wrap(err, "load conversation")
		}
		if !conv.IsRetarget {
			return ErrNotRetarget
		}
		if !conv.RetargetStage.Before(to) {
			return errors.Wrapf(ErrStageRegression, "%q -> %q", conv.RetargetStage, to)
		}

		updates := map[string]interface{}{
			"retarget_stage": to,
			"updated_at":     time.Now(),
		}
		if to.HandedOver() {
			updates["owner_role"] = models.RoleSales
			updates["assigned_agent"] = assignee
			updates["owner_user_id"] = assignee
		}

		res := tx.Model(&models.Conversation{}).
			Where("id = ? AND retarget_stage = ?", id, conv.RetargetStage).
			Updates(updates)
		if res.Error != nil {
			return errors.Wrap(res.Error, "advance stage")
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentWrite
		}
		return tx.Where("id = ?", id).First(&conv).Error
	})
	return conv, err
}

// UpdateMessageStatus records a delivery status reported for an outbound
// message and returns the updated message.
func (s *Store) UpdateMessageStatus(ctx context.Context, waMessageID, status string) (models.Message, error) {
	var msg models.Message
	res := s.db.WithContext(ctx).Model(&models.Message{}).
		Where("wa_message_id = ?", waMessageID).
		Update("status", status)
	if res.Error != nil {
		return msg, errors.Wrap(res.Error, "update message status")
	}
	if res.RowsAffected == 0 {
		return msg, errors.Wrapf(ErrNotFound, "message %s", waMessageID)
	}
	if err := s.db.WithContext(ctx).Where("wa_message_id = ?", waMessageID).First(&msg).Error; err != nil {
		return msg, errors.Wrap(err, "reload message")
	}
	return msg, nil
}

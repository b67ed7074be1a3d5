package repository

import (
	"errors"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEventRepository 回调去重记录数据访问接口
type WebhookEventRepository interface {
	CreateIfAbsent(event *models.WebhookEvent) (bool, error)
	GetByID(id uint) (*models.WebhookEvent, error)
	GetByKey(txnID, eventType string) (*models.WebhookEvent, error)
	Update(id uint, updates map[string]interface{}) error
	ListPendingRetry(before time.Time, limit int) ([]models.WebhookEvent, error)
	Delete(id uint) error
	WithTx(tx *gorm.DB) *GormWebhookEventRepository
}

// GormWebhookEventRepository GORM 实现
type GormWebhookEventRepository struct {
	db *gorm.DB
}

// NewWebhookEventRepository 创建回调记录仓库
func NewWebhookEventRepository(db *gorm.DB) *GormWebhookEventRepository {
	return &GormWebhookEventRepository{db: db}
}

// WithTx 绑定事务
func (r *GormWebhookEventRepository) WithTx(tx *gorm.DB) *GormWebhookEventRepository {
	if tx == nil {
		return r
	}
	return &GormWebhookEventRepository{db: tx}
}

// CreateIfAbsent 按 (gateway_transaction_id, event_type) 插入，已存在时返回 false
func (r *GormWebhookEventRepository) CreateIfAbsent(event *models.WebhookEvent) (bool, error) {
	if event == nil {
		return false, errors.New("webhook event is nil")
	}
	result := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "gateway_transaction_id"}, {Name: "event_type"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// GetByID 根据ID获取回调记录
func (r *GormWebhookEventRepository) GetByID(id uint) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &event, nil
}

// GetByKey 根据去重键获取回调记录
func (r *GormWebhookEventRepository) GetByKey(txnID, eventType string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	result := r.db.Where("gateway_transaction_id = ? AND event_type = ?", txnID, eventType).Limit(1).Find(&event)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &event, nil
}

// Update 更新处理结果
func (r *GormWebhookEventRepository) Update(id uint, updates map[string]interface{}) error {
	if id == 0 || len(updates) == 0 {
		return nil
	}
	return r.db.Model(&models.WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

// ListPendingRetry 获取等待重试且超过退避时间的记录
func (r *GormWebhookEventRepository) ListPendingRetry(before time.Time, limit int) ([]models.WebhookEvent, error) {
	query := r.db.Where("status = ? AND updated_at <= ?", constants.WebhookStatusPendingRetry, before).Order("id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var events []models.WebhookEvent
	if err := query.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// Delete 删除回调记录（处理异常时释放去重键，允许网关重投）
func (r *GormWebhookEventRepository) Delete(id uint) error {
	return r.db.Delete(&models.WebhookEvent{}, id).Error
}

package repository

import (
	"errors"
	"strings"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PaymentRepository 支付数据访问接口
type PaymentRepository interface {
	Create(payment *models.Payment) error
	GetByID(id uint) (*models.Payment, error)
	GetByIDForUpdate(id uint) (*models.Payment, error)
	GetByReference(reference string) (*models.Payment, error)
	GetByGatewayTransactionID(txnID string) (*models.Payment, error)
	GetLatestByOrder(orderID uint) (*models.Payment, error)
	UpdateStatusCAS(id uint, fromStatus string, fromVersion int64, updates map[string]interface{}) (int64, error)
	AppendTransaction(txn *models.PaymentTransaction) error
	ListTransactions(paymentID uint) ([]models.PaymentTransaction, error)
	ListExpirable(now time.Time, limit int) ([]models.Payment, error)
	ListRefundsInFlight(before time.Time, limit int) ([]models.Payment, error)
	List(filter PaymentListFilter) ([]models.Payment, int64, error)
	WithTx(tx *gorm.DB) *GormPaymentRepository
}

// GormPaymentRepository GORM 实现
type GormPaymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository 创建支付仓库
func NewPaymentRepository(db *gorm.DB) *GormPaymentRepository {
	return &GormPaymentRepository{db: db}
}

// WithTx 绑定事务
func (r *GormPaymentRepository) WithTx(tx *gorm.DB) *GormPaymentRepository {
	if tx == nil {
		return r
	}
	return &GormPaymentRepository{db: tx}
}

// Create 创建支付记录
func (r *GormPaymentRepository) Create(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

// GetByID 根据 ID 获取支付记录
func (r *GormPaymentRepository) GetByID(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByIDForUpdate 加锁读取支付记录（事务内使用）
func (r *GormPaymentRepository) GetByIDForUpdate(id uint) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.Clauses(clause.Locking{Strength: "UPDATE"}).First(&payment, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByReference 根据对外单号获取支付记录
func (r *GormPaymentRepository) GetByReference(reference string) (*models.Payment, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, nil
	}
	var payment models.Payment
	if err := r.db.Where("reference = ?", reference).First(&payment).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &payment, nil
}

// GetByGatewayTransactionID 根据网关交易号获取支付记录
func (r *GormPaymentRepository) GetByGatewayTransactionID(txnID string) (*models.Payment, error) {
	txnID = strings.TrimSpace(txnID)
	if txnID == "" {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("gateway_transaction_id = ?", txnID).Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// GetLatestByOrder 获取订单最新支付记录
func (r *GormPaymentRepository) GetLatestByOrder(orderID uint) (*models.Payment, error) {
	if orderID == 0 {
		return nil, nil
	}
	var payment models.Payment
	result := r.db.Where("order_id = ?", orderID).Order("id desc").Limit(1).Find(&payment)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	return &payment, nil
}

// UpdateStatusCAS 以 (status, version) 为条件更新，返回影响行数；0 表示状态已被并发修改
func (r *GormPaymentRepository) UpdateStatusCAS(id uint, fromStatus string, fromVersion int64, updates map[string]interface{}) (int64, error) {
	if id == 0 {
		return 0, errors.New("invalid payment id")
	}
	values := make(map[string]interface{}, len(updates)+2)
	for key, value := range updates {
		values[key] = value
	}
	values["version"] = gorm.Expr("version + 1")
	values["updated_at"] = time.Now()
	result := r.db.Model(&models.Payment{}).
		Where("id = ? AND status = ? AND version = ?", id, fromStatus, fromVersion).
		Updates(values)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// AppendTransaction 追加支付流水
func (r *GormPaymentRepository) AppendTransaction(txn *models.PaymentTransaction) error {
	if txn == nil || txn.PaymentID == 0 {
		return errors.New("invalid payment transaction")
	}
	return r.db.Create(txn).Error
}

// ListTransactions 获取支付流水（按时间正序）
func (r *GormPaymentRepository) ListTransactions(paymentID uint) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	if err := r.db.Where("payment_id = ?", paymentID).Order("id asc").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// ListRefundsInFlight 获取退款已提交网关但在 before 之前仍未入账的支付记录
func (r *GormPaymentRepository) ListRefundsInFlight(before time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("refunding_at IS NOT NULL AND refunding_at <= ?", before).Order("refunding_at asc, id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// ListExpirable 获取已到期仍未完结的支付记录
func (r *GormPaymentRepository) ListExpirable(now time.Time, limit int) ([]models.Payment, error) {
	query := r.db.Where("status IN ? AND expires_at <= ?",
		[]string{constants.PaymentStatusPending, constants.PaymentStatusProcessing},
		now,
	).Order("expires_at asc, id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var payments []models.Payment
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// List 支付列表
func (r *GormPaymentRepository) List(filter PaymentListFilter) ([]models.Payment, int64, error) {
	query := r.db.Model(&models.Payment{})

	if filter.UserID != 0 {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.OrderID != 0 {
		query = query.Where("order_id = ?", filter.OrderID)
	}
	if filter.Gateway != "" {
		query = query.Where("gateway = ?", filter.Gateway)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.CreatedFrom != nil {
		query = query.Where("initiated_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query = query.Where("initiated_at <= ?", *filter.CreatedTo)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query = applyPagination(query, filter.Page, filter.PageSize)

	var payments []models.Payment
	if err := query.Order("id desc").Find(&payments).Error; err != nil {
		return nil, 0, err
	}
	return payments, total, nil
}

package repository

import (
	"fmt"
	"testing"
	"time"

	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

func setupRepositoryTest(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repository_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	if err := models.MigrateTables(db); err != nil {
		t.Fatalf("auto migrate failed: %v", err)
	}
	return db
}

func money(v string) models.Money {
	return models.NewMoneyFromDecimal(decimal.RequireFromString(v))
}

func createPromotion(t *testing.T, db *gorm.DB, code string, stock int) *models.Promotion {
	t.Helper()
	promotion := &models.Promotion{
		Code:         code,
		Name:         code,
		Type:         constants.PromotionTypePercentage,
		Percent:      money("10"),
		InitialStock: stock,
		Stock:        stock,
		IsActive:     true,
	}
	if err := db.Create(promotion).Error; err != nil {
		t.Fatalf("create promotion failed: %v", err)
	}
	return promotion
}

func createPayment(t *testing.T, db *gorm.DB, ref string, status string, expiresAt time.Time) *models.Payment {
	t.Helper()
	payment := &models.Payment{
		Reference:       ref,
		OrderID:         1,
		UserID:          1,
		RequestedAmount: money("100"),
		FinalAmount:     money("100"),
		Currency:        "USD",
		Gateway:         "mock",
		Status:          status,
		InitiatedAt:     time.Now(),
		ExpiresAt:       expiresAt,
	}
	if err := db.Create(payment).Error; err != nil {
		t.Fatalf("create payment failed: %v", err)
	}
	return payment
}

func TestPromotionReserveStockRequiresVersionAndStock(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPromotionRepository(db)
	promotion := createPromotion(t, db, "ONE", 1)

	rows, err := repo.ReserveStock(promotion.ID, promotion.Version+1)
	if err != nil || rows != 0 {
		t.Fatalf("stale version should not reserve: rows=%d err=%v", rows, err)
	}
	rows, err = repo.ReserveStock(promotion.ID, promotion.Version)
	if err != nil || rows != 1 {
		t.Fatalf("reserve failed: rows=%d err=%v", rows, err)
	}
	rows, err = repo.ReserveStock(promotion.ID, promotion.Version+1)
	if err != nil || rows != 0 {
		t.Fatalf("exhausted stock should not reserve: rows=%d err=%v", rows, err)
	}

	current, _ := repo.GetByID(promotion.ID)
	if current.Stock != 0 || current.UsedCount != 1 || current.Version != promotion.Version+1 {
		t.Fatalf("unexpected counters: stock=%d used=%d version=%d", current.Stock, current.UsedCount, current.Version)
	}
}

func TestPromotionReleaseStockFloorsAtInitial(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPromotionRepository(db)
	promotion := createPromotion(t, db, "FLOOR", 2)

	rows, err := repo.ReleaseStock(promotion.ID)
	if err != nil || rows != 0 {
		t.Fatalf("release without usage should be no-op: rows=%d err=%v", rows, err)
	}
	if _, err := repo.ReserveStock(promotion.ID, promotion.Version); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if rows, _ := repo.ReleaseStock(promotion.ID); rows != 1 {
		t.Fatalf("want 1 row got %d", rows)
	}
	current, _ := repo.GetByID(promotion.ID)
	if current.Stock+current.UsedCount != current.InitialStock || current.Stock != 2 {
		t.Fatalf("unexpected counters: stock=%d used=%d", current.Stock, current.UsedCount)
	}
}

func TestPromotionDeactivateExhausted(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPromotionRepository(db)
	now := time.Now()
	past := now.Add(-time.Hour)

	empty := createPromotion(t, db, "EMPTY", 0)
	ended := createPromotion(t, db, "ENDED", 5)
	if err := db.Model(ended).Update("ends_at", past).Error; err != nil {
		t.Fatalf("update ends_at failed: %v", err)
	}
	live := createPromotion(t, db, "LIVE", 5)

	rows, err := repo.DeactivateExhausted(now, 10)
	if err != nil || rows != 2 {
		t.Fatalf("want 2 deactivated got %d err=%v", rows, err)
	}
	for _, id := range []uint{empty.ID, ended.ID} {
		p, _ := repo.GetByID(id)
		if p.IsActive {
			t.Fatalf("promotion %d should be inactive", id)
		}
	}
	p, _ := repo.GetByID(live.ID)
	if !p.IsActive {
		t.Fatalf("live promotion should stay active")
	}
}

func TestPromotionUsageMarkReleasedOnlyOnce(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPromotionUsageRepository(db)
	usage := &models.PromotionUsage{
		PromotionID: 1,
		Code:        "X",
		UserID:      1,
		OrderID:     1,
		OrderAmount: money("10"),
		FinalAmount: money("9"),
		Status:      constants.PromotionUsageStatusApplied,
		AppliedAt:   time.Now(),
	}
	if err := repo.Create(usage); err != nil {
		t.Fatalf("create usage failed: %v", err)
	}
	if rows, _ := repo.MarkReleased(usage.ID, constants.PromotionUsageStatusCancelled, time.Now()); rows != 1 {
		t.Fatalf("first release want 1 got %d", rows)
	}
	if rows, _ := repo.MarkReleased(usage.ID, constants.PromotionUsageStatusRefunded, time.Now()); rows != 0 {
		t.Fatalf("second release want 0 got %d", rows)
	}
	if _, err := repo.MarkReleased(usage.ID, constants.PromotionUsageStatusApplied, time.Now()); err == nil {
		t.Fatalf("applied is not a release target")
	}
	stored, _ := repo.GetByID(usage.ID)
	if stored.Status != constants.PromotionUsageStatusCancelled || stored.CancelledAt == nil {
		t.Fatalf("unexpected usage state: %s", stored.Status)
	}
}

func TestPaymentUpdateStatusCAS(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPaymentRepository(db)
	payment := createPayment(t, db, "PAY-CAS", constants.PaymentStatusPending, time.Now().Add(time.Hour))

	rows, err := repo.UpdateStatusCAS(payment.ID, constants.PaymentStatusPending, payment.Version, map[string]interface{}{
		"status": constants.PaymentStatusProcessing,
	})
	if err != nil || rows != 1 {
		t.Fatalf("cas failed: rows=%d err=%v", rows, err)
	}
	rows, err = repo.UpdateStatusCAS(payment.ID, constants.PaymentStatusPending, payment.Version, map[string]interface{}{
		"status": constants.PaymentStatusCancelled,
	})
	if err != nil || rows != 0 {
		t.Fatalf("stale cas should miss: rows=%d err=%v", rows, err)
	}
	stored, _ := repo.GetByID(payment.ID)
	if stored.Status != constants.PaymentStatusProcessing || stored.Version != payment.Version+1 {
		t.Fatalf("unexpected payment: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestPaymentListExpirable(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPaymentRepository(db)
	now := time.Now()
	due := createPayment(t, db, "PAY-DUE", constants.PaymentStatusPending, now.Add(-time.Minute))
	createPayment(t, db, "PAY-LATER", constants.PaymentStatusPending, now.Add(time.Hour))
	createPayment(t, db, "PAY-DONE", constants.PaymentStatusCompleted, now.Add(-time.Minute))

	payments, err := repo.ListExpirable(now, 10)
	if err != nil {
		t.Fatalf("list expirable failed: %v", err)
	}
	if len(payments) != 1 || payments[0].ID != due.ID {
		t.Fatalf("unexpected expirable payments: %+v", payments)
	}
}

func TestPaymentGatewayTransactionIDUnique(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewPaymentRepository(db)
	txn := "txn_dup"
	first := createPayment(t, db, "PAY-U1", constants.PaymentStatusCompleted, time.Now())
	second := createPayment(t, db, "PAY-U2", constants.PaymentStatusProcessing, time.Now())
	if err := db.Model(first).Update("gateway_transaction_id", txn).Error; err != nil {
		t.Fatalf("set txn failed: %v", err)
	}
	_, err := repo.UpdateStatusCAS(second.ID, second.Status, second.Version, map[string]interface{}{
		"gateway_transaction_id": txn,
	})
	if err == nil {
		t.Fatalf("duplicate gateway transaction id should fail")
	}
	found, _ := repo.GetByGatewayTransactionID(txn)
	if found == nil || found.ID != first.ID {
		t.Fatalf("lookup by gateway txn failed")
	}
}

func TestWebhookEventCreateIfAbsent(t *testing.T) {
	db := setupRepositoryTest(t)
	repo := NewWebhookEventRepository(db)
	newEvent := func() *models.WebhookEvent {
		return &models.WebhookEvent{
			GatewayTransactionID: "txn_1",
			EventType:            constants.WebhookEventPaymentConfirmed,
			Status:               constants.WebhookStatusReceived,
		}
	}
	created, err := repo.CreateIfAbsent(newEvent())
	if err != nil || !created {
		t.Fatalf("first insert should create: %v %v", created, err)
	}
	created, err = repo.CreateIfAbsent(newEvent())
	if err != nil || created {
		t.Fatalf("second insert should be ignored: %v %v", created, err)
	}
	stored, _ := repo.GetByKey("txn_1", constants.WebhookEventPaymentConfirmed)
	if stored == nil {
		t.Fatalf("event not stored")
	}
	if err := repo.Delete(stored.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	created, _ = repo.CreateIfAbsent(newEvent())
	if !created {
		t.Fatalf("insert after delete should create")
	}
}

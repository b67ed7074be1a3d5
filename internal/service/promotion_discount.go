package service

import (
	"github.com/paysettle/internal/constants"
	"github.com/paysettle/internal/models"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountQuote 折扣报价
type DiscountQuote struct {
	PromotionID    uint         `json:"promotion_id"`
	Code           string       `json:"code"`
	Type           string       `json:"type"`
	OrderAmount    models.Money `json:"order_amount"`
	DiscountAmount models.Money `json:"discount_amount"`
	FinalAmount    models.Money `json:"final_amount"`
	FreeShipping   bool         `json:"free_shipping"`
	Stackable      bool         `json:"stackable"`
	Priority       int          `json:"priority"`
}

// calculateDiscount 计算单个促销的优惠金额，只在应用时计算一次
func calculateDiscount(promotion *models.Promotion, orderAmount decimal.Decimal, currency string) DiscountQuote {
	quote := DiscountQuote{
		PromotionID: promotion.ID,
		Code:        promotion.Code,
		Type:        promotion.Type,
		OrderAmount: models.NewMoneyForCurrency(orderAmount, currency),
		Stackable:   promotion.Stackable,
		Priority:    promotion.Priority,
	}

	discount := decimal.Zero
	switch promotion.Type {
	case constants.PromotionTypePercentage:
		discount = orderAmount.Mul(promotion.Percent.Decimal).Div(hundred)
		if promotion.MaxDiscount.GreaterThan(decimal.Zero) && discount.GreaterThan(promotion.MaxDiscount.Decimal) {
			discount = promotion.MaxDiscount.Decimal
		}
	case constants.PromotionTypeFixedAmount:
		discount = decimal.Min(promotion.DiscountAmount.Decimal, orderAmount)
	case constants.PromotionTypeFreeShipping:
		// 运费减免单独标记，不计入商品金额
		quote.FreeShipping = true
	}
	if discount.LessThan(decimal.Zero) {
		discount = decimal.Zero
	}
	if discount.GreaterThan(orderAmount) {
		discount = orderAmount
	}

	quote.DiscountAmount = models.NewMoneyForCurrency(discount, currency)
	quote.FinalAmount = models.NewMoneyForCurrency(orderAmount.Sub(quote.DiscountAmount.Decimal), currency)
	return quote
}

// combineQuotes 合并可叠加的折扣，总额不超过订单金额
func combineQuotes(quotes []DiscountQuote, orderAmount decimal.Decimal, currency string) (models.Money, bool) {
	total := decimal.Zero
	freeShipping := false
	for _, quote := range quotes {
		total = total.Add(quote.DiscountAmount.Decimal)
		freeShipping = freeShipping || quote.FreeShipping
	}
	if total.GreaterThan(orderAmount) {
		total = orderAmount
	}
	return models.NewMoneyForCurrency(total, currency), freeShipping
}

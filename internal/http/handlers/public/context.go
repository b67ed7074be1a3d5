package public

import (
	"strconv"
	"strings"

	handlershared "github.com/paysettle/internal/http/handlers/shared"
	"github.com/paysettle/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func requestLog(c *gin.Context) *zap.SugaredLogger {
	return handlershared.RequestLog(c)
}

func respondServiceError(c *gin.Context, err error) {
	handlershared.RespondServiceError(c, err)
}

func respondBadRequest(c *gin.Context, err error) {
	handlershared.RespondBadRequest(c, err)
}

func parseID(c *gin.Context) (uint, bool) {
	return handlershared.ParseUintParam(c, "id")
}

// filtersFromQuery 从查询串解析资格过滤条件，列表参数用逗号分隔
func filtersFromQuery(c *gin.Context) (service.EligibilityFilters, error) {
	var filters service.EligibilityFilters
	var err error
	if filters.ProductIDs, err = parseUintList(c.Query("product_ids")); err != nil {
		return filters, err
	}
	if filters.CategoryIDs, err = parseUintList(c.Query("category_ids")); err != nil {
		return filters, err
	}
	if filters.BrandIDs, err = parseUintList(c.Query("brand_ids")); err != nil {
		return filters, err
	}
	filters.UserGroups = splitList(c.Query("user_groups"))
	if raw := strings.TrimSpace(c.Query("first_time_user")); raw != "" {
		firstTime, err := strconv.ParseBool(raw)
		if err != nil {
			return filters, err
		}
		filters.FirstTimeUser = &firstTime
	}
	return filters, nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseUintList(raw string) ([]uint, error) {
	items := splitList(raw)
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]uint, 0, len(items))
	for _, item := range items {
		value, err := strconv.ParseUint(item, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, uint(value))
	}
	return out, nil
}

// firstQuery 兼容驼峰与下划线两种查询参数名
func firstQuery(c *gin.Context, keys ...string) string {
	for _, key := range keys {
		if value := strings.TrimSpace(c.Query(key)); value != "" {
			return value
		}
	}
	return ""
}

package admin

import (
	handlershared "github.com/paysettle/internal/http/handlers/shared"

	"github.com/gin-gonic/gin"
)

// AdminSubjectKey 管理端令牌 subject 在上下文中的键
const AdminSubjectKey = "admin_subject"

func parseID(c *gin.Context) (uint, bool) {
	return handlershared.ParseUintParam(c, "id")
}

func adminSubject(c *gin.Context) string {
	value, ok := c.Get(AdminSubjectKey)
	if !ok {
		return ""
	}
	subject, _ := value.(string)
	return subject
}

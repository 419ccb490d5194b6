package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

func respondData(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"data": data})
}

func parseID(c *gin.Context, param string) (snowflake.ID, bool) {
	raw := c.Param(param)
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed <= 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_" + param})
		c.Abort()
		return 0, false
	}
	return snowflake.ID(parsed), true
}

package health

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Health reports the control API as alive.
func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "up",
	})
}

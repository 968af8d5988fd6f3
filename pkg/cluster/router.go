package cluster

import (
	"github.com/gin-gonic/gin"
)

func Routes(r gin.IRouter, handler Handler) {
	router := r.Group("/cluster")
	router.GET("", handler.Status)
	router.POST("/scale", handler.Scale)
	router.GET("/workers", handler.Workers)
}

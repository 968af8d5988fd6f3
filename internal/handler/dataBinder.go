package handler

import (
	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/gin-gonic/gin"
)

// DataBinder binds the JSON request body to req and validates it using its binding tags.
func DataBinder(c *gin.Context, req any) error {
	if c.ContentType() != "application/json" {
		return errdef.NewBadRequest("%s only accepts content of type application/json", c.FullPath())
	}

	if err := c.ShouldBindJSON(req); err != nil {
		return errdef.NewBadRequest("error binding data: %v", err)
	}

	return nil
}

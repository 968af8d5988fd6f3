package middleware

import (
	"fmt"
	"net/http"

	"github.com/dhis2-sre/dask-k8s/internal/errdef"
	"github.com/gin-gonic/gin"
)

// ErrorHandler maps the last error added to the Gin context to an HTTP status.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		err := c.Errors.Last()
		if err == nil {
			return
		}
		if c.Writer.Written() {
			return
		}

		// nolint:gocritic
		if errdef.IsBadRequest(err) || errdef.IsValidation(err) || errdef.IsInvalidScale(err) {
			c.String(http.StatusBadRequest, err.Error())
		} else if errdef.IsProvisioning(err) {
			c.String(http.StatusBadGateway, err.Error())
		} else if errdef.IsNotFound(err) {
			c.String(http.StatusNotFound, err.Error())
		} else if errdef.IsConflict(err) || errdef.IsNotCreated(err) || errdef.IsClosedCluster(err) {
			c.String(http.StatusConflict, err.Error())
		} else if errdef.IsTimeout(err) {
			c.String(http.StatusGatewayTimeout, err.Error())
		} else if errdef.IsAuthentication(err) {
			c.String(http.StatusUnauthorized, err.Error())
		} else {
			id, _ := GetCorrelationID(c.Request.Context())
			err := fmt.Errorf("something went wrong. We'll look into it if you send us the id %q :)", id)
			c.String(http.StatusInternalServerError, err.Error())
		}
	}
}

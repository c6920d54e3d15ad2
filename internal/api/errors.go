package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/loykin/changerun/internal/apperr"
)

func statusOf(err error) int {
	k, _ := apperr.KindOf(err)
	switch k {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindConnectivity:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail writes {"success": false, "message": prefix: err}.
func fail(c *gin.Context, prefix string, err error) {
	msg := err.Error()
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	c.JSON(statusOf(err), gin.H{"success": false, "message": msg})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": msg})
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func successResponse(message string, data interface{}) gin.H {
	return gin.H{
		"success": true,
		"message": message,
		"data":    data,
	}
}

func successWithMetaResponse(message string, data interface{}, meta interface{}) gin.H {
	return gin.H{
		"success": true,
		"message": message,
		"data":    data,
		"meta":    meta,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"success": false,
		"message": message,
	}
}

// respondError translates the core's error taxonomy to HTTP. The grpc code
// is also echoed so callers can branch without parsing messages.
func respondError(c *gin.Context, err error) {
	st, ok := status.FromError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorResponse(err.Error()))
		return
	}

	httpStatus := http.StatusInternalServerError
	switch st.Code() {
	case codes.InvalidArgument:
		httpStatus = http.StatusBadRequest
	case codes.NotFound:
		httpStatus = http.StatusNotFound
	case codes.PermissionDenied:
		httpStatus = http.StatusForbidden
	case codes.FailedPrecondition, codes.Aborted, codes.AlreadyExists:
		httpStatus = http.StatusConflict
	case codes.OutOfRange:
		httpStatus = http.StatusUnprocessableEntity
	case codes.DeadlineExceeded:
		httpStatus = http.StatusRequestTimeout
	}

	c.JSON(httpStatus, gin.H{
		"success": false,
		"message": st.Message(),
		"code":    st.Code().String(),
	})
}

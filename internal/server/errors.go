package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/placement"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/storage"
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// writeError maps placement failures onto HTTP responses. Bodies carry the
// error kind and, where available, a dotted reason code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var (
		validationErr *placement.ValidationError
		quotaErr      *placement.QuotaExceededError
		notFoundErr   *placement.NotFoundError
		forbiddenErr  *placement.ForbiddenError
		loadErr       *placement.LoadError
		serviceErr    *placement.ServiceError
	)
	switch {
	case errors.As(err, &validationErr):
		body := gin.H{"error": "validation", "code": "validation." + validationErr.Reason}
		if validationErr.Index >= 0 {
			body["index"] = validationErr.Index
			body["x"] = validationErr.X
			body["y"] = validationErr.Y
			body["color"] = validationErr.Color
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &quotaErr):
		c.JSON(http.StatusConflict, gin.H{
			"error":     "quota_exceeded",
			"code":      "quota.exceeded",
			"required":  quotaErr.Required,
			"available": quotaErr.Available,
		})
	case errors.As(err, &notFoundErr):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "code": notFoundErr.Kind + ".not_found"})
	case errors.As(err, &forbiddenErr):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "code": "board.forbidden"})
	case errors.As(err, &loadErr):
		h.logger.Warn("board load failed", zap.String("board_id", loadErr.BoardID), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "code": "board.load_failed"})
	case errors.As(err, &serviceErr):
		h.logger.Error("placement request failed", zap.String("code", serviceErr.Code()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "code": serviceErr.Code()})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

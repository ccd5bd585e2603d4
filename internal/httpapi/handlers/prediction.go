package handlers

import (
	"errors"
	"net/http"

	"github.com/carelink/portal/internal/common"
	"github.com/carelink/portal/internal/logging"
	"github.com/carelink/portal/internal/prediction"
	"github.com/gin-gonic/gin"
)

func (h *Handler) Predict(c *gin.Context) {
	if h.Scorer == nil {
		common.Fail(c, http.StatusServiceUnavailable, 50301, "prediction unavailable")
		return
	}
	var f prediction.Features
	if err := c.ShouldBindJSON(&f); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}
	if err := f.Validate(); err != nil {
		common.Fail(c, http.StatusBadRequest, 10002, err.Error())
		return
	}

	res, err := h.Scorer.Predict(c.Request.Context(), f)
	if err != nil {
		logging.Ctx(c.Request.Context()).Warn().Err(err).Msg("prediction failed")
		if errors.Is(err, prediction.ErrUnavailable) {
			common.Fail(c, http.StatusServiceUnavailable, 50301, "prediction unavailable")
			return
		}
		common.Fail(c, http.StatusBadGateway, 50201, "prediction failed")
		return
	}

	body := gin.H{"results": res}
	if name, best, ok := res.Best(); ok {
		body["best"] = gin.H{"model": name, "prediction": best.Prediction, "confidence": best.Confidence}
	}
	common.OK(c, body)
}

package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type VersionHandler struct {
	Version string
}

func (h *VersionHandler) Get(c *gin.Context) {
	v := h.Version
	if v == "" {
		v = "dev"
	}
	c.JSON(http.StatusOK, gin.H{"version": v})
}

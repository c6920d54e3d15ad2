package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type queryRequest struct {
	Query             string  `json:"query"`
	GenerateChangeset bool    `json:"generateChangeset"`
	Tag               *string `json:"tag"`
	Author            string  `json:"author"`
	Description       string  `json:"description"`
}

func (r *queryRequest) normalizeTag() {
	if r.Tag != nil && strings.TrimSpace(*r.Tag) == "" {
		r.Tag = nil
	}
}

func (h *Handler) executeQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.normalizeTag()
	rep := h.svc.ExecuteAdHocQuery(c.Request.Context(), c.Param("projectKey"), req.Query, req.GenerateChangeset, req.Tag)
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) saveChangeset(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	req.normalizeTag()
	ref, err := h.svc.SaveAsChangeset(c.Request.Context(), c.Param("projectKey"), req.Query, req.Author, req.Description, req.Tag)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"changesetId":   ref.ID,
		"changelogPath": ref.Path,
		"tag":           ref.Tag,
		"message":       "changeset saved",
	})
}

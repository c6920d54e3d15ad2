package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type executeChangelogRequest struct {
	ChangelogPath string `json:"changelogPath"`
	Tag           string `json:"tag"`
}

type applyTagRequest struct {
	ChangelogID string `json:"changelogId"`
	Tag         string `json:"tag"`
	RemoveTag   bool   `json:"removeTag"`
}

func (h *Handler) listChangelog(c *gin.Context) {
	rows, err := h.svc.ListChangelogEntries(c.Request.Context(), c.Param("projectKey"))
	if err != nil {
		fail(c, "list changelog", err)
		return
	}
	if rows == nil {
		rows = []map[string]any{}
	}
	c.JSON(http.StatusOK, rows)
}

func (h *Handler) executeChangelog(c *gin.Context) {
	var req executeChangelogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ChangelogPath == "" {
		badRequest(c, "changelogPath is required")
		return
	}
	rep, err := h.svc.RunMigration(c.Request.Context(), c.Param("projectKey"), req.ChangelogPath, req.Tag)
	if err != nil {
		fail(c, "", err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

func (h *Handler) changelogContent(c *gin.Context) {
	path := c.Query("filePath")
	if path == "" {
		badRequest(c, "filePath is required")
		return
	}
	content, err := h.svc.ReadChangelogContent(path)
	if err != nil {
		c.JSON(statusOf(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, content)
}

func (h *Handler) applyTag(c *gin.Context) {
	var req applyTagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	rep, err := h.svc.SetChangesetTag(c.Request.Context(), c.Param("projectKey"), req.ChangelogID, req.Tag, req.RemoveTag)
	if err != nil {
		prefix := "tag update failed"
		if req.RemoveTag {
			prefix = "tag removal failed"
		}
		fail(c, prefix, err)
		return
	}
	c.JSON(http.StatusOK, rep)
}

package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/loykin/changerun"
)

// connectionRequest mirrors Profile; Active defaults to true when omitted.
type connectionRequest struct {
	Name               string `json:"name"`
	ProjectKey         string `json:"projectKey"`
	URL                string `json:"url"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	Driver             string `json:"driverClassName"`
	ChangelogTable     string `json:"changelogTable"`
	ChangelogLockTable string `json:"changelogLockTable"`
	Active             *bool  `json:"active"`
}

func (r connectionRequest) profile() *changerun.Profile {
	active := true
	if r.Active != nil {
		active = *r.Active
	}
	return &changerun.Profile{
		Name:               r.Name,
		ProjectKey:         r.ProjectKey,
		URL:                r.URL,
		Username:           r.Username,
		Password:           r.Password,
		Driver:             r.Driver,
		ChangelogTable:     r.ChangelogTable,
		ChangelogLockTable: r.ChangelogLockTable,
		Active:             active,
	}
}

// redact drops the password from profiles returned to clients.
func redact(p changerun.Profile) changerun.Profile {
	p.Password = ""
	return p
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid connection id: "+c.Param("id"))
		return 0, false
	}
	return id, true
}

func (h *Handler) listConnections(c *gin.Context) {
	list, err := h.svc.ListProfiles(c.Request.Context())
	if err != nil {
		fail(c, "list connections", err)
		return
	}
	out := make([]changerun.Profile, 0, len(list))
	for _, p := range list {
		out = append(out, redact(p))
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) getConnection(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	p, err := h.svc.GetProfile(c.Request.Context(), id)
	if err != nil {
		fail(c, "", err)
		return
	}
	c.JSON(http.StatusOK, redact(*p))
}

func (h *Handler) createConnection(c *gin.Context) {
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	p := req.profile()
	if err := h.svc.CreateProfile(c.Request.Context(), p); err != nil {
		fail(c, "create connection", err)
		return
	}
	c.JSON(http.StatusOK, redact(*p))
}

func (h *Handler) updateConnection(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var req connectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	p := req.profile()
	p.ID = id
	if err := h.svc.UpdateProfile(c.Request.Context(), p); err != nil {
		fail(c, "update connection", err)
		return
	}
	c.JSON(http.StatusOK, redact(*p))
}

func (h *Handler) deleteConnection(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteProfile(c.Request.Context(), id); err != nil {
		fail(c, "delete connection", err)
		return
	}
	c.Status(http.StatusOK)
}

func (h *Handler) testConnection(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rep, err := h.svc.TestConnection(c.Request.Context(), id)
	if err != nil {
		fail(c, "", err)
		return
	}
	status := http.StatusOK
	if !rep.Success {
		status = http.StatusBadRequest
	}
	c.JSON(status, rep)
}

package server

import (
	"net/http"
)

// handlePublicFile serves a published job output without
// authentication. Publication is an explicit act scoped to
// owner/series/version/name, so there is nothing to leak beyond what
// the owner chose to expose.
func (c *Central) handlePublicFile(w http.ResponseWriter, r *http.Request) {
	u, err := c.store.UserByName(r.PathValue("username"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	p, err := c.store.PublishedFile(u.ID,
		r.PathValue("series"), r.PathValue("version"), r.PathValue("name"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.serveFile(w, r, p.Job, p.File, p.Name); err != nil {
		respondError(w, c.log, err)
	}
}

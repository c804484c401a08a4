package server

import (
	"net/http"
	"time"
)

// Administrative surface: hold/resume, accounts, targets, factories,
// workers, and early archival. Everything here requires adminAuth.

func (c *Central) handleControlHold(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	c.Hold(true)
	c.log.Info("assignment held")
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleControlResume(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	c.Hold(false)
	c.log.Info("assignment resumed")
	respondJSON(w, http.StatusOK, nil)
}

type userView struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Privileges []string  `json:"privileges"`
	TimeCreate time.Time `json:"time_create"`
}

func (c *Central) handleUsersList(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	users, err := c.store.Users()
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, userView{
			ID:         u.ID,
			Name:       u.Name,
			Privileges: u.Privileges,
			TimeCreate: u.TimeCreate,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

type nameRequest struct {
	Name string `json:"name"`
}

func (c *Central) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	var req nameRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Name == "" {
		respondError(w, c.log, errBad("user name is required"))
		return
	}
	u, token, err := c.store.UserCreate(req.Name)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	c.log.Info("user created", "user", u.Name, "id", u.ID)
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":    u.ID,
		"name":  u.Name,
		"token": token,
	})
}

func (c *Central) handlePrivilegeGrant(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	u, err := c.store.UserGet(r.PathValue("user"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.UserPrivilegeGrant(u.ID,
		r.PathValue("privilege")); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handlePrivilegeRevoke(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	u, err := c.store.UserGet(r.PathValue("user"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.UserPrivilegeRevoke(u.ID,
		r.PathValue("privilege")); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type targetView struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Privilege *string `json:"privilege"`
	Redirect  *string `json:"redirect"`
}

func (c *Central) handleTargetsList(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	targets, err := c.store.Targets()
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]targetView, 0, len(targets))
	for _, t := range targets {
		views = append(views, targetView{
			ID:        t.ID,
			Name:      t.Name,
			Privilege: t.Privilege,
			Redirect:  t.Redirect,
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (c *Central) handleTargetCreate(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	var req nameRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Name == "" {
		respondError(w, c.log, errBad("target name is required"))
		return
	}
	t, err := c.store.TargetCreate(req.Name)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	c.log.Info("target created", "target", t.Name, "id", t.ID)
	respondJSON(w, http.StatusCreated, map[string]string{"id": t.ID})
}

func (c *Central) handleTargetRename(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	t, err := c.store.TargetGet(r.PathValue("target"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req nameRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Name == "" {
		respondError(w, c.log, errBad("target name is required"))
		return
	}
	if err := c.store.TargetRename(t.ID, req.Name); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type redirectRequest struct {
	// Redirect is the id of the target to point at; null clears it.
	Redirect *string `json:"redirect"`
}

func (c *Central) handleTargetRedirect(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	t, err := c.store.TargetGet(r.PathValue("target"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req redirectRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Redirect != nil {
		if _, err := c.store.TargetGet(*req.Redirect); err != nil {
			respondError(w, c.log, err)
			return
		}
	}
	if err := c.store.TargetRedirect(t.ID, req.Redirect); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

type requirePrivilegeRequest struct {
	Privilege *string `json:"privilege"`
}

func (c *Central) handleTargetRequirePrivilege(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	t, err := c.store.TargetGet(r.PathValue("target"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	var req requirePrivilegeRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.TargetRequirePrivilege(t.ID, req.Privilege); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleFactoryCreate(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	var req nameRequest
	if err := readJSON(r, &req); err != nil {
		respondError(w, c.log, err)
		return
	}
	if req.Name == "" {
		respondError(w, c.log, errBad("factory name is required"))
		return
	}
	f, token, err := c.store.FactoryCreate(req.Name)
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	c.log.Info("factory created", "factory", f.Name, "id", f.ID)
	respondJSON(w, http.StatusCreated, map[string]string{
		"id":    f.ID,
		"token": token,
	})
}

type adminWorkerView struct {
	ID           string     `json:"id"`
	Factory      string     `json:"factory"`
	Target       string     `json:"target"`
	InstanceID   *string    `json:"instance_id"`
	Bootstrapped bool       `json:"bootstrapped"`
	Deleted      bool       `json:"deleted"`
	Recycle      bool       `json:"recycle"`
	Lastping     *time.Time `json:"lastping"`
	Job          *string    `json:"job"`
}

func (c *Central) handleWorkersList(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	workers, err := c.store.WorkersActive()
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	views := make([]adminWorkerView, 0, len(workers))
	for _, worker := range workers {
		v := adminWorkerView{
			ID:           worker.ID,
			Factory:      worker.Factory,
			Target:       worker.Target,
			InstanceID:   worker.InstanceID,
			Bootstrapped: worker.Bootstrapped(),
			Deleted:      worker.Deleted,
			Recycle:      worker.Recycle,
			Lastping:     worker.Lastping,
		}
		if j, err := c.store.WorkerJob(worker.ID); err == nil && j != nil {
			v.Job = &j.ID
		}
		views = append(views, v)
	}
	respondJSON(w, http.StatusOK, views)
}

func (c *Central) handleWorkerRecycle(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	worker, err := c.store.WorkerGet(r.PathValue("worker"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if err := c.store.WorkerRecycle(worker.ID); err != nil {
		respondError(w, c.log, err)
		return
	}
	respondJSON(w, http.StatusOK, nil)
}

func (c *Central) handleAdminJobsList(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	jobs, err := c.store.Jobs()
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	type row struct {
		ID    string `json:"id"`
		Owner string `json:"owner"`
		Name  string `json:"name"`
		State string `json:"state"`
	}
	rows := make([]row, 0, len(jobs))
	for _, j := range jobs {
		rows = append(rows, row{
			ID: j.ID, Owner: j.Owner, Name: j.Name, State: j.State(),
		})
	}
	respondJSON(w, http.StatusOK, rows)
}

// handleAdminJobArchive queues a job for archival before the grace
// period elapses.
func (c *Central) handleAdminJobArchive(w http.ResponseWriter, r *http.Request) {
	if err := c.adminAuth(r); err != nil {
		respondError(w, c.log, err)
		return
	}
	j, err := c.store.JobGet(r.PathValue("job"))
	if err != nil {
		respondError(w, c.log, err)
		return
	}
	if !j.Complete {
		respondError(w, c.log,
			errBad("job %s has not completed", j.ID))
		return
	}
	c.arch.Request(j.ID)
	respondJSON(w, http.StatusAccepted, nil)
}

package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"buildomat/internal/storage"
)

// delegateHeader lets a privileged caller act as another user, minting
// the user on first sight. The GitHub front end uses this to give each
// repository its own job owner.
const delegateHeader = "X-Buildomat-Delegate"

func bearer(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", errUnauth("missing bearer token")
	}
	return strings.TrimPrefix(h, "Bearer "), nil
}

// userAuth resolves the caller in the user realm, honouring
// delegation.
func (c *Central) userAuth(r *http.Request) (*storage.User, error) {
	token, err := bearer(r)
	if err != nil {
		return nil, err
	}
	u, err := c.store.UserAuth(token)
	if err == storage.ErrNotFound {
		return nil, errUnauth("invalid token")
	}
	if err != nil {
		return nil, err
	}

	if delegate := r.Header.Get(delegateHeader); delegate != "" {
		if !u.HasPrivilege("delegate") {
			return nil, errForbidden("user %q may not delegate", u.Name)
		}
		return c.store.UserEnsure(delegate)
	}
	return u, nil
}

func (c *Central) workerAuth(r *http.Request) (*storage.Worker, error) {
	token, err := bearer(r)
	if err != nil {
		return nil, err
	}
	w, err := c.store.WorkerAuth(token)
	if err == storage.ErrNotFound {
		return nil, errUnauth("invalid token")
	}
	if err != nil {
		return nil, err
	}
	if w.Deleted {
		return nil, errUnauth("worker %s is deleted", w.ID)
	}
	return w, nil
}

func (c *Central) factoryAuth(r *http.Request) (*storage.Factory, error) {
	token, err := bearer(r)
	if err != nil {
		return nil, err
	}
	f, err := c.store.FactoryAuth(token)
	if err == storage.ErrNotFound {
		return nil, errUnauth("invalid token")
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

// adminAuth accepts either the configured admin token or a user
// holding the admin privilege.
func (c *Central) adminAuth(r *http.Request) error {
	token, err := bearer(r)
	if err != nil {
		return err
	}
	if c.cfg.Admin.Token != "" &&
		subtle.ConstantTimeCompare(
			[]byte(token), []byte(c.cfg.Admin.Token)) == 1 {
		return nil
	}
	u, err := c.store.UserAuth(token)
	if err == storage.ErrNotFound {
		return errUnauth("invalid token")
	}
	if err != nil {
		return err
	}
	if !u.HasPrivilege("admin") {
		return errForbidden("user %q is not an administrator", u.Name)
	}
	return nil
}

// jobForUser fetches a job the caller is allowed to see: their own, or
// any job for administrators.
func (c *Central) jobForUser(u *storage.User, id string) (*storage.Job, error) {
	j, err := c.store.JobGet(id)
	if err != nil {
		return nil, err
	}
	if j.Owner != u.ID && !u.HasPrivilege("admin") {
		return nil, errForbidden("job %s does not belong to you", id)
	}
	return j, nil
}

// jobForWorker fetches a job only if it is assigned to this worker.
func (c *Central) jobForWorker(w *storage.Worker, id string) (*storage.Job, error) {
	j, err := c.store.JobGet(id)
	if err != nil {
		return nil, err
	}
	if j.Worker == nil || *j.Worker != w.ID {
		return nil, errForbidden("job %s is not assigned to this worker", id)
	}
	return j, nil
}

package server

import (
	"testing"
	"time"
)

func TestParseOutputRule(t *testing.T) {
	ok := []struct {
		in   string
		rule string
		ign  bool
		req  bool
		size bool
	}{
		{"/out/*", "/out/*", false, false, false},
		{"!/var/tmp/*", "/var/tmp/*", true, false, false},
		{"=/out/must-exist.tgz", "/out/must-exist.tgz", false, true, false},
		{"%/out/grows.log", "/out/grows.log", false, false, true},
		{"=%/out/a", "/out/a", false, true, true},
		{"%=/out/a", "/out/a", false, true, true},
	}
	for _, c := range ok {
		r, err := parseOutputRule(c.in)
		if err != nil {
			t.Errorf("parseOutputRule(%q) failed: %v", c.in, err)
			continue
		}
		if r.Rule != c.rule || r.Ignore != c.ign ||
			r.RequireMatch != c.req || r.SizeChangeOK != c.size {
			t.Errorf("parseOutputRule(%q) = %+v", c.in, r)
		}
	}

	bad := []string{
		"",
		"relative/path",
		"==/a",
		"%%/a",
		"!!/a",
		"!=/a",
		"=!/a",
		"!%/a",
		"%!/a",
		"!",
		"=%",
	}
	for _, in := range bad {
		if _, err := parseOutputRule(in); err == nil {
			t.Errorf("parseOutputRule(%q) did not fail", in)
		}
	}
}

func TestPublishIdentifiers(t *testing.T) {
	ok := []string{"ab", "release-1.0", "OS.tar.gz", "a_b",
		"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"} // 48
	for _, s := range ok {
		if !publishRe.MatchString(s) {
			t.Errorf("publishRe rejected %q", s)
		}
	}
	bad := []string{"", "a", "a/b", "a b", "a\n",
		"xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx"} // 49
	for _, s := range bad {
		if publishRe.MatchString(s) {
			t.Errorf("publishRe accepted %q", s)
		}
	}
}

func TestClampLeaseTTL(t *testing.T) {
	cases := []struct {
		in, want time.Duration
	}{
		{0, minLeaseTTL},
		{time.Second, minLeaseTTL},
		{time.Minute, time.Minute},
		{time.Hour, maxLeaseTTL},
	}
	for _, c := range cases {
		if got := clampLeaseTTL(c.in); got != c.want {
			t.Errorf("clampLeaseTTL(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestLeaseTable(t *testing.T) {
	c := &Central{leases: make(map[string]*Lease)}

	l := c.leaseCreate("j1", "f1", time.Minute)
	if l == nil {
		t.Fatal("leaseCreate returned nil on a free job")
	}
	if c.leaseCreate("j1", "f2", time.Minute) != nil {
		t.Error("second lease granted while the first is live")
	}

	if !c.leaseRenew("j1", "f1", time.Minute) {
		t.Error("holder could not renew")
	}
	if c.leaseRenew("j1", "f2", time.Minute) {
		t.Error("another factory renewed the lease")
	}
	if c.leaseRenew("j2", "f1", time.Minute) {
		t.Error("renewed a lease that does not exist")
	}

	if !c.leaseBindWorker("j1", "f1", "w1") {
		t.Error("holder could not bind a worker")
	}
	if c.leaseBindWorker("j1", "f2", "w2") {
		t.Error("another factory bound a worker")
	}
	if got := c.leaseForWorker("w1"); got == nil || got.Job != "j1" {
		t.Error("leaseForWorker did not find the bound lease")
	}
	if c.leaseForWorker("w2") != nil {
		t.Error("leaseForWorker matched an unbound worker")
	}

	// An expired lease is invisible and swept.
	c.mu.Lock()
	c.leases["j1"].Expires = time.Now().Add(-time.Second)
	c.mu.Unlock()
	if c.leaseForJob("j1") != nil {
		t.Error("expired lease still visible")
	}
	c.leasesExpire()
	c.mu.Lock()
	_, ok := c.leases["j1"]
	c.mu.Unlock()
	if ok {
		t.Error("expired lease not swept")
	}

	// The job is leasable again.
	if c.leaseCreate("j1", "f2", time.Minute) == nil {
		t.Error("job not leasable after expiry")
	}
	c.leaseClear("j1")
	if c.leaseForJob("j1") != nil {
		t.Error("lease survived leaseClear")
	}
}

package files

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"buildomat/internal/storage"
)

func newTestStaging(t *testing.T) (*Staging, *storage.Store) {
	t.Helper()
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	s := New(t.TempDir(), store, nil)
	s.Start()
	t.Cleanup(s.Stop)
	return s, store
}

func newStagedJob(t *testing.T, store *storage.Store, inputs []string) *storage.Job {
	t.Helper()
	u, _, err := store.UserCreate("alice")
	if err != nil {
		t.Fatalf("UserCreate failed: %v", err)
	}
	tgt, err := store.TargetCreate("default")
	if err != nil {
		t.Fatalf("TargetCreate failed: %v", err)
	}
	j, err := store.JobCreate(u.ID, "test", tgt.Name, tgt.ID,
		[]storage.CreateTask{{Name: "build", Script: "true"}},
		nil, inputs, nil, nil)
	if err != nil {
		t.Fatalf("JobCreate failed: %v", err)
	}
	return j
}

// waitCommit polls until the commit reaches a terminal state.
func waitCommit(t *testing.T, s *Staging, req Commit) Progress {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		p, err := s.CommitFile(req)
		if err != nil {
			t.Fatalf("CommitFile failed: %v", err)
		}
		if p.Complete {
			return p
		}
		if time.Now().After(deadline) {
			t.Fatal("commit did not complete in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestCommitAssemblesChunksInOrder(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, []string{"data.bin"})

	c1, err := s.WriteChunk(j.ID, strings.NewReader("hello "))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	c2, err := s.WriteChunk(j.ID, strings.NewReader("world"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	req := Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         "data.bin",
		ExpectedSize: 11,
		Chunks:       []string{c1, c2},
	}
	p := waitCommit(t, s, req)
	if p.Error != nil {
		t.Fatalf("commit failed: %s", *p.Error)
	}

	got, err := os.ReadFile(s.OutputPath(j.ID, p.FileID))
	if err != nil {
		t.Fatalf("reading assembled file: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Errorf("assembled %q, want %q", got, "hello world")
	}

	// The commit must have recorded the input and released the job.
	inputs, err := store.JobInputs(j.ID)
	if err != nil {
		t.Fatalf("JobInputs failed: %v", err)
	}
	if len(inputs) != 1 || inputs[0].ID == nil || *inputs[0].ID != p.FileID {
		t.Error("committed input not recorded against the job")
	}
	jb, _ := store.JobGet(j.ID)
	if jb.Waiting {
		t.Error("job still waiting after its only input committed")
	}
}

func TestCommitIdempotent(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, []string{"data.bin"})

	c1, err := s.WriteChunk(j.ID, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	req := Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         "data.bin",
		ExpectedSize: 3,
		Chunks:       []string{c1},
	}
	first := waitCommit(t, s, req)

	// A repeat with identical parameters reports the same file.
	again, err := s.CommitFile(req)
	if err != nil {
		t.Fatalf("repeat CommitFile failed: %v", err)
	}
	if !again.Complete || again.FileID != first.FileID {
		t.Error("repeated commit did not return the original result")
	}

	// The same commit id with different parameters is a hard error.
	bad := req
	bad.ExpectedSize = 4
	if _, err := s.CommitFile(bad); !errors.Is(err, ErrParams) {
		t.Errorf("mismatched repeat = %v, want ErrParams", err)
	}

	if !s.CommitFileExists(j.ID, req.CommitID) {
		t.Error("CommitFileExists does not see the commit")
	}
}

func TestCommitSizeMismatch(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, []string{"data.bin"})

	c1, err := s.WriteChunk(j.ID, strings.NewReader("abc"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	req := Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         "data.bin",
		ExpectedSize: 99,
		Chunks:       []string{c1},
	}
	p := waitCommit(t, s, req)
	if p.Error == nil {
		t.Fatal("size mismatch did not surface an error")
	}

	// The failed commit must not have committed the input.
	jb, _ := store.JobGet(j.ID)
	if !jb.Waiting {
		t.Error("job left waiting despite failed upload")
	}
}

func TestCommitOutput(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, nil)

	c1, err := s.WriteChunk(j.ID, strings.NewReader("artifact"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}

	req := Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         "/out/a.tgz",
		Output:       true,
		ExpectedSize: 8,
		Chunks:       []string{c1},
	}
	p := waitCommit(t, s, req)
	if p.Error != nil {
		t.Fatalf("commit failed: %s", *p.Error)
	}

	outs, err := store.JobOutputs(j.ID)
	if err != nil {
		t.Fatalf("JobOutputs failed: %v", err)
	}
	if len(outs) != 1 || outs[0].Path != "/out/a.tgz" || outs[0].Size != 8 {
		t.Errorf("outputs = %+v, want one 8-byte /out/a.tgz", outs)
	}
}

func TestMarkJobCompletedRejectsNewCommits(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, nil)

	if err := s.MarkJobCompleted(j.ID); err != nil {
		t.Fatalf("MarkJobCompleted failed: %v", err)
	}

	c1, err := s.WriteChunk(j.ID, strings.NewReader("late"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	_, err = s.CommitFile(Commit{
		Job:          j.ID,
		CommitID:     storage.NewID(),
		Name:         "/out/late.tgz",
		Output:       true,
		ExpectedSize: 4,
		Chunks:       []string{c1},
	})
	if err == nil {
		t.Error("commit accepted after the job was marked completed")
	}
}

func TestStopWaitsForSaturatedCommits(t *testing.T) {
	store, err := storage.New(":memory:")
	if err != nil {
		t.Fatalf("storage.New failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	// No workers: the queue fills up and the overflow commit runs on
	// its own goroutine, which Stop must still wait out.
	s := New(t.TempDir(), store, nil)
	for i := 0; i < cap(s.work); i++ {
		if _, err := s.CommitFile(Commit{
			Job:          "filler",
			CommitID:     storage.NewID(),
			Name:         "f",
			ExpectedSize: 1,
			Chunks:       []string{"nope"},
		}); err != nil {
			t.Fatalf("CommitFile failed: %v", err)
		}
	}
	overflow := Commit{
		Job:          "overflow",
		CommitID:     storage.NewID(),
		Name:         "f",
		ExpectedSize: 1,
		Chunks:       []string{"nope"},
	}
	if _, err := s.CommitFile(overflow); err != nil {
		t.Fatalf("CommitFile failed: %v", err)
	}

	s.Stop()

	p, err := s.CommitFile(overflow)
	if err != nil {
		t.Fatalf("CommitFile failed: %v", err)
	}
	if !p.Complete {
		t.Error("overflow commit still in flight after Stop")
	}
}

func TestChunkHousekeeping(t *testing.T) {
	s, store := newTestStaging(t)
	j := newStagedJob(t, store, nil)

	c1, err := s.WriteChunk(j.ID, strings.NewReader("12345"))
	if err != nil {
		t.Fatalf("WriteChunk failed: %v", err)
	}
	size, err := s.ChunkSize(j.ID, c1)
	if err != nil {
		t.Fatalf("ChunkSize failed: %v", err)
	}
	if size != 5 {
		t.Errorf("ChunkSize = %d, want 5", size)
	}

	if err := s.DeleteChunks(j.ID); err != nil {
		t.Fatalf("DeleteChunks failed: %v", err)
	}
	if _, err := s.ChunkSize(j.ID, c1); err == nil {
		t.Error("chunk survived DeleteChunks")
	}

	// Deleting an output that never existed is not an error.
	if err := s.DeleteOutput(j.ID, storage.NewID()); err != nil {
		t.Errorf("DeleteOutput on missing file = %v", err)
	}
}

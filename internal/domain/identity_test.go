package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobID_Deterministic(t *testing.T) {
	argv := []string{"/usr/local/bin/backup.sh", "--full", "/srv"}

	a := NewJobID(argv, IdentityOptions{})
	b := NewJobID(append([]string(nil), argv...), IdentityOptions{})

	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a.String(), "backup.sh."))
	assert.Len(t, strings.TrimPrefix(a.String(), "backup.sh."), 32)
}

func TestNewJobID_ArgumentsAndOrderMatter(t *testing.T) {
	base := NewJobID([]string{"rsync", "-a", "src", "dst"}, IdentityOptions{})

	assert.NotEqual(t, base, NewJobID([]string{"rsync", "-a", "dst", "src"}, IdentityOptions{}))
	assert.NotEqual(t, base, NewJobID([]string{"rsync", "-a", "src"}, IdentityOptions{}))
	// Joining with spaces would make these collide.
	assert.NotEqual(t,
		NewJobID([]string{"echo", "a b"}, IdentityOptions{}),
		NewJobID([]string{"echo", "a", "b"}, IdentityOptions{}),
	)
}

func TestNewJobID_WorkingDirectoryIsOptIn(t *testing.T) {
	argv := []string{"make", "clean"}

	plain := NewJobID(argv, IdentityOptions{})
	inA := NewJobID(argv, IdentityOptions{Dir: "/srv/a"})
	inB := NewJobID(argv, IdentityOptions{Dir: "/srv/b"})

	assert.NotEqual(t, plain, inA)
	assert.NotEqual(t, inA, inB)
	assert.Equal(t, inA, NewJobID(argv, IdentityOptions{Dir: "/srv/a"}))
}

func TestNewJobID_ShellString(t *testing.T) {
	id := NewJobID([]string{"cat /tmp/file | grep stuff"}, IdentityOptions{Shell: true})
	assert.True(t, strings.HasPrefix(id.String(), "cat."), id)
}

func TestNewJobID_ExplicitName(t *testing.T) {
	id := NewJobID([]string{"anything"}, IdentityOptions{Name: "../nightly backup"})
	assert.Equal(t, JobID("-nightly-backup"), id)
}

func TestSanitizeName(t *testing.T) {
	tests := map[string]string{
		"backup.sh":   "backup.sh",
		".hidden":     "hidden",
		"a/b c":       "a-b-c",
		"":            "job",
		"...":         "job",
		"täst_1-2.sh": "t-st_1-2.sh",
	}
	for in, want := range tests {
		assert.Equal(t, want, sanitizeName(in), "input %q", in)
	}
}

func TestJobValidate(t *testing.T) {
	job := &Job{ID: "x.1", Argv: []string{"true"}}
	require.NoError(t, job.Validate())
	assert.Equal(t, CaptureSeparate, job.Capture)

	assert.Error(t, (&Job{Argv: []string{"true"}}).Validate())
	assert.Error(t, (&Job{ID: "x", Argv: nil}).Validate())
	assert.Error(t, (&Job{ID: "x", Argv: []string{"a", "b"}, Shell: "bash"}).Validate())
	assert.Error(t, (&Job{ID: "x", Argv: []string{"a"}, Capture: "both"}).Validate())
}

func TestRunRecordClone(t *testing.T) {
	r := NewRunRecord("job.1")
	r.Command = []string{"a"}
	r.Pending = []RunSummary{{RunID: "1"}}

	c := r.Clone()
	c.Command[0] = "b"
	c.Pending[0].RunID = "2"

	assert.Equal(t, "a", r.Command[0])
	assert.Equal(t, "1", r.Pending[0].RunID)
	assert.True(t, r.IsNew())
}

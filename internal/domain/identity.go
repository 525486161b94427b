package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

// JobID is the stable key of a job's persisted state.
// Format: <sanitized program name>.<32 hex chars of sha256 over the invocation>.
type JobID string

// IdentityOptions controls what goes into a JobID.
type IdentityOptions struct {
	// Name replaces the derived program prefix and the hash entirely.
	Name string
	// Shell marks Argv as a single shell command string.
	Shell bool
	// Dir is mixed into the hash when non-empty, so the same command run
	// from different directories gets separate state.
	Dir string
}

// NewJobID derives the identity of an invocation. Identical argv (same
// program, same arguments, same order) always yields the same JobID.
func NewJobID(argv []string, opts IdentityOptions) JobID {
	if opts.Name != "" {
		return JobID(sanitizeName(opts.Name))
	}

	h := sha256.New()
	if opts.Dir != "" {
		h.Write([]byte("cwd=" + opts.Dir))
		h.Write([]byte{0})
	}
	for _, arg := range argv {
		h.Write([]byte(arg))
		h.Write([]byte{0})
	}
	sum := hex.EncodeToString(h.Sum(nil))[:32]

	return JobID(programName(argv, opts.Shell) + "." + sum)
}

func (id JobID) String() string {
	return string(id)
}

func programName(argv []string, shell bool) string {
	if len(argv) == 0 {
		return "job"
	}
	prog := argv[0]
	if shell {
		fields := strings.Fields(prog)
		if len(fields) == 0 {
			return "job"
		}
		prog = fields[0]
	}
	return sanitizeName(filepath.Base(prog))
}

// sanitizeName keeps [A-Za-z0-9._-] and maps everything else to '-'.
// Leading dots are dropped so state files are never hidden.
func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "job"
	}
	return out
}

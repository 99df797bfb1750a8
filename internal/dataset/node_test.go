package dataset

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdd_RejectsWrongChildType(t *testing.T) {
	sub := NewSubject("sub-01")
	err := sub.Add(NewRun("run-1"))
	require.ErrorIs(t, err, ErrWrongChildType)
	assert.Equal(t, 0, sub.Len())

	mod := NewModality("T1")
	sess, err := NewSession("ses-1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, mod.Add(sess), ErrWrongChildType)

	run := NewRun("run-1")
	assert.ErrorIs(t, run.Add(NewRun("run-2")), ErrWrongChildType, "runs are leaves")
}

func TestAdd_SameNameOverwrites(t *testing.T) {
	sess, err := NewSession("ses-1", "")
	require.NoError(t, err)

	first := NewRun("run-1")
	second := NewRun("run-1")
	second.EchoTime = 30
	require.NoError(t, sess.AddRun(NewRun("run-0")))
	require.NoError(t, sess.AddRun(first))
	require.NoError(t, sess.AddRun(second))

	assert.Equal(t, 2, sess.Len())
	assert.Same(t, second, sess.Run("run-1"))
	assert.Equal(t, []string{"run-0", "run-1"}, sess.ChildNames(), "overwrite keeps position")
}

func TestGet_MissingReturnsNil(t *testing.T) {
	mod := NewModality("T1")
	assert.Nil(t, mod.Get("nobody"))
	assert.Nil(t, mod.Subject("nobody"))
}

func TestMarkCompliant_Idempotent(t *testing.T) {
	mod := NewModality("T1")
	mod.MarkCompliant("sub-01")
	mod.MarkCompliant("sub-01")
	mod.MarkNonCompliant("sub-02")
	mod.MarkNonCompliant("sub-03")
	mod.MarkNonCompliant("sub-02")

	assert.Equal(t, []string{"sub-01"}, mod.CompliantNames())
	assert.Equal(t, []string{"sub-02", "sub-03"}, mod.NonCompliantNames())
}

func buildSubject(t *testing.T, name string, runs ...string) *Subject {
	t.Helper()
	sub := NewSubject(name)
	sess, err := NewSession("ses-1", "")
	require.NoError(t, err)
	for _, r := range runs {
		require.NoError(t, sess.AddRun(NewRun(r)))
	}
	require.NoError(t, sub.AddSession(sess))
	return sub
}

func TestEqual(t *testing.T) {
	a := buildSubject(t, "sub-01", "run-1", "run-2")
	b := buildSubject(t, "sub-01", "run-2", "run-1")
	c := buildSubject(t, "sub-01", "run-1")
	d := buildSubject(t, "sub-02", "run-1", "run-2")

	assert.True(t, Equal(a, b), "child order does not matter")
	assert.False(t, Equal(a, c))
	assert.False(t, Equal(a, d))
	assert.False(t, Equal(NewSubject("x"), NewModality("x")), "different kinds are never equal")
}

func TestLess(t *testing.T) {
	less, err := Less(NewSubject("a"), NewSubject("b"))
	require.NoError(t, err)
	assert.True(t, less)

	_, err = Less(NewSubject("a"), NewModality("b"))
	assert.ErrorIs(t, err, ErrWrongChildType)
}

func TestString(t *testing.T) {
	sub := buildSubject(t, "sub-01", "run-1")
	assert.Equal(t, "Subject sub-01 with 1 Session", sub.String())
	assert.Equal(t, "Run run-1", NewRun("run-1").String())
}

func TestFprintTree(t *testing.T) {
	mod := NewModality("T1")
	require.NoError(t, mod.AddSubject(buildSubject(t, "sub-01", "run-1", "run-2")))
	require.NoError(t, mod.AddSubject(buildSubject(t, "sub-02", "run-1")))

	var buf bytes.Buffer
	FprintTree(&buf, mod)

	want := "T1\n" +
		"+- sub-01\n" +
		"|  +- ses-1\n" +
		"|     +- run-1\n" +
		"|     +- run-2\n" +
		"+- sub-02\n" +
		"   +- ses-1\n" +
		"      +- run-1\n"
	assert.Equal(t, want, buf.String())
}

func TestNewSession_PathMustExist(t *testing.T) {
	dir := t.TempDir()
	sess, err := NewSession("ses-1", dir)
	require.NoError(t, err)
	assert.Equal(t, dir, sess.Path)

	_, err = NewSession("ses-2", dir+"/missing")
	assert.ErrorIs(t, err, ErrInvalidDirectory)
}

package screen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	require.NoError(t, ValidateName("claudeman-ab12cd34"))
	require.NoError(t, ValidateName("a.b_c-d9"))

	assert.Error(t, ValidateName(""))
	assert.Error(t, ValidateName("has space"))
	assert.Error(t, ValidateName("semi;colon"))
	assert.Error(t, ValidateName("dollar$name"))
}

func TestValidatePath(t *testing.T) {
	require.NoError(t, ValidatePath("/home/user/projects/demo"))

	assert.Error(t, ValidatePath(""))
	assert.Error(t, ValidatePath("/tmp/$(rm -rf)"))
	assert.Error(t, ValidatePath("/tmp/a;b"))
	assert.Error(t, ValidatePath("/tmp/back`tick"))
}

func TestListParsesScreenOutput(t *testing.T) {
	m := &screenManager{binary: "definitely-not-a-real-binary", prefix: "claudeman-"}
	_, err := m.List()
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSanitizeStripsControlBytes(t *testing.T) {
	in := []byte("hello\x1b[31m world\x00\x07\ttab\nline\r")
	out := Sanitize(in)
	assert.Equal(t, "hello[31m world\ttab\nline\r", string(out))
}

func TestSanitizeDropsInvalidUTF8(t *testing.T) {
	in := []byte{'o', 'k', 0xff, 0xfe, '!'}
	out := Sanitize(in)
	assert.Equal(t, "ok!", string(out))
}

func TestSanitizeSubstitutesEmojiWhenMangled(t *testing.T) {
	// Mangled buffer (contains an invalid byte): icons get ASCII stand-ins.
	in := append([]byte("☐ write docs "), 0xff)
	out := Sanitize(in)
	assert.Equal(t, "[ ] write docs ", string(out))

	// Clean buffer: icons pass through.
	out = Sanitize([]byte("☐ write docs"))
	assert.Equal(t, "☐ write docs", string(out))
}

func TestFakeCreateAndList(t *testing.T) {
	f := NewFake()
	pid, err := f.Create("claudeman-test1", "/tmp", "sh", nil)
	require.NoError(t, err)
	assert.Greater(t, pid, 0)

	windows, err := f.List()
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.Equal(t, "claudeman-test1", windows[0].Name)

	_, err = f.Create("claudeman-test1", "/tmp", "sh", nil)
	assert.ErrorIs(t, err, ErrWindowCreate)
}

func TestFakeUnavailable(t *testing.T) {
	f := NewFake()
	f.Unavailable = true

	_, err := f.Create("claudeman-x", "/tmp", "sh", nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, f.Available())
}

func TestFakeKeystrokeLog(t *testing.T) {
	f := NewFake()
	_, err := f.Create("claudeman-k", "/tmp", "sh", nil)
	require.NoError(t, err)

	require.NoError(t, f.SendKeys("claudeman-k", "first"))
	require.NoError(t, f.SendKeys("claudeman-k", "second"))
	assert.Equal(t, []string{"first", "second"}, f.KeystrokeLog("claudeman-k"))

	assert.ErrorIs(t, f.SendKeys("claudeman-missing", "x"), ErrNotFound)
}

func TestFakeKillAndMarkDead(t *testing.T) {
	f := NewFake()
	_, err := f.Create("claudeman-dead", "/tmp", "sh", nil)
	require.NoError(t, err)

	require.NoError(t, f.Kill("claudeman-dead"))
	windows, err := f.List()
	require.NoError(t, err)
	assert.Empty(t, windows)

	_, err = f.Snapshot("claudeman-dead")
	assert.ErrorIs(t, err, ErrNotFound)
}

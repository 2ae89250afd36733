package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestStorage(t *testing.T, accel string) (*Storage, *clock) {
	t.Helper()
	backend, err := NewLocalBackend(t.TempDir(), accel)
	require.NoError(t, err)
	c := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(backend, NewSigner("test-secret", c.Now), "https://reports.example.com/", 30*time.Minute), c
}

func requestFor(t *testing.T, raw string) *http.Request {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodGet, u.RequestURI(), nil)
}

func TestSignedURLRoundTrip(t *testing.T) {
	st, c := newTestStorage(t, "")

	raw, expires, err := st.SignedURL("report-1.pdf")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "https://reports.example.com/report/download/report-1.pdf?"))
	assert.Equal(t, c.t.Add(30*time.Minute), expires)

	assert.True(t, st.VerifyRequest(requestFor(t, raw)))

	c.t = c.t.Add(30 * time.Minute)
	assert.True(t, st.VerifyRequest(requestFor(t, raw)), "valid up to and including expiry")

	c.t = c.t.Add(time.Second)
	assert.False(t, st.VerifyRequest(requestFor(t, raw)), "expired")
}

func TestVerifyRejectsTampering(t *testing.T) {
	st, _ := newTestStorage(t, "")
	raw, _, err := st.SignedURL("report-1.pdf")
	require.NoError(t, err)

	otherKey := strings.Replace(raw, "report-1.pdf", "report-2.pdf", 1)
	assert.False(t, st.VerifyRequest(requestFor(t, otherKey)))

	u, _ := url.Parse(raw)
	q := u.Query()
	sig := []byte(q.Get("signature"))
	if sig[0] == 'a' {
		sig[0] = 'b'
	} else {
		sig[0] = 'a'
	}
	q.Set("signature", string(sig))
	u.RawQuery = q.Encode()
	assert.False(t, st.VerifyRequest(requestFor(t, u.String())))

	q = u.Query()
	q.Set("expires", "99999999999")
	u.RawQuery = q.Encode()
	assert.False(t, st.VerifyRequest(requestFor(t, u.String())), "extended expiry")

	assert.False(t, st.VerifyRequest(requestFor(t, "https://reports.example.com/report/download/report-1.pdf")))
	assert.False(t, st.VerifyRequest(requestFor(t, "https://reports.example.com/report/download/report-1.pdf?expires=x&signature=zz")))
}

func TestSignedURLIsFreshEachTime(t *testing.T) {
	st, _ := newTestStorage(t, "")
	a, _, err := st.SignedURL("k.pdf")
	require.NoError(t, err)
	b, _, err := st.SignedURL("k.pdf")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, st.VerifyRequest(requestFor(t, a)))
	assert.True(t, st.VerifyRequest(requestFor(t, b)))
}

func TestSanitizeKey(t *testing.T) {
	cases := map[string]string{
		"report-1.pdf":        "report-1.pdf",
		"../../etc/passwd":    "_.._etc_passwd",
		"a b/c.pdf":           "a_b_c.pdf",
		".hidden":             "hidden",
		"acct_42-2024.05.pdf": "acct_42-2024.05.pdf",
	}
	for in, want := range cases {
		got, err := SanitizeKey(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", ".", ".."} {
		_, err := SanitizeKey(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, bad)
	}

	slash, _ := SanitizeKey("a/b")
	underscore, _ := SanitizeKey("a_b")
	assert.Equal(t, slash, underscore, "distinct keys can share a stored name")
}

func TestLocalSaveExistsDeleteServe(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStorage(t, "")

	key, err := st.Save(ctx, "acct/1.pdf", []byte("%PDF-1.4 test"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "acct_1.pdf", key)

	ok, err := st.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, DownloadPath+key, nil)
	require.NoError(t, st.SendFile(rec, req, key))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-1.4 test", rec.Body.String())

	deleted, err := st.Delete(ctx, key)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = st.Delete(ctx, key)
	require.NoError(t, err)
	assert.False(t, deleted)

	ok, err = st.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	err = st.SendFile(httptest.NewRecorder(), req, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServeWithAccelRedirect(t *testing.T) {
	ctx := context.Background()
	st, _ := newTestStorage(t, "/protected/reports/")
	key, err := st.Save(ctx, "r.pdf", []byte("%PDF"), "application/pdf")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	require.NoError(t, st.SendFile(rec, httptest.NewRequest(http.MethodGet, DownloadPath+key, nil), key))
	assert.Equal(t, "/protected/reports/r.pdf", rec.Header().Get("X-Accel-Redirect"))
	assert.Empty(t, rec.Body.String())
}

func TestKeyFromRequest(t *testing.T) {
	key, err := KeyFromRequest(httptest.NewRequest(http.MethodGet, "/report/download/abc.pdf?x=1", nil))
	require.NoError(t, err)
	assert.Equal(t, "abc.pdf", key)
}

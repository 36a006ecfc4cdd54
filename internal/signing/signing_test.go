package signing

import (
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	exp := time.Now().Add(time.Hour).Unix()
	sig := s.Sign("processed", "processed_report.pdf", exp)
	require.NotEmpty(t, sig)

	expStr := strconv.FormatInt(exp, 10)
	assert.True(t, s.Validate("processed", "processed_report.pdf", expStr, sig))
	assert.False(t, s.Validate("upload", "processed_report.pdf", expStr, sig), "wrong bucket")
	assert.False(t, s.Validate("processed", "other.pdf", expStr, sig), "wrong name")
	assert.False(t, s.Validate("processed", "processed_report.pdf", strconv.FormatInt(exp+1, 10), sig), "wrong expiry")
	assert.False(t, s.Validate("processed", "processed_report.pdf", "soon", sig), "unparseable expiry")
}

func TestSignerRejectsExpired(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	past := time.Now().Add(-time.Minute).Unix()
	sig := s.Sign("processed", "a.png", past)
	assert.False(t, s.Validate("processed", "a.png", strconv.FormatInt(past, 10), sig))
}

func TestURLRoundTrip(t *testing.T) {
	s := NewSigner([]byte("topsecret"))
	raw := s.URL("http://localhost:8080", "processed", "processed_a b.png", 5*time.Minute)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/download", u.Path)
	q := u.Query()
	assert.Equal(t, "processed_a b.png", q.Get("name"))
	assert.True(t, s.Validate(q.Get("bucket"), q.Get("name"), q.Get("expires"), q.Get("signature")))
}

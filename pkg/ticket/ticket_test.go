package ticket

import (
	"testing"
	"time"

	"gridxfer/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func testAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := NewAuthority(testSecret, "test-catalogue", time.Minute)
	require.NoError(t, err)
	return a
}

func TestIssueAndParse(t *testing.T) {
	a := testAuthority(t)

	tk, err := a.Issue(Grant{
		Mode:      types.AccessWrite,
		LFN:       "/grid/user/doc.pdf",
		ContentID: "cid-1",
		Element:   "SE-A",
		Location:  "/01/cid-1",
		Size:      42,
		Checksum:  "abc",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, types.TicketIssued, tk.State())

	claims, err := a.Parse(tk.Envelope)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, claims.ID)
	assert.Equal(t, types.AccessWrite, claims.Mode)
	assert.Equal(t, types.ElementName("SE-A"), claims.Element)
	assert.Equal(t, int64(42), claims.Size)
	assert.False(t, claims.Confirmed)
}

func TestParseRejectsForeignSignature(t *testing.T) {
	a := testAuthority(t)
	other, err := NewAuthority([]byte("ffffffffffffffffffffffffffffffff"), "test-catalogue", time.Minute)
	require.NoError(t, err)

	tk, err := other.Issue(Grant{Mode: types.AccessRead, Element: "SE-A"})
	require.NoError(t, err)

	_, err = a.Parse(tk.Envelope)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.CodePermissionDenied))
}

func TestParseRejectsExpired(t *testing.T) {
	a := testAuthority(t)
	base := time.Now()
	a.now = func() time.Time { return base }

	tk, err := a.Issue(Grant{Mode: types.AccessRead, Element: "SE-A"})
	require.NoError(t, err)

	a.now = func() time.Time { return base.Add(2 * time.Minute) }
	_, err = a.Parse(tk.Envelope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestAuthorizeChecksModeAndElement(t *testing.T) {
	a := testAuthority(t)
	tk, err := a.Issue(Grant{Mode: types.AccessRead, Element: "SE-A"})
	require.NoError(t, err)

	_, err = a.Authorize(tk.Envelope, types.AccessRead, "SE-A")
	assert.NoError(t, err)

	_, err = a.Authorize(tk.Envelope, types.AccessWrite, "SE-A")
	assert.Error(t, err)

	_, err = a.Authorize(tk.Envelope, types.AccessRead, "SE-B")
	assert.Error(t, err)
}

func TestConfirmKeepsTicketID(t *testing.T) {
	a := testAuthority(t)
	tk, err := a.Issue(Grant{Mode: types.AccessWrite, Element: "SE-A", Size: 1})
	require.NoError(t, err)

	confirmed, err := a.Confirm(tk.Envelope, 10, "sum")
	require.NoError(t, err)
	assert.NotEqual(t, tk.Envelope, confirmed)

	claims, err := a.Parse(confirmed)
	require.NoError(t, err)
	assert.Equal(t, tk.ID, claims.ID)
	assert.True(t, claims.Confirmed)
	assert.Equal(t, int64(10), claims.Size)
	assert.Equal(t, "sum", claims.Checksum)

	readTicket, err := a.Issue(Grant{Mode: types.AccessRead, Element: "SE-A"})
	require.NoError(t, err)
	_, err = a.Confirm(readTicket.Envelope, 1, "")
	assert.Error(t, err)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewAuthority([]byte("short"), "x", time.Minute)
	assert.Error(t, err)
}

func TestTicketLifecycle(t *testing.T) {
	a := testAuthority(t)
	tk, err := a.Issue(Grant{Mode: types.AccessWrite, Element: "SE-A"})
	require.NoError(t, err)

	require.Error(t, tk.Commit(), "cannot commit before confirmation")
	require.NoError(t, tk.Confirm("token"))
	assert.Equal(t, "token", tk.ConfirmedEnvelope())
	require.Error(t, tk.Confirm("again"))
	require.NoError(t, tk.Commit())
	assert.Error(t, tk.Reject(), "committed ticket cannot be rejected")
	assert.Equal(t, types.TicketCommitted, tk.State())
}

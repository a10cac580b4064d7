package policy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/txbridge/core/dberror"
	"github.com/sushant-115/txbridge/core/value"
)

func TestPolicyFromFile(t *testing.T) {
	doc := `
policies:
  - type: Post
    read: "row.published == true || row.author == ctx.user_id"
    write: "row.author == ctx.user_id"
    omit: [secret]
`
	path := filepath.Join(t.TempDir(), "policies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	s, err := NewSystem()
	require.NoError(t, err)
	require.NoError(t, s.LoadFile(path))

	p := s.For("Post")
	require.NotNil(t, p)
	require.Equal(t, []string{"secret"}, p.Omitted())

	draft := value.MapOf("author", value.String("ada"), "published", value.Bool(false))
	ok, err := p.AllowRead(draft, map[string]any{"user_id": "ada"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = p.AllowRead(draft, map[string]any{"user_id": "bob"})
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, p.CheckWrite(draft, map[string]any{"user_id": "ada"}))
	require.ErrorIs(t, p.CheckWrite(draft, map[string]any{"user_id": "bob"}), dberror.ErrPermissionDenied)
}

func TestUnrestrictedType(t *testing.T) {
	s, err := NewSystem()
	require.NoError(t, err)

	p := s.For("Anything")
	require.Nil(t, p)
	ok, err := p.AllowRead(value.NewMap(), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, p.CheckWrite(value.NewMap(), nil))
}

func TestInvalidRulesAreRejected(t *testing.T) {
	s, err := NewSystem()
	require.NoError(t, err)

	require.Error(t, s.Add(TypePolicy{Type: "Post", Read: "row.("}))
	require.Error(t, s.Add(TypePolicy{Read: "true"}))

	require.NoError(t, s.Add(TypePolicy{Type: "Post", Read: "'not a bool'"}))
	_, err = s.For("Post").AllowRead(value.NewMap(), nil)
	require.Error(t, err)
}

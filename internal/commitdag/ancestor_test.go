package commitdag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/ledger/pkg/types"
)

type memSource struct {
	commits map[types.CommitID]Commit
}

func newMemSource() *memSource {
	return &memSource{commits: map[types.CommitID]Commit{}}
}

func (m *memSource) GetCommit(id types.CommitID) (Commit, error) {
	c, ok := m.commits[id]
	if !ok {
		return Commit{}, assertErr{id}
	}
	return c, nil
}

type assertErr struct{ id types.CommitID }

func (e assertErr) Error() string { return "commit not found: " + string(e.id) }

func (m *memSource) add(c Commit) { m.commits[c.ID] = c }

func TestFindCommonAncestorLinearHistory(t *testing.T) {
	src := newMemSource()
	root := Empty(types.ObjectID(""))
	src.add(root)

	c1, err := FromContentAndParents(types.ObjectID("1"), []Commit{root}, 1)
	require.NoError(t, err)
	src.add(c1)

	c2, err := FromContentAndParents(types.ObjectID("2"), []Commit{c1}, 2)
	require.NoError(t, err)
	src.add(c2)

	ancestor, err := FindCommonAncestor(src, c2.ID, c1.ID)
	require.NoError(t, err)
	assert.Equal(t, c1.ID, ancestor)
}

func TestFindCommonAncestorDivergentBranches(t *testing.T) {
	src := newMemSource()
	root := Empty(types.ObjectID(""))
	src.add(root)

	base, err := FromContentAndParents(types.ObjectID("base"), []Commit{root}, 1)
	require.NoError(t, err)
	src.add(base)

	left, err := FromContentAndParents(types.ObjectID("left"), []Commit{base}, 2)
	require.NoError(t, err)
	src.add(left)

	right, err := FromContentAndParents(types.ObjectID("right"), []Commit{base}, 3)
	require.NoError(t, err)
	src.add(right)

	ancestor, err := FindCommonAncestor(src, left.ID, right.ID)
	require.NoError(t, err)
	assert.Equal(t, base.ID, ancestor)
}

func TestFindCommonAncestorIdenticalCommits(t *testing.T) {
	src := newMemSource()
	root := Empty(types.ObjectID(""))
	src.add(root)

	ancestor, err := FindCommonAncestor(src, root.ID, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, ancestor)
}

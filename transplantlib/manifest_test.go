package transplantlib

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRequirements(t *testing.T) {
	contents := `# comment
--index-url https://pypi.org/simple
python-binance==1.0.15  # pinned
SQLAlchemy>=1.4, <2
rich
requests[socks] == 2.27.1
cryptography==36.0.1 ; python_version >= "3.6"
apprise==0.9.6 \
    --hash=sha256:abc
-e git+https://github.com/example/thing.git#egg=thing
`
	got, err := ParseRequirements([]byte(contents))
	require.NoError(t, err)
	want := []Requirement{
		{Name: "python-binance", Constraint: "==1.0.15", Line: 3},
		{Name: "SQLAlchemy", Constraint: ">=1.4,<2", Line: 4},
		{Name: "rich", Line: 5},
		{Name: "requests", Constraint: "==2.27.1", Line: 6},
		{Name: "cryptography", Constraint: "==36.0.1", Line: 7},
		{Name: "apprise", Constraint: "==0.9.6", Line: 9},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("requirements mismatch (-want +got):\n%s", diff)
	}
}

func TestParseRequirementsNoName(t *testing.T) {
	_, err := ParseRequirements([]byte("==1.0\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestRequirementPinned(t *testing.T) {
	assert.True(t, Requirement{Name: "a", Constraint: "==1.0.0"}.Pinned())
	assert.False(t, Requirement{Name: "a", Constraint: "==1.*"}.Pinned())
	assert.False(t, Requirement{Name: "a", Constraint: "==1.0,!=1.0.1"}.Pinned())
	assert.False(t, Requirement{Name: "a", Constraint: ">=1.0"}.Pinned())
	assert.False(t, Requirement{Name: "a"}.Pinned())
}

func TestCheckPinned(t *testing.T) {
	m := &DependencyManifest{
		Path: "/recipe/requirements.txt",
		Requirements: []Requirement{
			{Name: "python-binance", Constraint: "==1.0.15", Line: 1},
			{Name: "rich", Line: 2},
		},
	}
	err := m.CheckPinned()
	require.ErrorIs(t, err, ErrUnpinnedRequirement)
	assert.Contains(t, err.Error(), "rich (line 2)")
	assert.NotContains(t, err.Error(), "python-binance")

	m.Requirements = m.Requirements[:1]
	assert.NoError(t, m.CheckPinned())
}

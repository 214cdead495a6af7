// Copyright 2025 James Ross
package pipeline

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordVersionMonotonic(t *testing.T) {
	s := NewVersionStore(0)
	for i := 1; i <= 5; i++ {
		v := s.RecordVersion("p", fmt.Sprintf("hash-%d", i), "")
		assert.Equal(t, i, v.Version)
	}
	versions := s.ListVersions("p")
	require.Len(t, versions, 5)
	// Newest first.
	assert.Equal(t, 5, versions[0].Version)
	assert.Equal(t, 1, versions[4].Version)
}

func TestActiveAndPreviousVersion(t *testing.T) {
	s := NewVersionStore(0)
	s.RecordVersion("p", "h1", "")
	s.RecordVersion("p", "h2", "")
	s.RecordVersion("p", "h3", "")

	active, ok := s.ActiveVersion("p")
	require.True(t, ok)
	assert.Equal(t, 3, active.Version)

	prev, ok := s.PreviousVersion("p")
	require.True(t, ok)
	assert.Equal(t, 2, prev.Version)

	require.NoError(t, s.SetActiveVersion("p", 2))
	active, _ = s.ActiveVersion("p")
	assert.Equal(t, "h2", active.StructuralHash)
	prev, ok = s.PreviousVersion("p")
	require.True(t, ok)
	assert.Equal(t, 1, prev.Version)

	assert.Error(t, s.SetActiveVersion("p", 99))
	assert.Error(t, s.SetActiveVersion("ghost", 1))
}

func TestMaxVersionsEviction(t *testing.T) {
	s := NewVersionStore(3)
	for i := 1; i <= 5; i++ {
		s.RecordVersion("p", fmt.Sprintf("h%d", i), "")
	}
	versions := s.ListVersions("p")
	require.Len(t, versions, 3)
	assert.Equal(t, 5, versions[0].Version)
	assert.Equal(t, 3, versions[2].Version)
}

func TestFindVersionByHash(t *testing.T) {
	s := NewVersionStore(0)
	s.RecordVersion("p", "h1", "")
	s.RecordVersion("p", "h2", "")

	v, ok := s.FindVersionByHash("p", "h1")
	require.True(t, ok)
	assert.Equal(t, 1, v.Version)
	_, ok = s.FindVersionByHash("p", "nope")
	assert.False(t, ok)
}

func TestVersionStoreUnknownName(t *testing.T) {
	s := NewVersionStore(0)
	_, ok := s.ActiveVersion("ghost")
	assert.False(t, ok)
	assert.Nil(t, s.ListVersions("ghost"))
}

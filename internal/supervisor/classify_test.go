package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/model"
)

func TestClassifyChat(t *testing.T) {
	cat := Classify(DefaultRules, "123.456 [CHAT] alice: hello there")
	require.Equal(t, model.CategoryChat, cat)
}

func TestClassifyJoinLeave(t *testing.T) {
	require.Equal(t, model.CategoryJoin, Classify(DefaultRules, "[JOIN] bob joined the game"))
	require.Equal(t, model.CategoryLeave, Classify(DefaultRules, "[LEAVE] bob left the game"))
}

func TestClassifyUnmatchedIsSystem(t *testing.T) {
	require.Equal(t, model.CategorySystem, Classify(DefaultRules, "some random boot line"))
}

func TestMatchesAnyReadyPattern(t *testing.T) {
	require.True(t, MatchesAny(DefaultReadyPatterns, "Hosting game on port 34197"))
	require.False(t, MatchesAny(DefaultReadyPatterns, "loading mods"))
}

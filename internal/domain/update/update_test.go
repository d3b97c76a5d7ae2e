package update

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestParseStage accepts the three stage names and rejects anything else.
func TestParseStage(t *testing.T) {
	t.Parallel()

	for _, name := range Stages() {
		stage, err := ParseStage(name)
		require.NoError(t, err)
		require.Equal(t, name, stage.String())
	}

	_, err := ParseStage("stage3")
	require.ErrorIs(t, err, ErrUnknownStage)
}

// TestLookupProduct maps known products to families and rejects unknown ones.
func TestLookupProduct(t *testing.T) {
	t.Parallel()

	profile, err := LookupProduct("spaColour")
	require.NoError(t, err)
	require.Equal(t, Profile{Product: "spaColour", Family: "spa"}, profile)

	_, err = LookupProduct("kraken")
	require.ErrorIs(t, err, ErrUnsupportedProduct)
}

// TestResolveProductPrecedence checks argument, then environment, then the compatibility default.
func TestResolveProductPrecedence(t *testing.T) {
	t.Setenv(ProductEnv, "monza")

	profile, err := ResolveProduct("spaBW")
	require.NoError(t, err)
	require.Equal(t, "spaBW", profile.Product)

	profile, err = ResolveProduct("")
	require.NoError(t, err)
	require.Equal(t, "monza", profile.Product)

	t.Setenv(ProductEnv, "")

	profile, err = ResolveProduct("")
	require.NoError(t, err)
	require.Equal(t, DefaultProduct, profile.Product)
}

// TestOverlayRecordMatches ensures only a recorded, equal digest matches.
func TestOverlayRecordMatches(t *testing.T) {
	t.Parallel()

	var empty *OverlayRecord
	require.False(t, empty.Matches("sha256:aa"))
	require.Nil(t, empty.Clone())

	record := &OverlayRecord{Digest: "sha256:aa", AppliedAt: time.Now(), Product: "condor"}
	require.True(t, record.Matches("sha256:aa"))
	require.False(t, record.Matches("sha256:bb"))

	cloned := record.Clone()
	cloned.Digest = "sha256:cc"
	require.Equal(t, "sha256:aa", record.Digest)
}

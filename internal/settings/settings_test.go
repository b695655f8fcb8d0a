package settings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize_FillsZeroValues(t *testing.T) {
	out := Settings{}.Normalize()
	assert.Equal(t, Default(), out)
}

func TestNormalize_MapsLegacyIncrementStrategy(t *testing.T) {
	in := Settings{General: General{DefaultStrategy: "increment"}}
	out := in.Normalize()
	assert.Equal(t, StrategyAuto, out.General.DefaultStrategy)
}

func TestNormalize_ClampsRetryAttempts(t *testing.T) {
	high := Settings{Bidding: Bidding{RetryAttempts: 50}}.Normalize()
	assert.Equal(t, 10, high.Bidding.RetryAttempts)

	low := Settings{Bidding: Bidding{RetryAttempts: -1}}.Normalize()
	assert.Equal(t, Default().Bidding.RetryAttempts, low.Bidding.RetryAttempts)
}

func TestNormalize_PreservesValidStrategy(t *testing.T) {
	in := Settings{General: General{DefaultStrategy: StrategySniping}}
	out := in.Normalize()
	assert.Equal(t, StrategySniping, out.General.DefaultStrategy)
}

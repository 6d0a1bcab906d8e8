package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/veritail/veritail/internal/model"
)

func brandClaims(values ...string) []model.SourcedClaim {
	claims := make([]model.SourcedClaim, 0, len(values))
	for _, v := range values {
		claims = append(claims, model.SourcedClaim{Claim: model.Claim{Field: "brand", Value: v}})
	}
	return claims
}

func TestDisplayCasingPicksMostCommonSpelling(t *testing.T) {
	claims := brandClaims("HP", "HP", "hp", "Hp")
	assert.Equal(t, "HP", displayCasing("brand", "hp", claims))
}

func TestDisplayCasingIgnoresOtherValues(t *testing.T) {
	claims := append(brandClaims("Brother", "Brother"), model.SourcedClaim{
		Claim: model.Claim{Field: "brand", Value: "Canon"},
	})
	assert.Equal(t, "Brother", displayCasing("brand", "brother", claims))
}

func TestDisplayCasingIgnoresOtherFields(t *testing.T) {
	claims := []model.SourcedClaim{
		{Claim: model.Claim{Field: "model", Value: "CF217A"}},
	}
	assert.Empty(t, displayCasing("brand", "cf217a", claims))
}

func TestDisplayCasingTieBreaksDeterministically(t *testing.T) {
	claims := brandClaims("EPSON", "Epson")
	// Equal counts fall back to lexicographic order.
	assert.Equal(t, "EPSON", displayCasing("brand", "epson", claims))
}

func TestDisplayCasingNoMatchingClaims(t *testing.T) {
	assert.Empty(t, displayCasing("brand", "kyocera", nil))
}

package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCoerceDuration(t *testing.T) {
	testCases := []struct {
		name    string
		kind    CaptureKind
		seconds int
		want    int
	}{
		{"写真は常に0", KindPhoto, 15, 0},
		{"3秒", KindClip, 3, 3},
		{"15秒", KindClip, 15, 15},
		{"未指定は3秒", KindClip, 0, 3},
		{"5秒は3秒に近い", KindClip, 5, 3},
		{"9秒は15秒側", KindClip, 9, 15},
		{"長すぎる値は15秒", KindClip, 60, 15},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, CoerceDuration(tc.kind, tc.seconds))
		})
	}
}

func TestParseCaptureKind(t *testing.T) {
	k, ok := ParseCaptureKind("video")
	assert.True(t, ok)
	assert.Equal(t, KindClip, k)

	_, ok = ParseCaptureKind("gif")
	assert.False(t, ok)
}

func TestPhase_Terminal(t *testing.T) {
	assert.False(t, PhaseLive.Terminal())
	assert.False(t, PhaseCaptured.Terminal())
	assert.False(t, PhasePendingPayment.Terminal())
	assert.True(t, PhasePaid.Terminal())
	assert.True(t, PhaseExpired.Terminal())
	assert.True(t, PhaseTimeout.Terminal())
}

func TestSession_CloneAndScrub(t *testing.T) {
	now := time.Now()
	s := &Session{
		ID:          "s1",
		PreviewRef:  "capturesPreview/t/d/s1.jpg",
		OriginalRef: "capturesOriginal/t/d/s1.jpg",
		DeleteAfter: &now,
		Pricing:     &PricingSnapshot{Total: 100},
	}
	assert.True(t, s.HasArtifacts())

	c := s.Clone()
	c.Pricing.Total = 0
	*c.DeleteAfter = now.Add(time.Hour)
	assert.Equal(t, 100, s.Pricing.Total)
	assert.Equal(t, now, *s.DeleteAfter)

	c.Scrub()
	assert.False(t, c.HasArtifacts())
	assert.True(t, s.HasArtifacts())
}

func TestGrant_Remaining(t *testing.T) {
	g := &Grant{MaxUses: 3, UseCount: 1}
	assert.Equal(t, 2, g.Remaining())
	g.UseCount = 5
	assert.Equal(t, 0, g.Remaining())
}

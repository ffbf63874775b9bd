package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towncapture/internal/errclass"
	"towncapture/internal/session"
)

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "42P01"}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
}

func TestSessionModelMapping(t *testing.T) {
	now := time.Now().UTC()
	s := &session.Session{
		ID:           "s1",
		DeviceID:     "d1",
		Phase:        session.PhasePaid,
		PaymentPhase: session.PaymentPaid,
		Overlay:      session.OverlaySelection{FrameID: "f1", LogoPosition: "top-left", FramePrice: 200},
		DeleteAfter:  &now,
		Pricing:      &session.PricingSnapshot{Total: 300},
	}

	got := sessionModelFromEntity(s).toEntity()
	assert.Equal(t, s, got)
	assert.Equal(t, "capture_sessions", sessionModel{}.TableName())
}

// openTestDB は TOWNCAPTURE_TEST_DSN が設定されている場合のみ接続する
func openTestDB(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TOWNCAPTURE_TEST_DSN")
	if dsn == "" {
		t.Skip("TOWNCAPTURE_TEST_DSN が未設定のためスキップ")
	}
	db, err := Connect(dsn)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { _ = Close(db) })
	return New(db, nil)
}

func TestStore_Integration(t *testing.T) {
	st := openTestDB(t)
	ctx := context.Background()

	sid := uuid.NewString()
	require.NoError(t, st.CreateSession(ctx, &session.Session{
		ID: sid, DeviceID: "d-" + sid, TenantID: "t1", Phase: session.PhaseLive, CreatedAt: time.Now().UTC(),
	}))

	_, err := st.UpdateSession(ctx, sid, func(s *session.Session) error {
		if s.Phase != session.PhaseLive {
			return errclass.ErrPreconditionFailed
		}
		s.Phase = session.PhaseCaptured
		s.Paid = true
		s.OriginalRef = "capturesOriginal/x.jpg"
		return nil
	})
	require.NoError(t, err)

	evID := "evt_" + sid
	first, err := st.ClaimEvent(ctx, session.ProcessedEvent{ID: evID, Type: "checkout.session.completed", ProcessedAt: time.Now()})
	require.NoError(t, err)
	second, err := st.ClaimEvent(ctx, session.ProcessedEvent{ID: evID, Type: "checkout.session.completed", ProcessedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)

	require.NoError(t, st.ReleaseEvent(ctx, evID))
	again, err := st.ClaimEvent(ctx, session.ProcessedEvent{ID: evID, Type: "checkout.session.completed", ProcessedAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, again, "取り消したイベントは再登録できる")

	token := "tok-" + sid
	require.NoError(t, st.CreateGrant(ctx, &session.Grant{Token: token, SessionID: sid, MaxUses: 1, ExpiresAt: time.Now().Add(time.Hour)}))
	check := func(g *session.Grant, s *session.Session) error {
		if s == nil || !s.Paid || g.UseCount >= g.MaxUses {
			return errclass.ErrGrantExhausted
		}
		return nil
	}
	inc := func(g *session.Grant) { g.UseCount++ }

	g, err := st.AtomicUpdateGrantIf(ctx, token, check, inc)
	require.NoError(t, err)
	assert.Equal(t, 1, g.UseCount)
	_, err = st.AtomicUpdateGrantIf(ctx, token, check, inc)
	assert.ErrorIs(t, err, errclass.ErrGrantExhausted)
}

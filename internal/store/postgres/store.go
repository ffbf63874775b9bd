package postgres

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/session"
)

// Store はsession.StoreのPostgreSQL実装
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New は新しいStoreを作成する
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logging.OrDefault(logger)}
}

// CreateSession はセッションを新規作成する
func (r *Store) CreateSession(ctx context.Context, s *session.Session) error {
	row := sessionModelFromEntity(s)
	row.UpdatedAt = time.Now().UTC()
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return errclass.ErrInvalidArgument.WithMessagef("セッションが既に存在します: %s", s.ID)
		}
		return r.logError("session_store_create_failed", err, "session_id", s.ID)
	}
	return nil
}

// GetSession はセッションを取得する
func (r *Store) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var row sessionModel
	err := r.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(id)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errclass.ErrNotFound.WithMessagef("セッション %s", id)
		}
		return nil, r.logError("session_store_get_failed", err, "session_id", id)
	}
	return row.toEntity(), nil
}

// UpdateSession は行ロックを取って読み込み・変更・書き込みを行う
func (r *Store) UpdateSession(ctx context.Context, id string, fn func(*session.Session) error) (*session.Session, error) {
	var updated *session.Session
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row sessionModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", strings.TrimSpace(id)).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errclass.ErrNotFound.WithMessagef("セッション %s", id)
			}
			return err
		}

		s := row.toEntity()
		if err := fn(s); err != nil {
			return err
		}
		s.ID = row.ID
		s.UpdatedAt = time.Now().UTC()

		next := sessionModelFromEntity(s)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = s
		return nil
	})
	if err != nil {
		if errclass.CodeOf(err) != "" {
			return nil, err
		}
		return nil, r.logError("session_store_update_failed", err, "session_id", id)
	}
	return updated, nil
}

// FindSessionByCheckout は決済IDからセッションを探す
func (r *Store) FindSessionByCheckout(ctx context.Context, checkoutID string) (*session.Session, error) {
	if strings.TrimSpace(checkoutID) == "" {
		return nil, errclass.ErrNotFound.WithMessage("決済IDが空です")
	}
	var row sessionModel
	err := r.db.WithContext(ctx).
		Where("checkout_id = ?", strings.TrimSpace(checkoutID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errclass.ErrNotFound.WithMessagef("決済 %s", checkoutID)
		}
		return nil, r.logError("session_store_find_by_checkout_failed", err, "checkout_id", checkoutID)
	}
	return row.toEntity(), nil
}

// LatestSessionForDevice はカメラの最新セッションを返す
func (r *Store) LatestSessionForDevice(ctx context.Context, deviceID string) (*session.Session, error) {
	var row sessionModel
	err := r.db.WithContext(ctx).
		Where("device_id = ?", strings.TrimSpace(deviceID)).
		Order("created_at DESC").
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errclass.ErrNotFound.WithMessagef("カメラ %s のセッション", deviceID)
		}
		return nil, r.logError("session_store_latest_for_device_failed", err, "device_id", deviceID)
	}
	return row.toEntity(), nil
}

// ListExpired は deleteAfter を過ぎた指定状態のセッションを返す
func (r *Store) ListExpired(ctx context.Context, now time.Time, phases []session.Phase, limit int) ([]*session.Session, error) {
	if limit <= 0 {
		limit = 200
	}
	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, string(p))
	}

	var rows []sessionModel
	err := r.db.WithContext(ctx).
		Where("delete_after IS NOT NULL AND delete_after <= ?", now.UTC()).
		Where("phase IN ?", names).
		Order("delete_after ASC").
		Limit(limit).
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("session_store_list_expired_failed", err)
	}

	out := make([]*session.Session, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// CreateGrant はダウンロード権を作成する
func (r *Store) CreateGrant(ctx context.Context, g *session.Grant) error {
	row := grantModelFromEntity(g)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return errclass.ErrInvalidArgument.WithMessage("ダウンロード権が既に存在します")
		}
		return r.logError("grant_store_create_failed", err, "session_id", g.SessionID)
	}
	return nil
}

// GetGrant はダウンロード権を取得する
func (r *Store) GetGrant(ctx context.Context, token string) (*session.Grant, error) {
	var row grantModel
	err := r.db.WithContext(ctx).
		Where("token = ?", strings.TrimSpace(token)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errclass.ErrNotFound.WithMessage("ダウンロード権")
		}
		return nil, r.logError("grant_store_get_failed", err)
	}
	return row.toEntity(), nil
}

// AtomicUpdateGrantIf はダウンロード権の行をロックして条件付きで更新する
func (r *Store) AtomicUpdateGrantIf(ctx context.Context, token string, check func(*session.Grant, *session.Session) error, mutate func(*session.Grant)) (*session.Grant, error) {
	var updated *session.Grant
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row grantModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("token = ?", strings.TrimSpace(token)).
			First(&row).
			Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errclass.ErrNotFound.WithMessage("ダウンロード権")
			}
			return err
		}

		g := row.toEntity()
		if check != nil {
			var sess *session.Session
			var srow sessionModel
			err := tx.Where("id = ?", g.SessionID).First(&srow).Error
			switch {
			case err == nil:
				sess = srow.toEntity()
			case errors.Is(err, gorm.ErrRecordNotFound):
			default:
				return err
			}
			if err := check(g, sess); err != nil {
				return err
			}
		}

		mutate(g)
		next := grantModelFromEntity(g)
		if err := tx.Save(&next).Error; err != nil {
			return err
		}
		updated = g
		return nil
	})
	if err != nil {
		if errclass.CodeOf(err) != "" {
			return nil, err
		}
		return nil, r.logError("grant_store_atomic_update_failed", err)
	}
	return updated, nil
}

// ClaimEvent は決済イベントIDを一度だけ登録する
func (r *Store) ClaimEvent(ctx context.Context, ev session.ProcessedEvent) (bool, error) {
	row := processedEventModel{
		ID:          ev.ID,
		Type:        ev.Type,
		ProcessedAt: ev.ProcessedAt.UTC(),
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&row)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return false, nil
		}
		return false, r.logError("event_store_claim_failed", res.Error, "event_id", ev.ID)
	}
	return res.RowsAffected == 1, nil
}

// ReleaseEvent は登録済みのイベントIDを取り消す
func (r *Store) ReleaseEvent(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Where("id = ?", id).
		Delete(&processedEventModel{}).
		Error
	if err != nil {
		return r.logError("event_store_release_failed", err, "event_id", id)
	}
	return nil
}

// ListOverlays はテナントのオーバーレイ素材一覧を返す
func (r *Store) ListOverlays(ctx context.Context, tenantID string) ([]session.OverlayAsset, error) {
	var rows []overlayModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		Order("id ASC").
		Find(&rows).
		Error
	if err != nil {
		return nil, r.logError("overlay_store_list_failed", err, "tenant_id", tenantID)
	}
	out := make([]session.OverlayAsset, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toEntity())
	}
	return out, nil
}

// GetOverlay はオーバーレイ素材を取得する
func (r *Store) GetOverlay(ctx context.Context, id string) (*session.OverlayAsset, error) {
	var row overlayModel
	err := r.db.WithContext(ctx).
		Where("id = ?", strings.TrimSpace(id)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errclass.ErrNotFound.WithMessagef("オーバーレイ %s", id)
		}
		return nil, r.logError("overlay_store_get_failed", err, "overlay_id", id)
	}
	a := row.toEntity()
	return &a, nil
}

// GetPricing はテナントの料金設定を返す。未設定ならnil
func (r *Store) GetPricing(ctx context.Context, tenantID string) (*session.TenantPricing, error) {
	var row pricingModel
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", strings.TrimSpace(tenantID)).
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, r.logError("pricing_store_get_failed", err, "tenant_id", tenantID)
	}
	return row.toEntity(), nil
}

func (r *Store) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"layer", "store",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	r.logger.Error("セッションストアの操作に失敗しました", fields...)
	return errclass.ErrUpstreamUnavailable.WithMessage(err.Error())
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

var _ session.Store = (*Store)(nil)

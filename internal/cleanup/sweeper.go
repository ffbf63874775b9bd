// Package cleanup は保持期限を過ぎた成果物とセッション情報を削除する
//
// 個々の削除失敗はログに残して処理を続ける。孤立したオブジェクトが残る方が、
// 他のセッションの掃除が止まるよりも影響が小さい。
package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"towncapture/internal/blob"
	"towncapture/internal/errclass"
	"towncapture/internal/logging"
	"towncapture/internal/session"
)

// DefaultBatchSize は1回の掃除で扱うセッション数の上限
const DefaultBatchSize = 200

// Report は掃除1回分の結果
type Report struct {
	Scanned        int       `json:"scanned"`
	Expired        int       `json:"expired"`
	BlobsDeleted   int       `json:"blobs_deleted"`
	DeleteFailures int       `json:"delete_failures"`
	StartedAt      time.Time `json:"started_at"`
	Elapsed        string    `json:"elapsed"`
}

// Sweeper は期限切れセッションを掃除する
type Sweeper struct {
	store  session.Store
	blobs  blob.Store
	batch  int
	now    func() time.Time
	logger *slog.Logger
}

// Option はSweeperの設定を変更する
type Option func(*Sweeper)

// WithClock は時刻関数を差し替える
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithBatchSize は1回に扱う件数を設定する
func WithBatchSize(n int) Option {
	return func(s *Sweeper) { s.batch = n }
}

// NewSweeper は新しいSweeperを作成する
func NewSweeper(store session.Store, blobs blob.Store, logger *slog.Logger, opts ...Option) *Sweeper {
	s := &Sweeper{
		store:  store,
		blobs:  blobs,
		batch:  DefaultBatchSize,
		now:    time.Now,
		logger: logging.OrDefault(logger),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var errReprieved = errors.New("deadline extended")

// Sweep は期限切れのセッションを1回掃除する
// 先にレコードから参照を取り除いてからオブジェクトを削除する
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	now := s.now()
	report := Report{StartedAt: now}

	targets, err := s.store.ListExpired(ctx, now, session.ExpirablePhases, s.batch)
	if err != nil {
		return report, err
	}
	report.Scanned = len(targets)

	for _, target := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		var refs []string
		_, err := s.store.UpdateSession(ctx, target.ID, func(sess *session.Session) error {
			// 一覧取得後に支払いなどで期限が延びていれば対象外
			if sess.DeleteAfter == nil || sess.DeleteAfter.After(now) || !slices.Contains(session.ExpirablePhases, sess.Phase) {
				return errReprieved
			}
			refs = artifactRefs(sess)

			sess.Phase = session.PhaseExpired
			sess.PaymentPhase = session.PaymentExpired
			sess.Paid = false
			sess.DeletedAt = &now
			if sess.EndedAt == nil {
				sess.EndedAt = &now
			}
			sess.DeleteAfter = nil
			sess.Scrub()
			return nil
		})
		if errors.Is(err, errReprieved) || errors.Is(err, errclass.ErrNotFound) {
			continue
		}
		if err != nil {
			s.logger.Error("セッションの期限切れ処理に失敗しました", "session_id", target.ID, "error", err)
			continue
		}
		report.Expired++

		for _, ref := range refs {
			if err := s.blobs.Delete(ctx, ref); err != nil {
				report.DeleteFailures++
				s.logger.Warn("成果物の削除に失敗しました", "session_id", target.ID, "key", ref, "error", err)
				continue
			}
			report.BlobsDeleted++
		}
	}

	report.Elapsed = time.Since(now).String()
	if report.Expired > 0 || report.DeleteFailures > 0 {
		s.logger.Info("期限切れの成果物を掃除しました",
			"scanned", report.Scanned,
			"expired", report.Expired,
			"blobs_deleted", report.BlobsDeleted,
			"delete_failures", report.DeleteFailures,
		)
	}
	return report, nil
}

func artifactRefs(sess *session.Session) []string {
	var refs []string
	for _, ref := range []string{sess.PreviewRef, sess.OriginalRef, sess.LegacyRef} {
		if ref != "" && !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

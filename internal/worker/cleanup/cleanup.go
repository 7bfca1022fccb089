// Package cleanup は期限切れデータの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を過ぎた期限切れセッションと、
// 許容経過時間を過ぎたレスポンスnonceを定期的に削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/openidauth/internal/metrics"
)

// SessionCleaner は期限切れセッションの削除を抽象化するインターフェース。
// *repository.PostgresSessionRepo が実装する。
type SessionCleaner interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// NonceCleaner は古いnonceの削除を抽象化するインターフェース。
// *repository.PostgresNonceRepo が実装する。
type NonceCleaner interface {
	DeleteIssuedBefore(ctx context.Context, before time.Time) (int64, error)
}

// 削除対象の名前。メトリクスのラベルに使う。
const (
	TargetSessions = "sessions"
	TargetNonces   = "nonces"
)

// CleanupJob は期限切れデータの自動削除ジョブ。
// 冪等な削除処理のみを行うため、何度実行してもよい。
type CleanupJob struct {
	sessions SessionCleaner
	nonces   NonceCleaner
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	now      func() time.Time

	RetentionDays int           // 期限切れセッションの保持日数（デフォルト: 7）
	NonceMaxAge   time.Duration // nonceの許容経過時間（デフォルト: 5分）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// noncesがnilの場合（nonceをRedisやメモリに保持する場合）はnonceの削除を行わない。
func NewCleanupJob(sessions SessionCleaner, nonces NonceCleaner, collector metrics.MetricsCollector, logger *slog.Logger) *CleanupJob {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &CleanupJob{
		sessions:      sessions,
		nonces:        nonces,
		metrics:       collector,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 7,
		NonceMaxAge:   5 * time.Minute,
	}
}

// Run は期限切れセッションと古いnonceを削除する。
// 片方の削除に失敗しても、もう片方は実行してからエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	sessionErr := j.cleanSessions(ctx, start)

	var nonceErr error
	if j.nonces != nil {
		nonceErr = j.cleanNonces(ctx, start)
	}

	if sessionErr != nil {
		return sessionErr
	}
	if nonceErr != nil {
		return nonceErr
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) cleanSessions(ctx context.Context, now time.Time) error {
	before := now.AddDate(0, 0, -j.RetentionDays)
	deleted, err := j.sessions.DeleteExpired(ctx, before)
	if err != nil {
		j.logger.Error("セッションのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	j.metrics.RecordCleanup(TargetSessions, deleted)
	j.logger.Info("期限切れセッションを削除しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
	)
	return nil
}

func (j *CleanupJob) cleanNonces(ctx context.Context, now time.Time) error {
	deleted, err := j.nonces.DeleteIssuedBefore(ctx, now.Add(-j.NonceMaxAge))
	if err != nil {
		j.logger.Error("nonceのクリーンアップに失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("nonceクリーンアップの実行に失敗: %w", err)
	}

	j.metrics.RecordCleanup(TargetNonces, deleted)
	j.logger.Info("古いnonceを削除しました",
		slog.Int64("deleted_count", deleted),
		slog.Duration("max_age", j.NonceMaxAge),
	)
	return nil
}

// RunEvery はRunを起動直後に1回、以降intervalごとに実行する。ctxがキャンセルされると戻る。
func (j *CleanupJob) RunEvery(ctx context.Context, interval time.Duration) {
	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}

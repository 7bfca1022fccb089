package app

import (
	"fmt"
	"io"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はOpenIDコンシューマーとAPIを提供するサーバーモード。
	CommandServe Command = "serve"
	// CommandWorker は期限切れセッションと古いnonceを削除するワーカーモード。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの /health を確認する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
	// CommandHelp は使い方を表示する。
	CommandHelp Command = "help"
)

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}

	switch args[0] {
	case "worker":
		return CommandWorker
	case "serve":
		return CommandServe
	case "migrate":
		return CommandMigrate
	case "healthcheck":
		return CommandHealthcheck
	case "help", "-h", "--help":
		return CommandHelp
	default:
		return CommandServe
	}
}

const usage = `Usage: openidauth [command]

Commands:
  serve        OpenIDコンシューマーとAPIサーバーを起動する（既定）
  worker       期限切れセッションと古いnonceを定期的に削除する
  migrate      データベースマイグレーションを適用する
  healthcheck  起動中のサーバーの /health を確認する
  help         この使い方を表示する

Required environment variables:
  DATABASE_URL, SESSION_SECRET, BASE_URL

OpenID:
  OPENID_CONSUMER (registration|auth|cookie), OPENID_PATH_PREFIX, OPENID_TRUST_ROOT,
  OPENID_SREG, OPENID_SREG_REQUIRED, OPENID_XRI_ENABLED, OPENID_DEBUG,
  OPENID_HTTP_TIMEOUT, OPENID_MAX_NONCE_AGE, OPENID_ALLOW_PRIVATE_PROVIDERS,
  NONCE_STORE (postgres|redis|memory), REDIS_URL

Rate limits (req/min):
  RATE_LIMIT_GENERAL, RATE_LIMIT_LOGIN, RATE_LIMIT_PROVIDER
`

// printUsage は使い方を出力する。
func printUsage(w io.Writer) error {
	_, err := fmt.Fprint(w, usage)
	return err
}

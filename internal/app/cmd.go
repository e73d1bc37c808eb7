package app

import (
	"fmt"
	"strconv"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はトークンと招待のクリーンアップワーカーを起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	// "migrate down [N]" で直近N件（既定1件）を巻き戻す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// Commands はteamgateバイナリが受け付けるサブコマンドの一覧。
var Commands = []Command{CommandServe, CommandWorker, CommandMigrate, CommandHealthcheck}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range Commands {
		if args[0] == string(c) {
			return c
		}
	}
	return CommandServe
}

// MigrateOptions はmigrateサブコマンドの引数。
type MigrateOptions struct {
	// Down は適用済みマイグレーションを巻き戻すかどうか。
	Down bool
	// Steps は適用または巻き戻す件数。0は未適用分すべてを適用する。
	Steps int
}

// ParseMigrateOptions は "migrate" 以降の引数を解析する。
//
//	migrate            未適用分をすべて適用
//	migrate up [N]     N件適用
//	migrate down [N]   N件巻き戻す（既定1件）
func ParseMigrateOptions(args []string) (MigrateOptions, error) {
	if len(args) == 0 {
		return MigrateOptions{}, nil
	}
	if len(args) > 2 {
		return MigrateOptions{}, fmt.Errorf("too many migrate arguments: %v", args)
	}

	var opts MigrateOptions
	switch args[0] {
	case "up":
	case "down":
		opts.Down = true
		opts.Steps = 1
	default:
		return MigrateOptions{}, fmt.Errorf("unknown migrate direction %q (want up or down)", args[0])
	}

	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return MigrateOptions{}, fmt.Errorf("invalid migrate steps %q: must be a positive integer", args[1])
		}
		opts.Steps = n
	}
	return opts, nil
}

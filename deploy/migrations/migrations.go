package migrations

import "embed"

// Files 暴露账本的 SQL 迁移脚本，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS

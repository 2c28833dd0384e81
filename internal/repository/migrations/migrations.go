// Package migrations 内嵌 SQLite 表结构
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS

package sqlstore

import (
	stdErrors "errors"
	"strings"

	"github.com/go-sql-driver/mysql"
)

// isDuplicateKey 判断错误是否为主键冲突。
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	if stdErrors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// go-sqlite3 的错误类型依赖 cgo，这里按消息匹配。
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

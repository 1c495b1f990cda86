package internal

import (
	// database/sql drivers for the watermill sql transport.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
)

// Package resource groups ResourceFactory implementations for common
// backends. Each sub-package hands every chunk its own connection and returns
// it on Release:
//
//	sqlconn    database/sql
//	pgxconn    PostgreSQL through pgxpool
//	redisconn  Redis through go-redis
package resource

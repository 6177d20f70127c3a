package utils

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisHealthCheck_Success(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().SetVal("PONG")

	err := RedisHealthCheck(db)

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Failure(t *testing.T) {
	db, mock := redismock.NewClientMock()

	expectedError := errors.New("connection failed")
	mock.ExpectPing().SetErr(expectedError)

	err := RedisHealthCheck(db)

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "redis health check failed")
	assert.Contains(t, err.Error(), "connection failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisHealthCheck_Timeout(t *testing.T) {
	db, mock := redismock.NewClientMock()

	mock.ExpectPing().RedisNil()

	start := time.Now()
	err := RedisHealthCheck(db)
	duration := time.Since(start)

	assert.Error(t, err)
	assert.Less(t, duration, 3*time.Second)
}

func TestGenerateCode(t *testing.T) {
	code, err := GenerateCode(9)
	assert.NoError(t, err)
	assert.Len(t, code, 18) // hex doubles the byte count
	assert.Equal(t, strings.ToUpper(code), code)

	other, err := GenerateCode(9)
	assert.NoError(t, err)
	assert.NotEqual(t, code, other)
}

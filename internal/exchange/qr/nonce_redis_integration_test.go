//go:build integration

package qr_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"handoff/internal/exchange/qr"
	platformredis "handoff/internal/platform/redis"
	"handoff/pkg/testutil/containers"
)

type RedisNonceStoreSuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *qr.RedisNonceStore
	ctx   context.Context
}

func TestRedisNonceStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisNonceStoreSuite))
}

func (s *RedisNonceStoreSuite) SetupSuite() {
	s.redis = containers.NewRedisContainer(s.T())
	s.store = qr.NewRedisNonceStore(&platformredis.Client{Client: s.redis.Client})
	s.ctx = context.Background()
}

func (s *RedisNonceStoreSuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(s.ctx))
}

func (s *RedisNonceStoreSuite) TestSaveAndGet() {
	id := uuid.New()
	rec := qr.NonceRecord{JTI: uuid.NewString(), CodeHash: "$2a$10$hash"}

	s.Require().NoError(s.store.Save(s.ctx, id, rec, time.Minute))

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal(rec, *got)
}

func (s *RedisNonceStoreSuite) TestGetMissingReturnsNil() {
	got, err := s.store.Get(s.ctx, uuid.New())
	s.Require().NoError(err)
	s.Nil(got)
}

func (s *RedisNonceStoreSuite) TestReissueOverwrites() {
	id := uuid.New()
	s.Require().NoError(s.store.Save(s.ctx, id, qr.NonceRecord{JTI: "old"}, time.Minute))
	s.Require().NoError(s.store.Save(s.ctx, id, qr.NonceRecord{JTI: "new"}, time.Minute))

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Require().NotNil(got)
	s.Equal("new", got.JTI)
}

func (s *RedisNonceStoreSuite) TestTTLExpiry() {
	id := uuid.New()
	s.Require().NoError(s.store.Save(s.ctx, id, qr.NonceRecord{JTI: "short"}, 100*time.Millisecond))

	time.Sleep(300 * time.Millisecond)

	got, err := s.store.Get(s.ctx, id)
	s.Require().NoError(err)
	s.Nil(got)
}

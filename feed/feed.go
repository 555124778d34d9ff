// Package feed keeps the per-post liked-by sets and per-user follow
// timelines in Redis sorted sets. Thin store plumbing around ZADD/ZSCORE/
// ZREM/ZRANGE with no business logic of its own.
package feed

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"

	"github.com/voucherhub/voucherhub/logger"
)

const (
	likedKeyPrefix = "post:liked:"
	feedKeyPrefix  = "feed:"
)

// Service manages liked-by sets and follower feeds.
type Service struct {
	rdb *redis.Client
	log logger.Logger
}

func NewService(rdb *redis.Client, log logger.Logger) *Service {
	return &Service{
		rdb: rdb,
		log: log.With(map[string]interface{}{"component": "feed"}),
	}
}

func likedKey(postID int64) string {
	return likedKeyPrefix + strconv.FormatInt(postID, 10)
}

func feedKey(userID int64) string {
	return feedKeyPrefix + strconv.FormatInt(userID, 10)
}

// ToggleLike records or withdraws a like. The liked-by set is sorted by
// like time so the earliest likers rank first. Returns whether the post
// is liked by the user after the call.
func (s *Service) ToggleLike(ctx context.Context, postID, userID int64) (bool, error) {
	key := likedKey(postID)
	member := strconv.FormatInt(userID, 10)

	_, err := s.rdb.ZScore(ctx, key, member).Result()
	if err == redis.Nil {
		if err := s.rdb.ZAdd(ctx, key, redis.Z{
			Score:  float64(time.Now().UnixMilli()),
			Member: member,
		}).Err(); err != nil {
			return false, errors.Wrapf(err, "feed: liking post %d", postID)
		}
		return true, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "feed: reading like for post %d", postID)
	}

	if err := s.rdb.ZRem(ctx, key, member).Err(); err != nil {
		return true, errors.Wrapf(err, "feed: unliking post %d", postID)
	}
	return false, nil
}

// IsLiked reports whether the user has liked the post.
func (s *Service) IsLiked(ctx context.Context, postID, userID int64) (bool, error) {
	_, err := s.rdb.ZScore(ctx, likedKey(postID), strconv.FormatInt(userID, 10)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "feed: reading like for post %d", postID)
	}
	return true, nil
}

// TopLikers returns up to n user IDs ordered by like time, earliest
// first.
func (s *Service) TopLikers(ctx context.Context, postID int64, n int64) ([]int64, error) {
	members, err := s.rdb.ZRange(ctx, likedKey(postID), 0, n-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "feed: ranking likers for post %d", postID)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "feed: parsing liker %q", m)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PushToFollowers fans a new post out to each follower's timeline,
// scored by publish time.
func (s *Service) PushToFollowers(ctx context.Context, postID int64, followerIDs []int64) error {
	score := float64(time.Now().UnixMilli())
	member := strconv.FormatInt(postID, 10)
	for _, followerID := range followerIDs {
		if err := s.rdb.ZAdd(ctx, feedKey(followerID), redis.Z{
			Score:  score,
			Member: member,
		}).Err(); err != nil {
			return errors.Wrapf(err, "feed: pushing post %d to follower %d", postID, followerID)
		}
	}
	return nil
}

// Timeline returns up to count post IDs from the user's feed, newest
// first, starting at offset.
func (s *Service) Timeline(ctx context.Context, userID int64, offset, count int64) ([]int64, error) {
	members, err := s.rdb.ZRevRange(ctx, feedKey(userID), offset, offset+count-1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "feed: reading timeline for user %d", userID)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "feed: parsing post %q", m)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

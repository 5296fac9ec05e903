package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	roomOnlineKey  = "room:%s:online_users" // List: 在线用户名，按加入顺序
	roomsOnlineKey = "rooms:online"         // Sorted Set: roomID -> 在线人数
	roomTTL        = 24 * time.Hour
)

// RoomCache 在线成员镜像。进程内 Presence 是权威来源，这里只供运维和其他进程读取。
type RoomCache struct {
	client *redis.Client
}

// NewRoomCache 创建房间缓存，client 为 nil 时使用全局客户端
func NewRoomCache(client *redis.Client) *RoomCache {
	if client == nil {
		client = RedisClient
	}
	return &RoomCache{client: client}
}

// PublishMembers 覆盖写入房间在线成员；members 为空时等同 ClearRoom
func (c *RoomCache) PublishMembers(ctx context.Context, roomID string, members []string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if len(members) == 0 {
		return c.ClearRoom(ctx, roomID)
	}

	key := fmt.Sprintf(roomOnlineKey, roomID)
	values := make([]interface{}, len(members))
	for i, m := range members {
		values[i] = m
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.RPush(ctx, key, values...)
	pipe.Expire(ctx, key, roomTTL)
	pipe.ZAdd(ctx, roomsOnlineKey, &redis.Z{Score: float64(len(members)), Member: roomID})
	_, err := pipe.Exec(ctx)
	return err
}

// ClearRoom 移除房间的在线记录
func (c *RoomCache) ClearRoom(ctx context.Context, roomID string) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, fmt.Sprintf(roomOnlineKey, roomID))
	pipe.ZRem(ctx, roomsOnlineKey, roomID)
	_, err := pipe.Exec(ctx)
	return err
}

// GetMembers 读取房间在线成员
func (c *RoomCache) GetMembers(ctx context.Context, roomID string) ([]string, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}
	return c.client.LRange(ctx, fmt.Sprintf(roomOnlineKey, roomID), 0, -1).Result()
}

// RoomOccupancy 房间在线人数
type RoomOccupancy struct {
	RoomID  string
	Members int64
}

// Occupancy 按在线人数降序列出有人的房间
func (c *RoomCache) Occupancy(ctx context.Context) ([]RoomOccupancy, error) {
	if c.client == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	zs, err := c.client.ZRevRangeWithScores(ctx, roomsOnlineKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online rooms: %w", err)
	}
	out := make([]RoomOccupancy, 0, len(zs))
	for _, z := range zs {
		id, _ := z.Member.(string)
		out = append(out, RoomOccupancy{RoomID: id, Members: int64(z.Score)})
	}
	return out, nil
}

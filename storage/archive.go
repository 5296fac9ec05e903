package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"syncstream/model"

	"github.com/minio/minio-go/v7"
)

const archivePrefix = "rooms/"

// ArchiveRecord 归档对象内容
type ArchiveRecord struct {
	Reason     string      `json:"reason"`
	ArchivedAt time.Time   `json:"archivedAt"`
	Room       *model.Room `json:"room"`
}

// ArchiveInfo 归档对象信息
type ArchiveInfo struct {
	Key          string
	RoomID       string
	Size         int64
	LastModified time.Time
}

// RoomArchiver 把被删除或回收的房间快照写入 MinIO
type RoomArchiver struct {
	client *minio.Client
	bucket string
	now    func() time.Time
}

// NewRoomArchiver client 为 nil 时使用全局客户端
func NewRoomArchiver(client *minio.Client, bucket string) *RoomArchiver {
	if client == nil {
		client = minioClient
	}
	return &RoomArchiver{client: client, bucket: bucket, now: time.Now}
}

// ArchiveKey rooms/<roomId>/<yyyymmddThhmmssZ>-<reason>.json
func ArchiveKey(roomID, reason string, at time.Time) string {
	return fmt.Sprintf("%s%s/%s-%s.json", archivePrefix, roomID, at.UTC().Format("20060102T150405Z"), reason)
}

// Archive 写入房间快照
func (a *RoomArchiver) Archive(ctx context.Context, room *model.Room, reason string) error {
	if a.client == nil {
		return fmt.Errorf("minio client not initialized")
	}

	at := a.now()
	data, err := json.Marshal(ArchiveRecord{Reason: reason, ArchivedAt: at.UTC(), Room: room})
	if err != nil {
		return err
	}

	key := ArchiveKey(room.ID, reason, at)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("上传归档失败: %w", err)
	}
	return nil
}

// List 列出归档，roomID 为空时列出全部，按时间排序
func (a *RoomArchiver) List(ctx context.Context, roomID string) ([]ArchiveInfo, error) {
	prefix := archivePrefix
	if roomID != "" {
		prefix += roomID + "/"
	}

	var out []ArchiveInfo
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("列出归档失败: %w", obj.Err)
		}
		out = append(out, ArchiveInfo{
			Key:          obj.Key,
			RoomID:       roomIDFromKey(obj.Key),
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastModified.Before(out[j].LastModified)
	})
	return out, nil
}

// Get 读取一个归档
func (a *RoomArchiver) Get(ctx context.Context, key string) (*ArchiveRecord, error) {
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("读取归档失败: %w", err)
	}
	var rec ArchiveRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func roomIDFromKey(key string) string {
	rest := strings.TrimPrefix(key, archivePrefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return ""
}

// FormatSize 格式化文件大小
func FormatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

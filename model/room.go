package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Track 歌单中的一首歌
type Track struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Artist    string     `json:"artist"`
	Duration  float64    `json:"duration"` // 秒，0 表示未知
	URL       string     `json:"url"`
	Thumbnail string     `json:"thumbnail,omitempty"`
	EmbedURL  string     `json:"embedUrl,omitempty"`
	AddedAt   *time.Time `json:"addedAt,omitempty"`
	AddedBy   string     `json:"addedBy,omitempty"`
}

// TrackList 自定义类型用于 GORM JSON 字段的自动扫描
type TrackList []Track

// Scan 实现 sql.Scanner 接口
func (l *TrackList) Scan(value interface{}) error {
	if value == nil {
		*l = TrackList{}
		return nil
	}
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	default:
		return fmt.Errorf("unsupported playlist column type %T", value)
	}
	if len(bytes) == 0 || string(bytes) == "null" {
		*l = TrackList{}
		return nil
	}
	return json.Unmarshal(bytes, l)
}

// Value 实现 driver.Valuer 接口，空歌单存为 []
func (l TrackList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Clone 复制歌单，状态机的转换函数不修改入参
func (l TrackList) Clone() TrackList {
	out := make(TrackList, len(l))
	copy(out, l)
	return out
}

// Room 一起听房间
type Room struct {
	ID              string     `json:"id" gorm:"primaryKey;size:36"`
	Name            string     `json:"name" gorm:"size:100;not null"`
	Code            string     `json:"code" gorm:"size:16;uniqueIndex;not null"`
	CurrentTrackID  *string    `json:"currentSong" gorm:"column:current_track_id;size:128"`
	IsPlaying       bool       `json:"isPlaying" gorm:"not null"`
	PositionSeconds float64    `json:"currentTime" gorm:"column:position_seconds;not null"`
	Playlist        TrackList  `json:"playlist" gorm:"type:json"`
	Users           []RoomUser `json:"users" gorm:"foreignKey:RoomID"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (Room) TableName() string {
	return "rooms"
}

// CurrentTrack 返回当前曲目（若存在于歌单中）
func (r *Room) CurrentTrack() *Track {
	if r.CurrentTrackID == nil {
		return nil
	}
	for i := range r.Playlist {
		if r.Playlist[i].ID == *r.CurrentTrackID {
			return &r.Playlist[i]
		}
	}
	return nil
}

// Usernames 房间用户名列表
func (r *Room) Usernames() []string {
	names := make([]string, 0, len(r.Users))
	for _, u := range r.Users {
		names = append(names, u.Username)
	}
	return names
}

// RoomUser 房间成员（持久化，创建或通过房间码加入时写入）
type RoomUser struct {
	ID       int64     `json:"-" gorm:"primaryKey;autoIncrement"`
	RoomID   string    `json:"-" gorm:"size:36;not null;uniqueIndex:idx_room_username"`
	Username string    `json:"username" gorm:"size:100;not null;uniqueIndex:idx_room_username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// TableName 指定表名
func (RoomUser) TableName() string {
	return "room_users"
}

// OptionalString 区分 JSON 中缺省的键和显式的 null
type OptionalString struct {
	Set   bool
	Value *string
}

// UnmarshalJSON 只有键存在时才会被调用
func (o *OptionalString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		o.Value = nil
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	o.Value = &s
	return nil
}

// RoomPatch 房间部分字段更新
type RoomPatch struct {
	Name            *string        `json:"name,omitempty"`
	CurrentTrackID  OptionalString `json:"currentSong"`
	IsPlaying       *bool          `json:"isPlaying,omitempty"`
	PositionSeconds *float64       `json:"currentTime,omitempty"`
	Playlist        *TrackList     `json:"playlist,omitempty"`
}

// Empty 是否没有任何字段
func (p RoomPatch) Empty() bool {
	return p.Name == nil && !p.CurrentTrackID.Set && p.IsPlaying == nil &&
		p.PositionSeconds == nil && p.Playlist == nil
}

// Validate 校验补丁字段
func (p RoomPatch) Validate() error {
	if p.Empty() {
		return Validation("no updatable fields")
	}
	if p.Name != nil && *p.Name == "" {
		return Validation("name must not be empty")
	}
	if p.PositionSeconds != nil && *p.PositionSeconds < 0 {
		return Validation("currentTime must not be negative")
	}
	if p.Playlist != nil {
		if err := ValidatePlaylist(*p.Playlist); err != nil {
			return err
		}
	}
	return nil
}

// Apply 将补丁写入房间，不做状态机推导
func (p RoomPatch) Apply(r *Room) {
	if p.Name != nil {
		r.Name = *p.Name
	}
	if p.CurrentTrackID.Set {
		r.CurrentTrackID = p.CurrentTrackID.Value
	}
	if p.IsPlaying != nil {
		r.IsPlaying = *p.IsPlaying
	}
	if p.PositionSeconds != nil {
		r.PositionSeconds = *p.PositionSeconds
	}
	if p.Playlist != nil {
		r.Playlist = p.Playlist.Clone()
	}
}

// ValidateTrack 添加歌曲时的必填字段
func ValidateTrack(t Track) error {
	if t.ID == "" || t.Title == "" || t.Artist == "" {
		return Validation("invalid track data, required fields: id, title, artist")
	}
	return nil
}

// ValidatePlaylist 整体替换歌单时，每首歌必须有 id 且不重复
func ValidatePlaylist(l TrackList) error {
	seen := make(map[string]struct{}, len(l))
	for _, t := range l {
		if t.ID == "" {
			return Validation("every playlist track needs an id")
		}
		if _, dup := seen[t.ID]; dup {
			return Validation(fmt.Sprintf("track %s appears twice", t.ID))
		}
		seen[t.ID] = struct{}{}
	}
	return nil
}

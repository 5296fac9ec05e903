package room

import (
	"encoding/json"
	"time"

	"syncstream/model"
)

// MessageType 消息类型
type MessageType string

const (
	// 客户端意图
	MsgTypeJoin        MessageType = "join"
	MsgTypeLeave       MessageType = "leave"
	MsgTypePlay        MessageType = "play"
	MsgTypePause       MessageType = "pause"
	MsgTypeSeek        MessageType = "seek"
	MsgTypeTrackChange MessageType = "track-change"
	MsgTypeNext        MessageType = "next"
	MsgTypePrevious    MessageType = "previous"
	MsgTypeAddTrack    MessageType = "add-track"
	MsgTypeRemoveTrack MessageType = "remove-track"
	MsgTypeRoomUpdate  MessageType = "room-update"
	MsgTypePing        MessageType = "ping"

	// 服务端事件
	MsgTypeRoomState       MessageType = "room-state" // 加入时发给本连接的完整快照
	MsgTypeRoomUsers       MessageType = "room-users" // 在线成员列表
	MsgTypeMemberJoined    MessageType = "member-joined"
	MsgTypeMemberLeft      MessageType = "member-left"
	MsgTypeMusicSync       MessageType = "music-sync"
	MsgTypePlaylistUpdated MessageType = "playlist-updated"
	MsgTypeRoomUpdated     MessageType = "room-updated"
	MsgTypeAck             MessageType = "ack"
	MsgTypeError           MessageType = "error"
	MsgTypePong            MessageType = "pong"
)

// WSMessage WebSocket 消息结构
type WSMessage struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	RoomID    string          `json:"roomId,omitempty"`
	Username  string          `json:"username,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// ========== 意图数据 ==========

// PlayData play 意图，可同时切歌和对齐进度
type PlayData struct {
	TrackID     *string  `json:"trackId,omitempty"`
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

// PauseData pause 意图
type PauseData struct {
	CurrentTime *float64 `json:"currentTime,omitempty"`
}

// SeekData seek 意图
type SeekData struct {
	CurrentTime *float64 `json:"currentTime"`
	IsPlaying   *bool    `json:"isPlaying,omitempty"`
}

// TrackChangeData track-change 意图
type TrackChangeData struct {
	TrackID  string `json:"trackId"`
	AutoPlay bool   `json:"autoPlay"`
}

// AdvanceData next / previous 意图
type AdvanceData struct {
	LoopMode string `json:"loopMode,omitempty"`
}

// AddTrackData add-track 意图
type AddTrackData struct {
	Track model.Track `json:"track"`
}

// RemoveTrackData remove-track 意图
type RemoveTrackData struct {
	TrackID string `json:"trackId"`
}

// ========== 事件数据 ==========

// MusicSyncData 播放状态同步，发给房间内所有连接（包括发送者）
type MusicSyncData struct {
	Action      string  `json:"action"`
	TrackID     *string `json:"trackId,omitempty"`
	CurrentTime float64 `json:"currentTime"`
	IsPlaying   bool    `json:"isPlaying"`
	Timestamp   int64   `json:"timestamp"`
	Username    string  `json:"username,omitempty"`
}

// PlaylistUpdatedData 歌单变更
type PlaylistUpdatedData struct {
	Action      string           `json:"action"` // add / remove / replace
	Track       *model.Track     `json:"track,omitempty"`
	TrackID     string           `json:"trackId,omitempty"`
	Playlist    *model.TrackList `json:"playlist,omitempty"`
	CurrentSong *string          `json:"currentSong"`
	IsPlaying   bool             `json:"isPlaying"`
	CurrentTime float64          `json:"currentTime"`
	Username    string           `json:"username,omitempty"`
}

// RoomUpdatedData 房间字段变更或删除
type RoomUpdatedData struct {
	Room    *model.Room `json:"room,omitempty"`
	Deleted bool        `json:"deleted,omitempty"`
}

// RoomStateData 加入时的快照
type RoomStateData struct {
	Room    *model.Room `json:"room"`
	Members []string    `json:"members"`
}

// RoomUsersData 在线成员列表
type RoomUsersData struct {
	Users []string `json:"users"`
}

// MemberData 成员加入/离开
type MemberData struct {
	Username string `json:"username"`
}

// AckData 意图成功的确认，只发给发送者
type AckData struct {
	Intent MessageType `json:"intent"`
	Room   *model.Room `json:"room,omitempty"`
}

// ErrorData 意图失败的确认，只发给发送者，从不广播
type ErrorData struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Intent  MessageType `json:"intent,omitempty"`
}

// PongData 心跳响应
type PongData struct {
	Timestamp int64  `json:"timestamp"`
	RoomID    string `json:"roomId,omitempty"`
}

// NewMessage 构造带时间戳的消息
func NewMessage(msgType MessageType, roomID string, data interface{}) (*WSMessage, error) {
	msg := &WSMessage{
		Type:      msgType,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// DecodeData 解析消息数据，缺省数据视为空对象
func (m *WSMessage) DecodeData(v interface{}) error {
	data := m.Data
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	// 兼容前端双重序列化的 data 字段
	if data[0] == '"' {
		var decoded string
		if err := json.Unmarshal(data, &decoded); err == nil {
			data = json.RawMessage(decoded)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return model.Validation("invalid " + string(m.Type) + " payload: " + err.Error())
	}
	return nil
}

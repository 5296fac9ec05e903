// Package reconcile 客户端维护的房间投影。以服务端为准：事件携带的字段直接覆盖，不做合并。
package reconcile

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"syncstream/core/playback"
	"syncstream/core/room"
	"syncstream/model"
)

// DefaultTolerance 本地播放器允许的进度偏差
const DefaultTolerance = time.Second

// Projection 房间的本地视图
type Projection struct {
	RoomID          string
	Name            string
	Playlist        model.TrackList
	CurrentTrackID  *string
	IsPlaying       bool
	PositionSeconds float64
	LoopMode        playback.LoopMode
	Members         []string
	Deleted         bool

	// 服务端给出 PositionSeconds 的时间
	SyncedAt time.Time
}

// CurrentTrack 当前歌曲，不在歌单中时返回 nil
func (p Projection) CurrentTrack() *model.Track {
	idx := playback.IndexOf(p.Playlist, p.CurrentTrackID)
	if idx < 0 {
		return nil
	}
	t := p.Playlist[idx]
	return &t
}

// Position 播放中时按经过的时间推算进度
func (p Projection) Position(now time.Time) float64 {
	if !p.IsPlaying || p.SyncedAt.IsZero() {
		return p.PositionSeconds
	}
	elapsed := now.Sub(p.SyncedAt).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return p.PositionSeconds + elapsed
}

func (p Projection) withRoom(r *model.Room) Projection {
	if r == nil {
		return p
	}
	p.RoomID = r.ID
	p.Name = r.Name
	p.Playlist = r.Playlist.Clone()
	p.CurrentTrackID = r.CurrentTrackID
	p.IsPlaying = r.IsPlaying
	p.PositionSeconds = r.PositionSeconds
	p.Deleted = false
	return p
}

// Apply 把一条服务端事件合入投影。pong、error、member-joined、member-left 原样返回 p。
func Apply(p Projection, msg *room.WSMessage) (Projection, error) {
	syncedAt := time.UnixMilli(msg.Timestamp)

	switch msg.Type {
	case room.MsgTypeRoomState:
		var data room.RoomStateData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		p = p.withRoom(data.Room)
		p.Members = append([]string(nil), data.Members...)
		p.SyncedAt = syncedAt

	case room.MsgTypeAck:
		var data room.AckData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		if data.Room != nil {
			p = p.withRoom(data.Room)
			p.SyncedAt = syncedAt
		}

	case room.MsgTypeRoomUsers:
		var data room.RoomUsersData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		p.Members = append([]string(nil), data.Users...)

	case room.MsgTypeMusicSync:
		var data room.MusicSyncData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		p.CurrentTrackID = data.TrackID
		p.IsPlaying = data.IsPlaying
		p.PositionSeconds = data.CurrentTime
		if data.Timestamp > 0 {
			syncedAt = time.UnixMilli(data.Timestamp)
		}
		p.SyncedAt = syncedAt

	case room.MsgTypePlaylistUpdated:
		var data room.PlaylistUpdatedData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		switch playback.Action(data.Action) {
		case playback.ActionAdd:
			if data.Track != nil && playback.IndexOf(p.Playlist, &data.Track.ID) < 0 {
				p.Playlist = append(p.Playlist.Clone(), *data.Track)
			}
		case playback.ActionRemove:
			if idx := playback.IndexOf(p.Playlist, &data.TrackID); idx >= 0 {
				next := p.Playlist.Clone()
				p.Playlist = append(next[:idx], next[idx+1:]...)
			}
		case playback.ActionReplace:
			if data.Playlist != nil {
				p.Playlist = data.Playlist.Clone()
			}
		default:
			return p, fmt.Errorf("unknown playlist action %q", data.Action)
		}
		p.CurrentTrackID = data.CurrentSong
		p.IsPlaying = data.IsPlaying
		p.PositionSeconds = data.CurrentTime
		p.SyncedAt = syncedAt

	case room.MsgTypeRoomUpdated:
		var data room.RoomUpdatedData
		if err := msg.DecodeData(&data); err != nil {
			return p, err
		}
		if data.Deleted {
			return Projection{RoomID: p.RoomID, LoopMode: p.LoopMode, Deleted: true}, nil
		}
		members := p.Members
		p = p.withRoom(data.Room)
		p.Members = members
		p.SyncedAt = syncedAt
	}
	return p, nil
}

// Drift 比较本地进度与服务端进度，偏差超过 tolerance 时返回校正目标和 true。
// tolerance 不大于 0 时使用 DefaultTolerance。
func Drift(local, authoritative float64, tolerance time.Duration) (float64, bool) {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	if math.Abs(local-authoritative) > tolerance.Seconds() {
		return authoritative, true
	}
	return local, false
}

// Intent 待发送的客户端意图
type Intent struct {
	Type room.MessageType
	Data interface{}
}

// Message 编码为 WebSocket 消息
func (i Intent) Message(roomID, requestID string) (*room.WSMessage, error) {
	msg := &room.WSMessage{
		Type:      i.Type,
		RequestID: requestID,
		RoomID:    roomID,
		Timestamp: time.Now().UnixMilli(),
	}
	if i.Data != nil {
		raw, err := json.Marshal(i.Data)
		if err != nil {
			return nil, err
		}
		msg.Data = raw
	}
	return msg, nil
}

// OnTrackEnded 本地播完当前歌曲时要发送的意图，以及预期的服务端结果。
// 单曲循环发 seek 0；其他模式带上循环模式发 next，由服务端执行同一切歌规则。
// 没有当前歌曲时 ok 为 false。
func OnTrackEnded(p Projection) (intent Intent, predicted Projection, ok bool) {
	if len(p.Playlist) == 0 || p.CurrentTrackID == nil {
		return Intent{}, p, false
	}

	if p.LoopMode == playback.LoopSingle {
		zero, playing := 0.0, true
		predicted = p
		predicted.PositionSeconds = 0
		predicted.IsPlaying = true
		return Intent{Type: room.MsgTypeSeek, Data: room.SeekData{CurrentTime: &zero, IsPlaying: &playing}}, predicted, true
	}

	mode := p.LoopMode
	if mode == "" {
		mode = playback.LoopNone
	}
	next, _ := playback.Advance(p.asRoom(), playback.Next, mode)
	predicted = p
	predicted.CurrentTrackID = next.CurrentTrackID
	predicted.IsPlaying = next.IsPlaying
	predicted.PositionSeconds = next.PositionSeconds
	return Intent{Type: room.MsgTypeNext, Data: room.AdvanceData{LoopMode: string(mode)}}, predicted, true
}

func (p Projection) asRoom() model.Room {
	return model.Room{
		ID:              p.RoomID,
		Name:            p.Name,
		Playlist:        p.Playlist,
		CurrentTrackID:  p.CurrentTrackID,
		IsPlaying:       p.IsPlaying,
		PositionSeconds: p.PositionSeconds,
	}
}

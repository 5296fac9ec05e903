// Package playback 房间状态机：对 model.Room 值的纯函数变换。
// 调用方负责持久化返回的房间，传入的房间不会被修改。
package playback

import (
	"fmt"
	"math"
	"time"

	"syncstream/model"
)

// Direction 切歌方向
type Direction string

const (
	Next     Direction = "next"
	Previous Direction = "previous"
)

// LoopMode 切歌时使用的循环模式
type LoopMode string

const (
	LoopNone     LoopMode = "none"
	LoopPlaylist LoopMode = "playlist"
	LoopSingle   LoopMode = "single"
)

// ParseLoopMode 解析协议中的名称，空字符串视为 none
func ParseLoopMode(s string) (LoopMode, error) {
	switch LoopMode(s) {
	case "", LoopNone:
		return LoopNone, nil
	case LoopPlaylist, LoopSingle:
		return LoopMode(s), nil
	}
	return LoopNone, model.Validation(fmt.Sprintf("unknown loop mode %q", s))
}

// Action 产生 Event 的变换
type Action string

const (
	ActionAdd         Action = "add"
	ActionRemove      Action = "remove"
	ActionPlay        Action = "play"
	ActionPause       Action = "pause"
	ActionSeek        Action = "seek"
	ActionTrackChange Action = "track-change"
	ActionNext        Action = "next"
	ActionPrevious    Action = "previous"
	ActionReplace     Action = "replace"
	ActionRepair      Action = "repair"
)

// Event 变换结果。无变化时 Changed 为 false，其余字段与结果房间一致。
type Event struct {
	Action          Action
	Changed         bool
	TrackID         string
	Track           *model.Track
	CurrentTrackID  *string
	IsPlaying       bool
	PositionSeconds float64
}

func eventFor(action Action, r model.Room, changed bool) Event {
	return Event{
		Action:          action,
		Changed:         changed,
		CurrentTrackID:  r.CurrentTrackID,
		IsPlaying:       r.IsPlaying,
		PositionSeconds: r.PositionSeconds,
	}
}

func clone(r model.Room) model.Room {
	next := r
	next.Playlist = r.Playlist.Clone()
	return next
}

func ptr(s string) *string {
	return &s
}

// IndexOf 歌曲在歌单中的下标，不存在返回 -1
func IndexOf(playlist model.TrackList, id *string) int {
	if id == nil {
		return -1
	}
	for i, t := range playlist {
		if t.ID == *id {
			return i
		}
	}
	return -1
}

// AddTrack 追加歌曲并记录 addedAt/addedBy。
// 空房间加入的第一首成为当前歌曲，不改变 isPlaying。
func AddTrack(r model.Room, track model.Track, addedBy string, now time.Time) (model.Room, Event, error) {
	if IndexOf(r.Playlist, &track.ID) >= 0 {
		return r, Event{Action: ActionAdd}, model.ErrDuplicateTrack
	}

	next := clone(r)
	at := now.UTC()
	track.AddedAt = &at
	track.AddedBy = addedBy
	next.Playlist = append(next.Playlist, track)

	if len(r.Playlist) == 0 && r.CurrentTrackID == nil {
		next.CurrentTrackID = ptr(track.ID)
		next.PositionSeconds = 0
	}

	ev := eventFor(ActionAdd, next, true)
	ev.TrackID = track.ID
	ev.Track = &track
	return next, ev, nil
}

// RemoveTrack 删除歌曲。删除的是当前歌曲时，取原下标处的下一首，没有则取第一首；
// 歌单被删空时清除当前歌曲并停止播放。
func RemoveTrack(r model.Room, trackID string) (model.Room, Event, error) {
	idx := IndexOf(r.Playlist, &trackID)
	if idx < 0 {
		return r, Event{Action: ActionRemove, TrackID: trackID}, model.ErrTrackNotFound
	}

	next := clone(r)
	next.Playlist = append(next.Playlist[:idx], next.Playlist[idx+1:]...)

	if r.CurrentTrackID != nil && *r.CurrentTrackID == trackID {
		if len(next.Playlist) == 0 {
			next.CurrentTrackID = nil
			next.IsPlaying = false
		} else {
			successor := next.Playlist[0]
			if idx < len(next.Playlist) {
				successor = next.Playlist[idx]
			}
			next.CurrentTrackID = ptr(successor.ID)
		}
		next.PositionSeconds = 0
	}

	ev := eventFor(ActionRemove, next, true)
	ev.TrackID = trackID
	return next, ev, nil
}

// SetPlaying 设置播放状态，没有当前歌曲时不变
func SetPlaying(r model.Room, playing bool) (model.Room, Event) {
	action := ActionPause
	if playing {
		action = ActionPlay
	}
	if r.CurrentTrackID == nil {
		return r, eventFor(action, r, false)
	}
	next := clone(r)
	next.IsPlaying = playing
	return next, eventFor(action, next, r.IsPlaying != playing)
}

// Seek 设置进度，负数取 0，非有限值取 0
func Seek(r model.Room, position float64) (model.Room, Event) {
	if position < 0 || math.IsNaN(position) || math.IsInf(position, 0) {
		position = 0
	}
	next := clone(r)
	next.PositionSeconds = position
	return next, eventFor(ActionSeek, next, r.PositionSeconds != position)
}

// SelectTrack 切到指定歌曲并从 0 开始
func SelectTrack(r model.Room, trackID string, autoPlay bool) (model.Room, Event, error) {
	if IndexOf(r.Playlist, &trackID) < 0 {
		return r, Event{Action: ActionTrackChange, TrackID: trackID}, model.ErrTrackNotFound
	}
	next := clone(r)
	next.CurrentTrackID = ptr(trackID)
	next.PositionSeconds = 0
	next.IsPlaying = autoPlay
	ev := eventFor(ActionTrackChange, next, true)
	ev.TrackID = trackID
	return next, ev, nil
}

// Advance 按循环模式切到下一首或上一首。没有当前歌曲时按下标 -1 处理，空歌单不变。
func Advance(r model.Room, dir Direction, mode LoopMode) (model.Room, Event) {
	action := ActionNext
	if dir == Previous {
		action = ActionPrevious
	}
	n := len(r.Playlist)
	if n == 0 {
		return r, eventFor(action, r, false)
	}

	idx := IndexOf(r.Playlist, r.CurrentTrackID)
	next := clone(r)

	switch dir {
	case Next:
		if idx == n-1 {
			switch mode {
			case LoopPlaylist:
				return moveTo(next, action, 0)
			case LoopSingle:
				next.PositionSeconds = 0
				next.IsPlaying = true
				return next, eventFor(action, next, true)
			default:
				next.IsPlaying = false
				return next, eventFor(action, next, r.IsPlaying)
			}
		}
		return moveTo(next, action, idx+1)

	default:
		target := idx - 1
		if target < 0 {
			if mode == LoopPlaylist && idx == 0 {
				target = n - 1
			} else {
				target = 0
			}
		}
		if target == idx {
			return r, eventFor(action, r, false)
		}
		return moveTo(next, action, target)
	}
}

func moveTo(next model.Room, action Action, index int) (model.Room, Event) {
	next.CurrentTrackID = ptr(next.Playlist[index].ID)
	next.PositionSeconds = 0
	ev := eventFor(action, next, true)
	ev.TrackID = next.Playlist[index].ID
	return next, ev
}

// ReplacePlaylist 整体替换歌单，不修正 currentTrackId，需要时由调用方执行 RepairCurrent
func ReplacePlaylist(r model.Room, tracks model.TrackList) (model.Room, Event) {
	next := clone(r)
	next.Playlist = tracks.Clone()
	return next, eventFor(ActionReplace, next, true)
}

// RepairCurrent currentTrackId 不在歌单中时清除并停止播放
func RepairCurrent(r model.Room) (model.Room, Event) {
	if r.CurrentTrackID == nil || IndexOf(r.Playlist, r.CurrentTrackID) >= 0 {
		return r, eventFor(ActionRepair, r, false)
	}
	next := clone(r)
	next.CurrentTrackID = nil
	next.IsPlaying = false
	next.PositionSeconds = 0
	return next, eventFor(ActionRepair, next, true)
}

// CurrentValid 当前歌曲为空或在歌单中
func CurrentValid(r model.Room) bool {
	return r.CurrentTrackID == nil || IndexOf(r.Playlist, r.CurrentTrackID) >= 0
}

package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"syncstream/core/playback"
	"syncstream/logger"
	"syncstream/model"
	"syncstream/repository"
)

// Archiver 房间删除前的归档
type Archiver interface {
	Archive(ctx context.Context, room *model.Room, reason string) error
}

// PresenceMirror 在线成员的外部镜像，写入失败只记日志
type PresenceMirror interface {
	PublishMembers(ctx context.Context, roomID string, members []string) error
}

// ErrNotJoined 连接尚未加入房间就发送了房间意图
var ErrNotJoined = &model.Error{Kind: model.KindValidation, Code: "not_joined", Message: "join a room first"}

type transition func(model.Room) (model.Room, playback.Event, error)

type roomLock struct {
	mu   sync.Mutex
	refs int
}

// Manager 房间业务管理器：意图 -> 状态机 -> 持久化 -> 广播。
// 同一房间的变更在房间锁内完成持久化和入队，广播顺序与提交顺序一致。
type Manager struct {
	repo     repository.RoomRepository
	hub      *Hub
	presence *Presence
	archiver Archiver
	mirror   PresenceMirror
	timeout  time.Duration
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*roomLock
}

// ManagerOption Manager 可选配置
type ManagerOption func(*Manager)

// WithArchiver 删除房间前归档
func WithArchiver(a Archiver) ManagerOption {
	return func(m *Manager) {
		m.archiver = a
	}
}

// WithPresenceMirror 成员变化时同步到镜像
func WithPresenceMirror(p PresenceMirror) ManagerOption {
	return func(m *Manager) {
		m.mirror = p
	}
}

// WithPersistTimeout 意图持久化超时
func WithPersistTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithClock 替换时钟
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager 创建房间管理器，并接管 Hub 的断线回调
func NewManager(repo repository.RoomRepository, hub *Hub, presence *Presence, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:     repo,
		hub:      hub,
		presence: presence,
		timeout:  10 * time.Second,
		now:      time.Now,
		locks:    make(map[string]*roomLock),
	}
	for _, opt := range opts {
		opt(m)
	}
	hub.OnUnregister(m.Disconnect)
	return m
}

// Hub 获取 Hub 实例
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Presence 获取在线成员跟踪器
func (m *Manager) Presence() *Presence {
	return m.presence
}

func (m *Manager) lock(roomID string) func() {
	m.locksMu.Lock()
	l := m.locks[roomID]
	if l == nil {
		l = &roomLock{}
		m.locks[roomID] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, roomID)
		}
		m.locksMu.Unlock()
	}
}

// persistCtx 意图的持久化不跟随连接的 context，连接断开不会打断已开始的事务
func (m *Manager) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), m.timeout)
}

// publishMembers 在房间锁内调用，镜像写入顺序与成员变化顺序一致
func (m *Manager) publishMembers(roomID string, members []string) {
	if m.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.mirror.PublishMembers(ctx, roomID, members); err != nil {
		logger.Warn("在线成员镜像写入失败",
			logger.String("roomId", roomID),
			logger.ErrorField(err))
	}
}

func (m *Manager) mutate(ctx context.Context, roomID string, fn transition) (*model.Room, playback.Event, error) {
	var ev playback.Event
	room, err := m.repo.Mutate(ctx, roomID, func(r *model.Room) error {
		next, e, err := fn(*r)
		if err != nil {
			return err
		}
		*r = next
		ev = e
		return nil
	})
	return room, ev, err
}

// ========== 房间管理（HTTP） ==========

// CreateRoom 创建房间，创建者是第一个房间用户
func (m *Manager) CreateRoom(ctx context.Context, name, username string) (*model.Room, error) {
	name = strings.TrimSpace(name)
	username = strings.TrimSpace(username)
	if name == "" || username == "" {
		return nil, model.Validation("missing required fields: name, username")
	}

	room, err := m.repo.Create(ctx, name, username)
	if err != nil {
		return nil, err
	}

	logger.Info("房间创建成功",
		logger.String("roomId", room.ID),
		logger.String("code", room.Code),
		logger.String("username", username))
	return room, nil
}

// JoinByCode 通过房间码加入，记入房间用户列表
func (m *Manager) JoinByCode(ctx context.Context, code, username string) (*model.Room, error) {
	code = strings.TrimSpace(code)
	username = strings.TrimSpace(username)
	if code == "" || username == "" {
		return nil, model.Validation("missing required fields: code, username")
	}

	room, err := m.repo.FindByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, model.ErrRoomNotFound
	}
	return m.repo.AddUser(ctx, room.ID, username)
}

// GetRoom 获取房间
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	room, err := m.repo.FindByID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room == nil {
		return nil, model.ErrRoomNotFound
	}
	return room, nil
}

// Playlist 获取歌单
func (m *Manager) Playlist(ctx context.Context, roomID string) (model.TrackList, error) {
	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if room.Playlist == nil {
		return model.TrackList{}, nil
	}
	return room.Playlist, nil
}

// Members 房间当前在线的用户名
func (m *Manager) Members(ctx context.Context, roomID string) ([]string, error) {
	if _, err := m.GetRoom(ctx, roomID); err != nil {
		return nil, err
	}
	return m.presence.Members(roomID), nil
}

// PatchRoom 部分更新，不经过状态机推导；广播给房间内所有连接
func (m *Manager) PatchRoom(ctx context.Context, roomID string, patch model.RoomPatch) (*model.Room, error) {
	return m.updateRoom(ctx, roomID, patch, nil)
}

// AddTrack 添加歌曲并广播给房间内所有连接
func (m *Manager) AddTrack(ctx context.Context, roomID string, track model.Track, addedBy string) (*model.Room, error) {
	return m.addTrack(ctx, roomID, track, addedBy, nil)
}

// RemoveTrack 删除歌曲并广播给房间内所有连接
func (m *Manager) RemoveTrack(ctx context.Context, roomID, trackID string) (*model.Room, error) {
	return m.removeTrack(ctx, roomID, trackID, "", nil)
}

// ReplacePlaylist 整体替换歌单；当前曲目不在新歌单中时清空
func (m *Manager) ReplacePlaylist(ctx context.Context, roomID string, tracks model.TrackList) (*model.Room, error) {
	if err := model.ValidatePlaylist(tracks); err != nil {
		return nil, err
	}

	unlock := m.lock(roomID)
	defer unlock()

	room, _, err := m.mutate(ctx, roomID, func(r model.Room) (model.Room, playback.Event, error) {
		next, ev := playback.ReplacePlaylist(r, tracks)
		next, _ = playback.RepairCurrent(next)
		return next, ev, nil
	})
	if err != nil {
		return nil, err
	}

	playlist := room.Playlist
	m.broadcast(roomID, MsgTypePlaylistUpdated, PlaylistUpdatedData{
		Action:      string(playback.ActionReplace),
		Playlist:    &playlist,
		CurrentSong: room.CurrentTrackID,
		IsPlaying:   room.IsPlaying,
		CurrentTime: room.PositionSeconds,
	}, nil)
	return room, nil
}

// DeleteRoom 删除房间；配置了归档时先归档，已连接的客户端收到 room-updated{deleted}
func (m *Manager) DeleteRoom(ctx context.Context, roomID string) error {
	unlock := m.lock(roomID)
	defer unlock()

	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return m.deleteLocked(ctx, room, "deleted")
}

func (m *Manager) deleteLocked(ctx context.Context, room *model.Room, reason string) error {
	if m.archiver != nil {
		if err := m.archiver.Archive(ctx, room, reason); err != nil {
			logger.Warn("房间归档失败",
				logger.String("roomId", room.ID),
				logger.ErrorField(err))
		}
	}

	if err := m.repo.Delete(ctx, room.ID); err != nil {
		return err
	}

	msg, err := NewMessage(MsgTypeRoomUpdated, room.ID, RoomUpdatedData{Room: room, Deleted: true})
	if err == nil {
		for _, c := range m.hub.RoomClients(room.ID) {
			m.hub.SendTo(c, msg)
		}
	}
	m.presence.DropRoom(room.ID)
	m.hub.UnbindRoom(room.ID)
	m.publishMembers(room.ID, nil)

	logger.Info("房间已删除",
		logger.String("roomId", room.ID),
		logger.String("reason", reason))
	return nil
}

// ReapIdle 删除无人在线且超过 idle 未更新的房间，返回删除数量
func (m *Manager) ReapIdle(ctx context.Context, idle time.Duration) (int, error) {
	rooms, err := m.repo.ListIdleSince(ctx, m.now().Add(-idle))
	if err != nil {
		return 0, err
	}

	reaped := 0
	for i := range rooms {
		room := &rooms[i]
		if m.presence.Occupied(room.ID) {
			continue
		}
		ok, err := m.reapOne(ctx, room.ID)
		if err != nil {
			logger.Warn("回收房间失败", logger.String("roomId", room.ID), logger.ErrorField(err))
			continue
		}
		if ok {
			reaped++
		}
	}
	return reaped, nil
}

func (m *Manager) reapOne(ctx context.Context, roomID string) (bool, error) {
	unlock := m.lock(roomID)
	defer unlock()

	if m.presence.Occupied(roomID) {
		return false, nil
	}
	room, err := m.repo.FindByID(ctx, roomID)
	if err != nil || room == nil {
		return false, err
	}
	if err := m.deleteLocked(ctx, room, "idle"); err != nil {
		if errors.Is(err, model.ErrRoomNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ========== 连接生命周期 ==========

// Join 把连接绑定到房间。已绑定到其他房间或用户名时先执行离开流程。
func (m *Manager) Join(client *Client, roomID, username string) (*model.Room, error) {
	roomID = strings.TrimSpace(roomID)
	username = strings.TrimSpace(username)
	if roomID == "" || username == "" {
		return nil, model.Validation("missing required fields: roomId, username")
	}

	if b, ok := m.presence.Binding(client.ID); ok && (b.RoomID != roomID || b.Username != username) {
		m.leave(client, m.presence.Leave)
	}

	unlock := m.lock(roomID)
	defer unlock()

	ctx, cancel := m.persistCtx()
	defer cancel()

	room, err := m.GetRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	res := m.presence.Join(roomID, username, client.ID)
	m.hub.Bind(client, roomID, username)
	m.publishMembers(roomID, res.Members)

	m.sendTo(client, MsgTypeRoomState, roomID, RoomStateData{Room: room, Members: res.Members})
	m.broadcast(roomID, MsgTypeRoomUsers, RoomUsersData{Users: res.Members}, nil)
	if res.FirstConnection {
		m.broadcast(roomID, MsgTypeMemberJoined, MemberData{Username: username}, client)
	}

	logger.Info("用户加入房间",
		logger.String("roomId", roomID),
		logger.String("username", username),
		logger.String("conn", client.ID),
		logger.Bool("first", res.FirstConnection))
	return room, nil
}

// Leave 显式离开
func (m *Manager) Leave(client *Client) {
	m.leave(client, m.presence.Leave)
}

// Disconnect 连接被 Hub 移除后调用，等同于离开。会等待该连接上正在处理的意图结束。
func (m *Manager) Disconnect(client *Client) {
	client.opMu.Lock()
	defer client.opMu.Unlock()
	m.leave(client, m.presence.DisconnectAll)
}

// leave unbind 为 Presence.Leave 或 Presence.DisconnectAll
func (m *Manager) leave(client *Client, unbind func(connID string) LeaveResult) {
	b, ok := m.presence.Binding(client.ID)
	if !ok {
		return
	}

	unlock := m.lock(b.RoomID)
	defer unlock()

	res := unbind(client.ID)
	if !res.Bound {
		return
	}
	m.hub.Unbind(client)

	roomID := res.Binding.RoomID
	m.publishMembers(roomID, res.Members)
	if !res.RoomEmpty {
		m.broadcast(roomID, MsgTypeRoomUsers, RoomUsersData{Users: res.Members}, nil)
		if res.LastConnection {
			m.broadcast(roomID, MsgTypeMemberLeft, MemberData{Username: res.Binding.Username}, nil)
		}
	}

	logger.Info("用户离开房间",
		logger.String("roomId", roomID),
		logger.String("username", res.Binding.Username),
		logger.String("conn", client.ID),
		logger.Bool("last", res.LastConnection),
		logger.Bool("roomEmpty", res.RoomEmpty))
}

// ========== 消息处理器 ==========

// HandleMessage 处理 WebSocket 意图。失败只回复发送者 error，成功回复 ack。
func (m *Manager) HandleMessage(ctx context.Context, client *Client, msg *WSMessage) {
	client.opMu.Lock()
	defer client.opMu.Unlock()
	if client.Closed() {
		return
	}

	var (
		room *model.Room
		err  error
	)

	switch msg.Type {
	case MsgTypePing:
		roomID := client.RoomID()
		if roomID == "" {
			roomID = msg.RoomID
		}
		m.sendTo(client, MsgTypePong, roomID, PongData{Timestamp: m.now().UnixMilli(), RoomID: roomID})
		return

	case MsgTypeJoin:
		room, err = m.Join(client, msg.RoomID, msg.Username)

	case MsgTypeLeave:
		m.Leave(client)

	case MsgTypePlay:
		var data PlayData
		if err = msg.DecodeData(&data); err == nil {
			room, err = m.syncIntent(client, playTransition(data))
		}

	case MsgTypePause:
		var data PauseData
		if err = msg.DecodeData(&data); err == nil {
			room, err = m.syncIntent(client, pauseTransition(data))
		}

	case MsgTypeSeek:
		var data SeekData
		if err = msg.DecodeData(&data); err == nil {
			if data.CurrentTime == nil {
				err = model.Validation("seek requires currentTime")
			} else {
				room, err = m.syncIntent(client, seekTransition(data))
			}
		}

	case MsgTypeTrackChange:
		var data TrackChangeData
		if err = msg.DecodeData(&data); err == nil {
			if data.TrackID == "" {
				err = model.Validation("track-change requires trackId")
			} else {
				room, err = m.syncIntent(client, func(r model.Room) (model.Room, playback.Event, error) {
					return playback.SelectTrack(r, data.TrackID, data.AutoPlay)
				})
			}
		}

	case MsgTypeNext, MsgTypePrevious:
		var data AdvanceData
		if err = msg.DecodeData(&data); err == nil {
			var mode playback.LoopMode
			if mode, err = playback.ParseLoopMode(data.LoopMode); err == nil {
				dir := playback.Next
				if msg.Type == MsgTypePrevious {
					dir = playback.Previous
				}
				room, err = m.syncIntent(client, func(r model.Room) (model.Room, playback.Event, error) {
					next, ev := playback.Advance(r, dir, mode)
					return next, ev, nil
				})
			}
		}

	case MsgTypeAddTrack:
		var data AddTrackData
		if err = msg.DecodeData(&data); err == nil {
			room, err = m.withBinding(client, func(ctx context.Context, b Binding) (*model.Room, error) {
				return m.addTrack(ctx, b.RoomID, data.Track, b.Username, client)
			})
		}

	case MsgTypeRemoveTrack:
		var data RemoveTrackData
		if err = msg.DecodeData(&data); err == nil {
			room, err = m.withBinding(client, func(ctx context.Context, b Binding) (*model.Room, error) {
				return m.removeTrack(ctx, b.RoomID, data.TrackID, b.Username, client)
			})
		}

	case MsgTypeRoomUpdate:
		var patch model.RoomPatch
		if err = msg.DecodeData(&patch); err == nil {
			room, err = m.withBinding(client, func(ctx context.Context, b Binding) (*model.Room, error) {
				return m.updateRoom(ctx, b.RoomID, patch, client)
			})
		}

	default:
		err = model.Validation(fmt.Sprintf("unknown message type %q", msg.Type))
	}

	if err != nil {
		m.replyError(client, msg, err)
		return
	}
	m.replyAck(client, msg, room)
}

func (m *Manager) withBinding(client *Client, fn func(ctx context.Context, b Binding) (*model.Room, error)) (*model.Room, error) {
	b, ok := m.presence.Binding(client.ID)
	if !ok {
		return nil, ErrNotJoined
	}
	ctx, cancel := m.persistCtx()
	defer cancel()
	return fn(ctx, b)
}

// syncIntent 播放控制类意图：状态机转换后广播 music-sync 给所有连接（包括发送者）
func (m *Manager) syncIntent(client *Client, fn transition) (*model.Room, error) {
	return m.withBinding(client, func(ctx context.Context, b Binding) (*model.Room, error) {
		unlock := m.lock(b.RoomID)
		defer unlock()

		room, ev, err := m.mutate(ctx, b.RoomID, fn)
		if err != nil {
			return nil, err
		}
		if ev.Changed {
			m.broadcast(b.RoomID, MsgTypeMusicSync, MusicSyncData{
				Action:      string(ev.Action),
				TrackID:     room.CurrentTrackID,
				CurrentTime: room.PositionSeconds,
				IsPlaying:   room.IsPlaying,
				Timestamp:   m.now().UnixMilli(),
				Username:    b.Username,
			}, nil)
		}
		return room, nil
	})
}

func (m *Manager) addTrack(ctx context.Context, roomID string, track model.Track, addedBy string, exclude *Client) (*model.Room, error) {
	if err := model.ValidateTrack(track); err != nil {
		return nil, err
	}

	unlock := m.lock(roomID)
	defer unlock()

	room, ev, err := m.mutate(ctx, roomID, func(r model.Room) (model.Room, playback.Event, error) {
		return playback.AddTrack(r, track, addedBy, m.now())
	})
	if err != nil {
		return nil, err
	}

	m.broadcast(roomID, MsgTypePlaylistUpdated, PlaylistUpdatedData{
		Action:      string(playback.ActionAdd),
		Track:       ev.Track,
		TrackID:     ev.TrackID,
		CurrentSong: room.CurrentTrackID,
		IsPlaying:   room.IsPlaying,
		CurrentTime: room.PositionSeconds,
		Username:    addedBy,
	}, exclude)
	return room, nil
}

func (m *Manager) removeTrack(ctx context.Context, roomID, trackID, username string, exclude *Client) (*model.Room, error) {
	if strings.TrimSpace(trackID) == "" {
		return nil, model.Validation("track ID is required")
	}

	unlock := m.lock(roomID)
	defer unlock()

	room, _, err := m.mutate(ctx, roomID, func(r model.Room) (model.Room, playback.Event, error) {
		return playback.RemoveTrack(r, trackID)
	})
	if err != nil {
		return nil, err
	}

	m.broadcast(roomID, MsgTypePlaylistUpdated, PlaylistUpdatedData{
		Action:      string(playback.ActionRemove),
		TrackID:     trackID,
		CurrentSong: room.CurrentTrackID,
		IsPlaying:   room.IsPlaying,
		CurrentTime: room.PositionSeconds,
		Username:    username,
	}, exclude)
	return room, nil
}

func (m *Manager) updateRoom(ctx context.Context, roomID string, patch model.RoomPatch, exclude *Client) (*model.Room, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}

	unlock := m.lock(roomID)
	defer unlock()

	room, err := m.repo.Update(ctx, roomID, patch)
	if err != nil {
		return nil, err
	}

	m.broadcast(roomID, MsgTypeRoomUpdated, RoomUpdatedData{Room: room}, exclude)
	return room, nil
}

// ========== 状态转换 ==========

func playTransition(data PlayData) transition {
	return func(r model.Room) (model.Room, playback.Event, error) {
		changed := false
		if data.TrackID != nil && (r.CurrentTrackID == nil || *r.CurrentTrackID != *data.TrackID) {
			next, ev, err := playback.SelectTrack(r, *data.TrackID, true)
			if err != nil {
				return r, ev, err
			}
			r, changed = next, ev.Changed
		}
		if data.CurrentTime != nil {
			next, ev := playback.Seek(r, *data.CurrentTime)
			r, changed = next, changed || ev.Changed
		}
		next, ev := playback.SetPlaying(r, true)
		ev.Changed = ev.Changed || changed
		return next, ev, nil
	}
}

func pauseTransition(data PauseData) transition {
	return func(r model.Room) (model.Room, playback.Event, error) {
		changed := false
		if data.CurrentTime != nil {
			next, ev := playback.Seek(r, *data.CurrentTime)
			r, changed = next, ev.Changed
		}
		next, ev := playback.SetPlaying(r, false)
		ev.Changed = ev.Changed || changed
		return next, ev, nil
	}
}

func seekTransition(data SeekData) transition {
	return func(r model.Room) (model.Room, playback.Event, error) {
		next, ev := playback.Seek(r, *data.CurrentTime)
		if data.IsPlaying != nil {
			var pev playback.Event
			next, pev = playback.SetPlaying(next, *data.IsPlaying)
			ev.Changed = ev.Changed || pev.Changed
			ev.IsPlaying = next.IsPlaying
		}
		return next, ev, nil
	}
}

// ========== 发送辅助方法 ==========

func (m *Manager) broadcast(roomID string, msgType MessageType, data interface{}, exclude *Client) {
	msg, err := NewMessage(msgType, roomID, data)
	if err != nil {
		logger.Error("构造广播消息失败", logger.String("type", string(msgType)), logger.ErrorField(err))
		return
	}
	if err := m.hub.Broadcast(roomID, msg, exclude); err != nil {
		logger.Error("广播失败", logger.String("type", string(msgType)), logger.ErrorField(err))
	}
}

func (m *Manager) sendTo(client *Client, msgType MessageType, roomID string, data interface{}) {
	msg, err := NewMessage(msgType, roomID, data)
	if err != nil {
		logger.Error("构造消息失败", logger.String("type", string(msgType)), logger.ErrorField(err))
		return
	}
	if err := m.hub.SendTo(client, msg); err != nil {
		logger.Error("发送消息失败", logger.String("type", string(msgType)), logger.ErrorField(err))
	}
}

func (m *Manager) replyAck(client *Client, req *WSMessage, room *model.Room) {
	msg, err := NewMessage(MsgTypeAck, client.RoomID(), AckData{Intent: req.Type, Room: room})
	if err != nil {
		return
	}
	msg.RequestID = req.RequestID
	m.hub.SendTo(client, msg)
}

func (m *Manager) replyError(client *Client, req *WSMessage, err error) {
	kind := model.KindOf(err)
	message := err.Error()
	var me *model.Error
	if errors.As(err, &me) && kind != model.KindTransient {
		message = me.Message
	}
	if kind == model.KindTransient {
		logger.Error("意图处理失败",
			logger.String("type", string(req.Type)),
			logger.String("conn", client.ID),
			logger.ErrorField(err))
		message = "temporary failure, please retry"
	} else {
		logger.Debug("意图被拒绝",
			logger.String("type", string(req.Type)),
			logger.String("conn", client.ID),
			logger.String("code", model.CodeOf(err)))
	}

	msg, mErr := NewMessage(MsgTypeError, client.RoomID(), ErrorData{
		Code:    model.CodeOf(err),
		Message: message,
		Intent:  req.Type,
	})
	if mErr != nil {
		return
	}
	msg.RequestID = req.RequestID
	m.hub.SendTo(client, msg)
}

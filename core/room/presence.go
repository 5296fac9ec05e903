package room

import "sync"

// Binding 一个连接当前绑定的房间和用户名
type Binding struct {
	RoomID   string
	Username string
}

// JoinResult Join 的边沿信息
type JoinResult struct {
	FirstConnection bool // 该用户名在房间内的第一个连接
	Members         []string
}

// LeaveResult Leave 的边沿信息
type LeaveResult struct {
	Binding        Binding
	Bound          bool // 连接原本是否有绑定
	LastConnection bool // 该用户名在房间内的最后一个连接已关闭
	RoomEmpty      bool
	Members        []string
}

type roomPresence struct {
	order []string                       // 按首次加入排序的用户名
	conns map[string]map[string]struct{} // username -> connIDs
}

// Presence 房间在线成员跟踪：room -> username -> 连接集合。
// 同一用户名可以有多个连接（多标签页），最后一个连接关闭时才算离开。
type Presence struct {
	mu       sync.Mutex
	rooms    map[string]*roomPresence
	bindings map[string]Binding // connID -> binding
}

// NewPresence 创建在线成员跟踪器
func NewPresence() *Presence {
	return &Presence{
		rooms:    make(map[string]*roomPresence),
		bindings: make(map[string]Binding),
	}
}

// Join 把连接绑定到 (room, username)。调用方需先对旧绑定执行 Leave。
func (p *Presence) Join(roomID, username, connID string) JoinResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.bindings[connID]; ok {
		if old.RoomID == roomID && old.Username == username {
			return JoinResult{Members: p.membersLocked(roomID)}
		}
		p.leaveLocked(connID)
	}

	rp := p.rooms[roomID]
	if rp == nil {
		rp = &roomPresence{conns: make(map[string]map[string]struct{})}
		p.rooms[roomID] = rp
	}

	set, exists := rp.conns[username]
	if !exists {
		set = make(map[string]struct{})
		rp.conns[username] = set
		rp.order = append(rp.order, username)
	}
	set[connID] = struct{}{}
	p.bindings[connID] = Binding{RoomID: roomID, Username: username}

	return JoinResult{
		FirstConnection: !exists,
		Members:         p.membersLocked(roomID),
	}
}

// Leave 解除连接的绑定，未绑定时 Bound 为 false
func (p *Presence) Leave(connID string) LeaveResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.leaveLocked(connID)
}

// DisconnectAll 连接异常断开时调用，行为与 Leave 相同
func (p *Presence) DisconnectAll(connID string) LeaveResult {
	return p.Leave(connID)
}

func (p *Presence) leaveLocked(connID string) LeaveResult {
	b, ok := p.bindings[connID]
	if !ok {
		return LeaveResult{}
	}
	delete(p.bindings, connID)

	res := LeaveResult{Binding: b, Bound: true}
	rp := p.rooms[b.RoomID]
	if rp == nil {
		res.RoomEmpty = true
		return res
	}

	set := rp.conns[b.Username]
	delete(set, connID)
	if len(set) == 0 {
		delete(rp.conns, b.Username)
		rp.order = removeName(rp.order, b.Username)
		res.LastConnection = true
	}
	if len(rp.conns) == 0 {
		delete(p.rooms, b.RoomID)
		res.RoomEmpty = true
	}
	res.Members = p.membersLocked(b.RoomID)
	return res
}

// DropRoom 移除房间的全部绑定（房间被删除时），返回被解绑的连接
func (p *Presence) DropRoom(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rp := p.rooms[roomID]
	if rp == nil {
		return nil
	}
	var connIDs []string
	for _, set := range rp.conns {
		for id := range set {
			connIDs = append(connIDs, id)
			delete(p.bindings, id)
		}
	}
	delete(p.rooms, roomID)
	return connIDs
}

// Members 房间在线用户名，按首次加入排序
func (p *Presence) Members(roomID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.membersLocked(roomID)
}

func (p *Presence) membersLocked(roomID string) []string {
	rp := p.rooms[roomID]
	if rp == nil {
		return []string{}
	}
	out := make([]string, len(rp.order))
	copy(out, rp.order)
	return out
}

// Binding 连接当前的绑定
func (p *Presence) Binding(connID string) (Binding, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.bindings[connID]
	return b, ok
}

// Connections 用户名在房间内的连接数
func (p *Presence) Connections(roomID, username string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rp := p.rooms[roomID]; rp != nil {
		return len(rp.conns[username])
	}
	return 0
}

// Occupied 房间是否还有在线成员
func (p *Presence) Occupied(roomID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rooms[roomID]
	return ok
}

// RoomCount 有在线成员的房间数
func (p *Presence) RoomCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rooms)
}

func removeName(names []string, name string) []string {
	for i, n := range names {
		if n == name {
			return append(names[:i], names[i+1:]...)
		}
	}
	return names
}

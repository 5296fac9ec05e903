package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"syncstream/config"
	"syncstream/core/catalog"
	"syncstream/core/room"
	"syncstream/model"
	"syncstream/repository"
)

type stubProvider struct {
	tracks []model.Track
}

func (p *stubProvider) Search(ctx context.Context, query string, limit int) ([]model.Track, error) {
	return p.tracks, nil
}

func (p *stubProvider) Name() string { return "stub" }

func setupServer(t *testing.T, cat *catalog.Catalog) *httptest.Server {
	t.Helper()
	return setupServerWithRepo(t, cat, nil)
}

// setupServerWithRepo wrap 非空时用它包装房间仓库
func setupServerWithRepo(t *testing.T, cat *catalog.Catalog, wrap func(repository.RoomRepository) repository.RoomRepository) *httptest.Server {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, gdb.AutoMigrate(&model.Room{}, &model.RoomUser{}))

	repo, err := repository.NewGormRoomRepository(gdb)
	require.NoError(t, err)
	if wrap != nil {
		repo = wrap(repo)
	}

	ctx, cancel := context.WithCancel(context.Background())
	hub := room.NewHub()
	manager := room.NewManager(repo, hub, room.NewPresence())
	go hub.Run(ctx)

	srv := httptest.NewServer(New(ctx, &config.Config{HTTPAddr: ":0"}, manager, cat).Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		sqlDB.Close()
	})
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}) (int, APIResponse) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out APIResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func createRoom(t *testing.T, srv *httptest.Server) *model.Room {
	t.Helper()
	status, resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", map[string]string{"name": "Study", "username": "alice"})
	require.Equal(t, http.StatusOK, status)
	require.True(t, resp.Success)
	return resp.Room
}

func TestCreateAndJoinRoom(t *testing.T) {
	srv := setupServer(t, nil)
	r := createRoom(t, srv)
	assert.Len(t, r.Code, 6)
	assert.Nil(t, r.CurrentTrackID)

	status, resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms", map[string]string{"name": "x"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)

	status, resp = doJSON(t, http.MethodPost, srv.URL+"/api/rooms/join", map[string]string{"code": strings.ToLower(r.Code), "username": "bob"})
	require.Equal(t, http.StatusOK, status)
	assert.ElementsMatch(t, []string{"alice", "bob"}, resp.Room.Usernames())

	status, _ = doJSON(t, http.MethodPost, srv.URL+"/api/rooms/join", map[string]string{"code": "NOPE00", "username": "bob"})
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+r.ID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, r.ID, resp.Room.ID)

	status, resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "room not found", resp.Error)
}

func TestPlaylistEndpoints(t *testing.T) {
	srv := setupServer(t, nil)
	r := createRoom(t, srv)
	url := srv.URL + "/api/rooms/" + r.ID + "/playlist"

	t1 := model.Track{ID: "T1", Title: "One", Artist: "A"}
	status, resp := doJSON(t, http.MethodPost, url, map[string]interface{}{"track": t1})
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Playlist)
	assert.Len(t, *resp.Playlist, 1)
	assert.Equal(t, "user", (*resp.Playlist)[0].AddedBy)
	assert.Equal(t, "T1", *resp.Room.CurrentTrackID)

	status, _ = doJSON(t, http.MethodPost, url, map[string]interface{}{"track": t1})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = doJSON(t, http.MethodPost, url, map[string]interface{}{"track": map[string]string{"id": "T2"}})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, url, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPost, url, map[string]interface{}{
		"track": model.Track{ID: "T2", Title: "Two", Artist: "B"}, "addedBy": "bob",
	})
	require.Equal(t, http.StatusOK, status)

	status, resp = doJSON(t, http.MethodDelete, url, map[string]string{"trackId": "T1"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "T2", *resp.Room.CurrentTrackID)
	assert.Zero(t, resp.Room.PositionSeconds)

	status, _ = doJSON(t, http.MethodDelete, url+"?trackId=T1", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = doJSON(t, http.MethodPut, url, map[string]interface{}{"playlist": []model.Track{{ID: "T9", Title: "Nine", Artist: "C"}}})
	require.Equal(t, http.StatusOK, status)
	assert.Nil(t, resp.Room.CurrentTrackID)

	status, _ = doJSON(t, http.MethodPut, url, map[string]interface{}{"playlist": "nope"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, resp = doJSON(t, http.MethodGet, url, nil)
	require.Equal(t, http.StatusOK, status)
	require.NotNil(t, resp.Playlist)
	assert.Equal(t, "T9", (*resp.Playlist)[0].ID)

	status, _ = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/missing/playlist", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPatchAndDeleteRoom(t *testing.T) {
	srv := setupServer(t, nil)
	r := createRoom(t, srv)
	url := srv.URL + "/api/rooms/" + r.ID

	status, resp := doJSON(t, http.MethodPatch, url, map[string]interface{}{"name": "Lounge", "currentTime": 12.5})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Lounge", resp.Room.Name)
	assert.Equal(t, 12.5, resp.Room.PositionSeconds)

	status, _ = doJSON(t, http.MethodPatch, url, map[string]interface{}{"currentTime": -1})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = doJSON(t, http.MethodPatch, srv.URL+"/api/rooms/missing", map[string]interface{}{"name": "x"})
	assert.Equal(t, http.StatusNotFound, status)

	status, resp = doJSON(t, http.MethodGet, url+"/members", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Members)

	status, _ = doJSON(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = doJSON(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestSearchNeverFails(t *testing.T) {
	srv := setupServer(t, nil)
	resp, err := http.Get(srv.URL + "/api/music/search?q=lofi")
	require.NoError(t, err)
	defer resp.Body.Close()
	var tracks []model.Track
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&tracks))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, tracks)

	cat := catalog.New(&stubProvider{tracks: []model.Track{{ID: "v1", Title: "Lofi", Artist: "ch"}}})
	srv2 := setupServer(t, cat)
	resp2, err := http.Get(srv2.URL + "/api/music/search?q=lofi")
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&tracks))
	require.Len(t, tracks, 1)
	assert.Equal(t, "v1", tracks[0].ID)
}

func readWS(t *testing.T, ws *websocket.Conn, typ room.MessageType) *room.WSMessage {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg room.WSMessage
		require.NoError(t, ws.ReadJSON(&msg))
		if msg.Type == typ {
			return &msg
		}
	}
}

func TestWebSocketSync(t *testing.T) {
	srv := setupServer(t, nil)
	r := createRoom(t, srv)
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	alice, _, err := websocket.DefaultDialer.Dial(base+"?roomId="+r.ID+"&username=alice", nil)
	require.NoError(t, err)
	defer alice.Close()
	var state room.RoomStateData
	require.NoError(t, readWS(t, alice, room.MsgTypeRoomState).DecodeData(&state))
	assert.Equal(t, r.ID, state.Room.ID)
	assert.Equal(t, []string{"alice"}, state.Members)

	bob, _, err := websocket.DefaultDialer.Dial(base, nil)
	require.NoError(t, err)
	defer bob.Close()
	require.NoError(t, bob.WriteJSON(room.WSMessage{Type: room.MsgTypeJoin, RequestID: "j1", RoomID: r.ID, Username: "bob"}))
	ack := readWS(t, bob, room.MsgTypeAck)
	assert.Equal(t, "j1", ack.RequestID)

	var joined room.MemberData
	require.NoError(t, readWS(t, alice, room.MsgTypeMemberJoined).DecodeData(&joined))
	assert.Equal(t, "bob", joined.Username)

	// HTTP 变更同样推送给所有连接
	status, _ := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+r.ID+"/playlist",
		map[string]interface{}{"track": model.Track{ID: "T1", Title: "One", Artist: "A"}})
	require.Equal(t, http.StatusOK, status)
	for _, ws := range []*websocket.Conn{alice, bob} {
		var pu room.PlaylistUpdatedData
		require.NoError(t, readWS(t, ws, room.MsgTypePlaylistUpdated).DecodeData(&pu))
		assert.Equal(t, "T1", pu.Track.ID)
	}

	require.NoError(t, bob.WriteJSON(room.WSMessage{Type: room.MsgTypePlay, RequestID: "p1"}))
	for _, ws := range []*websocket.Conn{alice, bob} {
		var ms room.MusicSyncData
		require.NoError(t, readWS(t, ws, room.MsgTypeMusicSync).DecodeData(&ms))
		assert.True(t, ms.IsPlaying)
		assert.Equal(t, "T1", *ms.TrackID)
	}

	require.NoError(t, bob.WriteMessage(websocket.TextMessage, []byte("not json")))
	var e room.ErrorData
	require.NoError(t, readWS(t, bob, room.MsgTypeError).DecodeData(&e))
	assert.Equal(t, "validation", e.Code)

	bob.Close()
	var left room.MemberData
	require.NoError(t, readWS(t, alice, room.MsgTypeMemberLeft).DecodeData(&left))
	assert.Equal(t, "bob", left.Username)

	status, resp := doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+r.ID+"/members", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"alice"}, resp.Members)
}

// unavailableRepo 打开开关后 Mutate 返回存储不可用
type unavailableRepo struct {
	repository.RoomRepository
	down atomic.Bool
}

func (r *unavailableRepo) Mutate(ctx context.Context, id string, fn func(*model.Room) error) (*model.Room, error) {
	if r.down.Load() {
		return nil, model.Transient("mutate room", errors.New("db down"))
	}
	return r.RoomRepository.Mutate(ctx, id, fn)
}

func TestStoreOutageReturns503(t *testing.T) {
	repo := &unavailableRepo{}
	srv := setupServerWithRepo(t, nil, func(inner repository.RoomRepository) repository.RoomRepository {
		repo.RoomRepository = inner
		return repo
	})
	r := createRoom(t, srv)
	repo.down.Store(true)

	status, resp := doJSON(t, http.MethodPost, srv.URL+"/api/rooms/"+r.ID+"/playlist",
		map[string]interface{}{"track": map[string]string{"id": "T1", "title": "One", "artist": "Band"}})
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.False(t, resp.Success)
	assert.Equal(t, "service temporarily unavailable", resp.Error)
	assert.NotContains(t, resp.Error, "db down")

	repo.down.Store(false)
	status, resp = doJSON(t, http.MethodGet, srv.URL+"/api/rooms/"+r.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, resp.Room.Playlist)
}

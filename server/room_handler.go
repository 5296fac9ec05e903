package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"syncstream/core/room"
	"syncstream/logger"
	"syncstream/model"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// RoomHandler 房间 HTTP 与 WebSocket 处理器
type RoomHandler struct {
	manager  *room.Manager
	upgrader websocket.Upgrader
	// 连接读循环的 context，服务关闭时取消
	baseCtx context.Context
}

// NewRoomHandler 创建房间处理器
func NewRoomHandler(ctx context.Context, manager *room.Manager) *RoomHandler {
	return &RoomHandler{
		manager: manager,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseCtx: ctx,
	}
}

// APIResponse 统一响应结构
type APIResponse struct {
	Success  bool             `json:"success"`
	Room     *model.Room      `json:"room,omitempty"`
	Playlist *model.TrackList `json:"playlist,omitempty"`
	Members  []string         `json:"members,omitempty"`
	Message  string           `json:"message,omitempty"`
	Error    string           `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("写入响应失败", logger.ErrorField(err))
	}
}

// statusOf 错误分类到 HTTP 状态码
func statusOf(err error) int {
	switch model.KindOf(err) {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	message := err.Error()
	var me *model.Error
	if errors.As(err, &me) {
		message = me.Message
	}
	if status == http.StatusServiceUnavailable {
		logger.Error("请求处理失败",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.ErrorField(err))
		message = "service temporarily unavailable"
	}
	writeJSON(w, status, APIResponse{Success: false, Error: message})
}

func decodeBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.Validation("invalid request body")
	}
	return nil
}

// ========== HTTP 处理器 ==========

// CreateRoomRequest 创建房间请求
type CreateRoomRequest struct {
	Name     string `json:"name"`
	Username string `json:"username"`
}

// CreateRoomHandler 创建房间
func (h *RoomHandler) CreateRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req CreateRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rm, err := h.manager.CreateRoom(r.Context(), req.Name, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Room: rm})
}

// JoinRoomRequest 通过房间码加入
type JoinRoomRequest struct {
	Code     string `json:"code"`
	Username string `json:"username"`
}

// JoinRoomHandler 通过房间码加入
func (h *RoomHandler) JoinRoomHandler(w http.ResponseWriter, r *http.Request) {
	var req JoinRoomRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	rm, err := h.manager.JoinByCode(r.Context(), req.Code, req.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Room: rm})
}

// GetRoomHandler 获取房间
func (h *RoomHandler) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	rm, err := h.manager.GetRoom(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Room: rm})
}

// PatchRoomHandler 部分更新房间
func (h *RoomHandler) PatchRoomHandler(w http.ResponseWriter, r *http.Request) {
	var patch model.RoomPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	rm, err := h.manager.PatchRoom(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Room: rm})
}

// DeleteRoomHandler 删除房间
func (h *RoomHandler) DeleteRoomHandler(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.DeleteRoom(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "Room deleted"})
}

// MembersHandler 当前在线成员
func (h *RoomHandler) MembersHandler(w http.ResponseWriter, r *http.Request) {
	members, err := h.manager.Members(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Members: members})
}

// ========== 歌单 ==========

// PlaylistRequest 歌单请求体，按方法使用不同字段
type PlaylistRequest struct {
	Track    *model.Track     `json:"track,omitempty"`
	AddedBy  string           `json:"addedBy,omitempty"`
	TrackID  string           `json:"trackId,omitempty"`
	Playlist *model.TrackList `json:"playlist,omitempty"`
}

// PlaylistHandler GET/POST/DELETE/PUT /api/rooms/{id}/playlist
func (h *RoomHandler) PlaylistHandler(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["id"]
	ctx := r.Context()

	if r.Method == http.MethodGet {
		playlist, err := h.manager.Playlist(ctx, roomID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, APIResponse{Success: true, Playlist: &playlist})
		return
	}

	var req PlaylistRequest
	if r.Method == http.MethodDelete && r.URL.Query().Get("trackId") != "" {
		req.TrackID = r.URL.Query().Get("trackId")
	} else if err := decodeBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	var (
		rm      *model.Room
		err     error
		message string
	)
	switch r.Method {
	case http.MethodPost:
		if req.Track == nil {
			writeError(w, r, model.Validation("invalid track data, required fields: id, title, artist"))
			return
		}
		addedBy := strings.TrimSpace(req.AddedBy)
		if addedBy == "" {
			addedBy = "user"
		}
		rm, err = h.manager.AddTrack(ctx, roomID, *req.Track, addedBy)
		message = "Track added to playlist"
	case http.MethodDelete:
		rm, err = h.manager.RemoveTrack(ctx, roomID, req.TrackID)
		message = "Track removed from playlist"
	case http.MethodPut:
		if req.Playlist == nil {
			writeError(w, r, model.Validation("playlist must be an array"))
			return
		}
		rm, err = h.manager.ReplacePlaylist(ctx, roomID, *req.Playlist)
		message = "Playlist updated successfully"
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Room: rm, Playlist: &rm.Playlist, Message: message})
}

// ========== WebSocket 处理器 ==========

// WebSocketHandler 升级连接。带 roomId 和 username 查询参数时连接后立即加入房间。
func (h *RoomHandler) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("WebSocket 升级失败", logger.ErrorField(err))
		return
	}

	hub := h.manager.Hub()
	client := room.NewClient(hub, conn)
	hub.Register(client)

	go client.WritePump()

	roomID := r.URL.Query().Get("roomId")
	username := r.URL.Query().Get("username")
	if roomID != "" && username != "" {
		h.manager.HandleMessage(h.baseCtx, client, &room.WSMessage{
			Type:     room.MsgTypeJoin,
			RoomID:   roomID,
			Username: username,
		})
	}

	go client.ReadPump(h.baseCtx, h.manager.HandleMessage)

	logger.Info("WebSocket 连接建立",
		logger.String("conn", client.ID),
		logger.String("remote", r.RemoteAddr))
}

// RegisterRoomRoutes 注册房间相关路由
func RegisterRoomRoutes(router *mux.Router, handler *RoomHandler) {
	router.HandleFunc("/api/rooms", handler.CreateRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/join", handler.JoinRoomHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/rooms/{id}", handler.GetRoomHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/rooms/{id}", handler.PatchRoomHandler).Methods(http.MethodPatch)
	router.HandleFunc("/api/rooms/{id}", handler.DeleteRoomHandler).Methods(http.MethodDelete)
	router.HandleFunc("/api/rooms/{id}/playlist", handler.PlaylistHandler).
		Methods(http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodPut)
	router.HandleFunc("/api/rooms/{id}/members", handler.MembersHandler).Methods(http.MethodGet)

	router.HandleFunc("/ws", handler.WebSocketHandler)

	logger.Info("房间系统API端点注册完成",
		logger.String("endpoints", "POST /api/rooms, POST /api/rooms/join, GET|PATCH|DELETE /api/rooms/{id}, /api/rooms/{id}/playlist, GET /api/rooms/{id}/members, WS /ws"))
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"syncstream/model"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	nanoid "github.com/jaevor/go-nanoid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CodeAlphabet 房间码字符集：大写字母和数字
const CodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	defaultCodeLength  = 6
	defaultCodeRetries = 5
)

// RoomRepository 房间数据访问接口
type RoomRepository interface {
	Create(ctx context.Context, name, creator string) (*model.Room, error)
	FindByID(ctx context.Context, id string) (*model.Room, error)
	FindByCode(ctx context.Context, code string) (*model.Room, error)
	Update(ctx context.Context, id string, patch model.RoomPatch) (*model.Room, error)
	Delete(ctx context.Context, id string) error

	// Mutate 在一个事务内读取并锁定房间行，fn 修改后整行写回；fn 返回错误则回滚
	Mutate(ctx context.Context, id string, fn func(room *model.Room) error) (*model.Room, error)

	// AddUser 幂等地把用户名记入房间用户列表
	AddUser(ctx context.Context, roomID, username string) (*model.Room, error)

	// ListIdleSince 返回 updated_at 早于 before 的房间（不含用户列表）
	ListIdleSince(ctx context.Context, before time.Time) ([]model.Room, error)
}

// Option 仓库可选配置
type Option func(*gormRoomRepository)

// WithCodeGenerator 替换房间码生成器
func WithCodeGenerator(gen func() string) Option {
	return func(r *gormRoomRepository) {
		r.newCode = gen
	}
}

// WithCodeRetries 房间码冲突时的最大尝试次数
func WithCodeRetries(n int) Option {
	return func(r *gormRoomRepository) {
		if n > 0 {
			r.codeRetries = n
		}
	}
}

// NewCodeGenerator 基于 nanoid 的房间码生成器
func NewCodeGenerator(length int) (func() string, error) {
	if length <= 0 {
		length = defaultCodeLength
	}
	gen, err := nanoid.CustomASCII(CodeAlphabet, length)
	if err != nil {
		return nil, fmt.Errorf("failed to build room code generator: %w", err)
	}
	return gen, nil
}

// gormRoomRepository GORM 实现
type gormRoomRepository struct {
	db          *gorm.DB
	newCode     func() string
	codeRetries int
}

// NewGormRoomRepository 创建 GORM 房间仓库
func NewGormRoomRepository(db *gorm.DB, opts ...Option) (RoomRepository, error) {
	r := &gormRoomRepository{db: db, codeRetries: defaultCodeRetries}
	for _, opt := range opts {
		opt(r)
	}
	if r.newCode == nil {
		gen, err := NewCodeGenerator(defaultCodeLength)
		if err != nil {
			return nil, err
		}
		r.newCode = gen
	}
	return r, nil
}

// NormalizeCode 房间码不区分大小写，统一存为大写
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Create 创建房间并把创建者写入用户列表，房间码冲突时换码重试
func (r *gormRoomRepository) Create(ctx context.Context, name, creator string) (*model.Room, error) {
	for attempt := 0; attempt < r.codeRetries; attempt++ {
		now := time.Now().UTC()
		room := &model.Room{
			ID:       uuid.NewString(),
			Name:     name,
			Code:     NormalizeCode(r.newCode()),
			Playlist: model.TrackList{},
		}

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Omit(clause.Associations).Create(room).Error; err != nil {
				return err
			}
			user := model.RoomUser{RoomID: room.ID, Username: creator, JoinedAt: now}
			if err := tx.Create(&user).Error; err != nil {
				return err
			}
			room.Users = []model.RoomUser{user}
			return nil
		})
		if err == nil {
			return room, nil
		}
		if !isDuplicateKey(err) {
			return nil, model.Transient("create room", err)
		}
	}
	return nil, model.ErrCodeExhausted
}

// FindByID 根据ID获取房间，不存在时返回 nil, nil
func (r *gormRoomRepository) FindByID(ctx context.Context, id string) (*model.Room, error) {
	return r.findOne(ctx, "id = ?", id)
}

// FindByCode 根据房间码获取房间，不存在时返回 nil, nil
func (r *gormRoomRepository) FindByCode(ctx context.Context, code string) (*model.Room, error) {
	return r.findOne(ctx, "code = ?", NormalizeCode(code))
}

func (r *gormRoomRepository) findOne(ctx context.Context, query string, arg interface{}) (*model.Room, error) {
	var room model.Room
	err := r.db.WithContext(ctx).
		Preload("Users", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at ASC, id ASC")
		}).
		Where(query, arg).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, model.Transient("find room", err)
	}
	return &room, nil
}

// Update 按补丁更新房间字段
func (r *gormRoomRepository) Update(ctx context.Context, id string, patch model.RoomPatch) (*model.Room, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	return r.Mutate(ctx, id, func(room *model.Room) error {
		patch.Apply(room)
		return nil
	})
}

// Delete 删除房间及其用户列表
func (r *gormRoomRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("room_id = ?", id).Delete(&model.RoomUser{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&model.Room{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return model.ErrRoomNotFound
		}
		return nil
	})
	return classify("delete room", err)
}

// Mutate 原子读改写
func (r *gormRoomRepository) Mutate(ctx context.Context, id string, fn func(room *model.Room) error) (*model.Room, error) {
	var out *model.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, id)
		if err != nil {
			return err
		}
		if err := fn(room); err != nil {
			return err
		}
		room.ID = id
		if err := tx.Omit(clause.Associations).Save(room).Error; err != nil {
			return err
		}
		out = room
		return nil
	})
	if err != nil {
		return nil, classify("mutate room", err)
	}
	return out, nil
}

// AddUser 房间用户已存在时不做修改
func (r *gormRoomRepository) AddUser(ctx context.Context, roomID, username string) (*model.Room, error) {
	var out *model.Room
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		room, err := lockRoom(tx, roomID)
		if err != nil {
			return err
		}
		for _, u := range room.Users {
			if u.Username == username {
				out = room
				return nil
			}
		}
		user := model.RoomUser{RoomID: roomID, Username: username, JoinedAt: time.Now().UTC()}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user).Error; err != nil {
			return err
		}
		room.Users = append(room.Users, user)
		out = room
		return nil
	})
	if err != nil {
		return nil, classify("add room user", err)
	}
	return out, nil
}

// ListIdleSince 房间回收用
func (r *gormRoomRepository) ListIdleSince(ctx context.Context, before time.Time) ([]model.Room, error) {
	var rooms []model.Room
	err := r.db.WithContext(ctx).
		Where("updated_at < ?", before.UTC()).
		Order("updated_at ASC").
		Find(&rooms).Error
	if err != nil {
		return nil, model.Transient("list idle rooms", err)
	}
	return rooms, nil
}

// lockRoom 以 SELECT ... FOR UPDATE 读取房间行并加载用户列表
func lockRoom(tx *gorm.DB, id string) (*model.Room, error) {
	var room model.Room
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&room).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, model.ErrRoomNotFound
		}
		return nil, err
	}
	if err := tx.Where("room_id = ?", id).Order("joined_at ASC, id ASC").Find(&room.Users).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// classify 业务错误原样返回，其余驱动错误视为 transient
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var me *model.Error
	if errors.As(err, &me) {
		return err
	}
	return model.Transient(op, err)
}

// isDuplicateKey 识别 MySQL 1062 与 SQLite 的唯一约束冲突
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"syncstream/core/playback"
	"syncstream/model"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	// 内存库只能单连接共享，事务在连接池排队；
	// 事务自身的互斥见 setupFileRepo，生产上由 MySQL 的 SELECT ... FOR UPDATE 保证
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(&model.Room{}, &model.RoomUser{}))
	return gdb
}

func setupRepo(t *testing.T, opts ...Option) RoomRepository {
	t.Helper()
	repo, err := NewGormRoomRepository(setupTestDB(t), opts...)
	require.NoError(t, err)
	return repo
}

// setupFileRepo 文件库多连接。_txlock=immediate 让事务在 BEGIN 时取写锁，
// 并发的 Mutate 由数据库而不是连接池串行化。
func setupFileRepo(t *testing.T) RoomRepository {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "rooms.db") + "?_txlock=immediate&_busy_timeout=10000"
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	require.NoError(t, err)

	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(8)
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gdb.AutoMigrate(&model.Room{}, &model.RoomUser{}))
	repo, err := NewGormRoomRepository(gdb)
	require.NoError(t, err)
	return repo
}

// concurrentRepos 并发测试在两种库上各跑一遍
func concurrentRepos(t *testing.T, run func(t *testing.T, repo RoomRepository)) {
	t.Run("memory", func(t *testing.T) { run(t, setupRepo(t)) })
	t.Run("file", func(t *testing.T) { run(t, setupFileRepo(t)) })
}

func fixedCodes(codes ...string) func() string {
	var mu sync.Mutex
	i := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		c := codes[i%len(codes)]
		i++
		return c
	}
}

func TestCreateRoom(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, room.ID)
	assert.Len(t, room.Code, 6)
	assert.Regexp(t, "^[A-Z0-9]{6}$", room.Code)
	assert.Empty(t, room.Playlist)
	assert.Nil(t, room.CurrentTrackID)
	assert.False(t, room.IsPlaying)
	assert.Equal(t, []string{"alice"}, room.Usernames())

	found, err := repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "Study", found.Name)
	assert.NotNil(t, found.Playlist)
	assert.Equal(t, []string{"alice"}, found.Usernames())
}

func TestFindByCodeCaseInsensitive(t *testing.T) {
	repo := setupRepo(t, WithCodeGenerator(fixedCodes("ab12cd")))
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)
	assert.Equal(t, "AB12CD", room.Code)

	found, err := repo.FindByCode(ctx, " ab12Cd ")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, room.ID, found.ID)

	missing, err := repo.FindByCode(ctx, "ZZZZZZ")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateRetriesOnCodeCollision(t *testing.T) {
	repo := setupRepo(t, WithCodeGenerator(fixedCodes("AAAAAA", "AAAAAA", "BBBBBB")))
	ctx := context.Background()

	first, err := repo.Create(ctx, "one", "alice")
	require.NoError(t, err)
	second, err := repo.Create(ctx, "two", "bob")
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)
}

func TestCreateCodeExhausted(t *testing.T) {
	repo := setupRepo(t, WithCodeGenerator(fixedCodes("AAAAAA")), WithCodeRetries(3))
	ctx := context.Background()

	_, err := repo.Create(ctx, "one", "alice")
	require.NoError(t, err)

	_, err = repo.Create(ctx, "two", "bob")
	assert.True(t, errors.Is(err, model.ErrCodeExhausted))
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestAddUserIdempotent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	joined, err := repo.AddUser(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, joined.Usernames())

	again, err := repo.AddUser(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, again.Usernames())

	_, err = repo.AddUser(ctx, "missing", "bob")
	assert.True(t, errors.Is(err, model.ErrRoomNotFound))
}

func TestUpdate(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	name := "Focus"
	pos := 12.5
	updated, err := repo.Update(ctx, room.ID, model.RoomPatch{Name: &name, PositionSeconds: &pos})
	require.NoError(t, err)
	assert.Equal(t, "Focus", updated.Name)
	assert.Equal(t, 12.5, updated.PositionSeconds)
	assert.Equal(t, room.Code, updated.Code)

	_, err = repo.Update(ctx, "missing", model.RoomPatch{Name: &name})
	assert.True(t, errors.Is(err, model.ErrRoomNotFound))

	_, err = repo.Update(ctx, room.ID, model.RoomPatch{})
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestMutateRollsBackOnError(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	_, err = repo.Mutate(ctx, room.ID, func(r *model.Room) error {
		r.Name = "changed"
		return model.ErrDuplicateTrack
	})
	assert.True(t, errors.Is(err, model.ErrDuplicateTrack))

	found, err := repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, "Study", found.Name)
}

func TestMutateConcurrentDistinctAdds(t *testing.T) {
	concurrentRepos(t, testConcurrentDistinctAdds)
}

func testConcurrentDistinctAdds(t *testing.T, repo RoomRepository) {
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			track := model.Track{ID: fmt.Sprintf("t%d", i), Title: "song", Artist: "artist"}
			_, err := repo.Mutate(ctx, room.ID, func(r *model.Room) error {
				next, _, err := playback.AddTrack(*r, track, "alice", time.Now())
				if err != nil {
					return err
				}
				*r = next
				return nil
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	found, err := repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Len(t, found.Playlist, n)
	assert.True(t, playback.CurrentValid(*found))
}

func TestMutateConcurrentSameTrack(t *testing.T) {
	concurrentRepos(t, testConcurrentSameTrack)
}

func testConcurrentSameTrack(t *testing.T, repo RoomRepository) {
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	track := model.Track{ID: "same", Title: "song", Artist: "artist"}
	var wg sync.WaitGroup
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Mutate(ctx, room.ID, func(r *model.Room) error {
				next, _, err := playback.AddTrack(*r, track, "alice", time.Now())
				if err != nil {
					return err
				}
				*r = next
				return nil
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var ok, dup int
	for err := range results {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, model.ErrDuplicateTrack):
			dup++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, dup)
}

func TestDelete(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, room.ID))
	found, err := repo.FindByID(ctx, room.ID)
	require.NoError(t, err)
	assert.Nil(t, found)

	err = repo.Delete(ctx, room.ID)
	assert.True(t, errors.Is(err, model.ErrRoomNotFound))
}

func TestListIdleSince(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	room, err := repo.Create(ctx, "Study", "alice")
	require.NoError(t, err)

	idle, err := repo.ListIdleSince(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, idle, 1)
	assert.Equal(t, room.ID, idle[0].ID)

	idle, err = repo.ListIdleSince(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, idle)
}

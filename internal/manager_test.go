package internal_test

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 創建測試用的 logger
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // 測試時只顯示錯誤
	}))
}

// 測試用配置：縮短信標間隔、拉長清理間隔避免干擾
func testConfig() *internal.Config {
	cfg := internal.DefaultConfig()
	cfg.Session.BeaconInterval = internal.Duration(50 * time.Millisecond)
	cfg.Session.CleanupInterval = internal.Duration(time.Hour)
	return cfg
}

func newTestManager(t *testing.T) *internal.Manager {
	t.Helper()
	manager := internal.NewManager(testConfig(), testLogger())
	t.Cleanup(manager.Stop)
	return manager
}

// TestManager_Create 測試創建會話
func TestManager_Create(t *testing.T) {
	tests := []struct {
		name      string
		capacity  int
		signature string
		wantErr   bool
	}{
		{
			name:      "create valid session",
			capacity:  2,
			signature: "v1",
		},
		{
			name:      "capacity one allowed",
			capacity:  1,
			signature: "v1",
		},
		{
			name:     "capacity too low",
			capacity: 0,
			wantErr:  true,
		},
		{
			name:     "capacity too high",
			capacity: 129,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := newTestManager(t)

			gameID, err := manager.Create(tt.capacity, tt.signature)

			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Len(t, gameID, 4)
			for _, ch := range gameID {
				assert.True(t, ch >= 'A' && ch <= 'Z', "遊戲 ID 必須是大寫字母: %q", gameID)
			}

			// 創建後會話處於等待狀態、無人
			snap, ok := manager.Snapshot(gameID)
			require.True(t, ok)
			assert.Equal(t, internal.PhaseWaiting, snap.Phase)
			assert.Equal(t, 0, snap.Current)
			assert.Equal(t, tt.capacity, snap.Required)
		})
	}
}

// TestManager_Create_UniqueIDs 存活會話之間的 ID 不能重複
func TestManager_Create_UniqueIDs(t *testing.T) {
	manager := newTestManager(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		gameID, err := manager.Create(4, "v1")
		require.NoError(t, err)
		require.False(t, seen[gameID], "遊戲 ID 重複: %s", gameID)
		seen[gameID] = true
	}
}

// TestManager_Join 測試加入會話
func TestManager_Join(t *testing.T) {
	t.Run("join assigns ids in order", func(t *testing.T) {
		manager := newTestManager(t)
		gameID, err := manager.Create(3, "v1")
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			playerID, current, required, err := manager.Join(gameID, "v1", &internal.Client{})
			require.NoError(t, err)
			assert.Equal(t, internal.PlayerID(i), playerID)
			assert.Equal(t, i+1, current)
			assert.Equal(t, 3, required)
		}
	})

	t.Run("join nonexistent session", func(t *testing.T) {
		manager := newTestManager(t)

		_, _, _, err := manager.Join("ZZZZ", "v1", &internal.Client{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, internal.ErrSessionNotFound))

		// 失敗的加入不得留下任何痕跡
		stats := manager.GetStats()
		assert.Equal(t, 0, stats.WaitingGames)
		assert.Equal(t, 0, stats.Connections)
	})

	t.Run("join signature mismatch", func(t *testing.T) {
		manager := newTestManager(t)
		gameID, err := manager.Create(2, "v1")
		require.NoError(t, err)

		_, _, _, err = manager.Join(gameID, "v2", &internal.Client{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, internal.ErrMatchRejected))

		snap, ok := manager.Snapshot(gameID)
		require.True(t, ok)
		assert.Equal(t, 0, snap.Current, "被拒絕的加入不能改變佔用")
	})

	t.Run("join full session", func(t *testing.T) {
		manager := newTestManager(t)
		gameID, err := manager.Create(1, "v1")
		require.NoError(t, err)

		_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
		require.NoError(t, err)

		_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, internal.ErrMatchRejected))

		snap, _ := manager.Snapshot(gameID)
		assert.Equal(t, 1, snap.Current)
	})

	t.Run("join running session", func(t *testing.T) {
		manager := newTestManager(t)
		gameID, err := manager.Create(1, "v1")
		require.NoError(t, err)

		_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
		require.NoError(t, err)
		require.True(t, manager.TryStart(gameID))

		_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, internal.ErrMatchRejected))
	})
}

// TestManager_TryStart 測試等待 → 進行的轉換
func TestManager_TryStart(t *testing.T) {
	manager := newTestManager(t)
	gameID, err := manager.Create(2, "v1")
	require.NoError(t, err)

	// 未滿：不轉換
	_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	assert.False(t, manager.TryStart(gameID))

	snap, _ := manager.Snapshot(gameID)
	assert.Equal(t, internal.PhaseWaiting, snap.Phase)

	// 補滿：恰好轉換一次
	_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	assert.True(t, manager.TryStart(gameID))
	assert.False(t, manager.TryStart(gameID), "轉換必須是冪等的")

	snap, _ = manager.Snapshot(gameID)
	assert.Equal(t, internal.PhaseRunning, snap.Phase)
	assert.Equal(t, 2, snap.Current)

	// 不存在的會話
	assert.False(t, manager.TryStart("ZZZZ"))
}

// TestManager_Leave 測試離開與清理
func TestManager_Leave(t *testing.T) {
	manager := newTestManager(t)
	gameID, err := manager.Create(2, "v1")
	require.NoError(t, err)

	p0, _, _, err := manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	p1, _, _, err := manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	require.True(t, manager.TryStart(gameID))

	// 移除一名玩家：會話保留，人數減一
	manager.Leave(gameID, p0)
	snap, ok := manager.Snapshot(gameID)
	require.True(t, ok)
	assert.Equal(t, 1, snap.Current)
	assert.Equal(t, internal.PhaseRunning, snap.Phase)

	// 重複離開是 no-op
	manager.Leave(gameID, p0)
	snap, _ = manager.Snapshot(gameID)
	assert.Equal(t, 1, snap.Current)

	// 最後一人離開：會話從表中刪除
	manager.Leave(gameID, p1)
	_, ok = manager.Snapshot(gameID)
	assert.False(t, ok, "空會話必須被移除")

	// 之後的查找視為不存在
	_, _, _, err = manager.Join(gameID, "v1", &internal.Client{})
	assert.True(t, errors.Is(err, internal.ErrSessionNotFound))
}

// TestManager_Clients 廣播快照只包含該會話的參與者
func TestManager_Clients(t *testing.T) {
	manager := newTestManager(t)

	gameA, err := manager.Create(2, "v1")
	require.NoError(t, err)
	gameB, err := manager.Create(2, "v1")
	require.NoError(t, err)

	clientA := &internal.Client{ID: "a"}
	clientB := &internal.Client{ID: "b"}

	_, _, _, err = manager.Join(gameA, "v1", clientA)
	require.NoError(t, err)
	_, _, _, err = manager.Join(gameB, "v1", clientB)
	require.NoError(t, err)

	clientsA := manager.Clients(gameA)
	require.Len(t, clientsA, 1)
	assert.Same(t, clientA, clientsA[0])

	clientsB := manager.Clients(gameB)
	require.Len(t, clientsB, 1)
	assert.Same(t, clientB, clientsB[0])

	assert.Nil(t, manager.Clients("ZZZZ"))
}

// TestManager_GetStats 測試統計快照
func TestManager_GetStats(t *testing.T) {
	manager := newTestManager(t)

	stats := manager.GetStats()
	assert.Equal(t, internal.Stats{}, stats)

	// 一個等待中（1 人）、一個進行中（2 人）
	waiting, err := manager.Create(3, "v1")
	require.NoError(t, err)
	_, _, _, err = manager.Join(waiting, "v1", &internal.Client{})
	require.NoError(t, err)

	running, err := manager.Create(2, "v1")
	require.NoError(t, err)
	_, _, _, err = manager.Join(running, "v1", &internal.Client{})
	require.NoError(t, err)
	_, _, _, err = manager.Join(running, "v1", &internal.Client{})
	require.NoError(t, err)
	require.True(t, manager.TryStart(running))

	stats = manager.GetStats()
	assert.Equal(t, 1, stats.WaitingGames)
	assert.Equal(t, 1, stats.RunningGames)
	assert.Equal(t, 3, stats.Connections)
}

// TestManager_Cleanup 空置會話回收
func TestManager_Cleanup(t *testing.T) {
	cfg := testConfig()
	cfg.Session.EmptyTTL = 0 // 立即視為過期
	manager := internal.NewManager(cfg, testLogger())
	t.Cleanup(manager.Stop)

	// 創建後無人加入的會話會被回收
	empty, err := manager.Create(2, "v1")
	require.NoError(t, err)

	// 有人的會話不受影響
	occupied, err := manager.Create(2, "v1")
	require.NoError(t, err)
	_, _, _, err = manager.Join(occupied, "v1", &internal.Client{})
	require.NoError(t, err)

	manager.Cleanup()

	_, ok := manager.Snapshot(empty)
	assert.False(t, ok)
	_, ok = manager.Snapshot(occupied)
	assert.True(t, ok)
}

// TestManager_ConcurrentJoin_CapacityOne 併發加入容量 1 的會話，
// 恰好一個成功、恰好一次轉換
func TestManager_ConcurrentJoin_CapacityOne(t *testing.T) {
	manager := newTestManager(t)
	gameID, err := manager.Create(1, "v1")
	require.NoError(t, err)

	const joiners = 8

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  []internal.PlayerID
		rejected  int
		startedBy int
	)

	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			playerID, _, _, err := manager.Join(gameID, "v1", &internal.Client{})
			started := false
			if err == nil {
				// 模擬連接循環：成功加入後嘗試開始
				started = manager.TryStart(gameID)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				require.True(t, errors.Is(err, internal.ErrMatchRejected))
				rejected++
			} else {
				admitted = append(admitted, playerID)
			}
			if started {
				startedBy++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, admitted, 1, "容量 1 只能放行一名玩家")
	assert.Equal(t, internal.PlayerID(0), admitted[0])
	assert.Equal(t, joiners-1, rejected)
	assert.Equal(t, 1, startedBy, "轉換必須恰好觸發一次")
}

// TestManager_ConcurrentJoin_ExactlyOnceStart 多人併發搶一個大會話
func TestManager_ConcurrentJoin_ExactlyOnceStart(t *testing.T) {
	const (
		capacity = 5
		joiners  = 20
	)

	manager := newTestManager(t)
	gameID, err := manager.Create(capacity, "v1")
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		admitted  int
		startedBy int
		seen      = make(map[internal.PlayerID]bool)
	)

	for i := 0; i < joiners; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			playerID, _, _, err := manager.Join(gameID, "v1", &internal.Client{})
			started := false
			if err == nil {
				started = manager.TryStart(gameID)
			}

			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				admitted++
				require.False(t, seen[playerID], "玩家編號不能重複")
				seen[playerID] = true
			}
			if started {
				startedBy++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, capacity, admitted)
	assert.Equal(t, 1, startedBy)

	snap, ok := manager.Snapshot(gameID)
	require.True(t, ok)
	assert.Equal(t, internal.PhaseRunning, snap.Phase)
	assert.Equal(t, capacity, snap.Current)
}

// TestScenarioCreateThenTwoJoins 容量 2 的完整配對流程
func TestScenarioCreateThenTwoJoins(t *testing.T) {
	manager := newTestManager(t)

	gameID, err := manager.Create(2, "v1")
	require.NoError(t, err)

	p0, current, required, err := manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	assert.Equal(t, internal.PlayerID(0), p0)
	assert.Equal(t, 1, current)
	assert.Equal(t, 2, required)
	assert.False(t, manager.TryStart(gameID))

	p1, current, _, err := manager.Join(gameID, "v1", &internal.Client{})
	require.NoError(t, err)
	assert.Equal(t, internal.PlayerID(1), p1)
	assert.Equal(t, 2, current)
	assert.True(t, manager.TryStart(gameID))

	snap, _ := manager.Snapshot(gameID)
	assert.Equal(t, internal.PhaseRunning, snap.Phase)
}

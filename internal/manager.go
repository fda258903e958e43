package internal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// 系統設計問題：
//   如何在大量並發連接下正確地做配對與會話狀態轉換？
//
// 核心挑戰：
//   1. 競態條件：兩個玩家同時加入只剩一個空位的會話
//   2. 恰好一次：waiting → running 只能由補滿容量的那次加入觸發
//   3. ID 分配：檢查唯一性與插入必須是同一個原子操作
//   4. 清理正確性：斷線後玩家必須從會話消失，空會話必須從表中移除
//
// 設計方案：
//   ✅ 單一互斥鎖 - 整張會話表一把鎖，每個讀改寫序列是一個完整臨界區
//   ✅ 事務化操作 - 分配、加入、轉換、清理各自是不可分割的一次加鎖
//   ✅ 跨會話無鎖依賴 - 沒有第二把鎖，不存在鎖順序問題
//
// 為什麼不用每會話一把鎖？
//   - ID 分配與會話移除本來就要動整張表
//   - 先查表再鎖會話的兩段式寫法，在查與鎖之間留下競態窗口
//   - 臨界區都是純記憶體操作（無 I/O），一把鎖的爭用完全可接受

// 配對失敗的錯誤分類
//
// ErrMatchRejected 是所有「會話存在但不能加入」情況的共同基底，
// 具體原因（已滿、簽名不符、已開始）以 %w 包裝，方便 errors.Is 判斷。
var (
	// ErrSessionNotFound 遊戲會話不存在
	ErrSessionNotFound = errors.New("遊戲會話不存在")
	// ErrMatchRejected 加入遊戲被拒絕
	ErrMatchRejected = errors.New("加入遊戲被拒絕")
)

// Manager 會話表與配對引擎
//
// 整個進程只有一個 Manager 實例，在啟動時創建、顯式注入到
// Hub 與 Handler，不使用任何包級全域狀態。
type Manager struct {
	cfg    *Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session // gameID -> Session

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager 創建會話管理器並啟動清理循環
func NewManager(cfg *Config, logger *slog.Logger) *Manager {
	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// Create 分配一個新的遊戲 ID 並插入等待中的會話。
//
// 唯一性保證：候選 ID 的存在性檢查與插入在同一個臨界區內完成，
// 碰撞時在鎖內重新抽取。預設字母表 26^4 ≈ 45 萬個組合，
// 存活會話數遠小於此，重抽次數期望接近 1。
func (m *Manager) Create(capacity int, signature string) (string, error) {
	if capacity < m.cfg.Session.MinCapacity || capacity > m.cfg.Session.MaxCapacity {
		return "", fmt.Errorf("玩家數量必須在 %d-%d 之間",
			m.cfg.Session.MinCapacity, m.cfg.Session.MaxCapacity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var gameID string
	for {
		gameID = m.generateGameID()
		if _, exists := m.sessions[gameID]; !exists {
			break
		}
	}

	m.sessions[gameID] = &Session{
		ID:        gameID,
		Phase:     PhaseWaiting,
		Capacity:  capacity,
		Signature: signature,
		CreatedAt: time.Now(),
	}

	m.logger.Info("遊戲會話已創建",
		"game_id", gameID,
		"capacity", capacity)

	return gameID, nil
}

// Join 把一個連接加入指定會話。
//
// 整個「查找 → 驗證 → 分配編號 → 追加」序列是一個事務：
// 兩個並發加入者不可能都擠過容量上限，編號也不可能重複。
//
// 返回分配的玩家編號與當下的佔用（current/required），
// 佔用值取自同一臨界區，供調用方廣播等待人數。
func (m *Manager) Join(gameID, signature string, client *Client) (PlayerID, int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[gameID]
	if !exists {
		return 0, 0, 0, fmt.Errorf("%w: %s", ErrSessionNotFound, gameID)
	}

	if session.Phase != PhaseWaiting {
		return 0, 0, 0, fmt.Errorf("%w: 遊戲已開始", ErrMatchRejected)
	}
	if session.Signature != signature {
		return 0, 0, 0, fmt.Errorf("%w: 簽名不符", ErrMatchRejected)
	}
	if len(session.Participants) >= session.Capacity {
		return 0, 0, 0, fmt.Errorf("%w: 會話已滿", ErrMatchRejected)
	}

	// 編號即當前人數：0 起始、按加入順序遞增
	playerID := PlayerID(len(session.Participants))
	session.Participants = append(session.Participants, Participant{
		ID:     playerID,
		Client: client,
	})

	m.logger.Info("玩家加入會話",
		"game_id", gameID,
		"player_id", playerID,
		"current", len(session.Participants),
		"required", session.Capacity)

	return playerID, len(session.Participants), session.Capacity, nil
}

// TryStart 嘗試 waiting → running 轉換。
//
// 每次成功加入後都應調用一次。冪等：只有「等待中且人數恰好
// 等於容量」的會話會被轉換並返回 true；已開始或未滿都返回 false。
// 並發加入時只有觸發轉換的那一次調用得到 true，
// 調用方用這個信號保證每個會話恰好啟動一個時間信標。
func (m *Manager) TryStart(gameID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[gameID]
	if !exists || session.Phase != PhaseWaiting || len(session.Participants) != session.Capacity {
		return false
	}

	session.Phase = PhaseRunning
	session.StartedAt = time.Now()

	m.logger.Info("遊戲會話開始",
		"game_id", gameID,
		"players", len(session.Participants))

	return true
}

// Leave 把玩家從會話移除；若移除後會話為空，直接刪除會話。
//
// 這是會話離開表的唯一路徑（空置超時的未加入會話除外）。
// 對不存在的會話或玩家是冪等的 no-op：清理在連接退出的
// 所有路徑上都會執行，重複調用不能出錯。
func (m *Manager) Leave(gameID string, playerID PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[gameID]
	if !exists {
		return
	}

	for i, p := range session.Participants {
		if p.ID == playerID {
			session.Participants = append(session.Participants[:i], session.Participants[i+1:]...)
			break
		}
	}

	m.logger.Info("玩家離開會話",
		"game_id", gameID,
		"player_id", playerID,
		"remaining", len(session.Participants))

	if len(session.Participants) == 0 {
		delete(m.sessions, gameID)
		m.logger.Info("遊戲會話已移除", "game_id", gameID)
	}
}

// Clients 拷貝出會話目前所有參與者的連接引用。
//
// 廣播路徑的關鍵約定：在鎖內拷貝、在鎖外發送。
// 發送可能因慢客戶端而阻塞或失敗，絕不能在持鎖時進行。
func (m *Manager) Clients(gameID string) []*Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[gameID]
	if !exists {
		return nil
	}

	clients := make([]*Client, 0, len(session.Participants))
	for _, p := range session.Participants {
		clients = append(clients, p.Client)
	}
	return clients
}

// SessionSnapshot 會話在某一時刻的階段與佔用資訊
type SessionSnapshot struct {
	Phase    Phase
	Current  int
	Required int
	Elapsed  float64 // 開始以來的秒數，僅 running 階段有意義
}

// Snapshot 讀取會話的即時狀態。
//
// 時間信標與轉發路徑每次都必須透過這個方法重新讀表，
// 不能快取結果：已斷線的玩家要能立刻反映在 Current 上。
func (m *Manager) Snapshot(gameID string) (SessionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[gameID]
	if !exists {
		return SessionSnapshot{}, false
	}

	snap := SessionSnapshot{
		Phase:    session.Phase,
		Current:  len(session.Participants),
		Required: session.Capacity,
	}
	if session.Phase == PhaseRunning {
		snap.Elapsed = time.Since(session.StartedAt).Seconds()
	}
	return snap, true
}

// Stats 統計快照
type Stats struct {
	WaitingGames int `json:"waitingGames"`
	RunningGames int `json:"runningGames"`
	Connections  int `json:"connections"`
}

// GetStats 聚合統計資訊：等待中會話數、進行中會話數、
// 所有會話的參與者總數。只讀，不做任何修改。
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stats Stats
	for _, session := range m.sessions {
		switch session.Phase {
		case PhaseWaiting:
			stats.WaitingGames++
		case PhaseRunning:
			stats.RunningGames++
		}
		stats.Connections += len(session.Participants)
	}
	return stats
}

// cleanupLoop 定期回收空置會話
//
// 正常情況下會話由 Leave 移除；但創建者在 Create 與 Join 之間
// 斷線會留下一個永遠無人的等待會話，這裡兜底回收。
func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Session.CleanupInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Cleanup()
		case <-m.stopCh:
			return
		}
	}
}

// Cleanup 執行一次空置會話回收（公開方法供測試使用）
func (m *Manager) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for gameID, session := range m.sessions {
		if len(session.Participants) == 0 && now.Sub(session.CreatedAt) >= m.cfg.Session.EmptyTTL.Std() {
			delete(m.sessions, gameID)
			m.logger.Info("空置會話已回收", "game_id", gameID)
		}
	}
}

// Stop 停止管理器
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.logger.Info("會話管理器已停止")
}

// generateGameID 從固定字母表抽取一個候選遊戲 ID
func (m *Manager) generateGameID() string {
	alphabet := m.cfg.Session.IDAlphabet
	b := make([]byte, m.cfg.Session.IDLength)
	if _, err := rand.Read(b); err != nil {
		// 隨機源失敗時退回時間戳（幾乎不會發生）
		for i := range b {
			b[i] = alphabet[int(time.Now().UnixNano()>>uint(i*5))%len(alphabet)]
		}
		return string(b)
	}
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}

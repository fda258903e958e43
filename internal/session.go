package internal

import "time"

// Phase 會話階段
//
// 有限狀態機設計：
//
//	waiting → running →（最後一名玩家離開後從表中移除）
//
// 狀態轉換規則：
//   - waiting → running：加入的玩家數達到容量（恰好觸發一次）
//   - running 不會回到 waiting；會話不重用，打完即棄
//
// 為什麼只有兩個階段？
//   - 配對與轉發是這個服務的全部職責，遊戲規則由客戶端自己實現
//   - 階段越少，狀態機越不容易出現非法轉換
type Phase string

const (
	PhaseWaiting Phase = "waiting" // 等待玩家加入
	PhaseRunning Phase = "running" // 遊戲進行中
)

// PlayerID 玩家在單一會話內的編號，從 0 開始按加入順序分配
type PlayerID int

// Participant 會話中的一名參與者
//
// Client 以引用共享：會話表只負責記錄「誰在會話裡」，
// 底層連接的生命週期由各自的連接循環持有，表從不關閉連接。
type Participant struct {
	ID     PlayerID
	Client *Client
}

// Session 一個遊戲會話
//
// 這是帶標籤的變體型別：Phase 決定哪些欄位有意義。
//   - waiting：Capacity、Signature、Participants（不變式 len ≤ Capacity）
//   - running：StartedAt、Participants（開始時刻在場的玩家，之後只會因斷線減少）
//
// Session 完全由 Manager 擁有，所有讀寫都必須在 Manager 的互斥鎖內進行；
// 任何組件都不允許跨越阻塞點持有 Participants 的引用（廣播前先拷貝）。
type Session struct {
	ID           string
	Phase        Phase
	Capacity     int    // 僅 waiting 階段有意義
	Signature    string // 創建者提供的相容性簽名，加入者必須一致
	StartedAt    time.Time
	CreatedAt    time.Time
	Participants []Participant
}

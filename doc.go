// Package sessioncoordinator 提供一個即時多人遊戲會話協調服務器。
//
// 玩家透過持久的 WebSocket 連接創建或加入具名的遊戲會話，
// 服務器負責配對、在人數到齊時把會話從等待狀態切換為進行狀態，
// 之後在會話參與者之間低延遲地轉發遊戲事件與時鐘探測。
//
// 會話協調
//
// 核心是會話協調引擎：
//   - 遊戲 ID 分配（4 個大寫字母的短碼，碰撞重抽）
//   - 並發加入下的配對（簽名驗證、容量上限）
//   - waiting → running 的恰好一次轉換
//   - 會話級廣播與每會話一個的時間信標
//   - 連接生命週期與斷線清理
//
// 併發安全設計
//
// 整張會話表由單一互斥鎖保護，每個讀改寫序列
// （分配 ID、加入、轉換檢查、清理）都是一個完整的臨界區；
// 廣播先在鎖內拷貝參與者清單，再於鎖外逐一非阻塞發送。
//
// # WebSocket 通訊
//
// 每條連接兩個 goroutine：readPump 驅動握手與轉發循環，
// writePump 負責出站訊息與心跳（54s Ping / 60s Pong 超時）。
// 協議是以 "type" 欄位區分變體的 JSON 文本幀。
//
// 使用範例
//
// 啟動服務器：
//
//	manager := internal.NewManager(cfg, logger)
//	hub := internal.NewWebSocketHub(cfg, manager, logger)
//	handler := internal.NewHandler(manager, hub, logger)
//
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端握手（第一條訊息）：
//
//	{"type":"new_game","capacity":2,"signature":"v1"}
//	{"type":"join_game","game_id":"QJXT","signature":"v1"}
package sessioncoordinator

package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// 系統設計問題：
//   如何用一條持久連接承載一名玩家的完整生命週期？
//
// 核心挑戰：
//   1. 連接循環：握手（創建/加入）→ 轉發循環 → 任何退出路徑都要清理
//   2. 廣播互不拖累：慢客戶端不能阻塞同會話的其他玩家
//   3. 時間信標：每個進行中會話一個背景任務，無人時自行結束
//   4. 心跳機制：檢測死連接（網絡異常、客戶端崩潰）
//
// 設計方案：
//   ✅ 每連接兩個 goroutine - readPump 驅動業務，writePump 負責出站與心跳
//   ✅ 緩衝 channel 發送 - 非阻塞入隊，緩衝滿則丟棄該客戶端的訊息
//   ✅ defer 清理 - readPump 退出（正常、協議錯誤、傳輸錯誤）一律走同一條清理路徑
//   ✅ 信標自我終止 - 每個 tick 重新讀表，會話消失或無人即退出，沒有外部取消

// WebSocketHub WebSocket 連接中心
//
// Hub 只維護「連接註冊表」供關閉時統一收尾；
// 「誰在哪個會話」的唯一事實來源是 Manager 的會話表，
// 廣播時每次都向表重新取參與者快照。
type WebSocketHub struct {
	cfg     *Config
	manager *Manager
	logger  *slog.Logger

	upgrader websocket.Upgrader

	clients map[string]*Client // 連接 ID -> Client
	mu      sync.RWMutex

	wg sync.WaitGroup // 追蹤信標 goroutine
}

// Client 一條玩家連接
//
// GameID / PlayerID / joined 只由該連接自己的 readPump 寫入與讀取，
// 不需要鎖；Send channel 在構造時固定，可被廣播方並發使用。
type Client struct {
	// ID 連接的內部識別（日誌關聯用），在分配到 PlayerID 之前就存在
	ID string

	GameID   string
	PlayerID PlayerID
	joined   bool

	Conn *websocket.Conn
	Send chan []byte
	Hub  *WebSocketHub

	LastPing  time.Time
	mu        sync.Mutex
	closeOnce sync.Once // 確保 Send channel 只關閉一次
}

// NewWebSocketHub 創建 WebSocket Hub
func NewWebSocketHub(cfg *Config, manager *Manager, logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		cfg:     cfg,
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// 在生產環境應該檢查來源
				return true
			},
			ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
			WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		},
		clients: make(map[string]*Client),
	}
}

// ServeWS 把 HTTP 請求升級為 WebSocket 並啟動該玩家的連接循環。
//
// 這是核心對外暴露的處理器入口：外部的 Web 前端只需要把
// 某個路徑掛到這個方法上。
func (hub *WebSocketHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	client := &Client{
		ID:       uuid.New().String(),
		Conn:     conn,
		Send:     make(chan []byte, hub.cfg.WebSocket.SendBufferSize),
		Hub:      hub,
		LastPing: time.Now(),
	}

	hub.register(client)

	go client.writePump()
	go client.readPump()

	hub.logger.Info("WebSocket 連接建立",
		"conn_id", client.ID,
		"remote", r.RemoteAddr)
}

// register 註冊連接
func (hub *WebSocketHub) register(client *Client) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	hub.clients[client.ID] = client
}

// unregister 連接退出時的統一清理路徑。
//
// 無論 readPump 因何退出（對端正常關閉、協議錯誤、傳輸錯誤），
// 都必須走到這裡：從註冊表移除、關閉發送通道、
// 若已加入會話則把玩家從會話表移除。冪等，可安全重複調用。
func (hub *WebSocketHub) unregister(client *Client) {
	hub.mu.Lock()
	if current, exists := hub.clients[client.ID]; exists && current == client {
		delete(hub.clients, client.ID)
	}
	hub.mu.Unlock()

	client.closeOnce.Do(func() {
		close(client.Send)
	})

	if client.joined {
		hub.manager.Leave(client.GameID, client.PlayerID)
	}
}

// broadcast 向會話的所有參與者發送一條服務器訊息。
//
// 先在表的鎖內拷貝參與者清單，再逐一非阻塞入隊：
// 任何一個客戶端的失敗（緩衝滿、已關閉）都不影響其他客戶端，
// 斷線由該連接自己的循環觀察並清理，廣播方只管丟。
func (hub *WebSocketHub) broadcast(gameID string, msg ServerMessage) {
	data, err := EncodeServerMessage(msg)
	if err != nil {
		hub.logger.Error("編碼服務器訊息失敗", "error", err, "game_id", gameID)
		return
	}

	for _, client := range hub.manager.Clients(gameID) {
		client.enqueue(data)
	}
}

// send 向單一客戶端發送一條服務器訊息
func (hub *WebSocketHub) send(client *Client, msg ServerMessage) {
	data, err := EncodeServerMessage(msg)
	if err != nil {
		hub.logger.Error("編碼服務器訊息失敗", "error", err, "conn_id", client.ID)
		return
	}
	client.enqueue(data)
}

// enqueue 非阻塞入隊一條出站訊息
func (c *Client) enqueue(data []byte) {
	select {
	case c.Send <- data:
	default:
		// 緩衝區滿（慢客戶端），丟棄這條訊息
		c.Hub.logger.Warn("連接緩衝區滿，訊息被丟棄",
			"conn_id", c.ID,
			"game_id", c.GameID)
	}
}

// readPump 連接循環：握手 → 轉發 → 清理
//
// 狀態機：
//
//	Handshaking --new_game/join_game--> Active --退出--> Terminated
//
// 第一條訊息必須是 new_game 或 join_game；之後進入轉發循環。
// 循環因任何原因退出（對端斷開、解碼失敗、發送拒絕後主動結束）
// 都由 defer 保證清理執行。
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister(c)
		c.Conn.Close()
	}()

	pongTimeout := c.Hub.cfg.WebSocket.PongTimeout.Std()
	if err := c.Conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
		c.Hub.logger.Error("設置讀取期限失敗", "error", err)
	}

	// 收到 Pong 重置超時
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
			c.Hub.logger.Error("設置讀取期限失敗", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Error("WebSocket 讀取錯誤",
					"error", err,
					"conn_id", c.ID,
					"game_id", c.GameID)
			}
			return
		}

		if messageType != websocket.TextMessage {
			c.Hub.logger.Warn("收到非文本幀，終止連接", "conn_id", c.ID)
			return
		}

		if err := c.handleMessage(message); err != nil {
			// 協議錯誤或握手失敗只終止這條連接，不影響其他玩家
			c.Hub.logger.Warn("連接循環結束",
				"error", err,
				"conn_id", c.ID,
				"game_id", c.GameID)
			return
		}
	}
}

// handleMessage 處理一條入站訊息，返回錯誤表示連接循環應終止
func (c *Client) handleMessage(message []byte) error {
	msg, err := DecodeClientMessage(message)
	if err != nil {
		return fmt.Errorf("協議錯誤: %w", err)
	}

	hub := c.Hub

	switch m := msg.(type) {
	case NewGameMessage:
		if c.joined {
			return errors.New("協議錯誤: 重複握手")
		}
		gameID, err := hub.manager.Create(m.Capacity, m.Signature)
		if err != nil {
			hub.send(c, RejectedMessage{Reason: err.Error()})
			return fmt.Errorf("創建遊戲失敗: %w", err)
		}
		return c.admit(gameID, m.Signature)

	case JoinGameMessage:
		if c.joined {
			return errors.New("協議錯誤: 重複握手")
		}
		return c.admit(m.GameID, m.Signature)

	case InEventMessage:
		if !c.joined {
			return errors.New("協議錯誤: 握手前收到遊戲事件")
		}
		snap, ok := hub.manager.Snapshot(c.GameID)
		if !ok || snap.Phase != PhaseRunning {
			// 開始前沒有 startedAt，事件無法標記經過時間，直接丟棄
			return nil
		}
		hub.broadcast(c.GameID, OutEventMessage{
			Elapsed:  snap.Elapsed,
			PlayerID: c.PlayerID,
			Payload:  m.Payload,
		})
		return nil

	case InPingMessage:
		if !c.joined {
			return errors.New("協議錯誤: 握手前收到時鐘探測")
		}
		var elapsed float64
		if snap, ok := hub.manager.Snapshot(c.GameID); ok && snap.Phase == PhaseRunning {
			elapsed = snap.Elapsed
		}
		hub.broadcast(c.GameID, OutPingMessage{
			Elapsed:  elapsed,
			PlayerID: c.PlayerID,
			Time:     m.Time,
		})
		return nil

	default:
		return fmt.Errorf("協議錯誤: 未處理的訊息 %T", msg)
	}
}

// admit 完成握手的加入步驟。
//
// 成功：回覆 joined_as，接著嘗試開始轉換——
// 轉換觸發則廣播 started 並啟動時間信標（恰好一次），
// 否則廣播最新的等待人數。
// 失敗：回覆 rejected 後返回錯誤，由連接循環關閉連接。
func (c *Client) admit(gameID, signature string) error {
	hub := c.Hub

	// 先寫 GameID 再進表：其他 goroutine 只會透過表的鎖拿到這個
	// client，鎖的先行發生關係保證它們讀到的 GameID 已就緒
	c.GameID = gameID

	playerID, current, required, err := hub.manager.Join(gameID, signature, c)
	if err != nil {
		hub.send(c, RejectedMessage{Reason: err.Error()})
		return fmt.Errorf("加入遊戲失敗: %w", err)
	}

	c.PlayerID = playerID
	c.joined = true

	hub.send(c, JoinedAsMessage{PlayerID: playerID, GameID: gameID})

	if hub.manager.TryStart(gameID) {
		hub.broadcast(gameID, StartedMessage{Elapsed: 0})

		hub.wg.Add(1)
		go hub.runBeacon(gameID)
	} else {
		hub.broadcast(gameID, PlayersWaitingMessage{
			Current:  current,
			Required: required,
		})
	}

	return nil
}

// runBeacon 會話的時間信標。
//
// 每個 tick 重新讀會話表（不能用啟動時的快照——
// 要反映此後斷線的玩家）：會話消失、不在進行中、或已無人，
// 就結束自己；否則廣播開始以來的經過時間。
// 沒有外部取消信號，佔用歸零是唯一的終止條件。
func (hub *WebSocketHub) runBeacon(gameID string) {
	defer hub.wg.Done()

	ticker := time.NewTicker(hub.cfg.Session.BeaconInterval.Std())
	defer ticker.Stop()

	hub.logger.Info("時間信標啟動", "game_id", gameID)

	for range ticker.C {
		snap, ok := hub.manager.Snapshot(gameID)
		if !ok || snap.Phase != PhaseRunning || snap.Current == 0 {
			hub.logger.Info("時間信標結束", "game_id", gameID)
			return
		}
		hub.broadcast(gameID, PingMessage{Elapsed: snap.Elapsed})
	}
}

// writePump 出站循環：發送業務訊息與心跳 Ping。
//
// 心跳由服務器主動發：PingInterval 觸發 Ping 控制幀，
// 客戶端自動回 Pong，readPump 收到後延長讀取期限。
func (c *Client) writePump() {
	ticker := time.NewTicker(c.Hub.cfg.WebSocket.PingInterval.Std())
	writeTimeout := c.Hub.cfg.WebSocket.WriteTimeout.Std()

	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if !ok {
				// 清理路徑關閉了通道，對客戶端優雅收尾
				deadline := time.Now().Add(time.Second)
				if err := c.Conn.SetWriteDeadline(deadline); err == nil {
					_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				}
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// 批量發送隊列中累積的訊息
			n := len(c.Send)
			for i := 0; i < n; i++ {
				if err := c.Conn.WriteMessage(websocket.TextMessage, <-c.Send); err != nil {
					c.Hub.logger.Error("發送訊息失敗", "error", err)
					return
				}
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.Hub.logger.Error("設置寫入期限失敗", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Stop 關閉所有連接並等待信標結束。
//
// 關閉底層連接會讓各連接的 readPump 出錯退出並執行清理，
// 會話表隨之清空，信標在下一個 tick 觀察到無人後自行結束。
func (hub *WebSocketHub) Stop() {
	hub.mu.Lock()
	for _, client := range hub.clients {
		client.Conn.Close()
	}
	hub.mu.Unlock()

	hub.wg.Wait()
	hub.logger.Info("WebSocket Hub 已停止")
}

package internal

import (
	"encoding/json"
	"fmt"
)

// 系統設計問題：
//   如何定義一個跨語言、可驗證的遊戲訊息協議？
//
// 核心挑戰：
//   1. 雙向協議：客戶端與服務器各自有一組固定的訊息變體
//   2. 可互通性：編碼必須是自描述的，任何語言的客戶端都能解析
//   3. 錯誤界定：無法解碼的訊息是協議錯誤，只影響該連接
//
// 設計方案：
//   ✅ JSON 信封 - 每個文本幀一個物件，以 "type" 欄位區分變體
//   ✅ 每個變體一個具名結構 - 欄位明確、可版本化
//   ✅ 解碼失敗返回錯誤 - 由連接循環決定終止該連接

// 訊息類型標籤
const (
	// 客戶端 → 服務器
	TypeNewGame  = "new_game"
	TypeJoinGame = "join_game"
	TypeInEvent  = "in_event"
	TypeInPing   = "in_ping"

	// 服務器 → 客戶端
	TypeJoinedAs       = "joined_as"
	TypePlayersWaiting = "players_waiting"
	TypeStarted        = "started"
	TypeOutEvent       = "out_event"
	TypeOutPing        = "out_ping"
	TypePing           = "ping"
	TypeRejected       = "rejected"
)

// ClientMessage 客戶端到服務器的訊息變體
type ClientMessage interface {
	clientMessage()
}

// NewGameMessage 創建並加入一個新遊戲會話
type NewGameMessage struct {
	Capacity  int    `json:"capacity"`
	Signature string `json:"signature"`
}

// JoinGameMessage 加入既有的遊戲會話
type JoinGameMessage struct {
	GameID    string `json:"game_id"`
	Signature string `json:"signature"`
}

// InEventMessage 請求轉發一個遊戲事件
type InEventMessage struct {
	Time    float64 `json:"time"`
	Payload string  `json:"payload"`
}

// InPingMessage 請求轉發一個時鐘探測
type InPingMessage struct {
	Time float64 `json:"time"`
}

func (NewGameMessage) clientMessage()  {}
func (JoinGameMessage) clientMessage() {}
func (InEventMessage) clientMessage()  {}
func (InPingMessage) clientMessage()   {}

// ServerMessage 服務器到客戶端的訊息變體
type ServerMessage interface {
	serverMessage()
}

// JoinedAsMessage 握手確認，攜帶分配的玩家編號與遊戲 ID
type JoinedAsMessage struct {
	PlayerID PlayerID `json:"player_id"`
	GameID   string   `json:"game_id"`
}

// PlayersWaitingMessage 等待中會話的佔用更新
type PlayersWaitingMessage struct {
	Current  int `json:"current"`
	Required int `json:"required"`
}

// StartedMessage 會話開始通知（開始時 elapsed 為 0）
type StartedMessage struct {
	Elapsed float64 `json:"elapsed"`
}

// OutEventMessage 轉發的遊戲事件，標記發送者與經過時間
type OutEventMessage struct {
	Elapsed  float64  `json:"elapsed"`
	PlayerID PlayerID `json:"player_id"`
	Payload  string   `json:"payload"`
}

// OutPingMessage 轉發的時鐘探測
type OutPingMessage struct {
	Elapsed  float64  `json:"elapsed"`
	PlayerID PlayerID `json:"player_id"`
	Time     float64  `json:"time"`
}

// PingMessage 時間信標的定期廣播
type PingMessage struct {
	Elapsed float64 `json:"elapsed"`
}

// RejectedMessage 握手被拒絕的通知，發送後服務器關閉連接
type RejectedMessage struct {
	Reason string `json:"reason"`
}

func (JoinedAsMessage) serverMessage()       {}
func (PlayersWaitingMessage) serverMessage() {}
func (StartedMessage) serverMessage()        {}
func (OutEventMessage) serverMessage()       {}
func (OutPingMessage) serverMessage()        {}
func (PingMessage) serverMessage()           {}
func (RejectedMessage) serverMessage()       {}

// envelope 只解出類型標籤，剩下的欄位依變體二次解碼
type envelope struct {
	Type string `json:"type"`
}

// DecodeClientMessage 解碼一個入站文本幀。
//
// 任何解碼失敗（非 JSON、未知類型、欄位型別不符）都返回錯誤，
// 調用方應視為該連接的協議錯誤並終止連接循環。
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析訊息信封失敗: %w", err)
	}

	switch env.Type {
	case TypeNewGame:
		var msg NewGameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeJoinGame:
		var msg JoinGameMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeInEvent:
		var msg InEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeInPing:
		var msg InPingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("未知的訊息類型: %q", env.Type)
	}
}

// EncodeServerMessage 將服務器訊息編碼為一個文本幀
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	switch m := msg.(type) {
	case JoinedAsMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			JoinedAsMessage
		}{TypeJoinedAs, m})
	case PlayersWaitingMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			PlayersWaitingMessage
		}{TypePlayersWaiting, m})
	case StartedMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			StartedMessage
		}{TypeStarted, m})
	case OutEventMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			OutEventMessage
		}{TypeOutEvent, m})
	case OutPingMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			OutPingMessage
		}{TypeOutPing, m})
	case PingMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			PingMessage
		}{TypePing, m})
	case RejectedMessage:
		return json.Marshal(struct {
			Type string `json:"type"`
			RejectedMessage
		}{TypeRejected, m})
	default:
		return nil, fmt.Errorf("未知的服務器訊息: %T", msg)
	}
}

// DecodeServerMessage 解碼一個服務器訊息幀（客戶端與測試使用）
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析訊息信封失敗: %w", err)
	}

	switch env.Type {
	case TypeJoinedAs:
		var msg JoinedAsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypePlayersWaiting:
		var msg PlayersWaitingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeStarted:
		var msg StartedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeOutEvent:
		var msg OutEventMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeOutPing:
		var msg OutPingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypePing:
		var msg PingMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	case TypeRejected:
		var msg RejectedMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("解析 %s 失敗: %w", env.Type, err)
		}
		return msg, nil
	default:
		return nil, fmt.Errorf("未知的訊息類型: %q", env.Type)
	}
}

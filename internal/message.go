package internal

import (
	"encoding/json"
	"time"
)

// MessageType 應用層訊息類型
type MessageType string

// 入站訊息類型
const (
	MsgJoin         MessageType = "join"
	MsgLeave        MessageType = "leave"
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgICECandidate MessageType = "ice_candidate"
	MsgPing         MessageType = "ping"
)

// 出站訊息類型
const (
	MsgRoomInfo   MessageType = "room_info"
	MsgNewPlayer  MessageType = "new_player"
	MsgPlayerLeft MessageType = "player_left"
	MsgPong       MessageType = "pong"
	MsgError      MessageType = "error"
)

// IsSignaling 是否為需要轉送的協商訊息
func (t MessageType) IsSignaling() bool {
	switch t {
	case MsgOffer, MsgAnswer, MsgICECandidate:
		return true
	}
	return false
}

// Envelope 入站訊息外層
//
// 只解析路由需要的欄位；協商內容（sdp、candidate 等）不解析，
// 轉送時使用原始位元組。
type Envelope struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId,omitempty"`
	From     string      `json:"from,omitempty"`
	To       string      `json:"to,omitempty"`
}

// RoomInfo 告知加入者房間內的其他玩家
type RoomInfo struct {
	Type    MessageType `json:"type"`
	RoomID  string      `json:"roomId"`
	Players []string    `json:"players"`
}

// PlayerEvent new_player 與 player_left 共用的結構
type PlayerEvent struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
}

// Pong 心跳回應，timestamp 為 Unix 毫秒
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"timestamp"`
}

// ErrorFrame 訊息被拒絕時回給 WebSocket 客戶端
type ErrorFrame struct {
	Type    MessageType `json:"type"`
	Code    string      `json:"code"`
	Message string      `json:"message"`
}

func newRoomInfo(roomID string, players []string) RoomInfo {
	if players == nil {
		players = []string{}
	}
	return RoomInfo{Type: MsgRoomInfo, RoomID: roomID, Players: players}
}

func newPong(now time.Time) Pong {
	return Pong{Type: MsgPong, Timestamp: now.UnixMilli()}
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

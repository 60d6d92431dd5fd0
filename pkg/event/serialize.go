package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrUnexpectedType はデコード対象のイベント種別が期待と異なる場合に返される。
var ErrUnexpectedType = errors.New("想定外のイベント種別です")

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, tenantID string, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		TenantID:  tenantID,
		Data:      jsonData,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}

// Marshal はイベントをブローカーやWebSocketに流すためのJSONに変換する。
func Marshal(e *Event) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	return b, nil
}

// Unmarshal はJSONからイベントを復元する。
// 種別が空のペイロードは不正なイベントとして扱う。
func Unmarshal(b []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	if e.Type == "" {
		return nil, fmt.Errorf("イベント種別がありません: %w", ErrUnexpectedType)
	}
	return &e, nil
}

// DecodeAs はイベント種別を確認したうえでDataをデシリアライズする。
func DecodeAs[T any](e *Event, want Type) (*T, error) {
	if e.Type != want {
		return nil, fmt.Errorf("type=%s, want=%s: %w", e.Type, want, ErrUnexpectedType)
	}
	return DecodeData[T](e)
}

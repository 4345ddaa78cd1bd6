package custody

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

func newBytesReader(payload []byte) *bytes.Reader {
	return bytes.NewReader(payload)
}

// MemoryCustody 是純記憶體的 engine.ItemCustody 實作
// 單機部署與測試使用，不在行程重啟後保留物品。
type MemoryCustody struct {
	mu   sync.Mutex
	held map[string][]byte
}

// NewMemoryCustody 建立記憶體保管者。
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{held: make(map[string][]byte)}
}

// Hold 代管一份物品內容並回傳保管代碼。
func (c *MemoryCustody) Hold(_ context.Context, owner uuid.UUID, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	handle := owner.String() + "/" + uuid.NewString()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.held[handle] = cp
	return handle, nil
}

// Release 將保管的物品交付給指定玩家並回傳其內容。
func (c *MemoryCustody) Release(_ context.Context, handle string, to uuid.UUID) ([]byte, error) {
	const op = "MemoryCustody.Release"
	c.mu.Lock()
	defer c.mu.Unlock()
	payload, ok := c.held[handle]
	if !ok {
		return nil, fmt.Errorf("[%s] unknown handle %s", op, handle)
	}
	delete(c.held, handle)
	return payload, nil
}

// Holding 回傳目前代管的物品數量，供測試檢查。
func (c *MemoryCustody) Holding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}

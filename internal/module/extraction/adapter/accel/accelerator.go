package accel

import (
	"fmt"
	"sync"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// Accelerator はアクセラレータのメモリ確保を所有者ごとに記録する台帳です。
// 実際のデバイス確保はランタイム側が行い、ここでは上限と使用量を管理します。
type Accelerator struct {
	mu        sync.Mutex
	name      string
	available bool
	capacity  int64
	owners    map[string]int64
	allocated int64
	reserved  int64
	peak      int64
}

// New は新しい Accelerator を作成します。capacity が 0 の場合は無制限です。
func New(name string, available bool, capacity int64) *Accelerator {
	return &Accelerator{
		name:      name,
		available: available,
		capacity:  capacity,
		owners:    make(map[string]int64),
	}
}

// Host はホスト計算のみを行う（利用不可の）デバイスを返します
func Host() *Accelerator {
	return New("cpu", false, 0)
}

// Name はデバイス名を返します
func (a *Accelerator) Name() string {
	return a.name
}

// Available はデバイスが利用可能かを返します
func (a *Accelerator) Available() bool {
	return a.available
}

// Reserve は owner 名義で bytes を確保します
func (a *Accelerator) Reserve(owner string, bytes int64) error {
	if bytes < 0 {
		return fmt.Errorf("negative reservation for %s: %d", owner, bytes)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.capacity > 0 && a.allocated+bytes > a.capacity {
		return fmt.Errorf("%w: %s requested %d bytes, %d of %d in use",
			domain.ErrDeviceOutOfMemory, owner, bytes, a.allocated, a.capacity)
	}

	a.owners[owner] += bytes
	a.allocated += bytes
	if a.allocated > a.reserved {
		// 解放されるまでアロケータはキャッシュを保持し続ける
		a.reserved = a.allocated
	}
	if a.allocated > a.peak {
		a.peak = a.allocated
	}
	return nil
}

// Free は owner 名義の確保をすべて解放します
func (a *Accelerator) Free(owner string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bytes, ok := a.owners[owner]
	if !ok {
		return
	}
	delete(a.owners, owner)
	a.allocated -= bytes
}

// OwnerBytes は owner 名義で確保中のバイト数を返します
func (a *Accelerator) OwnerBytes(owner string) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owners[owner]
}

// Stats は現在の使用状況を返します
func (a *Accelerator) Stats() domain.MemoryStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.MemoryStats{
		Allocated: a.allocated,
		Reserved:  a.reserved,
		Capacity:  a.capacity,
	}
}

// Peak は起動以来の最大確保量を返します
func (a *Accelerator) Peak() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

// ReclaimCache は未使用のキャッシュを解放し、Reserved を Allocated まで縮めます
func (a *Accelerator) ReclaimCache() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved = a.allocated
}

var _ domain.Device = (*Accelerator)(nil)

package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jinford/latent-cache/internal/module/extraction/domain"
)

// ResidencyEvent はエンコーダーの配置変更を表します
type ResidencyEvent struct {
	Capability domain.Capability
	Residency  domain.Residency
	Precision  domain.Precision
	// DeviceResident はイベント直後にデバイスに常駐しているエンコーダー数
	DeviceResident int
	Stats          domain.MemoryStats
}

// ResidencyObserver は配置変更の通知を受け取るコールバック
type ResidencyObserver func(ResidencyEvent)

type residentEntry struct {
	encoder   domain.Encoder
	residency domain.Residency
	precision domain.Precision
}

// ResidencyManager は全エンコーダーの配置と精度を管理します。
// デバイスに同時に常駐できるエンコーダーは常に 1 つだけです。
type ResidencyManager struct {
	mu        sync.Mutex
	device    domain.Device
	precision domain.Precision
	entries   map[domain.Capability]*residentEntry
	observer  ResidencyObserver
	logger    *slog.Logger

	// slot はデバイスの使用権を表すセマフォ（容量 1）
	slot chan struct{}
}

// ResidencyOption は ResidencyManager のオプション設定
type ResidencyOption func(*ResidencyManager)

// WithResidencyObserver は配置変更の通知先を設定します
func WithResidencyObserver(observer ResidencyObserver) ResidencyOption {
	return func(m *ResidencyManager) {
		m.observer = observer
	}
}

// NewResidencyManager は新しい ResidencyManager を作成し、全エンコーダーをホストに配置します
func NewResidencyManager(
	ctx context.Context,
	device domain.Device,
	precision domain.Precision,
	logger *slog.Logger,
	encoders []domain.Encoder,
	opts ...ResidencyOption,
) (*ResidencyManager, error) {
	if device == nil {
		return nil, domain.Setup(errors.New("device is required"))
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &ResidencyManager{
		device:    device,
		precision: precision,
		entries:   make(map[domain.Capability]*residentEntry, len(encoders)),
		logger:    logger.With("component", "residency"),
		slot:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}

	for _, enc := range encoders {
		capability := enc.Capability()
		if _, dup := m.entries[capability]; dup {
			return nil, domain.Setup(fmt.Errorf("duplicate encoder for %s", capability))
		}
		if err := enc.MoveTo(ctx, domain.ResidencyHost, domain.PrecisionFull); err != nil {
			return nil, domain.Setup(fmt.Errorf("failed to place %s on host: %w", capability, err))
		}
		m.entries[capability] = &residentEntry{
			encoder:   enc,
			residency: domain.ResidencyHost,
			precision: domain.PrecisionFull,
		}
	}

	return m, nil
}

// Device は管理対象のデバイスを返します
func (m *ResidencyManager) Device() domain.Device {
	return m.device
}

// Has は Capability のエンコーダーが登録されているかを返します
func (m *ResidencyManager) Has(capability domain.Capability) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[capability]
	return ok
}

// Encoder は登録済みのエンコーダーを返します
func (m *ResidencyManager) Encoder(capability domain.Capability) (domain.Encoder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.entries[capability]
	if !ok {
		return nil, false
	}
	return entry.encoder, true
}

// Residency は Capability の現在の配置を返します
func (m *ResidencyManager) Residency(capability domain.Capability) domain.Residency {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[capability]; ok {
		return entry.residency
	}
	return ""
}

// ResidentCount はデバイスに常駐しているエンコーダー数を返します
func (m *ResidencyManager) ResidentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.residentCountLocked()
}

func (m *ResidencyManager) residentCountLocked() int {
	n := 0
	for _, entry := range m.entries {
		if entry.residency == domain.ResidencyDevice {
			n++
		}
	}
	return n
}

// Acquire はエンコーダーをデバイスに移し、推論に使えるリースを返します。
// 別のエンコーダーがリース中の場合は Release されるまで待機します。
// 返されたリースは必ず Release すること（通常は Run を使う）。
func (m *ResidencyManager) Acquire(ctx context.Context, capability domain.Capability) (*Lease, error) {
	m.mu.Lock()
	entry, ok := m.entries[capability]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownEncoder, capability)
	}

	select {
	case m.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	lease := &Lease{
		manager:    m,
		capability: capability,
		entry:      entry,
		baseline:   m.device.Stats().Allocated,
		precision:  domain.PrecisionFull,
	}

	if !m.device.Available() {
		// デバイスがない場合はホストのまま完全精度で計算する
		m.logger.Debug("デバイスが利用できないためホストで実行", "capability", capability)
		return lease, nil
	}

	precision := m.precision
	owner := string(capability)
	if err := m.device.Reserve(owner, entry.encoder.Footprint(precision)); err != nil {
		<-m.slot
		return nil, fmt.Errorf("failed to reserve device memory for %s: %w", capability, err)
	}
	if err := entry.encoder.MoveTo(ctx, domain.ResidencyDevice, precision); err != nil {
		m.device.Free(owner)
		if hostErr := entry.encoder.MoveTo(context.WithoutCancel(ctx), domain.ResidencyHost, domain.PrecisionFull); hostErr != nil {
			err = errors.Join(err, hostErr)
		}
		m.device.ReclaimCache()
		<-m.slot
		return nil, fmt.Errorf("failed to move %s to device: %w", capability, err)
	}

	lease.precision = precision
	lease.onDevice = true
	m.transition(entry, capability, domain.ResidencyDevice, precision)
	return lease, nil
}

// Run は Acquire → fn → Release をスコープ付きで実行します。
// fn がエラーやパニックで終わった場合も必ず Release されます。
func (m *ResidencyManager) Run(ctx context.Context, capability domain.Capability, fn func(*Lease) error) (err error) {
	lease, err := m.Acquire(ctx, capability)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lease.Release(context.WithoutCancel(ctx)); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn(lease)
}

// Close は全エンコーダーを閉じます
func (m *ResidencyManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for capability, entry := range m.entries {
		if err := entry.encoder.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", capability, err))
		}
	}
	return errors.Join(errs...)
}

func (m *ResidencyManager) transition(entry *residentEntry, capability domain.Capability, residency domain.Residency, precision domain.Precision) {
	m.mu.Lock()
	entry.residency = residency
	entry.precision = precision
	event := ResidencyEvent{
		Capability:     capability,
		Residency:      residency,
		Precision:      precision,
		DeviceResident: m.residentCountLocked(),
		Stats:          m.device.Stats(),
	}
	observer := m.observer
	m.mu.Unlock()

	m.logger.Debug("エンコーダー配置を変更",
		"capability", capability,
		"residency", residency,
		"precision", precision,
		"allocated", event.Stats.Allocated,
		"reserved", event.Stats.Reserved,
	)
	if observer != nil {
		observer(event)
	}
}

// Lease はデバイス上のエンコーダーを使う権利です
type Lease struct {
	manager    *ResidencyManager
	capability domain.Capability
	entry      *residentEntry
	baseline   int64
	precision  domain.Precision
	onDevice   bool

	mu       sync.Mutex
	released bool
}

// Capability はリース対象の Capability を返します
func (l *Lease) Capability() domain.Capability {
	return l.capability
}

// Precision は推論に使う精度を返します
func (l *Lease) Precision() domain.Precision {
	return l.precision
}

// Encode はリース中のエンコーダーで推論を実行します。
// 低精度の場合は動画入力のみを丸め、出力は常に完全精度で返します。
func (l *Lease) Encode(ctx context.Context, in domain.EncoderInput) (domain.EncoderOutput, error) {
	l.mu.Lock()
	released := l.released
	l.mu.Unlock()
	if released {
		return nil, domain.ErrLeaseReleased
	}

	if l.precision == domain.PrecisionReduced && !in.Video.IsZero() {
		in.Video = in.Video.Reduced()
	}

	device := l.manager.device
	activations := string(l.capability) + "/activations"
	if l.onDevice {
		in.Video.Residency = domain.ResidencyDevice
		if err := device.Reserve(activations, in.Bytes()); err != nil {
			return nil, &domain.EncodeError{Capability: l.capability, Err: err}
		}
		defer device.Free(activations)
	}

	out, err := l.entry.encoder.Encode(ctx, in)
	if err != nil {
		return nil, &domain.EncodeError{Capability: l.capability, Err: err}
	}
	for ch, t := range out {
		t.Residency = domain.ResidencyHost
		out[ch] = t
	}
	return out, nil
}

// Release はエンコーダーをホストに戻し、デバイスメモリを解放します。複数回呼んでも安全です。
func (l *Lease) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	m := l.manager
	defer func() { <-m.slot }()

	if !l.onDevice {
		return nil
	}

	err := l.entry.encoder.MoveTo(ctx, domain.ResidencyHost, domain.PrecisionFull)
	m.device.Free(string(l.capability))
	m.device.Free(string(l.capability) + "/activations")
	m.device.ReclaimCache()
	m.transition(l.entry, l.capability, domain.ResidencyHost, domain.PrecisionFull)

	if after := m.device.Stats().Allocated; after != l.baseline {
		m.logger.Warn("デバイスメモリがベースラインに戻っていません",
			"capability", l.capability,
			"baseline", l.baseline,
			"allocated", after,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to move %s to host: %w", l.capability, err)
	}
	return nil
}

package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/notify-dispatch/internal/domain"
	"github.com/kursadbilgin/notify-dispatch/internal/provider"
	"github.com/kursadbilgin/notify-dispatch/internal/queue"
	"github.com/kursadbilgin/notify-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/notify-dispatch/internal/repository"
)

// memNotificationRepo keeps notifications in memory with the same
// conditional update rules as the gorm repository.
type memNotificationRepo struct {
	mu    sync.Mutex
	rows  map[string]domain.Notification
	now   func() time.Time
	calls map[string]int
}

func newMemNotificationRepo(notifications ...domain.Notification) *memNotificationRepo {
	r := &memNotificationRepo{
		rows:  make(map[string]domain.Notification),
		now:   func() time.Time { return time.Unix(1_700_000_000, 0).UTC() },
		calls: make(map[string]int),
	}
	for _, n := range notifications {
		r.rows[n.ID] = n
	}
	return r
}

func (r *memNotificationRepo) get(id string) domain.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rows[id]
}

func (r *memNotificationRepo) count(method string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[method]
}

func (r *memNotificationRepo) Create(ctx context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["Create"]++
	if _, ok := r.rows[n.ID]; ok {
		return domain.ErrConflict
	}
	r.rows[n.ID] = *n
	return nil
}

func (r *memNotificationRepo) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &n, nil
}

func (r *memNotificationRepo) GetByReference(ctx context.Context, reference string) (*domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.rows {
		if n.Reference != nil && *n.Reference == reference {
			found := n
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *memNotificationRepo) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Notification, 0, len(r.rows))
	for _, n := range r.rows {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, int64(len(out)), nil
}

func (r *memNotificationRepo) MarkSent(ctx context.Context, id string, upd domain.SentUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["MarkSent"]++
	n, ok := r.rows[id]
	if !ok || n.Status != domain.StatusCreated {
		return domain.ErrConflict
	}
	sentBy := upd.SentBy
	sentAt := upd.SentAt
	n.Status = upd.Status
	n.Reference = upd.Reference
	n.SentBy = &sentBy
	if n.SentAt == nil {
		n.SentAt = &sentAt
	}
	n.BillableUnits = upd.BillableUnits
	n.StatusReason = nil
	n.UpdatedAt = r.now()
	r.rows[id] = n
	return nil
}

func (r *memNotificationRepo) UpdateStatus(ctx context.Context, id string, from, to domain.Status, reason *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["UpdateStatus"]++
	n, ok := r.rows[id]
	if !ok || n.Status != from {
		return domain.ErrConflict
	}
	n.Status = to
	n.StatusReason = reason
	n.UpdatedAt = r.now()
	r.rows[id] = n
	return nil
}

func (r *memNotificationRepo) ApplyStatusUpdate(ctx context.Context, id string, upd domain.StatusUpdate) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ApplyStatusUpdate"]++
	n, ok := r.rows[id]
	if !ok || (n.Status != domain.StatusSending && n.Status != domain.StatusSent) {
		return false, nil
	}
	n.Apply(upd, r.now())
	r.rows[id] = n
	return true, nil
}

func (r *memNotificationRepo) ResetForRetry(ctx context.Context, id string, costDelta float64, segments *int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls["ResetForRetry"]++
	n, ok := r.rows[id]
	if !ok || (n.Status != domain.StatusSending && n.Status != domain.StatusSent) {
		return domain.ErrConflict
	}
	n.ResetForRetry(costDelta, segments, r.now())
	r.rows[id] = n
	return nil
}

func (r *memNotificationRepo) UpdateBillableUnits(ctx context.Context, id string, units int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.BillableUnits = units
	r.rows[id] = n
	return nil
}

func (r *memNotificationRepo) ListStaleCreated(ctx context.Context, idleSince time.Time, limit int) ([]domain.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Notification
	for _, n := range r.rows {
		if n.Status == domain.StatusCreated && !n.UpdatedAt.After(idleSince) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memNotificationRepo) TouchCreated(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.rows[id]
	if !ok || n.Status != domain.StatusCreated {
		return domain.ErrConflict
	}
	n.UpdatedAt = r.now()
	r.rows[id] = n
	return nil
}

var _ repository.NotificationRepository = (*memNotificationRepo)(nil)

type fakeServiceRepo struct {
	getServiceFn   func(ctx context.Context, id string) (*domain.Service, error)
	getTemplateFn  func(ctx context.Context, id string, version int) (*domain.Template, error)
	getSmsSenderFn func(ctx context.Context, id string) (*domain.ServiceSmsSender, error)
}

func (f *fakeServiceRepo) GetService(ctx context.Context, id string) (*domain.Service, error) {
	if f.getServiceFn != nil {
		return f.getServiceFn(ctx, id)
	}
	return &domain.Service{ID: id, Name: "test service"}, nil
}

func (f *fakeServiceRepo) GetTemplate(ctx context.Context, id string, version int) (*domain.Template, error) {
	if f.getTemplateFn != nil {
		return f.getTemplateFn(ctx, id, version)
	}
	return &domain.Template{
		ID:           id,
		Version:      1,
		ServiceID:    "svc-1",
		TemplateType: domain.NotificationTypeSMS,
		Content:      "Your code is ((code))",
	}, nil
}

func (f *fakeServiceRepo) GetSmsSender(ctx context.Context, id string) (*domain.ServiceSmsSender, error) {
	if f.getSmsSenderFn != nil {
		return f.getSmsSenderFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type fakeCallbackRepo struct {
	getByIDFn             func(ctx context.Context, id string) (*domain.ServiceCallback, error)
	getDeliveryCallbackFn func(ctx context.Context, serviceID string) (*domain.ServiceCallback, error)
}

func (f *fakeCallbackRepo) GetByID(ctx context.Context, id string) (*domain.ServiceCallback, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (f *fakeCallbackRepo) GetDeliveryStatusCallback(ctx context.Context, serviceID string) (*domain.ServiceCallback, error) {
	if f.getDeliveryCallbackFn != nil {
		return f.getDeliveryCallbackFn(ctx, serviceID)
	}
	return nil, domain.ErrNotFound
}

type fakeProviderDetailsRepo struct {
	details []domain.ProviderDetails
	calls   int
}

func (f *fakeProviderDetailsRepo) List(ctx context.Context) ([]domain.ProviderDetails, error) {
	return append([]domain.ProviderDetails(nil), f.details...), nil
}

func (f *fakeProviderDetailsRepo) ListActive(ctx context.Context, notificationType domain.NotificationType, international bool) ([]domain.ProviderDetails, error) {
	f.calls++
	var out []domain.ProviderDetails
	for _, d := range f.details {
		if !d.Active || d.NotificationType != notificationType {
			continue
		}
		if international && !d.SupportsInternational {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeProviderDetailsRepo) GetByID(ctx context.Context, id string) (*domain.ProviderDetails, error) {
	for _, d := range f.details {
		if d.ID == id {
			found := d
			return &found, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeProviderDetailsRepo) Update(ctx context.Context, id string, patch domain.ProviderDetailsPatch) (*domain.ProviderDetails, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeProviderDetailsRepo) History(ctx context.Context, id string) ([]domain.ProviderDetails, error) {
	return nil, nil
}

func (f *fakeProviderDetailsRepo) Seed(ctx context.Context, d *domain.ProviderDetails) (bool, error) {
	return false, nil
}

type publishedTask struct {
	queue string
	task  queue.Task
	delay time.Duration
}

type fakePublisher struct {
	mu        sync.Mutex
	published []publishedTask
	publishFn func(ctx context.Context, queueName string, task queue.Task) error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, task queue.Task) error {
	return f.PublishDelayed(ctx, queueName, task, 0)
}

func (f *fakePublisher) PublishDelayed(ctx context.Context, queueName string, task queue.Task, delay time.Duration) error {
	if f.publishFn != nil {
		if err := f.publishFn(ctx, queueName, task); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, publishedTask{queue: queueName, task: task, delay: delay})
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) tasks(queueName string) []publishedTask {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedTask
	for _, p := range f.published {
		if p.queue == queueName {
			out = append(out, p)
		}
	}
	return out
}

type fakeRetryCounter struct {
	mu          sync.Mutex
	counts      map[string]int64
	incrementFn func(ctx context.Context, id string, ttl time.Duration) (int64, error)
	resets      []string
}

func newFakeRetryCounter() *fakeRetryCounter {
	return &fakeRetryCounter{counts: make(map[string]int64)}
}

func (f *fakeRetryCounter) Increment(ctx context.Context, id string, ttl time.Duration) (int64, error) {
	if f.incrementFn != nil {
		return f.incrementFn(ctx, id, ttl)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[id]++
	return f.counts[id], nil
}

func (f *fakeRetryCounter) Reset(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.counts, id)
	f.resets = append(f.resets, id)
	return nil
}

type fakeRateLimiter struct {
	allowFn func(ctx context.Context, provider string) (bool, error)
	waitFn  func(ctx context.Context, provider string) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, provider string) (bool, error) {
	if f.allowFn != nil {
		return f.allowFn(ctx, provider)
	}
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, provider string) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, provider)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

// fakeClient is a provider whose callbacks are JSON fakeCallback bodies.
type fakeClient struct {
	name        string
	channel     domain.NotificationType
	sendFn      func(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error)
	translateFn func(raw []byte) (*domain.StatusRecord, error)
	sent        []provider.SendRequest
}

func (f *fakeClient) Name() string { return f.name }

func (f *fakeClient) NotificationType() domain.NotificationType { return f.channel }

func (f *fakeClient) Send(ctx context.Context, req provider.SendRequest) (*provider.SendResult, error) {
	f.sent = append(f.sent, req)
	if f.sendFn != nil {
		return f.sendFn(ctx, req)
	}
	return &provider.SendResult{Reference: "ref-" + req.Reference}, nil
}

func (f *fakeClient) TranslateDeliveryStatus(raw []byte) (*domain.StatusRecord, error) {
	if f.translateFn != nil {
		return f.translateFn(raw)
	}
	return nil, fmt.Errorf("%w: no translation configured", provider.ErrUntranslatableStatus)
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.TaskHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.TaskHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeCallbackQueuer struct {
	calls []domain.Notification
	err   error
}

func (f *fakeCallbackQueuer) CheckAndQueue(ctx context.Context, n *domain.Notification, payload map[string]any) error {
	f.calls = append(f.calls, *n)
	return f.err
}

type fakeStatusNotifier struct {
	calls []domain.Notification
}

func (f *fakeStatusNotifier) Publish(ctx context.Context, n *domain.Notification) error {
	f.calls = append(f.calls, *n)
	return nil
}

func ptr[T any](v T) *T { return &v }

type fakeStatusRecordGuard struct {
	mu          sync.Mutex
	seen        map[string]bool
	firstSeenFn func(ctx context.Context, id string, body []byte) (bool, error)
	forgotten   []string
}

func newFakeStatusRecordGuard() *fakeStatusRecordGuard {
	return &fakeStatusRecordGuard{seen: make(map[string]bool)}
}

func (f *fakeStatusRecordGuard) FirstSeen(ctx context.Context, id string, body []byte, ttl time.Duration) (bool, error) {
	if f.firstSeenFn != nil {
		return f.firstSeenFn(ctx, id, body)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := id + "|" + string(body)
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

func (f *fakeStatusRecordGuard) Forget(ctx context.Context, id string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seen, id+"|"+string(body))
	f.forgotten = append(f.forgotten, id)
	return nil
}

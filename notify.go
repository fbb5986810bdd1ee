package socius

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// defaultRefreshEvery throttles unread-count refreshes: bursts of push
// events collapse into at most one backend round trip per window.
const defaultRefreshEvery = 5 * time.Second

// BadgeSink receives the application badge count. Implementations wrap
// whatever the platform offers (APNs badge, tray counter, prompt segment).
type BadgeSink interface {
	SetBadgeCount(ctx context.Context, n int) error
}

// RouteProvider reports which conversation the user is currently viewing,
// as a key string (ConversationKey.String()), or "" when none is open.
// The bridge consults it to suppress banners for the visible thread.
type RouteProvider func() string

// Notification is an incoming push event as seen by the bridge.
type Notification struct {
	// Route is the conversation key string the event belongs to.
	Route string
	Title string
	Body  string
}

// NotificationBridge folds push events and foreground transitions into an
// unread counter and a badge, throttling the backend refreshes they trigger.
type NotificationBridge struct {
	fetch   *FetchCoordinator
	badge   BadgeSink
	route   RouteProvider
	limiter *rate.Limiter
	log     *zap.Logger

	mu          sync.Mutex
	unread      int
	lastRefresh time.Time
	subs        []func(int)
}

// BridgeOption configures a NotificationBridge.
type BridgeOption func(*NotificationBridge)

// WithBadgeSink mirrors the unread count to sink after every refresh.
func WithBadgeSink(sink BadgeSink) BridgeOption {
	return func(b *NotificationBridge) { b.badge = sink }
}

// WithRouteProvider supplies the active-conversation lookup used for
// banner suppression. Without one, every banner is shown.
func WithRouteProvider(route RouteProvider) BridgeOption {
	return func(b *NotificationBridge) { b.route = route }
}

// WithRefreshLimit overrides the refresh throttle window.
func WithRefreshLimit(every time.Duration) BridgeOption {
	return func(b *NotificationBridge) { b.limiter = rate.NewLimiter(rate.Every(every), 1) }
}

// NewNotificationBridge creates a bridge refreshing through fetch.
func NewNotificationBridge(fetch *FetchCoordinator, opts ...BridgeOption) *NotificationBridge {
	b := &NotificationBridge{
		fetch:   fetch,
		limiter: rate.NewLimiter(rate.Every(defaultRefreshEvery), 1),
		log:     fetch.log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleDelivered processes a push event that arrived while the app is in
// the foreground. It returns true when the caller should surface a banner:
// events for the conversation currently on screen are suppressed, since the
// user is already looking at the thread. Either way the unread state is
// refreshed.
func (b *NotificationBridge) HandleDelivered(ctx context.Context, n Notification) bool {
	show := true
	if b.route != nil && n.Route != "" && b.route() == n.Route {
		show = false
		b.log.Debug("banner suppressed for visible conversation",
			zap.String("route", n.Route))
	}
	b.Refresh(ctx)
	return show
}

// HandleResponse processes the user tapping a notification. The caller
// navigates; the bridge only refreshes so the tapped thread's unread
// entries are cleared from the counter promptly.
func (b *NotificationBridge) HandleResponse(ctx context.Context, n Notification) {
	b.Refresh(ctx)
}

// HandleForeground refreshes when the app returns to the foreground.
func (b *NotificationBridge) HandleForeground(ctx context.Context) {
	b.Refresh(ctx)
}

// Refresh fetches the unread total, updates the counter, badge, and
// subscribers. Calls inside the throttle window are dropped; the previous
// count stands until the window reopens.
func (b *NotificationBridge) Refresh(ctx context.Context) {
	if !b.limiter.Allow() {
		return
	}
	total, err := b.fetch.UnreadTotal(ctx)
	if err != nil {
		b.log.Warn("unread refresh failed", zap.Error(err))
		return
	}

	b.mu.Lock()
	b.unread = total
	b.lastRefresh = time.Now()
	subs := make([]func(int), len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	if b.badge != nil {
		if err := b.badge.SetBadgeCount(ctx, total); err != nil {
			b.log.Warn("badge update failed", zap.Error(err))
		}
	}
	for _, fn := range subs {
		fn(total)
	}
}

// UnreadCount returns the last fetched unread total.
func (b *NotificationBridge) UnreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unread
}

// LastRefresh returns when the unread total last changed, zero if never.
func (b *NotificationBridge) LastRefresh() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefresh
}

// OnRefresh registers fn to run after every successful refresh with the
// new unread total. fn runs on the refreshing goroutine.
func (b *NotificationBridge) OnRefresh(fn func(int)) {
	b.mu.Lock()
	b.subs = append(b.subs, fn)
	b.mu.Unlock()
}

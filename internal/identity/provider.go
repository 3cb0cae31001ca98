package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/repository"
	"github.com/hitoshi/creatorgate/internal/transient"
)

// DefaultCacheTTL はプロフィールキャッシュの既定の保持期間。
const DefaultCacheTTL = 30 * time.Second

// Viewer は認証済み閲覧者とそのプロフィール。
// プロフィール未作成の場合、Profile と Creator は nil になる。
type Viewer struct {
	Identity model.Identity
	Profile  *model.UserProfile
	Creator  *model.CreatorProfile
	// Degraded はプロフィールの読み込みに失敗し、未オンボーディングとして扱っていることを示す。
	Degraded bool
}

// HasProfile はユーザープロフィールが作成済みかを返す。
func (v *Viewer) HasProfile() bool {
	return v != nil && v.Profile != nil
}

// IsCreator はクリエイタープロフィールが存在し、かつ有効かを返す。
func (v *Viewer) IsCreator() bool {
	return v != nil && v.Creator.IsActive()
}

// Subject は閲覧者のユーザーIDを返す。未認証の場合は空文字列。
func (v *Viewer) Subject() string {
	if v == nil {
		return ""
	}
	return v.Identity.Subject
}

type cacheEntry struct {
	viewer    Viewer
	expiresAt time.Time
}

// Provider は閲覧者のプロフィールを解決する。
// 同一ユーザーの同時解決は1回の読み込みに集約し、結果を短時間キャッシュする。
type Provider struct {
	users     repository.UserProfileRepository
	creators  repository.CreatorProfileRepository
	transient transient.Store
	logger    *slog.Logger

	group singleflight.Group
	mu    sync.Mutex
	cache map[string]cacheEntry
	// gen はInvalidateのたびに増える。読み込み開始時と異なればキャッシュに書き込まない
	gen map[string]uint64
	ttl time.Duration
	now func() time.Time
}

// NewProvider はProviderを生成する。ttlが0以下の場合はDefaultCacheTTLを使用する。
func NewProvider(
	users repository.UserProfileRepository,
	creators repository.CreatorProfileRepository,
	store transient.Store,
	ttl time.Duration,
	logger *slog.Logger,
) *Provider {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		users:     users,
		creators:  creators,
		transient: store,
		logger:    logger,
		cache:     make(map[string]cacheEntry),
		gen:       make(map[string]uint64),
		ttl:       ttl,
		now:       time.Now,
	}
}

func flightKey(subject string) string {
	return subject + "|profiles"
}

// Resolve は閲覧者のプロフィールを解決する。
// プロフィールが存在しないことはエラーではない。読み込みに失敗した場合は
// 警告を記録し、未オンボーディングの閲覧者として返す。
func (p *Provider) Resolve(ctx context.Context, id model.Identity) (*Viewer, error) {
	if id.Subject == "" {
		return nil, errors.New("identity without subject")
	}

	if v, ok := p.cached(id.Subject); ok {
		v.Identity = id
		return &v, nil
	}

	// 呼び出し元のキャンセルが他の待機者に波及しないようにする
	fetchCtx := context.WithoutCancel(ctx)
	gen := p.generation(id.Subject)
	result, _, _ := p.group.Do(flightKey(id.Subject), func() (interface{}, error) {
		return p.fetch(fetchCtx, id, gen), nil
	})

	v := result.(Viewer)
	v.Identity = id
	return &v, nil
}

func (p *Provider) fetch(ctx context.Context, id model.Identity, gen uint64) Viewer {
	v := Viewer{Identity: id}

	profile, err := p.users.FindByUserID(ctx, id.Subject)
	if err != nil {
		p.logger.Warn("failed to load user profile, treating viewer as not onboarded",
			slog.String("user_id", id.Subject),
			slog.String("error", err.Error()),
		)
		v.Degraded = true
		return v
	}
	v.Profile = profile

	if profile != nil {
		creator, err := p.creators.FindByUserID(ctx, id.Subject)
		if err != nil {
			p.logger.Warn("failed to load creator profile, treating viewer as non-creator",
				slog.String("user_id", id.Subject),
				slog.String("error", err.Error()),
			)
			v.Degraded = true
			return v
		}
		v.Creator = creator
	}

	p.mu.Lock()
	if p.gen[id.Subject] == gen {
		p.cache[id.Subject] = cacheEntry{viewer: v, expiresAt: p.now().Add(p.ttl)}
	}
	p.mu.Unlock()
	return v
}

func (p *Provider) generation(subject string) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen[subject]
}

func (p *Provider) cached(subject string) (Viewer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.cache[subject]
	if !ok {
		return Viewer{}, false
	}
	if !p.now().Before(e.expiresAt) {
		delete(p.cache, subject)
		return Viewer{}, false
	}
	return e.viewer, true
}

// Invalidate は指定ユーザーのキャッシュを破棄する。
// プロフィールの作成後に呼び出し、次回の解決で最新の状態を読み込む。
func (p *Provider) Invalidate(subject string) {
	p.mu.Lock()
	delete(p.cache, subject)
	p.gen[subject]++
	p.mu.Unlock()
	p.group.Forget(flightKey(subject))
}

// SignOut はユーザーのキャッシュとブラウザセッションの一時状態を同期的に破棄する。
// Cookieの削除とリダイレクトは呼び出し元が行う。
func (p *Provider) SignOut(ctx context.Context, browserSession, subject string) error {
	if subject != "" {
		p.Invalidate(subject)
	}
	if browserSession == "" {
		return nil
	}
	return p.transient.Delete(ctx, browserSession)
}

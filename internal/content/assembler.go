// Package content は閲覧者ごとのフィードとコンテンツ詳細を組み立てる。
//
// 閲覧権限のないコンテンツは Teaser のみを返し、本文とメディアキーは一切コピーしない。
package content

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/creatorgate/internal/entitlement"
	"github.com/hitoshi/creatorgate/internal/media"
	"github.com/hitoshi/creatorgate/internal/metrics"
	"github.com/hitoshi/creatorgate/internal/model"
	"github.com/hitoshi/creatorgate/internal/security"
)

// Body は閲覧可能なコンテンツの全体。
type Body struct {
	ID          string            `json:"id"`
	OwnerID     string            `json:"owner_id"`
	Kind        model.ContentKind `json:"kind"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	MediaURL    string            `json:"media_url,omitempty"`
	Visibility  model.Visibility  `json:"visibility"`
	PriceCents  int64             `json:"price_cents"`
	Currency    string            `json:"currency,omitempty"`
	PublishedAt time.Time         `json:"published_at"`
}

// Teaser はロックされたコンテンツの公開可能な情報。
// CTA は解除に必要な行動（購入・購読・フォロー）を示す。
type Teaser struct {
	ID          string                 `json:"id"`
	OwnerID     string                 `json:"owner_id"`
	Kind        model.ContentKind      `json:"kind"`
	Title       string                 `json:"title"`
	Visibility  model.Visibility       `json:"visibility"`
	PriceCents  int64                  `json:"price_cents"`
	Currency    string                 `json:"currency,omitempty"`
	PublishedAt time.Time              `json:"published_at"`
	CTA         entitlement.LockReason `json:"cta"`
}

// Entry はフィードの1件。Item と Teaser のどちらか一方だけが設定される。
type Entry struct {
	Decision entitlement.Decision `json:"-"`
	Granted  bool                 `json:"granted"`
	Item     *Body                `json:"item,omitempty"`
	Teaser   *Teaser              `json:"teaser,omitempty"`
}

// Assembler は判定結果に応じてエントリを組み立てる。
type Assembler struct {
	sanitizer security.Sanitizer
	signer    media.Signer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewAssembler はAssemblerを生成する。signerがnilの場合はメディアURLを発行しない。
func NewAssembler(sanitizer security.Sanitizer, signer media.Signer, collector metrics.MetricsCollector, logger *slog.Logger) *Assembler {
	if collector == nil {
		collector = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{
		sanitizer: sanitizer,
		signer:    signer,
		metrics:   collector,
		logger:    logger,
	}
}

// Assemble はitemsの順序を保ったままエントリを組み立てる。
// メディアURLの発行に失敗した場合はURLなしで返す。
func (a *Assembler) Assemble(ctx context.Context, viewerID string, items []model.ContentItem, rec entitlement.Records) []Entry {
	entries := make([]Entry, len(items))
	for i, it := range items {
		d := entitlement.Evaluate(viewerID, it, rec)
		if d.Granted {
			a.metrics.RecordEntitlementDecision("granted")
			entries[i] = Entry{Decision: d, Granted: true, Item: a.body(ctx, it)}
			continue
		}
		a.metrics.RecordEntitlementDecision(string(d.Reason))
		entries[i] = Entry{Decision: d, Teaser: a.teaser(it, d.Reason)}
	}
	return entries
}

func (a *Assembler) body(ctx context.Context, it model.ContentItem) *Body {
	b := &Body{
		ID:          it.ID,
		OwnerID:     it.OwnerID,
		Kind:        it.Kind,
		Title:       a.sanitizer.SanitizeText(it.Title),
		Body:        a.sanitizer.SanitizeHTML(it.Body),
		Visibility:  it.Visibility,
		PriceCents:  it.PriceCents,
		Currency:    it.Currency,
		PublishedAt: it.PublishedAt,
	}
	if it.MediaKey != "" && a.signer != nil {
		u, err := a.signer.SignURL(ctx, it.MediaKey)
		if err != nil {
			a.logger.Warn("failed to sign media url",
				slog.String("item_id", it.ID),
				slog.String("error", err.Error()),
			)
		}
		b.MediaURL = u
	}
	return b
}

func (a *Assembler) teaser(it model.ContentItem, reason entitlement.LockReason) *Teaser {
	return &Teaser{
		ID:          it.ID,
		OwnerID:     it.OwnerID,
		Kind:        it.Kind,
		Title:       a.sanitizer.SanitizeText(it.Title),
		Visibility:  it.Visibility,
		PriceCents:  it.PriceCents,
		Currency:    it.Currency,
		PublishedAt: it.PublishedAt,
		CTA:         reason,
	}
}

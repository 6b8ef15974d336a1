package generator

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keithlinneman/packgate/internal/catalog"
	"github.com/keithlinneman/packgate/internal/log"
)

const (
	// Version is mixed into every seed. Bumping it changes every generated
	// set, so SchemaVersion must be bumped alongside it.
	Version = "v1"

	// SchemaVersion tags cached sets produced by this generator.
	SchemaVersion = 1
)

type Options struct {
	Logger log.Logger

	// OnShortfall is called when a difficulty pool is smaller than the
	// number of items required from it.
	OnShortfall func(bundleID string, d catalog.Difficulty, missing int)
}

// Generator produces balanced, deterministic content sets.
type Generator struct {
	logger      log.Logger
	onShortfall func(bundleID string, d catalog.Difficulty, missing int)
}

func New(opts Options) *Generator {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &Generator{
		logger:      opts.Logger,
		onShortfall: opts.OnShortfall,
	}
}

// Generate returns exactly b.TargetSize items for b. The same (bundle, seed)
// always yields the same ordered set. It never fails: short pools are padded
// by sampling with replacement.
func (g *Generator) Generate(ctx context.Context, b catalog.Bundle, seed int64) []catalog.ContentItem {
	_, span := otel.Tracer("packgate/generator").Start(ctx, "generator.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("bundle.id", b.ID),
		attribute.Int("bundle.target_size", b.TargetSize),
	)

	rng := newLCG(seed)
	counts := b.Mix.Counts(b.TargetSize)

	items := make([]catalog.ContentItem, 0, b.TargetSize)
	for _, d := range catalog.Difficulties {
		n := counts[d]
		if n <= 0 {
			continue
		}
		items = append(items, g.bucket(ctx, b, d, n, rng)...)
	}

	// interleave difficulties
	shuffle(rng, items)
	return items
}

// GenerateDefault generates with the bundle's derived seed.
func (g *Generator) GenerateDefault(ctx context.Context, b catalog.Bundle) []catalog.ContentItem {
	return g.Generate(ctx, b, SeedFor(b.ID))
}

func (g *Generator) bucket(ctx context.Context, b catalog.Bundle, d catalog.Difficulty, n int, rng *lcg) []catalog.ContentItem {
	pool := catalog.Templates(b, d)

	ids := make([]int, len(pool))
	for i := range ids {
		ids[i] = i
	}
	shuffle(rng, ids)

	take := n
	if take > len(ids) {
		take = len(ids)
	}

	out := make([]catalog.ContentItem, 0, n)
	for _, idx := range ids[:take] {
		out = append(out, buildItem(b, pool[idx], fmt.Sprintf("%s_%s_%d", b.ID, d, idx+1), rng))
	}

	missing := n - take
	if missing == 0 {
		return out
	}

	g.logger.Warn(ctx, "generation shortfall, sampling with replacement",
		"bundle_id", b.ID,
		"difficulty", string(d),
		"pool_size", len(pool),
		"required", n,
		"missing", missing,
	)
	if g.onShortfall != nil {
		g.onShortfall(b.ID, d, missing)
	}

	for k := 0; k < missing; k++ {
		if len(pool) == 0 {
			tpl := catalog.FallbackTemplate(b, d, k+1)
			out = append(out, buildItem(b, tpl, fmt.Sprintf("%s_%s_fallback_%d", b.ID, d, k+1), rng))
			continue
		}
		idx := rng.intn(len(pool))
		out = append(out, buildItem(b, pool[idx], fmt.Sprintf("%s_%s_%d_r%d", b.ID, d, idx+1, k+1), rng))
	}
	return out
}

func buildItem(b catalog.Bundle, tpl catalog.Template, id string, rng *lcg) catalog.ContentItem {
	opts := make([]string, len(tpl.Options))
	copy(opts, tpl.Options)

	correct := 0
	if len(opts) > 0 {
		correct = rng.intn(len(opts))
	}

	base := catalog.BundleTags(b)
	tags := make([]string, 0, len(base)+2)
	tags = append(tags, base...)
	tags = append(tags, string(tpl.Difficulty), tpl.Difficulty.Level())

	return catalog.ContentItem{
		ID:           id,
		Body:         tpl.Question,
		Options:      opts,
		CorrectIndex: correct,
		Difficulty:   tpl.Difficulty,
		Category:     tpl.Theme,
		Period:       catalog.BundlePeriod(b),
		Explanation:  tpl.Explanation,
		Tags:         tags,
	}
}

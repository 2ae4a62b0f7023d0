package generator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/reelforge/reelforge/internal/common"
	"github.com/reelforge/reelforge/internal/faults"
	"github.com/reelforge/reelforge/internal/jobs"
	"github.com/reelforge/reelforge/internal/quota"
	"github.com/reelforge/reelforge/internal/video"
)

// Style and rendering option values accepted in a creation request.
const (
	StyleCinematic = "cinematic"
	StyleRealistic = "realistic"
	StyleAnimated  = "animated"
	StyleCorporate = "corporate"

	QualityStandard = "standard"
	QualityHigh     = "high"
)

// Options are the advanced rendering knobs folded into the prompt.
type Options struct {
	Style          string `json:"style,omitempty"`
	Motion         string `json:"motion,omitempty"`
	CameraMovement string `json:"camera_movement,omitempty"`
	Lighting       string `json:"lighting,omitempty"`
	Quality        string `json:"quality,omitempty"`
}

// Brand carries the caller's brand kit, folded into the prompt so renders
// stay on-brand.
type Brand struct {
	Primary   string `json:"primary,omitempty"`
	Secondary string `json:"secondary,omitempty"`
	LogoURL   string `json:"logo_url,omitempty"`
	Font      string `json:"font,omitempty"`
}

// Request is a high-level video creation request, before prompt engineering.
type Request struct {
	Script          string  `json:"script"`
	DurationSeconds int     `json:"duration_seconds"`
	Ratio           string  `json:"ratio,omitempty"`
	Seed            *int64  `json:"seed,omitempty"`
	NegativePrompt  string  `json:"negative_prompt,omitempty"`
	Options         Options `json:"options"`
	VariationCount  int     `json:"variation_count,omitempty"`
	TemplateID      string  `json:"template_id,omitempty"`
	Brand           *Brand  `json:"brand,omitempty"`
}

// Generator turns creation requests into engineered provider submissions,
// enforcing the owner's tier budget first.
type Generator struct {
	log    *slog.Logger
	svc    *video.Service
	quotas *quota.Enforcer
	seedFn func() int64
}

func New(log *slog.Logger, svc *video.Service, quotas *quota.Enforcer) *Generator {
	return &Generator{
		log:    log,
		svc:    svc,
		quotas: quotas,
		seedFn: func() int64 { return rand.Int63n(1_000_000) },
	}
}

// Generate submits a single engineered video job for the owner.
func (g *Generator) Generate(ctx context.Context, req Request, ownerID string, tier quota.Tier) (*video.JobView, error) {
	views, err := g.generate(ctx, req, ownerID, tier, 1)
	if err != nil {
		return nil, err
	}
	return views[0], nil
}

// GenerateBatch submits up to MaxVariations seed variations of the same
// request. The whole batch is admitted against the tier budget up front.
func (g *Generator) GenerateBatch(ctx context.Context, req Request, ownerID string, tier quota.Tier) ([]*video.JobView, error) {
	count := req.VariationCount
	if count < 1 {
		count = 1
	}
	if count > common.MaxVariations {
		count = common.MaxVariations
	}
	return g.generate(ctx, req, ownerID, tier, count)
}

func (g *Generator) generate(ctx context.Context, req Request, ownerID string, tier quota.Tier, count int) ([]*video.JobView, error) {
	if strings.TrimSpace(req.Script) == "" {
		return nil, faults.New(faults.TypeInvalidPrompt, "script is required")
	}

	estCents := EstimateCostCents(req, count)
	estSeconds := optimizeDuration(req.DurationSeconds) * count
	decision := g.quotas.CheckAndReserve(ownerID, estSeconds, estCents, tier)
	if !decision.Allowed {
		f := faults.New(faults.TypeQuotaExceeded, fmt.Sprintf(
			"request needs %ds and %d cents but only %ds and %d cents remain today",
			estSeconds, estCents, decision.RemainingSeconds, decision.RemainingCents))
		return nil, f
	}

	views := make([]*video.JobView, 0, count)
	for i := 0; i < count; i++ {
		jr := g.buildJobRequest(req, i)
		view, err := g.svc.Submit(ctx, jr, ownerID)
		if err != nil {
			if len(views) > 0 {
				g.log.Warn("batch submission interrupted", "submitted", len(views), "requested", count, "error", err)
				return views, err
			}
			return nil, err
		}
		views = append(views, view)
	}
	g.log.Info("generation admitted",
		"owner_tier", tier, "count", count, "est_seconds", estSeconds, "est_cents", estCents)
	return views, nil
}

func (g *Generator) buildJobRequest(req Request, variation int) jobs.Request {
	prompt, negative, duration := BuildPrompt(req)
	var seed *int64
	if req.Seed != nil {
		s := *req.Seed + int64(variation)
		seed = &s
	} else if variation > 0 || req.VariationCount > 1 {
		s := g.seedFn()
		seed = &s
	}
	ratio := req.Ratio
	if ratio == "" {
		ratio = common.RatioLandscape
	}
	return jobs.Request{
		TaskType:   "text-to-video",
		PromptText: prompt + "\nNEGATIVE: " + negative,
		Duration:   duration,
		Ratio:      ratio,
		Seed:       seed,
		Watermark:  true,
	}
}

// BuildPrompt assembles the engineered prompt from the script, the style
// modifiers, and the render intent footer, and returns the combined negative
// prompt and the clamped duration alongside it.
func BuildPrompt(req Request) (prompt, negative string, duration int) {
	duration = optimizeDuration(req.DurationSeconds)
	ratio := req.Ratio
	if ratio == "" {
		ratio = common.RatioLandscape
	}

	var b strings.Builder
	b.WriteString("SCRIPT:\n")
	b.WriteString(strings.TrimSpace(req.Script))
	b.WriteString("\nSTYLE MODIFIERS: ")
	b.WriteString(styleModifiers(req.Options))
	if bits := brandBits(req); len(bits) > 0 {
		b.WriteString("\nBRAND: ")
		b.WriteString(strings.Join(bits, ", "))
	}
	fmt.Fprintf(&b, "\nASPECT RATIO: %s\nTARGET DURATION: %ds\n", ratio, duration)
	b.WriteString("RENDER INTENT: short-form social video, clear subject, engaging visuals, concise scene flow")

	negative = negativeDefaults
	if req.NegativePrompt != "" {
		negative += ", " + req.NegativePrompt
	}
	return b.String(), negative, duration
}

const negativeDefaults = "text artifacts, watermarks, low-resolution, overexposed, " +
	"motion blur, distorted faces, brand-inaccurate colors, logos"

func brandBits(req Request) []string {
	var bits []string
	if req.TemplateID != "" {
		bits = append(bits, "template:"+req.TemplateID)
	}
	if req.Brand == nil {
		return bits
	}
	if req.Brand.Primary != "" {
		bits = append(bits, "brand_primary:"+req.Brand.Primary)
	}
	if req.Brand.Secondary != "" {
		bits = append(bits, "brand_accent:"+req.Brand.Secondary)
	}
	if req.Brand.Font != "" {
		bits = append(bits, "brand_font:"+req.Brand.Font)
	}
	return bits
}

func styleModifiers(opts Options) string {
	var mods []string
	switch opts.Style {
	case StyleCinematic:
		mods = append(mods, "cinematic, filmic look, shallow depth of field, dynamic lighting")
	case StyleRealistic:
		mods = append(mods, "photorealistic, detailed textures, natural motion")
	case StyleAnimated:
		mods = append(mods, "stylized animation, smooth frame transitions, bold colors")
	case StyleCorporate:
		mods = append(mods, "clean, professional, brand-safe, minimalistic visuals")
	}
	switch opts.Motion {
	case "low":
		mods = append(mods, "subtle motion")
	case "medium":
		mods = append(mods, "moderate motion")
	case "high":
		mods = append(mods, "energetic motion, fast cuts")
	}
	switch opts.CameraMovement {
	case "static":
		mods = append(mods, "static camera")
	case "pan":
		mods = append(mods, "smooth panning camera")
	case "zoom":
		mods = append(mods, "gentle zooms")
	case "tracking":
		mods = append(mods, "tracking shots")
	}
	switch opts.Lighting {
	case "natural":
		mods = append(mods, "natural lighting")
	case "studio":
		mods = append(mods, "studio lighting, soft key fill")
	case "dramatic":
		mods = append(mods, "dramatic lighting, high contrast")
	}
	if opts.Quality == QualityHigh {
		mods = append(mods, "high-quality render, crisp details")
	}
	return strings.Join(mods, ", ")
}

func optimizeDuration(seconds int) int {
	if seconds < common.MinDurationSeconds {
		return common.MinDurationSeconds
	}
	if seconds > common.MaxDurationSeconds {
		return common.MaxDurationSeconds
	}
	return seconds
}

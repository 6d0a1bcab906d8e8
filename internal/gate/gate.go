// Package gate decides publish readiness. It applies data-driven rules over
// the resolved item (required fields, confidence floors, dimension sanity,
// compatibility verification, image quality) and reduces every violation to a
// structured reason code.
package gate

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/veritail/veritail/internal/adapters"
	"github.com/veritail/veritail/internal/model"
	"github.com/veritail/veritail/internal/reflection"
)

// Reason codes carried in validation_errors.
const (
	ReasonMissingRequired   = "missing_required_field"
	ReasonFailedParseBrand  = "failed_parse_brand"
	ReasonFailedParseModel  = "failed_parse_model"
	ReasonInvalidDimensions = "invalid_dimensions"
	ReasonCompatConflict    = "compatibility_conflict"
	ReasonInsufficientRU    = "insufficient_ru_verification"
	ReasonLowConfidenceNix  = "low_confidence_nix_data"
	ReasonImageIssues       = "image_validation_issues"
	ReasonCreditsExhausted  = "credits_exhausted"
)

// MinRequiredConfidence is the publish floor for required fields.
const MinRequiredConfidence = 0.6

const compatField = "compatibility.printers"

// RequiredFields returns the field set a mode must resolve before
// publishing. Logistics data is only demanded from deep research runs.
func RequiredFields(mode model.Mode) []string {
	switch mode {
	case model.ModeFast:
		return []string{"brand", "model"}
	case model.ModeDeep:
		return []string{"brand", "model", compatField,
			"packaging.weight_g", "packaging.width_mm", "packaging.height_mm", "packaging.depth_mm"}
	default:
		return []string{"brand", "model", compatField}
	}
}

// dimensions is the shape handed to the struct validator. Zero means the
// field is absent; present values must be physically plausible.
type dimensions struct {
	WeightG  float64 `validate:"omitempty,gt=0,lte=1000000"`
	WidthMM  float64 `validate:"omitempty,gt=0,lte=100000"`
	HeightMM float64 `validate:"omitempty,gt=0,lte=100000"`
	DepthMM  float64 `validate:"omitempty,gt=0,lte=100000"`
}

// Outcome is the gate decision.
type Outcome struct {
	Status  model.ItemStatus
	Reasons []string
}

// Gatekeeper runs the final validation pass. The image checker is optional;
// without one, image rules are skipped.
type Gatekeeper struct {
	validate *validator.Validate
	images   adapters.ImageChecker
	logger   *slog.Logger
}

// New creates a gatekeeper.
func New(images adapters.ImageChecker, logger *slog.Logger) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gatekeeper{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		images:   images,
		logger:   logger,
	}
}

// Check evaluates the item. Published requires every rule to pass; any
// violation downgrades to needs_review with the accumulated reason codes.
func (g *Gatekeeper) Check(ctx context.Context, job model.Job, item model.Item) Outcome {
	var reasons []string
	add := func(code string) {
		for _, r := range reasons {
			if r == code {
				return
			}
		}
		reasons = append(reasons, code)
	}

	// Policy failures recorded during resolution carry through.
	for _, r := range item.ValidationErrors {
		add(r)
	}
	if job.Degraded {
		add(ReasonCreditsExhausted)
	}

	required := RequiredFields(job.Mode)
	g.checkIdentity(item, add)
	g.checkRequired(item, required, add)
	g.checkDimensions(item, add)
	if contains(required, compatField) {
		g.checkCompatibility(item, add)
	}
	g.checkImages(ctx, item, add)

	if len(reasons) == 0 {
		return Outcome{Status: model.ItemPublished}
	}
	return Outcome{Status: model.ItemNeedsReview, Reasons: reasons}
}

func (g *Gatekeeper) checkIdentity(item model.Item, add func(string)) {
	if s, _ := item.Data["brand"].(string); strings.TrimSpace(s) == "" {
		add(ReasonFailedParseBrand)
	}
	if s, _ := item.Data["model"].(string); strings.TrimSpace(s) == "" {
		add(ReasonFailedParseModel)
	}
}

func (g *Gatekeeper) checkRequired(item model.Item, required []string, add func(string)) {
	for _, field := range required {
		if field == "brand" || field == "model" {
			continue // identity rules own these
		}
		ev, ok := item.Evidence[field]
		if !ok || ev.Value == nil {
			add(ReasonMissingRequired)
			continue
		}
		if ev.Confidence < MinRequiredConfidence {
			add(lowConfidenceCode(field))
		}
	}
}

// checkDimensions parses the normalized packaging values and validates their
// physical plausibility.
func (g *Gatekeeper) checkDimensions(item model.Item, add func(string)) {
	d := dimensions{}
	fields := map[string]*float64{
		"packaging.weight_g":  &d.WeightG,
		"packaging.width_mm":  &d.WidthMM,
		"packaging.height_mm": &d.HeightMM,
		"packaging.depth_mm":  &d.DepthMM,
	}
	for field, dst := range fields {
		raw, ok := item.Data[field]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case float64:
			*dst = v
		case string:
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				add(ReasonInvalidDimensions)
				return
			}
			*dst = n
		default:
			add(ReasonInvalidDimensions)
			return
		}
	}
	if err := g.validate.Struct(d); err != nil {
		add(ReasonInvalidDimensions)
	}
}

func (g *Gatekeeper) checkCompatibility(item model.Item, add func(string)) {
	verified := stringList(item.Data[compatField])
	unverified := stringList(item.Data[reflection.UnverifiedCompatField])

	if ev, ok := item.Evidence[compatField]; ok && ev.IsConflict {
		add(ReasonCompatConflict)
	}
	if len(verified) == 0 && len(unverified) > 0 {
		add(ReasonInsufficientRU)
	}
}

// checkImages runs every referenced image through the QC adapter. A failed
// check or an unreachable checker both block publishing; skipping bad images
// silently is worse than a review queue entry.
func (g *Gatekeeper) checkImages(ctx context.Context, item model.Item, add func(string)) {
	urls := stringList(item.Data["images"])
	if len(urls) == 0 || g.images == nil {
		return
	}
	for _, u := range urls {
		report, err := g.images.ImageQC(ctx, u)
		if err != nil {
			g.logger.Warn("image check failed", slog.String("url", u), slog.Any("error", err))
			add(ReasonImageIssues)
			return
		}
		if !report.Passes {
			add(ReasonImageIssues)
			return
		}
	}
}

func lowConfidenceCode(field string) string {
	if strings.HasPrefix(field, "packaging.") {
		return ReasonLowConfidenceNix
	}
	return "low_confidence_" + strings.ReplaceAll(strings.ReplaceAll(field, ".", "_"), "-", "_")
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

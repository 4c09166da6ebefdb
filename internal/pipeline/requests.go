package pipeline

import (
	"errors"
	"fmt"
	"image"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ent0n29/splatforge/internal/engine"
)

// Sampler defaults and bounds match the stock generation UI.
const (
	DefaultStructureGuidance = 7.5
	DefaultStructureSteps    = 12
	DefaultDetailGuidance    = 3.0
	DefaultDetailSteps       = 12
	DefaultMeshSimplify      = 0.95
	DefaultTextureSize       = 1024
	DefaultCombinationMode   = engine.CombineStochastic

	PreviewFrames = 120
	PreviewFPS    = 15
)

// TextureSizes lists the accepted texture resolutions.
var TextureSizes = []int{512, 1024, 1536, 2048}

// GenerateRequest is the input of one preview generation.
type GenerateRequest struct {
	Images            []image.Image          `validate:"min=1,dive,required"`
	Seed              uint32                 `validate:"lte=2147483647"`
	RandomizeSeed     bool
	StructureGuidance float64                `validate:"gte=0,lte=10"`
	StructureSteps    int                    `validate:"gte=1,lte=50"`
	DetailGuidance    float64                `validate:"gte=0,lte=10"`
	DetailSteps       int                    `validate:"gte=1,lte=50"`
	CombinationMode   engine.CombinationMode `validate:"omitempty,oneof=stochastic multidiffusion"`
}

// NewGenerateRequest returns a request for imgs with default sampler
// settings and a fixed seed of zero.
func NewGenerateRequest(imgs ...image.Image) GenerateRequest {
	return GenerateRequest{
		Images:            imgs,
		StructureGuidance: DefaultStructureGuidance,
		StructureSteps:    DefaultStructureSteps,
		DetailGuidance:    DefaultDetailGuidance,
		DetailSteps:       DefaultDetailSteps,
		CombinationMode:   DefaultCombinationMode,
	}
}

func (r GenerateRequest) sampler() engine.SamplerParams {
	return engine.SamplerParams{
		Structure: engine.StageParams{Steps: r.StructureSteps, CFGStrength: r.StructureGuidance},
		Detail:    engine.StageParams{Steps: r.DetailSteps, CFGStrength: r.DetailGuidance},
	}
}

func (r GenerateRequest) mode() engine.CombinationMode {
	if r.CombinationMode == "" {
		return DefaultCombinationMode
	}
	return r.CombinationMode
}

// MeshExportRequest asks for a simplified, textured GLB.
type MeshExportRequest struct {
	State       string  `validate:"required"`
	Simplify    float64 `validate:"gt=0,lte=1"`
	TextureSize int     `validate:"oneof=512 1024 1536 2048"`
}

// GaussianExportRequest asks for the splat set as PLY.
type GaussianExportRequest struct {
	State string `validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func validateRequest(req any) error {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, describeFieldError(fe))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s needs at least %s entries", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gt", "gte", "lt", "lte":
		return fmt.Sprintf("%s must be %s %s", field, comparison(fe.Tag()), fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

func comparison(tag string) string {
	switch tag {
	case "gt":
		return ">"
	case "gte":
		return ">="
	case "lt":
		return "<"
	default:
		return "<="
	}
}

package reader

// DualPageMode selects when two pages are shown side by side.
type DualPageMode string

const (
	ModeAuto   DualPageMode = "auto"
	ModeSingle DualPageMode = "single"
	ModeDual   DualPageMode = "dual"
)

// Next cycles auto → single → dual → auto.
func (m DualPageMode) Next() DualPageMode {
	switch m {
	case ModeAuto:
		return ModeSingle
	case ModeSingle:
		return ModeDual
	default:
		return ModeAuto
	}
}

// ParseDualPageMode returns the mode named by value, defaulting to auto.
func ParseDualPageMode(value string) DualPageMode {
	switch DualPageMode(value) {
	case ModeSingle:
		return ModeSingle
	case ModeDual:
		return ModeDual
	default:
		return ModeAuto
	}
}

// ImageScale selects how page images are fitted to the viewport.
type ImageScale string

const (
	ScaleFit    ImageScale = "fit"
	ScaleWidth  ImageScale = "width"
	ScaleHeight ImageScale = "height"
)

// Next cycles fit → width → height → fit.
func (s ImageScale) Next() ImageScale {
	switch s {
	case ScaleFit:
		return ScaleWidth
	case ScaleWidth:
		return ScaleHeight
	default:
		return ScaleFit
	}
}

// ParseImageScale returns the scale named by value, defaulting to fit.
func ParseImageScale(value string) ImageScale {
	switch ImageScale(value) {
	case ScaleWidth:
		return ScaleWidth
	case ScaleHeight:
		return ScaleHeight
	default:
		return ScaleFit
	}
}

// Viewport is the reader surface size in pixels.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Landscape reports whether the viewport is wider than it is tall.
func (v Viewport) Landscape() bool {
	return v.Width > v.Height
}

// Action is the effect of a tap or key press.
type Action string

const (
	ActionNone         Action = "none"
	ActionPrev         Action = "prev"
	ActionNext         Action = "next"
	ActionToggleHeader Action = "toggle_header"
	ActionBack         Action = "back"
	ActionCycleScale   Action = "cycle_scale"
	ActionCycleMode    Action = "cycle_mode"
)

// Move describes what a navigation step changed.
type Move string

const (
	MoveNone    Move = "none"
	MovePage    Move = "page"
	MoveChapter Move = "chapter"
)

// Copyright (c) 2025 MoffiPet
// SPDX-License-Identifier: AGPL-3.0-or-later

package enrich

// =============================================================================
// STYLE TEMPLATES
// =============================================================================

// Style template wrappers applied to the user prompt before it reaches the
// image provider. Each is a fixed textual prefix/suffix pair; tests assert
// the exact wrapped form, so treat these strings as part of the API.
const (
	stickerPrefix    = "A die-cut sticker of "
	stickerSuffix    = ", bold outlines, glossy vinyl finish, white border, isolated on white"
	patternPrefix    = "A seamless repeating pattern of "
	patternSuffix    = ", flat design, tileable, balanced composition"
	isometricPrefix  = "An isometric 3D render of "
	isometricSuffix  = ", soft studio lighting, clay material, single object on neutral background"
	watercolorPrefix = "A watercolor painting of "
	watercolorSuffix = ", soft washes, visible paper texture, gentle color bleed"
	pixelPrefix      = "Pixel art of "
	pixelSuffix      = ", 32x32 sprite style, limited palette, crisp pixels"
	vectorPrefix     = "A flat vector illustration of "
	vectorSuffix     = ", simple geometric shapes, minimal palette, no gradients"
)

// styleWrappers maps wire-format style names onto their templates.
var styleWrappers = map[string][2]string{
	"sticker":    {stickerPrefix, stickerSuffix},
	"pattern":    {patternPrefix, patternSuffix},
	"isometric":  {isometricPrefix, isometricSuffix},
	"watercolor": {watercolorPrefix, watercolorSuffix},
	"pixel":      {pixelPrefix, pixelSuffix},
	"vector":     {vectorPrefix, vectorSuffix},
}

// ApplyStyle wraps prompt in the named style template. Unknown or empty
// style names return the prompt unchanged.
func ApplyStyle(prompt, style string) string {
	w, ok := styleWrappers[style]
	if !ok {
		return prompt
	}
	return w[0] + prompt + w[1]
}

// KnownStyle reports whether the style name has a template.
func KnownStyle(style string) bool {
	_, ok := styleWrappers[style]
	return ok
}

// Styles returns the supported style names.
func Styles() []string {
	return []string{"sticker", "pattern", "isometric", "watercolor", "pixel", "vector"}
}

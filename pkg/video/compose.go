package video

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// LabelMargin is the gap between the timestamp and the top-right canvas corner.
const LabelMargin = 20

// Compositor renders frames onto a fixed canvas.
type Compositor struct {
	Width  int
	Height int
	Face   font.Face
	// LabelScale enlarges the bitmap face; zero picks one from the canvas height.
	LabelScale int
}

// NewCanvas allocates an opaque black canvas.
func (c Compositor) NewCanvas() *image.RGBA {
	canvas := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
	return canvas
}

// FitRect returns the largest rectangle with src's aspect ratio centred in
// dst. The image is never cropped.
func FitRect(src image.Rectangle, dst image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	dw, dh := dst.Dx(), dst.Dy()
	if sw <= 0 || sh <= 0 || dw <= 0 || dh <= 0 {
		return image.Rectangle{}
	}
	// Compare aspect ratios with integer cross-multiplication.
	if sw*dh >= sh*dw {
		h := sh * dw / sw
		if h < 1 {
			h = 1
		}
		y := dst.Min.Y + (dh-h)/2
		return image.Rect(dst.Min.X, y, dst.Max.X, y+h)
	}
	w := sw * dh / sh
	if w < 1 {
		w = 1
	}
	x := dst.Min.X + (dw-w)/2
	return image.Rect(x, dst.Min.Y, x+w, dst.Max.Y)
}

// Compose letterboxes src onto a fresh canvas and stamps label at the top-right.
func (c Compositor) Compose(src image.Image, label string) *image.RGBA {
	canvas := c.NewCanvas()
	target := FitRect(src.Bounds(), canvas.Bounds())
	if !target.Empty() {
		xdraw.BiLinear.Scale(canvas, target, src, src.Bounds(), xdraw.Over, nil)
	}
	if label != "" {
		c.drawLabel(canvas, label)
	}
	return canvas
}

func (c Compositor) face() font.Face {
	if c.Face != nil {
		return c.Face
	}
	return basicfont.Face7x13
}

func (c Compositor) scale() int {
	if c.LabelScale > 0 {
		return c.LabelScale
	}
	if s := c.Height / 360; s > 1 {
		return s
	}
	return 1
}

// drawLabel renders white text with a one pixel black outline at native size
// and scales the result into place.
func (c Compositor) drawLabel(canvas *image.RGBA, label string) {
	face := c.face()
	metrics := face.Metrics()
	textW := font.MeasureString(face, label).Ceil()
	textH := metrics.Height.Ceil()
	const pad = 1

	stamp := image.NewRGBA(image.Rect(0, 0, textW+2*pad, textH+2*pad))
	baseline := fixed.P(pad, pad+metrics.Ascent.Ceil())
	outline := image.NewUniform(color.Black)
	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			d := font.Drawer{Dst: stamp, Src: outline, Face: face, Dot: baseline.Add(fixed.P(dx, dy))}
			d.DrawString(label)
		}
	}
	fill := font.Drawer{Dst: stamp, Src: image.NewUniform(color.White), Face: face, Dot: baseline}
	fill.DrawString(label)

	s := c.scale()
	w, h := stamp.Bounds().Dx()*s, stamp.Bounds().Dy()*s
	maxX := canvas.Bounds().Max.X - LabelMargin
	minY := canvas.Bounds().Min.Y + LabelMargin
	dst := image.Rect(maxX-w, minY, maxX, minY+h)
	xdraw.NearestNeighbor.Scale(canvas, dst, stamp, stamp.Bounds(), xdraw.Over, nil)
}

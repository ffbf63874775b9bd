package capture

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// PreviewQuality はプレビューJPEGの品質
const PreviewQuality = 60

// WatermarkPhoto は写真を maxWidth 以下に縮小し、透かしを入れて保存する
func WatermarkPhoto(in, out string, maxWidth int, text string) error {
	src, err := imaging.Open(in, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("画像を開けません: %w", err)
	}

	if src.Bounds().Dx() > maxWidth {
		src = imaging.Resize(src, maxWidth, 0, imaging.Lanczos)
	}

	dst := imaging.Clone(src)
	stamp(dst, text)

	if err := imaging.Save(dst, out, imaging.JPEGQuality(PreviewQuality)); err != nil {
		return fmt.Errorf("プレビューの保存に失敗: %w", err)
	}
	return nil
}

// stamp は中央の帯と斜めに並べた文字列を描く
func stamp(img *image.NRGBA, text string) {
	b := img.Bounds()
	face := basicfont.Face7x13
	textWidth := font.MeasureString(face, text).Ceil()
	lineHeight := face.Metrics().Height.Ceil()

	// 中央の帯
	band := image.Rect(b.Min.X, b.Min.Y+b.Dy()/2-lineHeight, b.Max.X, b.Min.Y+b.Dy()/2+lineHeight)
	draw.Draw(img, band, image.NewUniform(color.NRGBA{0, 0, 0, 110}), image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 220}),
		Face: face,
	}
	d.Dot = fixed.P(b.Min.X+(b.Dx()-textWidth)/2, b.Min.Y+b.Dy()/2+lineHeight/3)
	d.DrawString(text)

	// 全面に薄く繰り返す
	d.Src = image.NewUniform(color.NRGBA{255, 255, 255, 90})
	stepX := textWidth + 40
	stepY := lineHeight * 5
	for row, y := 0, b.Min.Y+lineHeight*2; y < b.Max.Y; row, y = row+1, y+stepY {
		offset := (row % 2) * stepX / 2
		for x := b.Min.X - offset; x < b.Max.X; x += stepX {
			d.Dot = fixed.P(x, y)
			d.DrawString(text)
		}
	}
}
